package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrorHandler writes every error as {"code", "message"}. Errors that are
// not *echo.HTTPError become an opaque 500.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"code":    "internal_error",
			"message": "internal server error",
		})
	}

	var body interface{}
	switch m := he.Message.(type) {
	case string:
		body = map[string]string{"code": statusCode(he.Code), "message": m}
	case error:
		body = map[string]string{"code": statusCode(he.Code), "message": m.Error()}
	default:
		body = m
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = c.JSON(he.Code, body)
}

// statusCode turns 404 into "not_found".
func statusCode(status int) string {
	if status == http.StatusInternalServerError {
		return "internal_error"
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
