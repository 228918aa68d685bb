package pagination

import (
	"iter"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset query parameters, clamping them to
// sane bounds.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Collect drains seq once, keeping only the window described by p, and
// returns that window together with the number of elements seen. The first
// error yielded by seq aborts the pass.
func Collect[T any](seq iter.Seq2[T, error], p Params) ([]T, int, error) {
	page := make([]T, 0, p.Limit)
	total := 0
	for v, err := range seq {
		if err != nil {
			return nil, 0, err
		}
		if total >= p.Offset && len(page) < p.Limit {
			page = append(page, v)
		}
		total++
	}
	return page, total, nil
}
