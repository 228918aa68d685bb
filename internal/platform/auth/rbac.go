package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin   = "admin"
	RoleBilling = "billing"
	RolePatient = "patient"
)

// RequireRole returns middleware that lets the request through when the
// caller holds any of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether the caller holds one of roles or is an admin.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// PatientScope returns the patient reference the caller is restricted to.
// Staff (admin, billing) are unrestricted and get ok=false.
func PatientScope(ctx context.Context) (patientRef string, ok bool) {
	if HasAnyRole(ctx, RoleBilling) {
		return "", false
	}
	return PatientRefFromContext(ctx), true
}
