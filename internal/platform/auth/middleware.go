package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	UserRolesKey   contextKey = "user_roles"
	PatientRefKey  contextKey = "patient_ref"
	BearerTokenKey contextKey = "bearer_token"
)

// Claims are the token claims issued by the auth service. Older tokens carry
// a single role and the user id under "id"; newer ones use sub and roles.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string   `json:"id,omitempty"`
	Email      string   `json:"email,omitempty"`
	Role       string   `json:"role,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	PatientRef string   `json:"patient_ref,omitempty"`
}

// subject returns the user identifier, preferring the registered sub claim.
func (c *Claims) subject() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// allRoles merges the single and multi-valued role claims.
func (c *Claims) allRoles() []string {
	roles := append([]string(nil), c.Roles...)
	if c.Role != "" {
		roles = append(roles, c.Role)
	}
	return roles
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey is the HMAC secret shared with the auth service.
	SigningKey []byte
}

// bearerToken extracts the raw token from the Authorization header, falling
// back to the token query parameter used by download links.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if tok := c.QueryParam("token"); tok != "" {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithIdentity(c.Request().Context(), claims.subject(), claims.allRoles(), claims.PatientRef)
			ctx = context.WithValue(ctx, BearerTokenKey, tokenStr)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that lets
// unauthenticated requests through as an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithIdentity(c.Request().Context(), "dev-user", []string{"admin"}, "")
			if tok, err := bearerToken(c); err == nil {
				ctx = context.WithValue(ctx, BearerTokenKey, tok)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity stores the authenticated caller on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string, patientRef string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, PatientRefKey, patientRef)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// PatientRefFromContext returns the patient record linked to the caller's
// account, empty for staff accounts.
func PatientRefFromContext(ctx context.Context) string {
	ref, _ := ctx.Value(PatientRefKey).(string)
	return ref
}

// TokenFromContext returns the raw bearer token of the current request so it
// can be forwarded to other services.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(BearerTokenKey).(string)
	return tok
}
