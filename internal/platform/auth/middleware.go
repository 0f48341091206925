package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token payload issued by the hospital identity service.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	PatientID string `json:"patient_id,omitempty"`
	DoctorID  string `json:"doctor_id,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// Identity converts validated claims into an Identity. A patient token must
// carry patient_id and a doctor token doctor_id.
func (c *Claims) Identity() (Identity, error) {
	id := Identity{UserID: c.Subject, Role: Role(c.Role)}
	if !id.Role.Valid() {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown role")
	}
	var err error
	if id.PatientID, err = optionalUUID(c.PatientID); err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid patient_id claim")
	}
	if id.DoctorID, err = optionalUUID(c.DoctorID); err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid doctor_id claim")
	}
	if id.Role == RolePatient && id.PatientID == nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "patient token without patient_id")
	}
	if id.Role == RoleDoctor && id.DoctorID == nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "doctor token without doctor_id")
	}
	return id, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			id, err := claims.Identity()
			if err != nil {
				return err
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without X-Dev-Role get an admin identity; X-Dev-Role, X-Dev-Patient-ID and
// X-Dev-Doctor-ID let a developer act as a specific patient or doctor.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			claims := &Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "dev-user"},
				Role:             string(RoleAdmin),
				PatientID:        h.Get("X-Dev-Patient-ID"),
				DoctorID:         h.Get("X-Dev-Doctor-ID"),
			}
			if r := h.Get("X-Dev-Role"); r != "" {
				claims.Role = r
			}
			id, err := claims.Identity()
			if err != nil {
				return err
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id Identity) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	ctx = context.WithValue(ctx, UserRolesKey, []string{string(id.Role)})
	ctx = WithIdentity(ctx, id)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
