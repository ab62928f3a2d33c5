package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/models"
)

// userContextKey stores the authenticated user on the echo context.
const userContextKey = "brigade.user"

// authMiddleware authenticates requests with a bearer JWT carrying an email
// claim. With AUTH_DISABLED the dev user is injected instead.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.cfg.AuthDisabled {
				user, err := s.users.DevUser(c.Request().Context())
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "resolving dev user")
				}
				c.Set(userContextKey, user)
				return next(c)
			}

			token := bearerToken(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			email, err := s.verifyToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			user, err := s.users.ResolveEmail(c.Request().Context(), email)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// verifyToken validates the JWT signature and expiry and returns the email
// claim.
func (s *Server) verifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return "", fmt.Errorf("token has no email claim")
	}
	return email, nil
}

// MintToken issues a signed JWT for an email, used by tests and the CLI.
func (s *Server) MintToken(email string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": email,
		"exp":   time.Now().Add(ttl).Unix(),
		"iat":   time.Now().Unix(),
	})
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// requireInternalOrAdmin admits requests carrying the internal API token or
// an authenticated admin user. It replaces the bearer middleware on its
// routes: internal callers have no user identity, so the bearer path only
// runs when no X-Internal-Token header is present.
func (s *Server) requireInternalOrAdmin() echo.MiddlewareFunc {
	auth := s.authMiddleware()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		requireAdmin := auth(func(c *echo.Context) error {
			user := currentUser(c)
			if user == nil || user.Role != models.RoleAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "admin access required")
			}
			return next(c)
		})
		return func(c *echo.Context) error {
			if token := c.Request().Header.Get("X-Internal-Token"); token != "" {
				if s.cfg.InternalAPISecret != "" &&
					subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.InternalAPISecret)) == 1 {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusForbidden, "invalid internal token")
			}
			return requireAdmin(c)
		}
	}
}

// currentUser returns the authenticated user set by the auth middleware.
func currentUser(c *echo.Context) *models.User {
	user, _ := c.Get(userContextKey).(*models.User)
	return user
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("brigade_token"); err == nil {
		return cookie.Value
	}
	return ""
}
