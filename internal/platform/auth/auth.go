package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var (
	// ErrInvalidKey indicates the provided API key does not match.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the JWT claims accepted by the server.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Config configures request authentication. Either APIKey or JWTSecret (or
// both) may be set; a request passes if it satisfies either mechanism. With
// neither set the middleware is a pass-through, which is only permitted in
// development mode.
type Config struct {
	APIKey    string
	JWTSecret []byte
	// Skipper returns true for requests that bypass authentication, such as
	// health checks.
	Skipper func(c echo.Context) bool
}

// Middleware returns an Echo middleware that authenticates requests with
// an X-API-Key header or an Authorization: Bearer HS256 JWT.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			if cfg.APIKey == "" && len(cfg.JWTSecret) == 0 {
				return next(c)
			}

			if cfg.APIKey != "" {
				if key := c.Request().Header.Get("X-API-Key"); key != "" {
					if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
						c.Set("auth_method", "api_key")
						return next(c)
					}
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
				}
			}

			if len(cfg.JWTSecret) != 0 {
				if token := bearerToken(c); token != "" {
					claims, err := ValidateToken(token, cfg.JWTSecret)
					if err != nil {
						return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
					}
					c.Set("auth_method", "jwt")
					c.Set("claims", claims)
					return next(c)
				}
			}

			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
	}
}

// HealthSkipper bypasses authentication for health endpoints.
func HealthSkipper(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/health" || strings.HasPrefix(p, "/health/")
}

// ValidateToken parses and validates an HS256 JWT and returns its claims.
func ValidateToken(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs an HS256 JWT for the given subject. Used by the CLI to
// mint tokens for service clients.
func IssueToken(secret []byte, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
