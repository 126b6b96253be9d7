package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderjobs/internal/models"
	"orderjobs/internal/repository"
)

const (
	HeaderToken  = "Token"
	HeaderUserID = "X-User-ID"
	HeaderTeamID = "X-Team-ID"

	ownerContextKey = "job_owner"
)

func deny(c echo.Context, code int, msg string) error {
	return c.JSON(code, models.APIResponse{Status: false, Msg: msg, Obj: nil})
}

// APIAuth validates the Token header against the API key. The SHA256 hex of
// the key is accepted as well.
func APIAuth(apiKey string) echo.MiddlewareFunc {
	h := sha256.Sum256([]byte(apiKey))
	hashed := hex.EncodeToString(h[:])

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := strings.TrimSpace(c.Request().Header.Get(HeaderToken))
			if token == "" {
				return deny(c, http.StatusUnauthorized, "Token is required")
			}
			if apiKey == "" {
				return deny(c, http.StatusUnauthorized, "Invalid token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 ||
				subtle.ConstantTimeCompare([]byte(strings.ToLower(token)), []byte(hashed)) == 1 {
				return next(c)
			}
			return deny(c, http.StatusUnauthorized, "Invalid token")
		}
	}
}

// Owner reads the caller identity set by the upstream gateway and stores it
// on the context for OwnerFrom.
func Owner() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := repository.Owner{
				UserID: strings.TrimSpace(c.Request().Header.Get(HeaderUserID)),
				TeamID: strings.TrimSpace(c.Request().Header.Get(HeaderTeamID)),
			}
			if owner.UserID == "" {
				return deny(c, http.StatusBadRequest, HeaderUserID+" header is required")
			}
			c.Set(ownerContextKey, owner)
			return next(c)
		}
	}
}

// OwnerFrom returns the owner stored by Owner.
func OwnerFrom(c echo.Context) (repository.Owner, bool) {
	owner, ok := c.Get(ownerContextKey).(repository.Owner)
	return owner, ok
}

// RequestLogger writes one zap line per request.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			if c.Response().Status >= http.StatusInternalServerError {
				logger.Error("API request", fields...)
			} else {
				logger.Debug("API request", fields...)
			}
			return nil
		}
	}
}

// CORS configures CORS headers.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("Access-Control-Allow-Origin", "*")
			c.Response().Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type, Token, X-User-ID, X-Team-ID")
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
