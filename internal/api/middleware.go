package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/metrics"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxClientName   = "api_client"
)

var (
	errMissingAPIKey    = errors.New("missing api key")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

// requestIDMiddleware keeps a caller supplied request id or assigns a new one.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(headerRequestID))
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(ctxRequestID, id)
			c.Response().Header().Set(headerRequestID, id)
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(ctxRequestID).(string)
	return id
}

// loggingMiddleware logs one line per request and counts it by route.
func loggingMiddleware(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.IncHTTP(route, strconv.Itoa(status))

			event := logger.Debug()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			} else if status >= http.StatusBadRequest {
				event = logger.Warn()
			}
			event.
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("http request")
			return nil
		}
	}
}

// apiKeyAuth guards the admin endpoints with static API keys and a per-client
// token bucket. Keys with no permissions listed may call every endpoint.
type apiKeyAuth struct {
	cfg     config.APIAuthConfig
	header  string
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func newAPIKeyAuth(cfg config.APIConfig) *apiKeyAuth {
	header := strings.TrimSpace(cfg.Auth.HeaderAPIKey)
	if header == "" {
		header = "X-API-Key"
	}
	clients := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		clients[k.Key] = k
	}
	return &apiKeyAuth{
		cfg:     cfg.Auth,
		header:  header,
		clients: clients,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// require returns middleware that checks the key and the named permission.
func (a *apiKeyAuth) require(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a.cfg.Enabled {
				client, err := a.authenticate(c.Request())
				if err != nil {
					code := http.StatusUnauthorized
					if errors.Is(err, errPermissionDenied) {
						code = http.StatusForbidden
					}
					return c.JSON(code, map[string]string{"error": err.Error()})
				}
				if err := checkPermission(client, permission); err != nil {
					return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
				}
				c.Set(ctxClientName, client.Name)
			}

			if !a.limiter.allow(a.clientKey(c)) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}
			return next(c)
		}
	}
}

func (a *apiKeyAuth) authenticate(r *http.Request) (config.APIClientKey, error) {
	key := strings.TrimSpace(r.Header.Get(a.header))
	if key == "" {
		return config.APIClientKey{}, errMissingAPIKey
	}
	for k, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return client, nil
		}
	}
	return config.APIClientKey{}, errInvalidAPIKey
}

func checkPermission(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || p == "*" {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *apiKeyAuth) clientKey(c echo.Context) string {
	if key := strings.TrimSpace(c.Request().Header.Get(a.header)); key != "" {
		return "key:" + key
	}
	if ip := c.RealIP(); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}
