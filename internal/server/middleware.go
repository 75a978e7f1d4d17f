package server

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	logx "resultwatch/pkg/logx"
)

// requestLogger logs one line per request.
func requestLogger(log logx.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			res := c.Response()
			fields := []logx.Field{
				logx.String("method", req.Method),
				logx.String("path", c.Path()),
				logx.Int("status", res.Status),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
			}
			switch {
			case res.Status >= 500:
				log.Warn("http request", fields...)
			case c.Path() == "/healthz" || c.Path() == "/metrics":
				log.Debug("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
			return nil
		}
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) echo.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if tok == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				const p = "Bearer "
				if ah := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func registerPprof(e *echo.Echo, auth echo.MiddlewareFunc) {
	g := e.Group("/debug/pprof", auth)
	g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	// Index also serves the named profiles (heap, goroutine, ...).
	g.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
}
