package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"resultwatch/internal/watch"
	logx "resultwatch/pkg/logx"
)

type checkResponse struct {
	Outcome   string            `json:"outcome"`
	Report    watch.CheckReport `json:"report"`
	FailedIDs []string          `json:"failed_ids,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type initResponse struct {
	Outcome string           `json:"outcome"`
	Report  watch.InitReport `json:"report"`
	Noop    bool             `json:"noop"`
	Error   string           `json:"error,omitempty"`
}

// statusFor maps an invocation error to an HTTP status. Partial delivery is
// 207 so schedulers see the invocation as handled.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case watch.IsPartialDelivery(err):
		return http.StatusMultiStatus
	case errors.Is(err, watch.ErrSourceUnavailable), errors.Is(err, watch.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCheck(c echo.Context) error {
	rep, err := s.deps.Watch.Check(c.Request().Context())
	resp := checkResponse{Outcome: watch.Outcome(err), Report: rep}
	if err != nil {
		resp.Error = err.Error()
		var pd *watch.PartialDeliveryError
		if errors.As(err, &pd) {
			resp.FailedIDs = pd.Failed
		}
	}
	return c.JSON(statusFor(err), resp)
}

func (s *Server) handleInit(c echo.Context) error {
	rep, err := s.deps.Watch.Initialize(c.Request().Context())
	resp := initResponse{Outcome: watch.Outcome(err), Report: rep, Noop: err == nil && rep.Seeded == 0}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(statusFor(err), resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleState(c echo.Context) error {
	out := map[string]any{"time": time.Now().UTC()}
	status := http.StatusOK
	if s.deps.State != nil {
		all, err := s.deps.State.GetAll(c.Request().Context())
		if err != nil {
			s.log.Warn("state read failed", logx.Err(err))
			out["error"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			notified := 0
			for _, e := range all {
				if e.Notified {
					notified++
				}
			}
			out["entries"] = len(all)
			out["notified"] = notified
		}
	}
	for name, fn := range s.deps.Status {
		if fn != nil {
			out[name] = fn()
		}
	}
	return c.JSON(status, out)
}
