package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlemarket/fishbot/internal/dispatch"
	"github.com/idlemarket/fishbot/internal/session"
)

// SessionReporter exposes the connection state the status endpoint reports.
// *session.Supervisor satisfies it.
type SessionReporter interface {
	State() session.State
	Failures() (consecutive, token int64)
}

// DispatchReporter exposes the reply pipeline gauges. *dispatch.Engine
// satisfies it.
type DispatchReporter interface {
	Counters() dispatch.Counters
	QueueDepth() (depth, capacity int)
}

type ServerConfig struct {
	Addr string
}

type Server struct {
	sessions  SessionReporter
	dispatch  DispatchReporter
	cfg       ServerConfig
	logger    zerolog.Logger
	startedAt time.Time
	now       func() time.Time

	httpServer *http.Server
}

func NewServer(sessions SessionReporter, dispatcher DispatchReporter, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	now := time.Now
	return &Server{
		sessions:  sessions,
		dispatch:  dispatcher,
		cfg:       cfg,
		logger:    logger,
		startedAt: now().UTC(),
		now:       now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	switch r.URL.Path {
	case "/", "/dashboard":
		s.handleDashboard(w, r)
	case "/health", "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/status":
		s.handleStatus(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type statusResponse struct {
	Session  sessionStatus  `json:"session"`
	Dispatch dispatchStatus `json:"dispatch"`
	Uptime   string         `json:"uptime"`
}

type sessionStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures int64  `json:"consecutiveFailures"`
	TokenFailures       int64  `json:"tokenFailures"`
}

type dispatchStatus struct {
	Counters      dispatch.Counters `json:"counters"`
	QueueDepth    int               `json:"queueDepth"`
	QueueCapacity int               `json:"queueCapacity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	consecutive, token := s.sessions.Failures()
	depth, capacity := s.dispatch.QueueDepth()
	writeJSON(w, http.StatusOK, statusResponse{
		Session: sessionStatus{
			State:               s.sessions.State().String(),
			ConsecutiveFailures: consecutive,
			TokenFailures:       token,
		},
		Dispatch: dispatchStatus{
			Counters:      s.dispatch.Counters(),
			QueueDepth:    depth,
			QueueCapacity: capacity,
		},
		Uptime: s.now().UTC().Sub(s.startedAt).Truncate(time.Second).String(),
	})
}

// Run serves until ctx is cancelled, then shuts down with a short grace
// period. A failure to bind is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("status server listening")

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-errc
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
