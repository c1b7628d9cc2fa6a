// Package gateway is the HTTP surface: session control, payload upload and
// live progress streaming over server-sent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"zapsend/internal/dispatch"
	"zapsend/internal/history"
	"zapsend/internal/progress"
	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

const defaultMaxUploadMB = 10

type Options struct {
	Addr        string
	UploadDir   string
	MaxUploadMB int64
}

type Server struct {
	opts Options
	reg  *session.Registry
	boot *session.Bootstrapper
	ctrl *dispatch.Controller
	pub  *progress.Publisher
	hist *history.Recorder
	log  logx.Logger

	srv *http.Server
}

func New(opts Options, reg *session.Registry, boot *session.Bootstrapper, ctrl *dispatch.Controller, pub *progress.Publisher, hist *history.Recorder, log logx.Logger) *Server {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = defaultMaxUploadMB
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		opts: opts,
		reg:  reg,
		boot: boot,
		ctrl: ctrl,
		pub:  pub,
		hist: hist,
		log:  log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/session/{key}", s.handleDisconnect)
	mux.HandleFunc("POST /api/session/{key}/connect", s.handleConnect)
	mux.HandleFunc("POST /api/session/{key}/payload", s.handleUpload)
	mux.HandleFunc("POST /api/session/{key}/start", s.handleStart)
	mux.HandleFunc("POST /api/session/{key}/pause", s.handlePause)
	mux.HandleFunc("POST /api/session/{key}/resume", s.handleResume)
	mux.HandleFunc("POST /api/session/{key}/stop", s.handleStop)
	mux.HandleFunc("GET /api/session/{key}", s.handleGetSession)
	mux.HandleFunc("GET /api/session/{key}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/session/{key}/history", s.handleHistory)
	mux.HandleFunc("GET /api/session/{key}/events", s.handleEvents)

	return mux
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down with
// a bounded drain window.
func (s *Server) Serve(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("gateway listening", logx.String("addr", s.opts.Addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.reg.Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
