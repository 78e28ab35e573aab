// Package server exposes the coordinator over HTTP: JSON control endpoints,
// a WebSocket snapshot stream and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/metrics"
	"github.com/chaz8081/localwhisper/internal/stream"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

const (
	defaultMaxUpload = 64 << 20
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Controller is what the server drives. *stream.Coordinator implements it.
type Controller interface {
	Initialize(ctx context.Context, backend string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*stream.Final, error)
	Cancel()
	TranscribeFile(ctx context.Context, encoded []byte) (*stream.Final, error)
	Snapshot() stream.Snapshot
	Subscribe() (<-chan stream.Snapshot, func())
}

// Options configures a Server.
type Options struct {
	Addr      string
	MaxUpload int64 // bytes accepted by /api/transcribe
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	ctrl      Controller
	addr      string
	maxUpload int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a Server for ctrl.
func New(ctrl Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUpload
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Server{
		ctrl:      ctrl,
		addr:      opts.Addr,
		maxUpload: maxUpload,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
		})
		r.Post("/backend", s.handleBackend)
		r.Post("/recording/start", s.handleStart)
		r.Post("/recording/stop", s.handleStop)
		r.Post("/recording/cancel", func(w http.ResponseWriter, _ *http.Request) {
			s.ctrl.Cancel()
			writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
		})
		r.Post("/transcribe", s.handleTranscribe)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type backendRequest struct {
	Backend string `json:"backend"`
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Backend == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "backend is required"})
		return
	}
	if err := s.ctrl.Initialize(r.Context(), req.Backend); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleStop runs the final pass detached from the request: the clip is
// already taken from the recorder, and transcribe.timeout bounds the call.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	final, err := s.ctrl.Stop(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if final == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newFinalResponse(final))
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	final, err := s.ctrl.TranscribeFile(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFinalResponse(final))
}

// handleWS streams snapshots to the client until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade websocket failed", "error", err)
		return
	}
	defer conn.Close()

	snaps, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// The client only sends control frames; reading surfaces its close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type finalResponse struct {
	SessionID string                        `json:"session_id,omitempty"`
	Backend   string                        `json:"backend"`
	Result    transcribe.Result             `json:"result"`
	Metrics   transcribe.PerformanceMetrics `json:"metrics"`
	DurationS float64                       `json:"duration_s"`
}

func newFinalResponse(f *stream.Final) finalResponse {
	return finalResponse{
		SessionID: f.SessionID,
		Backend:   f.Backend,
		Result:    f.Result,
		Metrics:   f.Metrics,
		DurationS: f.Duration.Seconds(),
	}
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var ie *transcribe.InferenceError
	switch {
	case errors.Is(err, transcribe.ErrUnknownBackend), audio.IsDecodeError(err):
		return http.StatusBadRequest
	case errors.Is(err, transcribe.ErrBackendUnavailable),
		errors.Is(err, audio.ErrAlreadyRecording),
		errors.Is(err, stream.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, stream.ErrTooShort):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrDeviceAccess):
		return http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ie):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
