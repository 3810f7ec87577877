// Package diag exposes the local diagnostics HTTP surface: health,
// metrics, and a point-in-time view of the mesh connection set. It binds
// to loopback by default and carries no authentication.
package diag

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/quadcall/quadcall/internal/media"
	"github.com/quadcall/quadcall/internal/mesh"
	"github.com/quadcall/quadcall/internal/metrics"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// MeshObserver is the read-only view the diagnostics surface gets of the
// coordinator. Snapshots are point-in-time copies, never the live map.
type MeshObserver interface {
	Snapshot() []mesh.PeerSnapshot
	LocalTrackState() media.TrackState
}

type Options struct {
	ListenAddr string
	PeerID     string
	RoomID     string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Mesh    MeshObserver
	Build   BuildInfo
}

type Server struct {
	log  *slog.Logger
	opts Options

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		log:  opts.Logger.With(slog.String("component", "diag")),
		opts: opts,
		mux:  http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("diagnostics server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.opts.Build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.opts.Metrics))

	s.mux.HandleFunc("GET /connections", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Mesh == nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "mesh not attached"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"peerId":     s.opts.PeerID,
			"roomId":     s.opts.RoomID,
			"localTrack": s.opts.Mesh.LocalTrackState(),
			"peers":      s.opts.Mesh.Snapshot(),
		})
	})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
