// Package gateway serves the interview HTTP API: question streaming,
// answer validation, speech synthesis, transcription and cached audio.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/loqa-interview/internal/audiocache"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/engine"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

type Server struct {
	cfg     config.Config
	engines engine.Engines
	audio   *audiocache.Cache
	events  *eventstore.Store
	limiter *limiter
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	handler http.Handler
}

type Option func(*Server)

// WithSessionIDs overrides how new interview session ids are minted.
func WithSessionIDs(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

func New(cfg config.Config, engines engine.Engines, audio *audiocache.Cache, events *eventstore.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	lim, err := newLimiter(cfg.HTTP.RateLimit, time.Duration(cfg.HTTP.RateWindowS)*time.Second)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		engines: engines,
		audio:   audio,
		events:  events,
		limiter: lim,
		logger:  logger.With(slog.String("component", "gateway")),
		now:     time.Now,
		newID:   newSessionID,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/interview/start", s.handleStart)
	mux.HandleFunc("POST /api/interview/validate-answer", s.handleValidate)
	mux.HandleFunc("POST /api/audio/text-to-speech", s.handleSpeech)
	mux.HandleFunc("POST /api/audio/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /api/audio/stream/{sessionId}", s.handleAudioStream)
	mux.HandleFunc("GET /api/sessions/{sessionId}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	var h http.Handler = mux
	h = s.authenticate(h)
	h = s.rateLimit(h)
	s.handler = otelhttp.NewHandler(h, "gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s, nil
}

// Handler returns the instrumented API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.HTTP.AuthToken)
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", s.limiter.retryAfter())
			writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Success: false, Error: msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
