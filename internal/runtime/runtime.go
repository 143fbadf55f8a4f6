// Package runtime wires the interview server together: telemetry, the
// event store, the bus, engine services and the HTTP gateway.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-interview/internal/audiocache"
	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/capability"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/engine"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/gateway"
	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/quiz"
	"github.com/loqalabs/loqa-interview/internal/stt"
	"github.com/loqalabs/loqa-interview/internal/tts"
)

const prunePeriod = time.Hour

type service interface {
	Start() error
	Close()
	Healthy() bool
}

// check is one named readiness condition.
type check struct {
	name string
	fn   func() error
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	traceOut    io.Writer
	tracerClose func(context.Context) error

	events   *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	services []service
	checks   []check

	ready   atomic.Bool
	addr    atomic.Value
	started chan struct{}
	once    sync.Once
}

type Option func(*Runtime)

// WithTraceOutput redirects the stdout trace exporter.
func WithTraceOutput(w io.Writer) Option {
	return func(r *Runtime) {
		r.traceOut = w
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stdout,
		started:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Started is closed once the HTTP listener is accepting connections.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Addr is the bound HTTP address, empty before Started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start runs the server until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	handler, err := r.build(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)

	var metricsServer *http.Server
	if metricHandler != nil {
		if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricHandler)
			metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		} else {
			mux.Handle("GET /metrics", metricHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.events.RunPruner(gctx, prunePeriod)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.addr.Store(ln.Addr().String())
	r.ready.Store(true)
	r.once.Do(func() { close(r.started) })
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("placement", r.cfg.Engines.Placement),
	)

	return g.Wait()
}

// build brings up every dependency of the gateway and returns its handler.
func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	cfg := r.cfg
	events, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	busCfg := cfg.Bus
	if cfg.Bus.Embedded {
		embedded, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return nil, err
		}
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	placement := strings.ToLower(cfg.Engines.Placement)
	if cfg.Bus.Embedded || placement == "bus" {
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
		r.checks = append(r.checks, check{name: "bus", fn: func() error {
			if !client.Healthy() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	timeout := time.Duration(cfg.Engines.RequestTimeoutMS) * time.Millisecond
	local, err := newBackends(cfg, timeout)
	if err != nil {
		return nil, err
	}
	if r.bus != nil {
		if err := r.startServices(ctx, local, timeout); err != nil {
			return nil, err
		}
		registry, err := capability.NewRegistry(ctx, cfg.Node, capability.FromConfig(cfg), r.bus, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	var parts engine.Parts
	switch placement {
	case "bus":
		parts = engine.Parts{
			Master:     quiz.NewMaster(llm.NewBusGenerator(r.bus), cfg.LLM, r.logger),
			Synth:      tts.NewBusSynthesizer(r.bus),
			Recognizer: stt.NewBusRecognizer(r.bus),
		}
		registry := r.registry
		r.checks = append(r.checks, check{name: "engines", fn: func() error {
			if missing := registry.Missing(capability.EngineLLM, capability.EngineSTT, capability.EngineTTS); len(missing) > 0 {
				return fmt.Errorf("no node serves %s", strings.Join(missing, ", "))
			}
			return nil
		}})
	default:
		parts = engine.Parts{Synth: local.synth, Recognizer: local.recognizer}
		if local.generator != nil {
			parts.Master = quiz.NewMaster(local.generator, cfg.LLM, r.logger)
		}
	}
	parts.Voice = cfg.TTS.Voice
	parts.Timeout = timeout

	engines, err := engine.Instrument(engine.New(parts), otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		return nil, err
	}
	audio, err := audiocache.New(cfg.Interview.AudioCacheEntries)
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(cfg, engines, audio, events, r.logger)
	if err != nil {
		return nil, err
	}
	return gw.Handler(), nil
}

type backends struct {
	generator  llm.Generator
	synth      tts.Synthesizer
	recognizer stt.Recognizer
}

// newBackends builds the in-process backend of every enabled engine.
func newBackends(cfg config.Config, timeout time.Duration) (backends, error) {
	var (
		b   backends
		err error
	)
	if cfg.LLM.Enabled {
		if b.generator, err = llm.NewGenerator(cfg.LLM, cfg.OpenAI, timeout); err != nil {
			return b, fmt.Errorf("llm backend: %w", err)
		}
	}
	if cfg.TTS.Enabled {
		if b.synth, err = tts.NewSynthesizer(cfg.TTS, cfg.OpenAI); err != nil {
			return b, fmt.Errorf("tts backend: %w", err)
		}
	}
	if cfg.STT.Enabled {
		if b.recognizer, err = stt.NewRecognizer(cfg.STT, cfg.OpenAI); err != nil {
			return b, fmt.Errorf("stt backend: %w", err)
		}
	}
	return b, nil
}

// startServices serves the enabled local backends on the bus so other
// gateways can use this node.
func (r *Runtime) startServices(ctx context.Context, b backends, timeout time.Duration) error {
	var services []service
	if b.generator != nil {
		services = append(services, llm.NewService(ctx, r.cfg.LLM, timeout, r.bus, b.generator, r.logger))
	}
	if b.recognizer != nil {
		services = append(services, stt.NewService(ctx, r.cfg.STT, timeout, r.bus, b.recognizer, r.logger))
	}
	if b.synth != nil {
		services = append(services, tts.NewService(ctx, r.cfg.TTS, timeout, r.bus, b.synth, r.logger))
	}
	for _, svc := range services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start engine service: %w", err)
		}
		r.services = append(r.services, svc)
	}
	r.checks = append(r.checks, check{name: "services", fn: func() error {
		for _, svc := range r.services {
			if !svc.Healthy() {
				return errors.New("engine service not subscribed")
			}
		}
		return nil
	}})
	return nil
}

func (r *Runtime) closeAll() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if err := r.events.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	res := readiness{Status: "ready", Checks: make(map[string]string, len(r.checks))}
	status := http.StatusOK
	if !r.ready.Load() {
		res.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	for _, c := range r.checks {
		if err := c.fn(); err != nil {
			res.Checks[c.name] = "fail: " + err.Error()
			res.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.name] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
