// Package capability tracks which nodes on the bus serve which interview
// engines. Every node publishes a presence message on start and then on each
// heartbeat; a node is live while its last presence is within the heartbeat
// timeout.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
)

// Engine names advertised by engine nodes.
const (
	EngineLLM = "llm"
	EngineSTT = "stt"
	EngineTTS = "tts"
)

// Engine is one collaborator a node can serve.
type Engine struct {
	Name  string `json:"name"`
	Mode  string `json:"mode"`
	Model string `json:"model,omitempty"`
}

type Node struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Engines  []Engine  `json:"engines"`
	LastSeen time.Time `json:"lastSeen"`
}

// Serves reports whether the node advertises the named engine.
func (n Node) Serves(name string) bool {
	return slices.ContainsFunc(n.Engines, func(e Engine) bool { return e.Name == name })
}

type presence struct {
	NodeID  string    `json:"nodeId"`
	Role    string    `json:"role"`
	Engines []Engine  `json:"engines"`
	SentAt  time.Time `json:"sentAt"`
	Leaving bool      `json:"leaving,omitempty"`
}

const subjectPresence = "interview.ctrl.presence"

type Registry struct {
	self     presence
	interval time.Duration
	timeout  time.Duration
	bus      *bus.Client
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]Node

	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry starts tracking presence on the bus and advertises local,
// which may be empty for a node that only consumes engines.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Engine, busClient *bus.Client, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		self:     presence{NodeID: cfg.ID, Role: cfg.Role, Engines: local},
		interval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "capability-registry")),
		now:      time.Now,
		nodes:    make(map[string]Node),
		done:     make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.timeout < r.interval {
		r.timeout = 3 * r.interval
	}

	sub, err := busClient.Conn().Subscribe(subjectPresence+".*", r.handlePresence)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	if err := r.registerMetrics(); err != nil {
		r.logger.Warn("failed to register capability metrics", slog.String("error", err.Error()))
	}

	// The local node is always known, even before its own message loops back.
	r.observe(r.self, r.now())
	if err := r.publish(false); err != nil {
		r.logger.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.heartbeat(ctx)
	return r, nil
}

// Close tells peers the node is leaving and stops the heartbeat.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	if err := r.publish(true); err != nil {
		r.logger.Debug("failed to publish leave", slog.String("error", err.Error()))
	}
	_ = r.sub.Unsubscribe()
}

func (r *Registry) heartbeat(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.observe(r.self, r.now())
			if err := r.publish(false); err != nil {
				r.logger.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) publish(leaving bool) error {
	msg := r.self
	msg.SentAt = r.now().UTC()
	msg.Leaving = leaving
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectPresence+"."+r.self.NodeID, payload)
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.NodeID == "" {
		r.logger.Warn("invalid presence message", slog.String("subject", msg.Subject))
		return
	}
	if p.NodeID == r.self.NodeID {
		return
	}
	if p.Leaving {
		r.mu.Lock()
		delete(r.nodes, p.NodeID)
		r.mu.Unlock()
		r.logger.Info("engine node left", slog.String("node", p.NodeID))
		return
	}
	// Receipt time, not the sender's clock, decides liveness.
	if r.observe(p, r.now()) {
		r.logger.Info("engine node joined", slog.String("node", p.NodeID), slog.Int("engines", len(p.Engines)))
	}
}

// observe records a presence and reports whether the node was new.
func (r *Registry) observe(p presence, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.nodes[p.NodeID]
	r.nodes[p.NodeID] = Node{ID: p.NodeID, Role: p.Role, Engines: p.Engines, LastSeen: at}
	return !known
}

func (r *Registry) live(n Node, now time.Time) bool {
	return now.Sub(n.LastSeen) <= r.timeout
}

// Healthy reports whether the local heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[r.self.NodeID]
	return ok && r.live(n, r.now())
}

// Nodes returns the live nodes sorted by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if r.live(n, now) {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Missing returns the engine names no live node serves.
func (r *Registry) Missing(names ...string) []string {
	nodes := r.Nodes()
	var missing []string
	for _, name := range names {
		if !slices.ContainsFunc(nodes, func(n Node) bool { return n.Serves(name) }) {
			missing = append(missing, name)
		}
	}
	return missing
}

func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-interview/capability")
	gauge, err := meter.Int64ObservableGauge("loqa.interview.engine.nodes",
		metric.WithDescription("Live nodes serving each interview engine"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		counts := map[string]int64{EngineLLM: 0, EngineSTT: 0, EngineTTS: 0}
		for _, n := range r.Nodes() {
			for _, e := range n.Engines {
				counts[e.Name]++
			}
		}
		for name, c := range counts {
			obs.ObserveInt64(gauge, c, metric.WithAttributes(attribute.String("engine", name)))
		}
		return nil
	}, gauge)
	return err
}

// FromConfig lists the engines this node serves. Disabled engines are not
// advertised.
func FromConfig(cfg config.Config) []Engine {
	var engines []Engine
	if cfg.LLM.Enabled {
		model := cfg.LLM.ModelBalanced
		if cfg.LLM.DefaultTier == "fast" {
			model = cfg.LLM.ModelFast
		}
		engines = append(engines, Engine{Name: EngineLLM, Mode: cfg.LLM.Mode, Model: model})
	}
	if cfg.STT.Enabled {
		engines = append(engines, Engine{Name: EngineSTT, Mode: cfg.STT.Mode, Model: cfg.STT.Model})
	}
	if cfg.TTS.Enabled {
		engines = append(engines, Engine{Name: EngineTTS, Mode: cfg.TTS.Mode, Model: cfg.TTS.Model})
	}
	return engines
}
