package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Service answers completion jobs arriving on the bus with the configured
// generator.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, timeout time.Duration, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.QueueSubscribe(protocol.SubjectLLMComplete, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe llm requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var job protocol.CompletionJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		_ = s.bus.Reply(msg, protocol.CompletionResult{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		req := OptionsFromConfig(s.cfg, job.Tier)
		req.SessionID = job.SessionID
		req.Purpose = Purpose(job.Purpose)
		req.Prompt = job.Prompt
		req.System = job.System
		req.JSON = job.JSON
		req.MaxTokens = coalesceInt(job.MaxTokens, s.cfg.MaxTokens)
		if job.Temperature != 0 {
			req.Temperature = job.Temperature
		}

		var (
			result protocol.CompletionResult
			buf    []byte
		)
		start := time.Now()
		err := s.generator.Generate(ctx, req, func(chunk Chunk) error {
			buf = append(buf, chunk.Content...)
			result.PromptTokens = chunk.PromptTokens
			result.CompletionTokens = chunk.CompletionTokens
			return nil
		})
		result.Content = string(buf)
		result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
		if err != nil {
			s.logger.Warn("llm generation failed", slogError(err), slog.String("session_id", job.SessionID))
			result.Error = err.Error()
		} else {
			s.logger.Info("llm generation complete",
				slog.String("session_id", job.SessionID),
				slog.String("purpose", job.Purpose),
				slog.Float64("latency_ms", result.LatencyMS),
			)
		}
		if err := s.bus.Reply(msg, result); err != nil {
			s.logger.Warn("failed to reply to llm request", slogError(err))
		}
	}()
}

// BusGenerator forwards requests to a Service on another node.
type BusGenerator struct {
	bus *bus.Client
}

func NewBusGenerator(busClient *bus.Client) *BusGenerator {
	return &BusGenerator{bus: busClient}
}

func (g *BusGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	job := protocol.CompletionJob{
		SessionID:   req.SessionID,
		Purpose:     string(req.Purpose),
		System:      req.System,
		Prompt:      req.Prompt,
		Tier:        req.Tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	}
	var result protocol.CompletionResult
	if err := g.bus.Request(ctx, protocol.SubjectLLMComplete, job, &result); err != nil {
		return err
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          result.Content,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		Latency:          time.Duration(result.LatencyMS * float64(time.Millisecond)),
	})
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
