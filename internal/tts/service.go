package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Service synthesizes speech for jobs arriving on the bus and replies with
// the whole encoded file.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	synth   Synthesizer
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, timeout time.Duration, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.QueueSubscribe(protocol.SubjectSpeechSynthesize, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var job protocol.SynthesisJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		_ = s.bus.Reply(msg, protocol.SynthesisResult{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		voice := job.Voice
		if voice == "" {
			voice = s.cfg.Voice
		}
		start := time.Now()
		audio, mime, err := Collect(ctx, s.synth, SynthRequest{SessionID: job.SessionID, Text: job.Text, Voice: voice})
		result := protocol.SynthesisResult{
			Audio:     audio,
			MIMEType:  mime,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			s.logger.Warn("tts synthesis error", slogError(err), slog.String("session_id", job.SessionID))
			result.Error = err.Error()
		} else {
			s.logger.Info("tts synthesis complete",
				slog.String("session_id", job.SessionID),
				slog.Int("bytes", len(audio)),
				slog.Float64("latency_ms", result.LatencyMS),
			)
		}
		if err := s.bus.Reply(msg, result); err != nil {
			s.logger.Warn("failed to reply to tts request", slogError(err))
		}
	}()
}

// BusSynthesizer asks a Service on another node for speech. The reply
// arrives as a single final chunk.
type BusSynthesizer struct {
	bus *bus.Client
}

func NewBusSynthesizer(busClient *bus.Client) *BusSynthesizer {
	return &BusSynthesizer{bus: busClient}
}

func (b *BusSynthesizer) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		var result protocol.SynthesisResult
		job := protocol.SynthesisJob{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice}
		if err := b.bus.Request(ctx, protocol.SubjectSpeechSynthesize, job, &result); err != nil {
			errs <- err
			return
		}
		if result.Error != "" {
			errs <- errors.New(result.Error)
			return
		}
		chunks <- SynthChunk{SessionID: req.SessionID, MIMEType: result.MIMEType, Data: result.Audio, Final: true}
	}()
	return chunks, errs
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
