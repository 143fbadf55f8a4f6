package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Service transcribes recordings sent over the bus.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	timeout    time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.STTConfig, timeout time.Duration, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.QueueSubscribe(protocol.SubjectSpeechTranscribe, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe transcription requests: %w", err)
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
	var job protocol.TranscriptionJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode transcription request", slogError(err))
		_ = s.bus.Reply(msg, protocol.TranscriptionResult{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		res, err := s.recognizer.Transcribe(ctx, Audio{Data: job.Audio, MIMEType: job.MIMEType, Filename: job.Filename})
		result := protocol.TranscriptionResult{
			Text:      strings.TrimSpace(res.Text),
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			s.logger.Warn("stt transcription failed", slogError(err), slog.String("session_id", job.SessionID))
			result.Error = err.Error()
		} else {
			s.logger.Info("stt transcription complete",
				slog.String("session_id", job.SessionID),
				slog.Int("bytes", len(job.Audio)),
				slog.Float64("latency_ms", result.LatencyMS),
			)
		}
		if err := s.bus.Reply(msg, result); err != nil {
			s.logger.Warn("failed to reply to transcription request", slogError(err))
		}
	}()
}

// BusRecognizer sends recordings to a Service on another node.
type BusRecognizer struct {
	bus *bus.Client
}

func NewBusRecognizer(busClient *bus.Client) *BusRecognizer {
	return &BusRecognizer{bus: busClient}
}

func (r *BusRecognizer) Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error) {
	if len(audio.Data) == 0 {
		return TranscriptResult{}, ErrEmptyAudio
	}
	var result protocol.TranscriptionResult
	job := protocol.TranscriptionJob{Audio: audio.Data, MIMEType: audio.MIMEType, Filename: audio.Filename}
	if err := r.bus.Request(ctx, protocol.SubjectSpeechTranscribe, job, &result); err != nil {
		return TranscriptResult{}, err
	}
	if result.Error != "" {
		return TranscriptResult{}, errors.New(result.Error)
	}
	return TranscriptResult{Text: result.Text}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
