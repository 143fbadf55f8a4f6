// Command loqa-interview runs one interview against a loqa-interviewd
// gateway, answering from configured recordings or typed text, and writes
// the latency report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/client"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/coordinator"
	"github.com/loqalabs/loqa-interview/internal/latency"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/orchestrator"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFile     string
		reportPath  string
		metricsAddr string
		maxAnswer   time.Duration
		maxFailures int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-interview.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.StringVar(&reportPath, "report", "", `Report destination; empty picks a dated file name, "-" writes to stdout`)
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve client latency metrics on this address while running")
	flag.DurationVar(&maxAnswer, "max-answer", 2*time.Minute, "Stop recording after this long")
	flag.IntVar(&maxFailures, "max-failures", 3, "Consecutive failures per question before giving up")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to load env file", slog.String("path", envFile), slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meter, shutdownMetrics, err := setupMetrics(metricsAddr, logger)
	if err != nil {
		logger.Error("failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer shutdownMetrics()

	if err := run(ctx, cfg, meter, logger, options{report: reportPath, maxAnswer: maxAnswer, maxFailures: maxFailures}); err != nil {
		logger.Error("interview failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	report      string
	maxAnswer   time.Duration
	maxFailures int
}

func run(ctx context.Context, cfg config.Config, meter metric.Meter, logger *slog.Logger, opts options) error {
	gw := client.New(cfg.Client.ServerURL,
		client.WithToken(cfg.Client.AuthToken),
		client.WithAudioMIME(cfg.Interview.AudioMIME),
	)

	var players coordinator.Factory = media.SimulatedPlayer{}
	if cfg.Client.PlayerCommand != "" {
		p, err := media.NewExecPlayer(cfg.Client.PlayerCommand, logger)
		if err != nil {
			return fmt.Errorf("player: %w", err)
		}
		players = p
	}
	mic := media.NewFileMicrophone(cfg.Client.Answers, time.Duration(cfg.Client.CaptureChunkMS)*time.Millisecond)

	observer, err := latency.NewMetricsObserver(meter)
	if err != nil {
		return err
	}

	o := orchestrator.New(gw, players, mic, orchestrator.Config{
		Candidate:      cfg.Client.Candidate,
		Subject:        cfg.Client.Subject,
		TotalQuestions: cfg.Client.QuestionCount,
		AutoSpeak:      cfg.Client.AutoSpeak,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithLatencyObserver(observer),
		orchestrator.WithObserver(func(tr orchestrator.Transition) {
			attrs := []any{slog.Int("question", tr.Sequence), slog.String("from", tr.From.String()), slog.String("to", tr.To.String())}
			if tr.Err != nil {
				logger.Warn("step failed", append(attrs, slog.String("error", tr.Err.Error()))...)
				return
			}
			logger.Debug("phase changed", attrs...)
		}),
	)
	defer o.Close()

	d := &driver{o: o, logger: logger, opts: opts}
	if err := d.drive(ctx); err != nil {
		return err
	}

	rep, err := o.Finalize()
	if err != nil {
		return err
	}
	if opts.report == "-" {
		return rep.WriteText(os.Stdout)
	}
	path := opts.report
	if path == "" {
		path = rep.FileName()
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := rep.WriteText(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logger.Info("report written",
		slog.String("path", path),
		slog.Int("correct", rep.Correct),
		slog.Int("questions", len(rep.Results)),
		slog.Float64("avg_total_ms", rep.Summary.MeanTotal),
	)
	return nil
}

// driver plays the candidate: it listens to each question, records an
// answer and waits out the feedback, retrying failed steps with backoff.
type driver struct {
	o      *orchestrator.Orchestrator
	logger *slog.Logger
	opts   options

	question int
	failures int
}

func (d *driver) drive(ctx context.Context) error {
	for {
		snap := d.o.Snapshot()
		if snap.Sequence != d.question {
			d.question, d.failures = snap.Sequence, 0
		}

		if snap.Err != nil {
			if err := d.retry(ctx, snap.Err); err != nil {
				return err
			}
			continue
		}

		switch snap.Phase {
		case orchestrator.PhaseIdle, orchestrator.PhaseComplete:
			err := d.o.Next(ctx)
			if errors.Is(err, orchestrator.ErrInterviewComplete) {
				return nil
			}
			if err := d.fatal(err); err != nil {
				return err
			}
			if err == nil {
				q := d.o.Snapshot().Question
				d.logger.Info("question", slog.Int("number", q.SequenceNumber), slog.String("text", q.Text))
			}
		case orchestrator.PhaseAwaitingRecording:
			if snap.AudioErr != nil {
				d.logger.Warn("question audio unavailable, answering from text", slog.String("error", snap.AudioErr.Error()))
			}
			if err := d.listen(ctx); err != nil {
				return err
			}
			if err := d.fatal(d.o.StartRecording(ctx)); err != nil {
				return err
			}
		case orchestrator.PhaseRecording:
			if err := d.answer(ctx); err != nil {
				return err
			}
		case orchestrator.PhaseFeedbackPlaying:
			if err := d.awaitFeedback(ctx); err != nil {
				return err
			}
		case orchestrator.PhaseFinalized:
			return nil
		default:
			if _, err := d.o.Wait(ctx, func(s orchestrator.Snapshot) bool {
				return s.Phase != snap.Phase || s.Err != nil
			}); err != nil {
				return err
			}
		}
	}
}

// listen lets the question audio finish before the microphone opens.
func (d *driver) listen(ctx context.Context) error {
	_, err := d.o.Wait(ctx, func(s orchestrator.Snapshot) bool {
		for _, ch := range s.Audio.Channels {
			if ch.State == coordinator.StatePlaying {
				return false
			}
		}
		return true
	})
	return err
}

// awaitFeedback lets the spoken feedback finish. Feedback without audio,
// or audio the player refused, is skipped.
func (d *driver) awaitFeedback(ctx context.Context) error {
	snap, err := d.o.Wait(ctx, func(s orchestrator.Snapshot) bool {
		if s.Phase != orchestrator.PhaseFeedbackPlaying {
			return true
		}
		fb := s.Audio.Channels[asset.ChannelFeedback]
		return fb.AssetID == "" || fb.Err != nil || fb.AutoplayBlocked
	})
	if err != nil {
		return err
	}
	if snap.Phase == orchestrator.PhaseFeedbackPlaying {
		return d.fatal(d.o.Advance())
	}
	return nil
}

// answer waits for the recording to end and submits it.
func (d *driver) answer(ctx context.Context) error {
	timer := time.NewTimer(d.opts.maxAnswer)
	defer timer.Stop()
	select {
	case <-d.o.RecordingExhausted():
	case <-timer.C:
		d.logger.Info("answer time limit reached")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.fatal(d.o.StopRecording(ctx)); err != nil {
		return err
	}
	if snap := d.o.Snapshot(); snap.Err != nil || snap.Answered == 0 {
		return nil
	}
	r := d.o.Results()
	last := r[len(r)-1]
	d.logger.Info("answer graded",
		slog.Int("question", last.Sequence),
		slog.String("answer", last.Answer),
		slog.Bool("correct", last.IsCorrect),
		slog.String("feedback", last.Feedback),
	)
	return nil
}

// fatal filters out errors the orchestrator recorded as a retryable step
// failure; those are handled by the next pass of the loop.
func (d *driver) fatal(err error) error {
	if err == nil || d.o.Snapshot().Err != nil {
		return nil
	}
	if errors.Is(err, orchestrator.ErrInvalidPhase) {
		d.logger.Debug("action raced a phase change", slog.String("error", err.Error()))
		return nil
	}
	return err
}

func (d *driver) retry(ctx context.Context, cause error) error {
	d.failures++
	if d.failures > d.opts.maxFailures {
		return fmt.Errorf("question %d: giving up after %d failures: %w", d.question, d.failures-1, cause)
	}
	backoff := time.Duration(d.failures) * 500 * time.Millisecond
	d.logger.Info("retrying", slog.Int("question", d.question), slog.Int("attempt", d.failures), slog.Duration("backoff", backoff))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	err := d.o.Retry(ctx)
	if errors.Is(err, orchestrator.ErrNothingToRetry) {
		return nil
	}
	return d.fatal(err)
}

// setupMetrics returns a meter whose samples are served on addr, or the
// global no-op meter when addr is empty.
func setupMetrics(addr string, logger *slog.Logger) (metric.Meter, func(), error) {
	if addr == "" {
		return otel.Meter("loqa-interview"), func() {}, nil
	}
	provider, handler, err := latency.NewPrometheusProvider(nil)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = provider.Shutdown(ctx)
	}
	return provider.Meter("loqa-interview"), shutdown, nil
}
