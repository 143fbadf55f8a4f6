package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-interview/internal/latency"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/quiz"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

const instrumentationName = "github.com/loqalabs/loqa-interview/engine"

// Server-side stage names. Synthesis is not split into question and
// feedback because the server cannot tell them apart.
const (
	StageQuestion      = string(latency.QuestionGeneration)
	StageValidation    = string(latency.AnswerValidation)
	StageTranscription = string(latency.AnswerTranscription)
	StageSynthesis     = "speechSynthesis"
)

// Instrumented wraps Engines with a span, a stage duration sample and a
// request counter per call.
type Instrumented struct {
	next     Engines
	tracer   trace.Tracer
	duration metric.Float64Histogram
	requests metric.Int64Counter
	side     attribute.KeyValue
}

func Instrument(next Engines, tp trace.TracerProvider, mp metric.MeterProvider) (*Instrumented, error) {
	meter := mp.Meter(instrumentationName)
	duration, err := meter.Float64Histogram(latency.StageDurationMetric,
		metric.WithDescription("Duration of one interview stage"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	requests, err := meter.Int64Counter("loqa.interview.engine.requests",
		metric.WithDescription("Collaborator calls by stage and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	return &Instrumented{
		next:     next,
		tracer:   tp.Tracer(instrumentationName),
		duration: duration,
		requests: requests,
		side:     attribute.String("side", "server"),
	}, nil
}

func (i *Instrumented) observe(ctx context.Context, span trace.Span, stage string, ms float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Float64("latency_ms", ms))
	span.End()
	st := attribute.String("stage", stage)
	i.requests.Add(ctx, 1, metric.WithAttributes(st, attribute.String("outcome", outcome)))
	if err == nil {
		i.duration.Record(ctx, ms, metric.WithAttributes(st, i.side))
	}
}

func (i *Instrumented) start(ctx context.Context, stage, sessionID string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "engine."+stage, trace.WithAttributes(attribute.String("session_id", sessionID)))
}

func (i *Instrumented) GenerateQuestion(ctx context.Context, req quiz.QuestionRequest) (protocol.Question, float64, error) {
	ctx, span := i.start(ctx, StageQuestion, req.SessionID)
	q, ms, err := i.next.GenerateQuestion(ctx, req)
	i.observe(ctx, span, StageQuestion, ms, err)
	return q, ms, err
}

func (i *Instrumented) ValidateAnswer(ctx context.Context, sessionID string, q protocol.Question, answer string) (quiz.Verdict, float64, error) {
	ctx, span := i.start(ctx, StageValidation, sessionID)
	v, ms, err := i.next.ValidateAnswer(ctx, sessionID, q, answer)
	i.observe(ctx, span, StageValidation, ms, err)
	return v, ms, err
}

func (i *Instrumented) Synthesize(ctx context.Context, sessionID, text string) (Speech, float64, error) {
	ctx, span := i.start(ctx, StageSynthesis, sessionID)
	span.SetAttributes(attribute.Int("text_length", len(text)))
	s, ms, err := i.next.Synthesize(ctx, sessionID, text)
	i.observe(ctx, span, StageSynthesis, ms, err)
	return s, ms, err
}

func (i *Instrumented) Transcribe(ctx context.Context, sessionID string, audio stt.Audio) (string, float64, error) {
	ctx, span := i.start(ctx, StageTranscription, sessionID)
	span.SetAttributes(attribute.Int("audio_bytes", len(audio.Data)), attribute.String("mime_type", audio.MIMEType))
	text, ms, err := i.next.Transcribe(ctx, sessionID, audio)
	i.observe(ctx, span, StageTranscription, ms, err)
	return text, ms, err
}
