package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-interview/internal/audiocache"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/engine"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/gateway"
	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/quiz"
	"github.com/loqalabs/loqa-interview/internal/streamcodec"
	"github.com/loqalabs/loqa-interview/internal/stt"
	"github.com/loqalabs/loqa-interview/internal/tts"
)

func newGateway(t *testing.T, token string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Interview.StreamAudio = true
	cfg.HTTP.AuthToken = token
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, logger)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	audio, err := audiocache.New(8)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	engines := engine.New(engine.Parts{
		Master:     quiz.NewMaster(llm.NewMockGenerator(), cfg.LLM, logger),
		Synth:      tts.NewMockSynth(16000, 1),
		Recognizer: stt.NewMockRecognizer(),
	})
	gw, err := gateway.New(cfg, engines, audio, events, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)
	return ts.URL + "/api"
}

func TestClientRunsOneQuestionAgainstGateway(t *testing.T) {
	c := New(newGateway(t, "secret"), WithToken("secret"))
	ctx := context.Background()

	stream, err := c.StartQuestion(ctx, protocol.StartRequest{Subject: "Computer Science", QuestionNumber: 1, TotalQuestions: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()
	if stream.SessionID == "" {
		t.Fatal("expected a session id from the gateway")
	}

	var question protocol.Question
	var gotAudio bool
	for ev, err := range stream.All() {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		switch ev.Kind {
		case streamcodec.KindQuestionReady:
			question = ev.Question
		case streamcodec.KindAudioReady:
			gotAudio = !ev.Audio.Empty()
		}
	}
	if question.Text == "" || question.SequenceNumber != 1 || question.TotalInCycle != 2 {
		t.Fatalf("unexpected question %+v", question)
	}
	if !gotAudio {
		t.Fatal("expected streamed question audio")
	}

	speech, err := c.Synthesize(ctx, stream.SessionID, question.Speakable())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(speech.Data) == 0 || speech.MIMEType != "audio/wav" {
		t.Fatalf("unexpected speech %d bytes %q", len(speech.Data), speech.MIMEType)
	}

	answer, err := media.SpokenAnswer("option "+string(question.CorrectAnswer), 16000)
	if err != nil {
		t.Fatalf("spoken answer: %v", err)
	}
	transcript, err := c.Transcribe(ctx, stream.SessionID, answer, "audio/wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.EqualFold(transcript.Text, "option "+string(question.CorrectAnswer)) {
		t.Fatalf("transcript = %q", transcript.Text)
	}

	verdict, err := c.Validate(ctx, protocol.ValidationRequest{
		SessionID:       stream.SessionID,
		Question:        &question,
		TranscribedText: transcript.Text,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !verdict.IsCorrect || verdict.Feedback == "" || len(verdict.Audio) == 0 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestClientReportsUpstreamErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/audio/text-to-speech":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"success":false,"error":"Failed to synthesize speech"}`)
		case "/api/interview/validate-answer":
			_, _ = io.WriteString(w, `{"success":false}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	c := New(ts.URL + "/api")

	_, err := c.Synthesize(context.Background(), "", "hello")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Op != OpSynthesize || upstream.Status != http.StatusInternalServerError || !strings.Contains(upstream.Error(), "Failed to synthesize speech") {
		t.Fatalf("unexpected error %+v", upstream)
	}

	q := protocol.Question{Text: "q", Options: protocol.Options{A: "a", B: "b", C: "c", D: "d"}, CorrectAnswer: protocol.ChoiceA}
	if _, err := c.Validate(context.Background(), protocol.ValidationRequest{Question: &q, TranscribedText: "a"}); !errors.Is(err, ErrUnsuccessful) {
		t.Fatalf("expected ErrUnsuccessful, got %v", err)
	}

	if _, err := c.StartQuestion(context.Background(), protocol.StartRequest{}); !errors.As(err, &upstream) || upstream.Status != http.StatusNotFound {
		t.Fatalf("expected 404 upstream error, got %v", err)
	}
}

func TestClientWithoutTokenIsRejected(t *testing.T) {
	c := New(newGateway(t, "secret"))
	_, err := c.Synthesize(context.Background(), "", "hello")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestClientUnreachableGateway(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url).Transcribe(context.Background(), "", []byte("RIFF"), "audio/wav")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != 0 || upstream.Op != OpTranscribe {
		t.Fatalf("expected transport error, got %v", err)
	}
}
