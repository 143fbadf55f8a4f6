package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func sampleQuestion() Question {
	return Question{
		Text:           "Which data structure is FIFO?",
		Options:        Options{A: "Stack", B: "Queue", C: "Tree", D: "Graph"},
		CorrectAnswer:  ChoiceB,
		SequenceNumber: 1,
		TotalInCycle:   5,
	}
}

func TestQuestionLineWireShape(t *testing.T) {
	q := sampleQuestion()
	line := StreamLine{Success: true, Question: &q, Latencies: StreamLatencies{LLMQuestion: 42}}
	data, err := json.Marshal(line)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := raw["audioData"]; !ok || v != nil {
		t.Fatalf("expected explicit null audioData, got %v (present=%v)", v, ok)
	}
	if raw["audioReady"] != false || raw["success"] != true {
		t.Fatalf("unexpected flags: %s", data)
	}
	if !strings.Contains(string(data), `"options":{"A":"Stack","B":"Queue","C":"Tree","D":"Graph"}`) {
		t.Fatalf("options not emitted in A-D order: %s", data)
	}
}

func TestAudioLineOmitsQuestion(t *testing.T) {
	audio := "AAEC"
	data, err := json.Marshal(StreamLine{AudioReady: true, AudioData: &audio, Latencies: StreamLatencies{TTS: 120}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"question"`) || strings.Contains(string(data), `"success"`) {
		t.Fatalf("audio line should only carry audio fields: %s", data)
	}
}

func TestQuestionValidate(t *testing.T) {
	if err := sampleQuestion().Validate(); err != nil {
		t.Fatalf("expected valid question, got %v", err)
	}
	bad := sampleQuestion()
	bad.Options.C = " "
	if err := bad.Validate(); !errors.Is(err, ErrInvalidQuestion) {
		t.Fatalf("expected ErrInvalidQuestion for missing option, got %v", err)
	}
	bad = sampleQuestion()
	bad.CorrectAnswer = "E"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidQuestion) {
		t.Fatalf("expected ErrInvalidQuestion for bad key, got %v", err)
	}
	bad = sampleQuestion()
	bad.SequenceNumber = 6
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error when sequence exceeds total")
	}
}

func TestSpeakableFallsBackToOptions(t *testing.T) {
	q := sampleQuestion()
	got := q.Speakable()
	if !strings.Contains(got, "B, Queue.") {
		t.Fatalf("expected options in spoken text, got %q", got)
	}
	q.SpokenText = "Which one is first in first out?"
	if q.Speakable() != q.SpokenText {
		t.Fatalf("expected readable text to win")
	}
}

func TestParseChoiceKey(t *testing.T) {
	if k, ok := ParseChoiceKey(" c "); !ok || k != ChoiceC {
		t.Fatalf("expected C, got %q %v", k, ok)
	}
	if _, ok := ParseChoiceKey("E"); ok {
		t.Fatal("E must not parse")
	}
}
