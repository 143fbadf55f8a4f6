package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/latency"
)

func sampleResults() []Result {
	return []Result{
		{
			Sequence:  1,
			Question:  "What does HTTP stand for?",
			Answer:    "option A",
			IsCorrect: true,
			Latencies: latency.Record{Sequence: 1, QuestionGeneration: 30, QuestionSynthesis: 50},
		},
		{
			Sequence:  2,
			Question:  "Which ocean is the largest?",
			Answer:    "atlantic",
			Latencies: latency.Record{Sequence: 2, QuestionGeneration: 10, QuestionSynthesis: 20, AnswerTranscription: 40.5, AnswerValidation: 60, FeedbackSynthesis: 15},
		},
	}
}

func TestBuildScoresAndSummarizes(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Build("Ada Lovelace", "General Knowledge", "s-1", started, started.Add(5*time.Minute), sampleResults())

	if r.Correct != 1 || r.Score() != 50 {
		t.Fatalf("correct = %d, score = %v", r.Correct, r.Score())
	}
	if r.Summary.Count != 2 {
		t.Fatalf("summary count = %d", r.Summary.Count)
	}
	if math.Abs(r.Summary.Mean.QuestionGeneration-20) > 1e-9 {
		t.Fatalf("mean question generation = %v", r.Summary.Mean.QuestionGeneration)
	}
	if math.Abs(r.Summary.MeanTotal-(80+145.5)/2) > 1e-9 {
		t.Fatalf("mean total = %v", r.Summary.MeanTotal)
	}
	if got := r.FileName(); got != "interview-latency-report-Ada-Lovelace-2026-03-01.txt" {
		t.Fatalf("file name = %q", got)
	}
}

func TestWriteTextLayout(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Build("ada", "General Knowledge", "", started, started, sampleResults())
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"AI INTERVIEW LATENCY REPORT",
		"Total Questions: 2",
		"Score: 1/2 (50%)",
		"  - LLM Call for Question Generation: 30 ms",
		"  - STT for User Answer: 40.50 ms",
		"  - Total Latency: 80 ms",
		"Status: Correct",
		"Status: Incorrect",
		"User Answer: atlantic",
		"Average LLM Call for Question Generation: 20.00 ms",
		"Average Total Latency per Question: 112.75 ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Index(out, "Question 1\n") > strings.Index(out, "Question 2\n") {
		t.Fatal("questions out of order")
	}
}

func TestEmptyReportHasNoAverages(t *testing.T) {
	var buf bytes.Buffer
	if err := Build("ada", "x", "", time.Time{}, time.Now(), nil).WriteText(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(buf.String(), "Average") {
		t.Fatal("empty report should not print averages")
	}
	if !strings.Contains(buf.String(), "Interview Date & Time: N/A") {
		t.Fatal("expected N/A start time")
	}
}
