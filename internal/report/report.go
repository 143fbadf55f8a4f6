// Package report turns the finished interview into the latency report
// handed to the candidate.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/latency"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Result is one answered question. Results are appended in question order
// and never changed afterwards.
type Result struct {
	Sequence      int                `json:"questionNumber"`
	Question      string             `json:"question"`
	Options       protocol.Options   `json:"options"`
	CorrectAnswer protocol.ChoiceKey `json:"correctAnswer"`
	Answer        string             `json:"userAnswer"`
	IsCorrect     bool               `json:"isCorrect"`
	Feedback      string             `json:"feedback"`
	Latencies     latency.Record     `json:"latencies"`
}

type Report struct {
	Candidate   string          `json:"candidate"`
	Subject     string          `json:"subject"`
	SessionID   string          `json:"sessionId,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Results     []Result        `json:"results"`
	Summary     latency.Summary `json:"summary"`
	Correct     int             `json:"correct"`
}

// Build scores the results and reduces their latency records. The results
// slice is copied.
func Build(candidate, subject, sessionID string, startedAt, generatedAt time.Time, results []Result) Report {
	r := Report{
		Candidate:   candidate,
		Subject:     subject,
		SessionID:   sessionID,
		StartedAt:   startedAt,
		GeneratedAt: generatedAt,
		Results:     append([]Result(nil), results...),
	}
	records := make([]latency.Record, 0, len(results))
	for _, res := range results {
		if res.IsCorrect {
			r.Correct++
		}
		records = append(records, res.Latencies)
	}
	r.Summary = latency.Summarize(records)
	return r
}

// Score is the share of correct answers in percent.
func (r Report) Score() float64 {
	if len(r.Results) == 0 {
		return 0
	}
	return float64(r.Correct) * 100 / float64(len(r.Results))
}

// FileName is the suggested name for the text report.
func (r Report) FileName() string {
	name := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		}
		return '-'
	}, r.Candidate)
	if name == "" {
		name = "candidate"
	}
	return fmt.Sprintf("interview-latency-report-%s-%s.txt", name, r.GeneratedAt.Format("2006-01-02"))
}

var stageLabels = []struct {
	stage latency.Stage
	label string
}{
	{latency.QuestionGeneration, "LLM Call for Question Generation"},
	{latency.QuestionSynthesis, "TTS for LLM Question Generation"},
	{latency.AnswerTranscription, "STT for User Answer"},
	{latency.AnswerValidation, "LLM Call for Answer Validation"},
	{latency.FeedbackSynthesis, "TTS for Answer Validation"},
}

// WriteText writes the plain-text latency report.
func (r Report) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	rule := strings.Repeat("=", 80)
	heading := func(title string) {
		fmt.Fprintf(bw, "%s\n%s\n%s\n\n", rule, title, rule)
	}

	heading("AI INTERVIEW LATENCY REPORT")
	fmt.Fprintf(bw, "Candidate: %s\n", r.Candidate)
	fmt.Fprintf(bw, "Subject: %s\n", r.Subject)
	if r.StartedAt.IsZero() {
		fmt.Fprintf(bw, "Interview Date & Time: N/A\n")
	} else {
		fmt.Fprintf(bw, "Interview Date & Time: %s\n", r.StartedAt.Format(time.DateTime))
	}
	fmt.Fprintf(bw, "Report Generated: %s\n", r.GeneratedAt.Format(time.DateTime))
	fmt.Fprintf(bw, "Total Questions: %d\n", len(r.Results))
	fmt.Fprintf(bw, "Score: %d/%d (%.0f%%)\n\n", r.Correct, len(r.Results), r.Score())

	heading("LATENCY BREAKDOWN BY QUESTION")
	for _, res := range r.Results {
		fmt.Fprintf(bw, "Question %d\n%s\n", res.Sequence, strings.Repeat("-", 80))
		fmt.Fprintf(bw, "Question: %s\n\n", res.Question)
		fmt.Fprintf(bw, "Latencies:\n")
		for _, s := range stageLabels {
			fmt.Fprintf(bw, "  - %s: %s ms\n", s.label, formatMS(res.Latencies.Get(s.stage)))
		}
		fmt.Fprintf(bw, "  - Total Latency: %s ms\n", formatMS(res.Latencies.Total()))
		status := "Incorrect"
		if res.IsCorrect {
			status = "Correct"
		}
		fmt.Fprintf(bw, "Status: %s\n", status)
		fmt.Fprintf(bw, "User Answer: %s\n\n", res.Answer)
	}

	heading("SUMMARY STATISTICS")
	if r.Summary.Count > 0 {
		for _, s := range stageLabels {
			fmt.Fprintf(bw, "Average %s: %.2f ms\n", s.label, r.Summary.Mean.Get(s.stage))
		}
		fmt.Fprintf(bw, "Average Total Latency per Question: %.2f ms\n", r.Summary.MeanTotal)
	}
	return bw.Flush()
}

// formatMS drops the fraction of whole-millisecond values.
func formatMS(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
