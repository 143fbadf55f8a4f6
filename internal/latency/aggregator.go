// Package latency accumulates per-question stage timings into sealed records
// and reduces them for the interview summary.
package latency

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

type Stage string

const (
	QuestionGeneration  Stage = "questionGeneration"
	QuestionSynthesis   Stage = "questionSynthesis"
	AnswerTranscription Stage = "answerTranscription"
	AnswerValidation    Stage = "answerValidation"
	FeedbackSynthesis   Stage = "feedbackSynthesis"
)

// Stages lists every stage in cycle order.
var Stages = []Stage{QuestionGeneration, QuestionSynthesis, AnswerTranscription, AnswerValidation, FeedbackSynthesis}

var (
	// ErrSealed is returned when a sealed record is mutated. Seeing it means
	// the caller has a bug.
	ErrSealed          = errors.New("latency record already sealed")
	ErrNotBegun        = errors.New("latency record not begun")
	ErrUnknownStage    = errors.New("unknown latency stage")
	ErrInvalidDuration = errors.New("latency must be a finite, non-negative number of milliseconds")
)

// Record maps every stage of one question cycle to milliseconds. Stages that
// never completed stay at zero.
type Record struct {
	Sequence            int     `json:"sequenceNumber"`
	QuestionGeneration  float64 `json:"questionGeneration"`
	QuestionSynthesis   float64 `json:"questionSynthesis"`
	AnswerTranscription float64 `json:"answerTranscription"`
	AnswerValidation    float64 `json:"answerValidation"`
	FeedbackSynthesis   float64 `json:"feedbackSynthesis"`
}

func (r *Record) slot(stage Stage) *float64 {
	switch stage {
	case QuestionGeneration:
		return &r.QuestionGeneration
	case QuestionSynthesis:
		return &r.QuestionSynthesis
	case AnswerTranscription:
		return &r.AnswerTranscription
	case AnswerValidation:
		return &r.AnswerValidation
	case FeedbackSynthesis:
		return &r.FeedbackSynthesis
	}
	return nil
}

func (r Record) Get(stage Stage) float64 {
	if p := r.slot(stage); p != nil {
		return *p
	}
	return 0
}

// Total sums every stage.
func (r Record) Total() float64 {
	return r.QuestionGeneration + r.QuestionSynthesis + r.AnswerTranscription + r.AnswerValidation + r.FeedbackSynthesis
}

// Observer receives each record as it is sealed.
type Observer interface {
	ObserveRecord(Record)
}

type Option func(*Aggregator)

func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// Aggregator owns the record of the question cycle in progress.
type Aggregator struct {
	mu       sync.Mutex
	current  Record
	begun    bool
	sealed   bool
	observer Observer
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin starts a zeroed record for the given question, discarding any
// record that was never sealed.
func (a *Aggregator) Begin(sequence int) error {
	if sequence < 1 {
		return fmt.Errorf("begin latency record: sequence %d must be >= 1", sequence)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = Record{Sequence: sequence}
	a.begun = true
	a.sealed = false
	return nil
}

// Record sets one stage. The last write wins.
func (a *Aggregator) Record(stage Stage, ms float64) error {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return fmt.Errorf("%w: %s=%v", ErrInvalidDuration, stage, ms)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.begun {
		return ErrNotBegun
	}
	if a.sealed {
		return fmt.Errorf("%w: question %d, stage %s", ErrSealed, a.current.Sequence, stage)
	}
	p := a.current.slot(stage)
	if p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	*p = ms
	return nil
}

// Seal closes the record and returns a copy. Sealing twice returns the same
// value without notifying the observer again.
func (a *Aggregator) Seal() (Record, error) {
	a.mu.Lock()
	if !a.begun {
		a.mu.Unlock()
		return Record{}, ErrNotBegun
	}
	if a.sealed {
		rec := a.current
		a.mu.Unlock()
		return rec, nil
	}
	a.sealed = true
	rec := a.current
	observer := a.observer
	a.mu.Unlock()

	if observer != nil {
		observer.ObserveRecord(rec)
	}
	return rec, nil
}

// Snapshot returns the record in progress.
func (a *Aggregator) Snapshot() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}
