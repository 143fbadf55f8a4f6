package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ChoiceKey identifies one of the four answer options.
type ChoiceKey string

const (
	ChoiceA ChoiceKey = "A"
	ChoiceB ChoiceKey = "B"
	ChoiceC ChoiceKey = "C"
	ChoiceD ChoiceKey = "D"
)

// ChoiceKeys lists the option keys in presentation order.
var ChoiceKeys = []ChoiceKey{ChoiceA, ChoiceB, ChoiceC, ChoiceD}

// ParseChoiceKey accepts "a", " B ", "C" and so on.
func ParseChoiceKey(s string) (ChoiceKey, bool) {
	k := ChoiceKey(strings.ToUpper(strings.TrimSpace(s)))
	for _, candidate := range ChoiceKeys {
		if k == candidate {
			return k, true
		}
	}
	return "", false
}

// Options is the ordered A-D option set of a question.
type Options struct {
	A string `json:"A"`
	B string `json:"B"`
	C string `json:"C"`
	D string `json:"D"`
}

type Option struct {
	Key  ChoiceKey
	Text string
}

func (o Options) Get(key ChoiceKey) string {
	switch key {
	case ChoiceA:
		return o.A
	case ChoiceB:
		return o.B
	case ChoiceC:
		return o.C
	case ChoiceD:
		return o.D
	}
	return ""
}

func (o Options) Entries() []Option {
	return []Option{{ChoiceA, o.A}, {ChoiceB, o.B}, {ChoiceC, o.C}, {ChoiceD, o.D}}
}

func (o Options) complete() bool {
	return strings.TrimSpace(o.A) != "" && strings.TrimSpace(o.B) != "" &&
		strings.TrimSpace(o.C) != "" && strings.TrimSpace(o.D) != ""
}

// Question is immutable once received. Audio is attached separately.
type Question struct {
	Text           string    `json:"question"`
	SpokenText     string    `json:"readableText,omitempty"`
	Options        Options   `json:"options"`
	CorrectAnswer  ChoiceKey `json:"correctAnswer"`
	SequenceNumber int       `json:"questionNumber,omitempty"`
	TotalInCycle   int       `json:"totalQuestions,omitempty"`
}

var ErrInvalidQuestion = errors.New("invalid question")

func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidQuestion)
	}
	if !q.Options.complete() {
		return fmt.Errorf("%w: options A-D must all be present", ErrInvalidQuestion)
	}
	if _, ok := ParseChoiceKey(string(q.CorrectAnswer)); !ok {
		return fmt.Errorf("%w: correct answer %q is not one of A-D", ErrInvalidQuestion, q.CorrectAnswer)
	}
	if q.SequenceNumber < 0 || q.TotalInCycle < 0 {
		return fmt.Errorf("%w: negative sequence", ErrInvalidQuestion)
	}
	if q.TotalInCycle > 0 && q.SequenceNumber > q.TotalInCycle {
		return fmt.Errorf("%w: question %d of %d", ErrInvalidQuestion, q.SequenceNumber, q.TotalInCycle)
	}
	return nil
}

// Speakable returns the text a synthesizer should read aloud.
func (q Question) Speakable() string {
	if s := strings.TrimSpace(q.SpokenText); s != "" {
		return s
	}
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString(" Options:")
	for _, opt := range q.Options.Entries() {
		fmt.Fprintf(&b, " %s, %s.", opt.Key, opt.Text)
	}
	return b.String()
}

// PreviousQuestion is the minimal record sent back so the generator avoids repeats.
type PreviousQuestion struct {
	Question string `json:"question"`
}

type StartRequest struct {
	SessionID         string             `json:"sessionId,omitempty"`
	Subject           string             `json:"subject,omitempty"`
	PreviousQuestions []PreviousQuestion `json:"previousQuestions,omitempty"`
	QuestionNumber    int                `json:"questionNumber,omitempty"`
	TotalQuestions    int                `json:"totalQuestions,omitempty"`
}

// StreamLatencies carries partial latencies on a stream line.
type StreamLatencies struct {
	LLMQuestion float64 `json:"llmQuestion"`
	TTS         float64 `json:"tts"`
}

// StreamLine is one newline-delimited JSON object of the question stream.
// The question line sets Question and leaves AudioData null; the audio line
// sets AudioReady and AudioData and omits Question.
type StreamLine struct {
	Success    bool            `json:"success,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Question   *Question       `json:"question,omitempty"`
	AudioData  *string         `json:"audioData"`
	Latencies  StreamLatencies `json:"latencies"`
	AudioReady bool            `json:"audioReady"`
}

type SpeechRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

type SpeechResponse struct {
	Success   bool    `json:"success"`
	AudioData string  `json:"audioData"`
	MIMEType  string  `json:"mimeType,omitempty"`
	Latency   float64 `json:"latency"`
}

type TranscriptionResponse struct {
	Success bool    `json:"success"`
	Text    string  `json:"text"`
	Latency float64 `json:"latency"`
}

type ValidationRequest struct {
	SessionID       string    `json:"sessionId,omitempty"`
	Question        *Question `json:"question"`
	TranscribedText string    `json:"transcribedText"`
}

type ValidationLatencies struct {
	LLMValidation float64 `json:"llmValidation"`
	TTS           float64 `json:"tts"`
}

type ValidationResponse struct {
	Success   bool                `json:"success"`
	IsCorrect bool                `json:"isCorrect"`
	Feedback  string              `json:"feedback"`
	AudioData string              `json:"audioData"`
	MIMEType  string              `json:"mimeType,omitempty"`
	Latencies ValidationLatencies `json:"latencies"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service,omitempty"`
}
