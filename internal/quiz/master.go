// Package quiz turns language model completions into interview questions
// and answer verdicts.
package quiz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// UnevaluatedFeedback is returned when the model's verdict cannot be read.
const UnevaluatedFeedback = "Unable to evaluate answer. Please try again."

var ErrNoQuestion = errors.New("no question found in model response")

type Master struct {
	gen    llm.Generator
	cfg    config.LLMConfig
	logger *slog.Logger
}

func NewMaster(gen llm.Generator, cfg config.LLMConfig, logger *slog.Logger) *Master {
	return &Master{gen: gen, cfg: cfg, logger: logger.With(slog.String("component", "quiz-master"))}
}

type QuestionRequest struct {
	SessionID string
	Subject   string
	// Previous holds the text of questions already asked this interview.
	Previous []string
}

// Verdict is the model's judgement of one spoken answer.
type Verdict struct {
	IsCorrect bool
	Feedback  string
}

func (m *Master) GenerateQuestion(ctx context.Context, req QuestionRequest) (protocol.Question, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "general knowledge"
	}
	r := llm.OptionsFromConfig(m.cfg, "")
	r.SessionID = req.SessionID
	r.Purpose = llm.PurposeQuestion
	r.System = questionSystemPrompt(subject)
	r.Prompt = questionPrompt(subject, req.Previous)
	r.JSON = true

	m.logger.Debug("generating question",
		slog.String("session_id", req.SessionID),
		slog.String("subject", subject),
		slog.Int("previous", len(req.Previous)),
	)
	content, err := llm.Complete(ctx, m.gen, r)
	if err != nil {
		return protocol.Question{}, fmt.Errorf("question generation failed: %w", err)
	}
	q, err := ParseQuestion(content)
	if err != nil {
		return protocol.Question{}, fmt.Errorf("question generation failed: %w", err)
	}
	return q, nil
}

func (m *Master) ValidateAnswer(ctx context.Context, sessionID string, q protocol.Question, answer string) (Verdict, error) {
	r := llm.OptionsFromConfig(m.cfg, "")
	r.SessionID = sessionID
	r.Purpose = llm.PurposeValidation
	r.System = validationSystemPrompt
	r.Prompt = validationPrompt(q, answer)
	r.JSON = true

	content, err := llm.Complete(ctx, m.gen, r)
	if err != nil {
		return Verdict{}, fmt.Errorf("answer validation failed: %w", err)
	}
	v, ok := ParseVerdict(content)
	if !ok {
		m.logger.Warn("unreadable validation response", slog.String("session_id", sessionID))
	}
	return v, nil
}

// rawQuestion accepts the loose shapes models produce before they are
// normalized into a protocol.Question.
type rawQuestion struct {
	Question      string            `json:"question"`
	Options       map[string]string `json:"options"`
	CorrectAnswer string            `json:"correctAnswer"`
	ReadableText  string            `json:"readableText"`
}

// ParseQuestion accepts an object with a "questions" (or "questionsArray")
// array, a bare array, or a single question object, and falls back to the
// first bracketed array in free text. Only the first question is kept.
func ParseQuestion(content string) (protocol.Question, error) {
	content = strings.TrimSpace(content)
	list, err := decodeQuestions([]byte(content))
	if err != nil {
		start, end := strings.Index(content, "["), strings.LastIndex(content, "]")
		if start < 0 || end <= start {
			return protocol.Question{}, fmt.Errorf("could not parse questions from response: %w", err)
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &list); err != nil {
			return protocol.Question{}, fmt.Errorf("could not parse questions from response: %w", err)
		}
	}
	if len(list) == 0 {
		return protocol.Question{}, ErrNoQuestion
	}

	raw := list[0]
	key, _ := protocol.ParseChoiceKey(raw.CorrectAnswer)
	q := protocol.Question{
		Text:          strings.TrimSpace(raw.Question),
		SpokenText:    strings.TrimSpace(raw.ReadableText),
		CorrectAnswer: key,
	}
	for k, v := range raw.Options {
		switch ck, _ := protocol.ParseChoiceKey(k); ck {
		case protocol.ChoiceA:
			q.Options.A = v
		case protocol.ChoiceB:
			q.Options.B = v
		case protocol.ChoiceC:
			q.Options.C = v
		case protocol.ChoiceD:
			q.Options.D = v
		}
	}
	if key == "" {
		return protocol.Question{}, fmt.Errorf("%w: correct answer %q is not one of A-D", protocol.ErrInvalidQuestion, raw.CorrectAnswer)
	}
	if err := q.Validate(); err != nil {
		return protocol.Question{}, err
	}
	return q, nil
}

func decodeQuestions(data []byte) ([]rawQuestion, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []rawQuestion
		err := json.Unmarshal(trimmed, &list)
		return list, err
	}
	var envelope struct {
		Questions      []rawQuestion `json:"questions"`
		QuestionsArray []rawQuestion `json:"questionsArray"`
		rawQuestion
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	switch {
	case len(envelope.Questions) > 0:
		return envelope.Questions, nil
	case len(envelope.QuestionsArray) > 0:
		return envelope.QuestionsArray, nil
	case envelope.Question != "":
		return []rawQuestion{envelope.rawQuestion}, nil
	}
	return nil, nil
}

// ParseVerdict reads {"isCorrect": 1|0|true|false, "feedback": "..."}. An
// unreadable reply counts as incorrect with UnevaluatedFeedback, and ok is
// false.
func ParseVerdict(content string) (Verdict, bool) {
	var raw struct {
		IsCorrect json.RawMessage `json:"isCorrect"`
		Feedback  string          `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Verdict{Feedback: UnevaluatedFeedback}, false
	}
	v := Verdict{Feedback: strings.TrimSpace(raw.Feedback)}
	switch strings.Trim(string(bytes.TrimSpace(raw.IsCorrect)), `"`) {
	case "1", "true":
		v.IsCorrect = true
	}
	if v.Feedback == "" {
		if v.IsCorrect {
			v.Feedback = "Correct!"
		} else {
			v.Feedback = "That is not correct."
		}
	}
	return v, true
}
