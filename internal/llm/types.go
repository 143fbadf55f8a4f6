package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
)

// Purpose tells backends what a prompt is for. Only the mock backend acts
// on it.
type Purpose string

const (
	PurposeQuestion   Purpose = "question"
	PurposeValidation Purpose = "validation"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Purpose     Purpose
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

var ErrEmptyCompletion = errors.New("language model returned no content")

// Complete runs a request to the end and returns the concatenated content.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

func modelForTier(tier, fast, balanced, fallback string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return fallback
}
