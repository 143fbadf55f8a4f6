package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/openaiclient"
)

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, openai config.OpenAIConfig, timeout time.Duration) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced, &http.Client{Timeout: timeout}), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		client, err := openaiclient.New(openai)
		if err != nil {
			return nil, err
		}
		return NewOpenAIGenerator(client, cfg.ModelFast, cfg.ModelBalanced), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
