// Package openaiclient builds the OpenAI SDK client shared by the language
// model, speech synthesis and transcription backends.
package openaiclient

import (
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func New(cfg config.OpenAIConfig) (oai.Client, error) {
	if cfg.APIKey == "" {
		return oai.Client{}, fmt.Errorf("openai: api key must not be empty")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	if cfg.TimeoutMS > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		}))
	}
	return oai.NewClient(reqOpts...), nil
}
