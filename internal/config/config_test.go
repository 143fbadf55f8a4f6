package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 5000 {
		t.Fatalf("expected default port 5000, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.MaxUploadMB != 10 {
		t.Fatalf("expected 10MB upload limit, got %d", cfg.HTTP.MaxUploadMB)
	}
	if cfg.HTTP.RateLimit != 100 || cfg.HTTP.RateWindowS != 900 {
		t.Fatalf("expected 100 requests per 15 minutes, got %d/%ds", cfg.HTTP.RateLimit, cfg.HTTP.RateWindowS)
	}
	if cfg.Interview.QuestionCount != 5 {
		t.Fatalf("expected five questions by default, got %d", cfg.Interview.QuestionCount)
	}
	if cfg.Engines.Placement != "local" {
		t.Fatalf("expected local engine placement, got %q", cfg.Engines.Placement)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_MAX_PAYLOAD_MB", "32")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_HTTP_PORT", "8088")
	t.Setenv("LOQA_HTTP_AUTH_TOKEN", "shh")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.2")
	t.Setenv("LOQA_INTERVIEW_QUESTION_COUNT", "3")
	t.Setenv("LOQA_INTERVIEW_STREAM_AUDIO", "true")
	t.Setenv("LOQA_CLIENT_ANSWERS", "a.wav, b.wav")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.MaxPayloadMB != 32 {
		t.Fatalf("expected max payload override, got %d", cfg.Bus.MaxPayloadMB)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.HTTP.Port != 8088 || cfg.HTTP.AuthToken != "shh" {
		t.Fatalf("expected http overrides, got %+v", cfg.HTTP)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.Interview.QuestionCount != 3 || !cfg.Interview.StreamAudio {
		t.Fatalf("expected interview overrides, got %+v", cfg.Interview)
	}
	if len(cfg.Client.Answers) != 2 || cfg.Client.Answers[1] != "b.wav" {
		t.Fatalf("expected answers override, got %v", cfg.Client.Answers)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interview.yaml")
	data := []byte(`
runtime_name: quizmaster
http:
  port: 7000
interview:
  default_subject: History
  question_count: 4
llm:
  mode: exec
  command: "./bin/llm --json"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "quizmaster" || cfg.HTTP.Port != 7000 {
		t.Fatalf("unexpected runtime settings: %+v", cfg)
	}
	if cfg.Interview.DefaultSubject != "History" || cfg.Interview.QuestionCount != 4 {
		t.Fatalf("unexpected interview settings: %+v", cfg.Interview)
	}
	// unspecified keys keep their defaults
	if cfg.HTTP.MaxUploadMB != 10 {
		t.Fatalf("expected default upload limit to survive, got %d", cfg.HTTP.MaxUploadMB)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"placement":      {"LOQA_ENGINES_PLACEMENT": "carrier-pigeon"},
		"retention":      {"LOQA_EVENT_STORE_RETENTION_MODE": "forever"},
		"llm exec":       {"LOQA_LLM_MODE": "exec"},
		"openai no key":  {"LOQA_TTS_MODE": "openai", "OPENAI_API_KEY": "", "LOQA_OPENAI_API_KEY": ""},
		"question count": {"LOQA_INTERVIEW_QUESTION_COUNT": "0"},
		"log level":      {"LOQA_TELEMETRY_LOG_LEVEL": "chatty"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestOpenAIModeAcceptsKeyFromEnvironment(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected api key from OPENAI_API_KEY, got %q", cfg.OpenAI.APIKey)
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}
