package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// Level maps LogLevel to a slog level; unknown values log at info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	AuthToken   string `yaml:"auth_token"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
	RateLimit   int    `yaml:"rate_limit"`
	RateWindowS int    `yaml:"rate_window_seconds"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engines     EnginesConfig    `yaml:"engines"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	OpenAI      OpenAIConfig     `yaml:"openai"`
	Interview   InterviewConfig  `yaml:"interview"`
	Client      ClientConfig     `yaml:"client"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	MaxPayloadMB   int      `yaml:"max_payload_mb"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EnginesConfig decides where the gateway sends collaborator work: to
// in-process backends ("local") or to engine services over the bus ("bus").
type EnginesConfig struct {
	Placement        string `yaml:"placement"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type STTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // mock, exec, openai
	Command  string `yaml:"command"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, openai
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	Model           string `yaml:"model"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type InterviewConfig struct {
	DefaultSubject    string `yaml:"default_subject"`
	QuestionCount     int    `yaml:"question_count"`
	StreamAudio       bool   `yaml:"stream_audio"`
	AudioCacheEntries int    `yaml:"audio_cache_entries"`
	AudioMIME         string `yaml:"audio_mime"`
}

// ClientConfig drives cmd/loqa-interview.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	AuthToken      string   `yaml:"auth_token"`
	Candidate      string   `yaml:"candidate"`
	Subject        string   `yaml:"subject"`
	QuestionCount  int      `yaml:"question_count"`
	AutoSpeak      bool     `yaml:"auto_speak"`
	PlayerCommand  string   `yaml:"player_command"`
	Answers        []string `yaml:"answers"`
	CaptureChunkMS int      `yaml:"capture_chunk_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interview",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        5000,
			MaxUploadMB: 10,
			RateLimit:   100,
			RateWindowS: 15 * 60,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayloadMB:   16,
		},
		Node: NodeConfig{
			ID:                "loqa-interview-1",
			Role:              "gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interview-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Engines: EnginesConfig{
			Placement:        "local",
			RequestTimeoutMS: 60000,
		},
		STT: STTConfig{
			Enabled:  true,
			Mode:     "mock",
			Model:    "whisper-1",
			Language: "en",
		},
		LLM: LLMConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "gpt-4o-mini",
			ModelBalanced: "gpt-4o-mini",
			DefaultTier:   "balanced",
			MaxTokens:     512,
			Temperature:   0.7,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			Voice:           "alloy",
			Model:           "tts-1",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		OpenAI: OpenAIConfig{
			TimeoutMS: 60000,
		},
		Interview: InterviewConfig{
			DefaultSubject:    "general knowledge",
			QuestionCount:     5,
			StreamAudio:       false,
			AudioCacheEntries: 256,
			AudioMIME:         "audio/mpeg",
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:5000/api",
			Candidate:      "candidate",
			Subject:        "Computer Science",
			QuestionCount:  5,
			AutoSpeak:      true,
			CaptureChunkMS: 250,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.AuthToken, "LOQA_HTTP_AUTH_TOKEN")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.RateLimit, "LOQA_HTTP_RATE_LIMIT")
	overrideInt(&cfg.HTTP.RateWindowS, "LOQA_HTTP_RATE_WINDOW_SECONDS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayloadMB, "LOQA_BUS_MAX_PAYLOAD_MB")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engines.Placement, "LOQA_ENGINES_PLACEMENT")
	overrideInt(&cfg.Engines.RequestTimeoutMS, "LOQA_ENGINES_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.APIKey, "LOQA_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "LOQA_OPENAI_BASE_URL")
	overrideString(&cfg.OpenAI.Organization, "LOQA_OPENAI_ORGANIZATION")
	overrideInt(&cfg.OpenAI.TimeoutMS, "LOQA_OPENAI_TIMEOUT_MS")
	overrideString(&cfg.Interview.DefaultSubject, "LOQA_INTERVIEW_DEFAULT_SUBJECT")
	overrideInt(&cfg.Interview.QuestionCount, "LOQA_INTERVIEW_QUESTION_COUNT")
	overrideBool(&cfg.Interview.StreamAudio, "LOQA_INTERVIEW_STREAM_AUDIO")
	overrideInt(&cfg.Interview.AudioCacheEntries, "LOQA_INTERVIEW_AUDIO_CACHE_ENTRIES")
	overrideString(&cfg.Interview.AudioMIME, "LOQA_INTERVIEW_AUDIO_MIME")
	overrideString(&cfg.Client.ServerURL, "LOQA_CLIENT_SERVER_URL")
	overrideString(&cfg.Client.AuthToken, "LOQA_CLIENT_AUTH_TOKEN")
	overrideString(&cfg.Client.Candidate, "LOQA_CLIENT_CANDIDATE")
	overrideString(&cfg.Client.Subject, "LOQA_CLIENT_SUBJECT")
	overrideInt(&cfg.Client.QuestionCount, "LOQA_CLIENT_QUESTION_COUNT")
	overrideBool(&cfg.Client.AutoSpeak, "LOQA_CLIENT_AUTO_SPEAK")
	overrideString(&cfg.Client.PlayerCommand, "LOQA_CLIENT_PLAYER_COMMAND")
	overrideStringSlice(&cfg.Client.Answers, "LOQA_CLIENT_ANSWERS")
	overrideInt(&cfg.Client.CaptureChunkMS, "LOQA_CLIENT_CAPTURE_CHUNK_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg *Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must be >= 0")
	}
	if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateWindowS <= 0 {
		return errors.New("http.rate_window_seconds must be positive when rate limiting is enabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	switch cfg.Engines.Placement {
	case "local":
	case "bus":
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	default:
		return errors.New("engines.placement must be one of local|bus")
	}
	if cfg.Engines.RequestTimeoutMS <= 0 {
		return errors.New("engines.request_timeout_ms must be positive")
	}

	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	needsOpenAI := false
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock":
		case "exec":
			if cfg.STT.Command == "" {
				return errors.New("stt.command must be set when mode=exec")
			}
		case "openai":
			needsOpenAI = true
		default:
			return errors.New("stt.mode must be one of mock|exec|openai")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock":
		case "ollama":
			if cfg.LLM.Endpoint == "" {
				return errors.New("llm.endpoint must be set when mode=ollama")
			}
		case "exec":
			if cfg.LLM.Command == "" {
				return errors.New("llm.command must be set when mode=exec")
			}
		case "openai":
			needsOpenAI = true
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock":
		case "exec":
			if cfg.TTS.Command == "" {
				return errors.New("tts.command must be set when mode=exec")
			}
		case "openai":
			needsOpenAI = true
		default:
			return errors.New("tts.mode must be one of mock|exec|openai")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if needsOpenAI && cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key (or OPENAI_API_KEY) must be set when any engine uses mode=openai")
	}

	if cfg.Interview.DefaultSubject == "" {
		cfg.Interview.DefaultSubject = "general knowledge"
	}
	if cfg.Interview.QuestionCount <= 0 {
		return errors.New("interview.question_count must be positive")
	}
	if cfg.Interview.AudioCacheEntries <= 0 {
		return errors.New("interview.audio_cache_entries must be positive")
	}
	if cfg.Client.QuestionCount <= 0 {
		return errors.New("client.question_count must be positive")
	}
	if cfg.Client.CaptureChunkMS <= 0 {
		return errors.New("client.capture_chunk_ms must be positive")
	}
	return nil
}
