package protocol

// Bus subjects served by the engine services when engines run out of process.
const (
	SubjectLLMComplete      = "llm.complete"
	SubjectSpeechSynthesize = "tts.synthesize"
	SubjectSpeechTranscribe = "stt.transcribe"
)

// CompletionJob asks the language model for one non-streamed completion.
type CompletionJob struct {
	SessionID   string  `json:"session_id,omitempty"`
	Purpose     string  `json:"purpose,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Tier        string  `json:"tier,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	JSON        bool    `json:"json,omitempty"`
}

type CompletionResult struct {
	Content          string  `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	LatencyMS        float64 `json:"latency_ms"`
	Error            string  `json:"error,omitempty"`
}

type SynthesisJob struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

type SynthesisResult struct {
	Audio     []byte  `json:"audio,omitempty"`
	MIMEType  string  `json:"mime_type,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type TranscriptionJob struct {
	SessionID string `json:"session_id,omitempty"`
	Audio     []byte `json:"audio"`
	MIMEType  string `json:"mime_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type TranscriptionResult struct {
	Text      string  `json:"text"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}
