package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-interview/internal/audiocache"
	"github.com/loqalabs/loqa-interview/internal/engine"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/quiz"
	"github.com/loqalabs/loqa-interview/internal/streamcodec"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

var allowedAudio = map[string]bool{
	"audio/webm":  true,
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/wave":  true,
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/ogg":   true,
	"audio/mp4":   true,
	"audio/l16":   true,
	"audio/pcm":   true,
}

func newSessionID() string {
	return uuid.NewString()
}

// decodeJSON reads a JSON request body. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctx := r.Context()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.newID()
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = s.cfg.Interview.DefaultSubject
	}
	number := max(req.QuestionNumber, 1)
	total := req.TotalQuestions
	if total <= 0 {
		total = s.cfg.Interview.QuestionCount
	}
	if total > 0 && number > total {
		writeError(w, http.StatusBadRequest, "Question number exceeds the interview length")
		return
	}
	logger := s.logger.With(slog.String("session_id", sessionID), slog.Int("question", number))

	if number == 1 {
		if err := s.events.AppendSession(ctx, eventstore.Session{ID: sessionID, Subject: subject}); err != nil {
			logger.Warn("failed to record session", slogError(err))
		}
		s.events.Record(ctx, sessionID, eventstore.TypeInterviewStarted, 0, map[string]any{"subject": subject, "totalQuestions": total})
	}

	previous := make([]string, 0, len(req.PreviousQuestions))
	for _, p := range req.PreviousQuestions {
		if t := strings.TrimSpace(p.Question); t != "" {
			previous = append(previous, t)
		}
	}
	q, genMS, err := s.engines.GenerateQuestion(ctx, quiz.QuestionRequest{SessionID: sessionID, Subject: subject, Previous: previous})
	if err != nil {
		logger.Error("question generation failed", slogError(err))
		s.recordFailure(r, sessionID, engine.StageQuestion, err)
		writeError(w, http.StatusInternalServerError, "Failed to generate question")
		return
	}
	q.SequenceNumber = number
	q.TotalInCycle = total
	s.events.Record(ctx, sessionID, eventstore.TypeQuestionGenerated, genMS, q)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	enc := streamcodec.NewEncoder(w)
	if err := enc.WriteQuestion(sessionID, q, genMS); err != nil {
		logger.Warn("client went away before question", slogError(err))
		return
	}
	logger.Info("question streamed", slog.Float64("llm_ms", genMS))
	if !s.cfg.Interview.StreamAudio {
		return
	}

	speech, ttsMS, err := s.engines.Synthesize(ctx, sessionID, q.Speakable())
	if err != nil {
		// The stream ends after the question line; the client asks for
		// speech on demand instead.
		logger.Warn("question synthesis failed, audio deferred", slogError(err))
		s.recordFailure(r, sessionID, engine.StageSynthesis, err)
		return
	}
	s.storeSpeech(r, sessionID, speech, ttsMS, "question")
	if err := enc.WriteAudio(sessionID, speech.Data, ttsMS); err != nil {
		logger.Warn("client went away before audio", slogError(err))
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req protocol.ValidationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	answer := strings.TrimSpace(req.TranscribedText)
	if req.Question == nil || answer == "" {
		writeError(w, http.StatusBadRequest, "Question and transcribed text are required")
		return
	}
	if err := req.Question.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	logger := s.logger.With(slog.String("session_id", req.SessionID))

	verdict, valMS, err := s.engines.ValidateAnswer(ctx, req.SessionID, *req.Question, answer)
	if err != nil {
		logger.Error("answer validation failed", slogError(err))
		s.recordFailure(r, req.SessionID, engine.StageValidation, err)
		writeError(w, http.StatusInternalServerError, "Failed to validate answer")
		return
	}
	s.events.Record(ctx, req.SessionID, eventstore.TypeAnswerValidated, valMS, map[string]any{
		"questionNumber": req.Question.SequenceNumber,
		"answer":         answer,
		"isCorrect":      verdict.IsCorrect,
		"feedback":       verdict.Feedback,
	})

	resp := protocol.ValidationResponse{
		Success:   true,
		IsCorrect: verdict.IsCorrect,
		Feedback:  verdict.Feedback,
		Latencies: protocol.ValidationLatencies{LLMValidation: valMS},
	}
	speech, ttsMS, err := s.engines.Synthesize(ctx, req.SessionID, verdict.Feedback)
	if err != nil {
		// Feedback text is still useful without its audio.
		logger.Warn("feedback synthesis failed", slogError(err))
		s.recordFailure(r, req.SessionID, engine.StageSynthesis, err)
	} else {
		s.storeSpeech(r, req.SessionID, speech, ttsMS, "feedback")
		resp.AudioData = base64.StdEncoding.EncodeToString(speech.Data)
		resp.MIMEType = speech.MIMEType
		resp.Latencies.TTS = ttsMS
	}
	logger.Info("answer validated",
		slog.Bool("correct", verdict.IsCorrect),
		slog.Float64("llm_ms", valMS),
		slog.Float64("tts_ms", resp.Latencies.TTS),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpeechRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "Text is required")
		return
	}
	speech, ms, err := s.engines.Synthesize(r.Context(), req.SessionID, req.Text)
	if err != nil {
		s.logger.Error("speech synthesis failed", slog.String("session_id", req.SessionID), slogError(err))
		s.recordFailure(r, req.SessionID, engine.StageSynthesis, err)
		writeError(w, http.StatusInternalServerError, "Failed to synthesize speech")
		return
	}
	s.storeSpeech(r, req.SessionID, speech, ms, "question")
	writeJSON(w, http.StatusOK, protocol.SpeechResponse{
		Success:   true,
		AudioData: base64.StdEncoding.EncodeToString(speech.Data),
		MIMEType:  speech.MIMEType,
		Latency:   ms,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.HTTP.MaxUploadMB) << 20
	if limit <= 0 {
		limit = 10 << 20
	}
	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()
	if header.Size > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
		return
	}
	mimeType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || !allowedAudio[strings.ToLower(mimeType)] {
		writeError(w, http.StatusUnsupportedMediaType, "Only audio files are allowed")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read audio file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Audio file is empty")
		return
	}

	sessionID := r.FormValue("sessionId")
	text, ms, err := s.engines.Transcribe(r.Context(), sessionID, stt.Audio{Data: data, MIMEType: mimeType, Filename: header.Filename})
	if err != nil {
		s.logger.Error("transcription failed", slog.String("session_id", sessionID), slogError(err))
		s.recordFailure(r, sessionID, engine.StageTranscription, err)
		writeError(w, http.StatusInternalServerError, "Failed to transcribe audio")
		return
	}
	s.events.Record(r.Context(), sessionID, eventstore.TypeAnswerTranscribed, ms, map[string]any{
		"text":  text,
		"bytes": len(data),
		"mime":  mimeType,
	})
	writeJSON(w, http.StatusOK, protocol.TranscriptionResponse{Success: true, Text: text, Latency: ms})
}

func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.audio.Get(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Audio not found")
		return
	}
	w.Header().Set("Content-Type", entry.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Data)
}

type sessionEventsResponse struct {
	Session eventstore.Session `json:"session"`
	Events  []eventstore.Event `json:"events"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("sessionId")
	sess, ok, err := s.events.GetSession(ctx, id)
	if err != nil {
		s.logger.Error("failed to load session", slog.String("session_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	events, err := s.events.ListSessionEvents(ctx, id, 500)
	if err != nil {
		s.logger.Error("failed to list events", slog.String("session_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, sessionEventsResponse{Session: sess, Events: events})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "OK",
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Service:   s.cfg.RuntimeName,
	})
}

func (s *Server) storeSpeech(r *http.Request, sessionID string, speech engine.Speech, ms float64, purpose string) {
	if speech.MIMEType == "" {
		speech.MIMEType = s.cfg.Interview.AudioMIME
	}
	s.audio.Put(sessionID, audiocache.Entry{Data: speech.Data, MIMEType: speech.MIMEType, LatencyMS: ms})
	s.events.Record(r.Context(), sessionID, eventstore.TypeSpeechSynthesized, ms, map[string]any{
		"purpose": purpose,
		"bytes":   len(speech.Data),
		"mime":    speech.MIMEType,
	})
}

func (s *Server) recordFailure(r *http.Request, sessionID, stage string, err error) {
	s.events.Record(r.Context(), sessionID, eventstore.TypeCollaboratorFailed, 0, map[string]string{
		"stage": stage,
		"error": err.Error(),
	})
}
