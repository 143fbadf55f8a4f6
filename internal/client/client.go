// Package client talks to the interview gateway: the question stream, speech
// synthesis, transcription and answer validation.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/streamcodec"
)

// Operation names carried on UpstreamError.
const (
	OpStart      = "start"
	OpSynthesize = "synthesize"
	OpTranscribe = "transcribe"
	OpValidate   = "validate"
)

// UpstreamError reports a failed gateway call. Status is zero when the
// request never got a response.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrUnsuccessful is wrapped when the gateway answers 200 with success=false.
var ErrUnsuccessful = errors.New("gateway reported failure")

type Option func(*Client)

// WithToken sends the shared bearer credential on every call.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAudioMIME sets the type recorded on audio that arrives without one.
func WithAudioMIME(mime string) Option {
	return func(c *Client) {
		c.audioMIME = mime
	}
}

type Client struct {
	base      string
	token     string
	audioMIME string
	http      *http.Client
}

// New builds a client for a gateway API root such as
// "http://localhost:5000/api". Calls carry no timeout of their own; bound
// them with the context.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimRight(baseURL, "/"),
		audioMIME: "audio/mpeg",
		http:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QuestionStream is one open question delivery. Read events with Next or
// All and Close it when done.
type QuestionStream struct {
	*streamcodec.Decoder
	SessionID string
	body      io.ReadCloser
}

func (s *QuestionStream) Close() error {
	return s.body.Close()
}

// StartQuestion asks for the next question and returns the open stream.
func (c *Client) StartQuestion(ctx context.Context, req protocol.StartRequest) (*QuestionStream, error) {
	resp, err := c.post(ctx, OpStart, "/interview/start", req)
	if err != nil {
		return nil, err
	}
	sessionID := resp.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = req.SessionID
	}
	dec := streamcodec.NewDecoder(resp.Body,
		streamcodec.WithCycle(req.QuestionNumber, req.TotalQuestions),
		streamcodec.WithAudioMIME(c.audioMIME),
	)
	return &QuestionStream{Decoder: dec, SessionID: sessionID, body: resp.Body}, nil
}

// Speech is decoded synthesized audio.
type Speech struct {
	Data      []byte
	MIMEType  string
	LatencyMS float64
}

func (c *Client) Synthesize(ctx context.Context, sessionID, text string) (Speech, error) {
	var out protocol.SpeechResponse
	if err := c.call(ctx, OpSynthesize, "/audio/text-to-speech", protocol.SpeechRequest{Text: text, SessionID: sessionID}, &out); err != nil {
		return Speech{}, err
	}
	if !out.Success {
		return Speech{}, &UpstreamError{Op: OpSynthesize, Status: http.StatusOK, Err: ErrUnsuccessful}
	}
	data, err := decodeAudio(out.AudioData)
	if err != nil {
		return Speech{}, &UpstreamError{Op: OpSynthesize, Status: http.StatusOK, Err: err}
	}
	if len(data) == 0 {
		return Speech{}, &UpstreamError{Op: OpSynthesize, Status: http.StatusOK, Err: errors.New("response carried no audio")}
	}
	return Speech{Data: data, MIMEType: c.mimeOr(out.MIMEType), LatencyMS: out.Latency}, nil
}

type Transcript struct {
	Text      string
	LatencyMS float64
}

// Transcribe uploads one recording as the multipart field "audio".
func (c *Client) Transcribe(ctx context.Context, sessionID string, data []byte, mimeType string) (Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if sessionID != "" {
		if err := mw.WriteField("sessionId", sessionID); err != nil {
			return Transcript{}, err
		}
	}
	header := make(textproto.MIMEHeader)
	filename := "answer" + asset.Audio{MIMEType: mimeType, Data: data}.Extension()
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return Transcript{}, err
	}
	if _, err := part.Write(data); err != nil {
		return Transcript{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := c.newRequest(ctx, "/audio/transcribe", &body)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(OpTranscribe, req)
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()

	var out protocol.TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, &UpstreamError{Op: OpTranscribe, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !out.Success {
		return Transcript{}, &UpstreamError{Op: OpTranscribe, Status: resp.StatusCode, Err: ErrUnsuccessful}
	}
	return Transcript{Text: strings.TrimSpace(out.Text), LatencyMS: out.Latency}, nil
}

// Verdict is the graded answer plus the spoken feedback, if any.
type Verdict struct {
	IsCorrect    bool
	Feedback     string
	Audio        []byte
	MIMEType     string
	ValidationMS float64
	SynthesisMS  float64
}

func (c *Client) Validate(ctx context.Context, req protocol.ValidationRequest) (Verdict, error) {
	var out protocol.ValidationResponse
	if err := c.call(ctx, OpValidate, "/interview/validate-answer", req, &out); err != nil {
		return Verdict{}, err
	}
	if !out.Success {
		return Verdict{}, &UpstreamError{Op: OpValidate, Status: http.StatusOK, Err: ErrUnsuccessful}
	}
	v := Verdict{
		IsCorrect:    out.IsCorrect,
		Feedback:     out.Feedback,
		MIMEType:     c.mimeOr(out.MIMEType),
		ValidationMS: out.Latencies.LLMValidation,
		SynthesisMS:  out.Latencies.TTS,
	}
	// Feedback audio is optional; a bad payload only costs the audio.
	if data, err := decodeAudio(out.AudioData); err == nil {
		v.Audio = data
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, op, path string, in, out any) error {
	resp, err := c.post(ctx, op, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// post sends a JSON body and returns a 2xx response for the caller to close.
func (c *Client) post(ctx context.Context, op, path string, in any) (*http.Response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := c.newRequest(ctx, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req)
}

func (c *Client) newRequest(ctx context.Context, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &UpstreamError{Op: op, Status: resp.StatusCode, Err: errorMessage(resp)}
	}
	return resp, nil
}

// errorMessage pulls the gateway's error text out of a failed response.
func errorMessage(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e protocol.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return errors.New(e.Error)
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return errors.New(msg)
	}
	return errors.New(http.StatusText(resp.StatusCode))
}

func decodeAudio(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("audioData is not base64: %w", err)
	}
	return data, nil
}

func (c *Client) mimeOr(mime string) string {
	if mime != "" {
		return mime
	}
	return c.audioMIME
}
