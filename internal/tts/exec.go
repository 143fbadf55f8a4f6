package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-interview/internal/media"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// execResponse is one stdout line. Commands either stream encoded audio
// (audio_base64 + mime_type) or raw 16-bit PCM (pcm_base64), which is
// wrapped in a WAV container once the command exits.
type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	MIMEType    string `json:"mime_type"`
	PCMBase64   string `json:"pcm_base64"`
	Final       bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	if strings.TrimSpace(req.Text) == "" {
		close(schunks)
		errs <- ErrEmptyText
		close(errs)
		return schunks, errs
	}
	e.mu.Lock()
	go func() {
		defer close(schunks)
		defer close(errs)
		defer e.mu.Unlock()

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
		sequence := 0
		var pcm []byte
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				_ = cmd.Wait()
				return
			}
			if resp.PCMBase64 != "" {
				raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
				if err != nil {
					errs <- err
					_ = cmd.Wait()
					return
				}
				pcm = append(pcm, raw...)
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
			if err != nil {
				errs <- err
				_ = cmd.Wait()
				return
			}
			mime := resp.MIMEType
			if mime == "" {
				mime = "audio/mpeg"
			}
			schunks <- SynthChunk{
				SessionID: req.SessionID,
				Sequence:  sequence,
				MIMEType:  mime,
				Data:      audio,
				Final:     resp.Final,
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
			return
		}
		if len(pcm) > 0 {
			wavData, err := media.EncodeWAV(pcm, e.sampleRate, e.channels)
			if err != nil {
				errs <- err
				return
			}
			schunks <- SynthChunk{
				SessionID: req.SessionID,
				Sequence:  sequence,
				MIMEType:  "audio/wav",
				Data:      wavData,
				Final:     true,
			}
		}
	}()
	return schunks, errs
}
