package tts

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/bus/bustest"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/media"
)

func TestMockSynthRendersWAV(t *testing.T) {
	synth := NewMockSynth(8000, 1)
	audio, mime, err := Collect(context.Background(), synth, SynthRequest{Text: "one two three four five"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if mime != "audio/wav" {
		t.Fatalf("mime = %q", mime)
	}
	if !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatal("expected a RIFF header")
	}
	d := media.Duration(asset.Audio{Data: audio})
	if diff := d - 5*mockWordDuration; diff < -5*time.Millisecond || diff > 5*time.Millisecond {
		t.Fatalf("duration = %s, want %s", d, 5*mockWordDuration)
	}
}

func TestMockSynthChunksInOrder(t *testing.T) {
	synth := &mockSynth{sampleRate: 8000, channels: 1, chunkSize: 512}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "a fairly long sentence to split up"})
	want := 0
	var last SynthChunk
	for chunk := range chunks {
		if chunk.Sequence != want {
			t.Fatalf("sequence %d, want %d", chunk.Sequence, want)
		}
		want++
		last = chunk
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if want < 2 || !last.Final {
		t.Fatalf("expected several chunks ending in a final one, got %d", want)
	}
}

func TestCollectRejectsEmptyText(t *testing.T) {
	if _, _, err := Collect(context.Background(), NewMockSynth(0, 0), SynthRequest{Text: "  "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestExecSynthWrapsPCM(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAABAAIAAwA=\"}"; echo "{\"pcm_base64\":\"BAAFAA==\",\"final\":true}"'`, 8000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	audio, mime, err := Collect(context.Background(), synth, SynthRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if mime != "audio/wav" || !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatalf("expected wav output, got %q", mime)
	}
	if !bytes.HasSuffix(audio, []byte{0, 0, 1, 0, 2, 0, 3, 0, 4, 0, 5, 0}) {
		t.Fatal("pcm samples not carried into the data chunk")
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 8000, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestServiceSynthesizesOverBus(t *testing.T) {
	client := bustest.Start(t)
	svc := NewService(context.Background(), config.TTSConfig{Enabled: true}, 5*time.Second, client, NewMockSynth(8000, 1), bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audio, mime, err := Collect(ctx, NewBusSynthesizer(client), SynthRequest{Text: "Correct! The answer is B."})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if mime != "audio/wav" || len(audio) == 0 {
		t.Fatalf("unexpected reply %q, %d bytes", mime, len(audio))
	}
}
