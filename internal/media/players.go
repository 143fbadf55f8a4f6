package media

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/coordinator"
)

var ErrElementClosed = errors.New("audio element closed")

// listeners fans element events out to subscribers on a fresh goroutine so
// no event is ever delivered from inside an element method.
type listeners struct {
	mu   sync.Mutex
	next int
	subs map[int]func(coordinator.Event)
}

func (l *listeners) subscribe(fn func(coordinator.Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[int]func(coordinator.Event))
	}
	id := l.next
	l.next++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *listeners) subscribeReady(fn func(coordinator.Event)) func() {
	unsubscribe := l.subscribe(fn)
	go fn(coordinator.Event{Kind: coordinator.EventReady})
	return unsubscribe
}

func (l *listeners) emit(ev coordinator.Event) {
	l.mu.Lock()
	subs := make([]func(coordinator.Event), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()
	go func() {
		for _, fn := range subs {
			fn(ev)
		}
	}()
}

// Duration estimates how long an asset plays. WAV headers are read exactly;
// anything else is assumed to be 128 kbit/s MP3.
func Duration(a asset.Audio) time.Duration {
	if len(a.Data) >= 12 && string(a.Data[:4]) == "RIFF" {
		dec := wav.NewDecoder(bytes.NewReader(a.Data))
		if dec.IsValidFile() {
			if d, err := dec.Duration(); err == nil {
				return d
			}
		}
	}
	return time.Duration(len(a.Data)) * time.Second / 16000
}

// SimulatedPlayer plays nothing aloud; it advances a clock for the length of
// the asset. It is used when no player command is configured.
type SimulatedPlayer struct {
	// Speed scales playback; 2 plays twice as fast. Zero means 1.
	Speed float64
}

func (p SimulatedPlayer) NewElement(a asset.Audio) (coordinator.Element, error) {
	d := Duration(a)
	if p.Speed > 0 {
		d = time.Duration(float64(d) / p.Speed)
	}
	return &simElement{length: d}, nil
}

type simElement struct {
	events listeners

	mu      sync.Mutex
	length  time.Duration
	pos     time.Duration
	started time.Time
	playing bool
	closed  bool
	run     uint64
	timer   *time.Timer
}

func (e *simElement) Play() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrElementClosed
	}
	if e.playing {
		return e.run, nil
	}
	if e.pos >= e.length {
		e.pos = 0
	}
	e.run++
	run := e.run
	e.playing = true
	e.started = time.Now()
	e.timer = time.AfterFunc(e.length-e.pos, func() { e.finish(run) })
	return run, nil
}

func (e *simElement) finish(run uint64) {
	e.mu.Lock()
	if !e.playing || e.run != run {
		e.mu.Unlock()
		return
	}
	e.playing = false
	e.pos = e.length
	e.mu.Unlock()
	e.events.emit(coordinator.Event{Kind: coordinator.EventEnded, Run: run})
}

func (e *simElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return
	}
	e.timer.Stop()
	e.pos += time.Since(e.started)
	if e.pos > e.length {
		e.pos = e.length
	}
	e.playing = false
}

func (e *simElement) Rewind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = 0
	if e.playing {
		e.timer.Stop()
		e.started = time.Now()
		run := e.run
		e.timer = time.AfterFunc(e.length, func() { e.finish(run) })
	}
}

func (e *simElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing {
		return min(e.pos+time.Since(e.started), e.length)
	}
	return e.pos
}

// Subscribe reports readiness to every new subscriber; the source is
// decoded by the time the element exists.
func (e *simElement) Subscribe(fn func(coordinator.Event)) func() {
	return e.events.subscribeReady(fn)
}

func (e *simElement) Close() error {
	e.Pause()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// ExecPlayer writes each asset to a temp file and plays it with an external
// command such as "ffplay -nodisp -autoexit {file}". The token {file} is
// replaced by the path; without it the path is appended.
type ExecPlayer struct {
	args   []string
	logger *slog.Logger
}

func NewExecPlayer(command string, logger *slog.Logger) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}
	return &ExecPlayer{args: args, logger: logger.With(slog.String("component", "exec-player"))}, nil
}

func (p *ExecPlayer) NewElement(a asset.Audio) (coordinator.Element, error) {
	file, err := os.CreateTemp("", "loqa_audio_*"+a.Extension())
	if err != nil {
		return nil, fmt.Errorf("temp audio file: %w", err)
	}
	if _, err := file.Write(a.Data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("write audio file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("close audio file: %w", err)
	}
	return &execElement{player: p, path: file.Name()}, nil
}

func (p *ExecPlayer) command(path string) []string {
	out := make([]string, 0, len(p.args)+1)
	replaced := false
	for _, arg := range p.args {
		if strings.Contains(arg, "{file}") {
			arg = strings.ReplaceAll(arg, "{file}", path)
			replaced = true
		}
		out = append(out, arg)
	}
	if !replaced {
		out = append(out, path)
	}
	return out
}

type execElement struct {
	player *ExecPlayer
	path   string
	events listeners

	mu      sync.Mutex
	cmd     *exec.Cmd
	run     uint64
	started time.Time
	closed  bool
}

func (e *execElement) Play() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrElementClosed
	}
	if e.cmd != nil {
		return e.run, nil
	}
	args := e.player.command(e.path)
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start player: %w", err)
	}
	e.run++
	run := e.run
	e.cmd = cmd
	e.started = time.Now()
	go e.wait(cmd, run)
	return run, nil
}

func (e *execElement) wait(cmd *exec.Cmd, run uint64) {
	err := cmd.Wait()
	e.mu.Lock()
	current := e.cmd == cmd
	if current {
		e.cmd = nil
	}
	e.mu.Unlock()
	if !current {
		// stopped on purpose
		return
	}
	if err != nil {
		e.player.logger.Warn("player exited with error", slog.String("error", err.Error()))
		e.events.emit(coordinator.Event{Kind: coordinator.EventFailed, Run: run, Err: err})
		return
	}
	e.events.emit(coordinator.Event{Kind: coordinator.EventEnded, Run: run})
}

func (e *execElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return
	}
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	e.cmd = nil
}

// Rewind is implicit: every Play restarts the command from the top.
func (e *execElement) Rewind() {}

func (e *execElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return 0
	}
	return time.Since(e.started)
}

func (e *execElement) Subscribe(fn func(coordinator.Event)) func() {
	return e.events.subscribeReady(fn)
}

func (e *execElement) Close() error {
	e.Pause()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove audio file: %w", err)
	}
	return nil
}
