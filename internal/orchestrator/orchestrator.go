// Package orchestrator drives one interview question by question: fetch the
// question, voice it, record the answer, transcribe and validate it, play
// the feedback and seal the latency record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/client"
	"github.com/loqalabs/loqa-interview/internal/coordinator"
	"github.com/loqalabs/loqa-interview/internal/latency"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/report"
	"github.com/loqalabs/loqa-interview/internal/streamcodec"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseTextReady
	PhaseSynthesizingAudio
	PhaseSkipped
	PhaseAwaitingRecording
	PhaseRecording
	PhaseTranscribing
	PhaseValidating
	PhaseFeedbackPlaying
	PhaseComplete
	PhaseFinalized
)

// beforeAnswer reports whether the question is still waiting for an answer
// to be recorded.
func (p Phase) beforeAnswer() bool {
	switch p {
	case PhaseTextReady, PhaseSynthesizingAudio, PhaseSkipped, PhaseAwaitingRecording:
		return true
	}
	return false
}

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseTextReady:
		return "text_ready"
	case PhaseSynthesizingAudio:
		return "synthesizing_audio"
	case PhaseSkipped:
		return "skipped"
	case PhaseAwaitingRecording:
		return "awaiting_recording"
	case PhaseRecording:
		return "recording"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseValidating:
		return "validating"
	case PhaseFeedbackPlaying:
		return "feedback_playing"
	case PhaseComplete:
		return "complete"
	case PhaseFinalized:
		return "finalized"
	}
	return "unknown"
}

// step names what Retry repeats.
type step int

const (
	stepNone step = iota
	stepFetch
	stepSynthesis
	stepRecord
	stepTranscribe
	stepValidate
)

var (
	ErrInvalidPhase      = errors.New("action not allowed in current phase")
	ErrNothingToRetry    = errors.New("no failed step to retry")
	ErrInterviewComplete = errors.New("all questions have been answered")
	ErrNotFinished       = errors.New("interview is not finished")
	ErrEmptyTranscript   = errors.New("transcription returned no text")
)

// Transition is published for every phase change. A non-nil Err means the
// step of From failed and the machine is parked in its errored substate;
// To equals From in that case.
type Transition struct {
	From     Phase
	To       Phase
	Sequence int
	Err      error
	At       time.Time
}

// Snapshot is a consistent view of the orchestrator and its audio channels.
type Snapshot struct {
	Phase      Phase
	Err        error
	SessionID  string
	Sequence   int
	Total      int
	Question   protocol.Question
	Transcript string
	// AudioErr holds a question synthesis failure that happened after the
	// candidate had already moved on to recording.
	AudioErr error
	Answered int
	Audio    coordinator.Snapshot
}

// Gateway is the subset of the gateway client the orchestrator calls.
type Gateway interface {
	StartQuestion(ctx context.Context, req protocol.StartRequest) (*client.QuestionStream, error)
	Synthesize(ctx context.Context, sessionID, text string) (client.Speech, error)
	Transcribe(ctx context.Context, sessionID string, data []byte, mimeType string) (client.Transcript, error)
	Validate(ctx context.Context, req protocol.ValidationRequest) (client.Verdict, error)
}

type Config struct {
	Candidate      string
	Subject        string
	TotalQuestions int
	// AutoSpeak voices each question as soon as its text is shown.
	AutoSpeak bool
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithObserver receives every transition in order, outside internal locks.
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithLatencyObserver is told about every sealed latency record.
func WithLatencyObserver(obs latency.Observer) Option {
	return func(o *Orchestrator) {
		o.latencyObs = obs
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

type Orchestrator struct {
	gw         Gateway
	coord      *coordinator.Coordinator
	recorder   *media.Recorder
	agg        *latency.Aggregator
	cfg        Config
	logger     *slog.Logger
	observer   func(Transition)
	latencyObs latency.Observer
	now        func() time.Time

	life context.Context
	stop context.CancelFunc
	bg   sync.WaitGroup

	// op serializes candidate actions. qmu orders question audio attaches
	// against the start of a new cycle.
	op  sync.Mutex
	qmu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	err        error
	failed     step
	cycle      uint64
	sessionID  string
	question   protocol.Question
	asked      []protocol.PreviousQuestion
	capture    *media.Capture
	transcript string
	sttMS      float64
	audioErr   error
	feedbackID string
	sealed     bool
	results    []report.Result
	startedAt  time.Time
	changed    chan struct{}
	pending    []Transition

	dispatchMu sync.Mutex
}

// New builds an orchestrator that plays audio through players and records
// from mic. It owns the coordinator built over players.
func New(gw Gateway, players coordinator.Factory, mic media.Microphone, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TotalQuestions <= 0 {
		cfg.TotalQuestions = 5
	}
	o := &Orchestrator{
		gw:      gw,
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "orchestrator"))
	o.life, o.stop = context.WithCancel(context.Background())
	o.coord = coordinator.New(players, coordinator.WithObserver(o.onAudio), coordinator.WithLogger(o.logger))
	o.recorder = media.NewRecorder(mic, o.logger)
	var aggOpts []latency.Option
	if o.latencyObs != nil {
		aggOpts = append(aggOpts, latency.WithObserver(o.latencyObs))
	}
	o.agg = latency.New(aggOpts...)
	return o
}

// Coordinator exposes the audio channels for manual play controls.
func (o *Orchestrator) Coordinator() *coordinator.Coordinator {
	return o.coord
}

// Next fetches the next question. It returns once the question text is
// ready; voicing it continues in the background. Advancing while feedback
// audio still plays is allowed and releases that audio.
func (o *Orchestrator) Next(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	switch o.phase {
	case PhaseIdle, PhaseComplete:
	case PhaseFeedbackPlaying:
		o.setLocked(PhaseComplete, nil)
	default:
		p := o.phase
		o.unlock()
		return fmt.Errorf("%w: next question while %s", ErrInvalidPhase, p)
	}
	if len(o.results) >= o.cfg.TotalQuestions {
		o.unlock()
		return ErrInterviewComplete
	}
	if o.startedAt.IsZero() {
		o.startedAt = o.now()
	}
	o.unlock()
	return o.fetch(ctx)
}

// beginCycle invalidates every background task of the previous question
// and releases both of its audio channels, feedback still playing included.
func (o *Orchestrator) beginCycle() uint64 {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	o.mu.Lock()
	o.cycle++
	cycle := o.cycle
	o.mu.Unlock()
	for _, ch := range asset.Channels {
		o.coord.Detach(ch)
	}
	return cycle
}

func (o *Orchestrator) fetch(ctx context.Context) error {
	cycle := o.beginCycle()

	o.mu.Lock()
	seq := len(o.results) + 1
	req := protocol.StartRequest{
		SessionID:         o.sessionID,
		Subject:           o.cfg.Subject,
		PreviousQuestions: append([]protocol.PreviousQuestion(nil), o.asked...),
		QuestionNumber:    seq,
		TotalQuestions:    o.cfg.TotalQuestions,
	}
	// Only the position survives until the new question arrives.
	o.question = protocol.Question{SequenceNumber: seq, TotalInCycle: o.cfg.TotalQuestions}
	o.transcript = ""
	o.sttMS = 0
	o.audioErr = nil
	o.feedbackID = ""
	o.sealed = false
	o.setLocked(PhaseFetching, nil)
	o.unlock()

	// The stream outlives the caller's context once the question is in, so
	// it hangs off the orchestrator's lifetime and only borrows ctx until then.
	streamCtx, cancel := context.WithCancel(o.life)
	unlink := context.AfterFunc(ctx, cancel)
	stream, err := o.gw.StartQuestion(streamCtx, req)
	if err != nil {
		unlink()
		cancel()
		return o.fail(PhaseFetching, stepFetch, err)
	}
	ev, err := o.awaitQuestion(stream)
	if err != nil {
		unlink()
		cancel()
		_ = stream.Close()
		return o.fail(PhaseFetching, stepFetch, err)
	}
	unlink()

	q := ev.Question
	q.SequenceNumber = seq
	q.TotalInCycle = o.cfg.TotalQuestions

	o.mu.Lock()
	o.question = q
	if o.sessionID == "" {
		o.sessionID = firstNonEmpty(ev.SessionID, stream.SessionID)
	}
	o.asked = append(o.asked, protocol.PreviousQuestion{Question: q.Text})
	if err := o.agg.Begin(seq); err != nil {
		o.logger.Error("begin latency record", slogError(err))
	}
	o.recordLocked(latency.QuestionGeneration, ev.Latencies.QuestionGeneration)
	o.setLocked(PhaseTextReady, nil)
	o.unlock()

	// TextReady has been delivered; voicing starts only now.
	o.bg.Add(1)
	go o.prepareAudio(streamCtx, cancel, cycle, stream, ev)
	return nil
}

// awaitQuestion reads up to the question line, skipping malformed lines.
func (o *Orchestrator) awaitQuestion(stream *client.QuestionStream) (streamcodec.Event, error) {
	for {
		ev, err := stream.Next()
		if err != nil {
			return streamcodec.Event{}, err
		}
		switch ev.Kind {
		case streamcodec.KindQuestionReady:
			return ev, nil
		case streamcodec.KindProtocolError:
			o.logger.Warn("skipping malformed stream line", slogError(ev.Err))
		}
	}
}

// prepareAudio voices the question: audio carried by the stream wins,
// otherwise speech is requested on demand once the stream closes.
func (o *Orchestrator) prepareAudio(ctx context.Context, cancel context.CancelFunc, cycle uint64, stream *client.QuestionStream, first streamcodec.Event) {
	defer o.bg.Done()
	defer cancel()
	defer stream.Close()

	o.mu.Lock()
	if o.cycle != cycle {
		o.unlock()
		return
	}
	if !o.cfg.AutoSpeak {
		if o.phase == PhaseTextReady {
			o.setLocked(PhaseSkipped, nil)
			o.setLocked(PhaseAwaitingRecording, nil)
		}
		o.unlock()
		return
	}
	if o.phase == PhaseTextReady {
		o.setLocked(PhaseSynthesizingAudio, nil)
	}
	o.unlock()

	if !first.Audio.Empty() {
		o.useQuestionAudio(cycle, first.Audio, first.Latencies.QuestionSynthesis)
		return
	}
	for {
		ev, err := stream.Next()
		if err != nil {
			// A stream closing after the question means audio was deferred.
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				o.logger.Warn("question stream ended early", slogError(err))
			}
			break
		}
		switch ev.Kind {
		case streamcodec.KindAudioReady:
			o.useQuestionAudio(cycle, ev.Audio, ev.Latencies.QuestionSynthesis)
			return
		case streamcodec.KindProtocolError:
			o.logger.Warn("skipping malformed stream line", slogError(ev.Err))
		}
	}
	if ctx.Err() != nil {
		return
	}
	o.synthesize(o.life, cycle)
}

func (o *Orchestrator) synthesize(ctx context.Context, cycle uint64) {
	o.mu.Lock()
	if o.cycle != cycle {
		o.unlock()
		return
	}
	sessionID, q := o.sessionID, o.question
	o.unlock()

	speech, err := o.gw.Synthesize(ctx, sessionID, q.Speakable())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("question synthesis failed", slog.Int("question", q.SequenceNumber), slogError(err))
		o.mu.Lock()
		if o.cycle == cycle {
			o.audioErr = err
			if o.phase == PhaseSynthesizingAudio {
				o.failLocked(stepSynthesis, err)
			}
		}
		o.unlock()
		return
	}
	a := asset.New(asset.ChannelQuestion, q.SequenceNumber, speech.MIMEType, speech.Data)
	o.useQuestionAudio(cycle, a, speech.LatencyMS)
}

func (o *Orchestrator) useQuestionAudio(cycle uint64, a asset.Audio, ms float64) {
	o.qmu.Lock()
	o.mu.Lock()
	if o.cycle != cycle {
		o.mu.Unlock()
		o.qmu.Unlock()
		return
	}
	o.audioErr = nil
	o.recordLocked(latency.QuestionSynthesis, ms)
	var opts []coordinator.AttachOption
	if o.phase.beforeAnswer() {
		opts = append(opts, coordinator.AutoplayWhenReady())
	}
	o.unlock()

	// Never under o.mu: coordinator callbacks take it. Audio that shows up
	// after the answer is only kept for manual playback.
	if err := o.coord.Attach(asset.ChannelQuestion, a, opts...); err != nil {
		o.logger.Warn("attach question audio", slogError(err))
	}
	o.qmu.Unlock()

	o.mu.Lock()
	if o.cycle == cycle && o.phase == PhaseSynthesizingAudio {
		o.setLocked(PhaseAwaitingRecording, nil)
	}
	o.unlock()
}

// StartRecording stops every audio channel and opens the microphone. If the
// microphone cannot be opened the phase is kept and the error surfaced.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()
	return o.startRecording(ctx)
}

func (o *Orchestrator) startRecording(ctx context.Context) error {
	o.mu.Lock()
	switch o.phase {
	case PhaseTextReady, PhaseSynthesizingAudio, PhaseSkipped, PhaseAwaitingRecording:
	default:
		p := o.phase
		o.unlock()
		return fmt.Errorf("%w: record while %s", ErrInvalidPhase, p)
	}
	o.unlock()

	// Must complete before the microphone is touched.
	o.coord.InterruptForRecording()

	capture, err := o.recorder.Start(ctx, o.life)
	if err != nil {
		o.coord.OnRecordingEnded()
		o.logger.Warn("microphone unavailable", slogError(err))
		o.mu.Lock()
		o.failLocked(stepRecord, err)
		o.unlock()
		return err
	}

	o.mu.Lock()
	o.capture = capture
	o.setLocked(PhaseRecording, nil)
	o.unlock()
	return nil
}

// RecordingExhausted is closed when the microphone source runs dry. It is
// nil when no recording is running.
func (o *Orchestrator) RecordingExhausted() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.capture == nil {
		return nil
	}
	return o.capture.Exhausted()
}

// StopRecording ends the capture and submits it: transcription, then
// validation of the transcript, with no confirmation step in between.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	if o.phase != PhaseRecording {
		p := o.phase
		o.unlock()
		return fmt.Errorf("%w: stop recording while %s", ErrInvalidPhase, p)
	}
	capture := o.capture
	o.capture = nil
	o.unlock()

	payload, err := capture.Stop()
	o.coord.OnRecordingEnded()
	if err != nil {
		o.logger.Warn("recording failed", slogError(err))
		o.mu.Lock()
		o.setLocked(PhaseAwaitingRecording, nil)
		o.failLocked(stepRecord, err)
		o.unlock()
		return err
	}

	o.mu.Lock()
	o.setLocked(PhaseTranscribing, nil)
	sessionID := o.sessionID
	o.unlock()

	tr, err := o.gw.Transcribe(ctx, sessionID, payload.Data, payload.MIMEType)
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = ErrEmptyTranscript
	}
	if err != nil {
		return o.fail(PhaseTranscribing, stepTranscribe, err)
	}

	o.mu.Lock()
	o.transcript = tr.Text
	o.sttMS = tr.LatencyMS
	o.unlock()
	return o.validate(ctx, tr.Text, tr.LatencyMS)
}

// validate takes the transcription latency as a parameter so the sample
// travels with the transcript it belongs to.
func (o *Orchestrator) validate(ctx context.Context, text string, sttMS float64) error {
	o.mu.Lock()
	o.setLocked(PhaseValidating, nil)
	sessionID, q := o.sessionID, o.question
	o.unlock()

	v, err := o.gw.Validate(ctx, protocol.ValidationRequest{SessionID: sessionID, Question: &q, TranscribedText: text})
	if err != nil {
		return o.fail(PhaseValidating, stepValidate, err)
	}

	o.mu.Lock()
	o.recordLocked(latency.AnswerTranscription, sttMS)
	o.recordLocked(latency.AnswerValidation, v.ValidationMS)
	o.recordLocked(latency.FeedbackSynthesis, v.SynthesisMS)
	rec, err := o.agg.Seal()
	if err != nil {
		o.logger.Error("seal latency record", slogError(err))
	}
	o.sealed = true
	if len(o.results) < o.cfg.TotalQuestions {
		o.results = append(o.results, report.Result{
			Sequence:      q.SequenceNumber,
			Question:      q.Text,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Answer:        text,
			IsCorrect:     v.IsCorrect,
			Feedback:      v.Feedback,
			Latencies:     rec,
		})
	}
	var feedback asset.Audio
	if len(v.Audio) > 0 {
		feedback = asset.New(asset.ChannelFeedback, q.SequenceNumber, v.MIMEType, v.Audio)
		o.feedbackID = feedback.ID
	}
	o.setLocked(PhaseFeedbackPlaying, nil)
	o.unlock()

	o.logger.Info("answer validated",
		slog.Int("question", q.SequenceNumber),
		slog.Bool("correct", v.IsCorrect),
		slog.Float64("cycle_ms", rec.Total()),
	)
	if !feedback.Empty() {
		if err := o.coord.Attach(asset.ChannelFeedback, feedback, coordinator.AutoplayWhenReady()); err != nil {
			o.logger.Warn("attach feedback audio", slogError(err))
		}
	}
	return nil
}

// Advance ends the feedback phase without waiting for the audio.
func (o *Orchestrator) Advance() error {
	o.op.Lock()
	defer o.op.Unlock()
	o.mu.Lock()
	defer o.unlock()
	if o.phase != PhaseFeedbackPlaying {
		return fmt.Errorf("%w: advance while %s", ErrInvalidPhase, o.phase)
	}
	o.setLocked(PhaseComplete, nil)
	return nil
}

// Retry repeats only the step that failed: the question fetch, question
// synthesis, the microphone, a re-recording after a failed transcription,
// or validation of the same transcript. A synthesis failure noticed after
// the candidate moved on to recording is retried the same way.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	failed := o.failed
	if o.err == nil {
		failed = stepNone
		if o.audioErr != nil && o.phase != PhaseFinalized {
			failed = stepSynthesis
		}
	}
	switch failed {
	case stepFetch:
		o.unlock()
		return o.fetch(ctx)
	case stepSynthesis:
		cycle := o.cycle
		o.audioErr = nil
		if o.err != nil {
			o.setLocked(o.phase, nil)
		}
		o.unlock()
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.synthesize(o.life, cycle)
		}()
		return nil
	case stepRecord:
		o.setLocked(o.phase, nil)
		o.unlock()
		return o.startRecording(ctx)
	case stepTranscribe:
		o.setLocked(PhaseAwaitingRecording, nil)
		o.unlock()
		return nil
	case stepValidate:
		text, sttMS := o.transcript, o.sttMS
		o.unlock()
		return o.validate(ctx, text, sttMS)
	}
	o.unlock()
	return ErrNothingToRetry
}

// Finalize builds the report once the last question is complete and tears
// down every channel and background task.
func (o *Orchestrator) Finalize() (report.Report, error) {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	if (o.phase != PhaseComplete && o.phase != PhaseFeedbackPlaying) || len(o.results) < o.cfg.TotalQuestions {
		p, n := o.phase, len(o.results)
		o.unlock()
		return report.Report{}, fmt.Errorf("%w: %d of %d answered, %s", ErrNotFinished, n, o.cfg.TotalQuestions, p)
	}
	if o.phase == PhaseFeedbackPlaying {
		o.setLocked(PhaseComplete, nil)
	}
	rep := report.Build(o.cfg.Candidate, o.cfg.Subject, o.sessionID, o.startedAt, o.now(), o.results)
	o.setLocked(PhaseFinalized, nil)
	o.unlock()

	o.shutdown()
	return rep, nil
}

// Close abandons the interview. Sealed results are kept. An action in
// progress is allowed to finish first.
func (o *Orchestrator) Close() {
	o.stop()
	o.op.Lock()
	defer o.op.Unlock()
	o.mu.Lock()
	capture := o.capture
	o.capture = nil
	o.mu.Unlock()
	if capture != nil {
		_, _ = capture.Stop()
	}
	o.shutdown()
}

func (o *Orchestrator) shutdown() {
	o.stop()
	o.bg.Wait()
	o.coord.Teardown()
}

// Results returns the answered questions in order.
func (o *Orchestrator) Results() []report.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]report.Result(nil), o.results...)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		Phase:      o.phase,
		Err:        o.err,
		SessionID:  o.sessionID,
		Sequence:   o.question.SequenceNumber,
		Total:      o.cfg.TotalQuestions,
		Question:   o.question,
		Transcript: o.transcript,
		AudioErr:   o.audioErr,
		Answered:   len(o.results),
	}
	o.mu.Unlock()
	snap.Audio = o.coord.Snapshot()
	return snap
}

// Wait blocks until cond holds for a snapshot or ctx ends. Snapshots are
// re-taken after every transition and every audio channel change.
func (o *Orchestrator) Wait(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		o.mu.Lock()
		changed := o.changed
		o.mu.Unlock()
		snap := o.Snapshot()
		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

func (o *Orchestrator) onAudio(change coordinator.Change) {
	o.mu.Lock()
	if change.Channel == asset.ChannelFeedback && change.State == coordinator.StateEnded &&
		o.phase == PhaseFeedbackPlaying && o.feedbackID != "" && change.AssetID == o.feedbackID {
		o.setLocked(PhaseComplete, nil)
	}
	o.signalLocked()
	o.unlock()
}

func (o *Orchestrator) fail(phase Phase, s step, err error) error {
	o.logger.Warn("question step failed", slog.String("phase", phase.String()), slogError(err))
	o.mu.Lock()
	if o.phase == phase {
		o.failLocked(s, err)
	}
	o.unlock()
	return err
}

// failLocked parks the current phase in its errored substate.
func (o *Orchestrator) failLocked(s step, err error) {
	o.setLocked(o.phase, err)
	o.failed = s
}

// recordLocked drops samples that arrive after the record was sealed; a
// rejected write on an open record is a bug and logged as one.
func (o *Orchestrator) recordLocked(stage latency.Stage, ms float64) {
	if o.sealed {
		o.logger.Debug("late latency sample dropped", slog.String("stage", string(stage)))
		return
	}
	if err := o.agg.Record(stage, ms); err != nil {
		o.logger.Warn("latency record rejected sample", slog.String("stage", string(stage)), slogError(err))
	}
}

func (o *Orchestrator) setLocked(to Phase, err error) {
	t := Transition{From: o.phase, To: to, Sequence: o.question.SequenceNumber, Err: err, At: o.now()}
	o.phase = to
	o.err = err
	o.failed = stepNone
	if o.observer != nil {
		o.pending = append(o.pending, t)
	}
	o.signalLocked()
}

func (o *Orchestrator) signalLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// unlock releases mu and delivers queued transitions.
func (o *Orchestrator) unlock() {
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) flush() {
	if o.observer == nil {
		return
	}
	for {
		if !o.dispatchMu.TryLock() {
			return
		}
		o.mu.Lock()
		batch := o.pending
		o.pending = nil
		o.mu.Unlock()
		for _, t := range batch {
			o.observer(t)
		}
		o.dispatchMu.Unlock()

		o.mu.Lock()
		more := len(o.pending) > 0
		o.mu.Unlock()
		if !more {
			return
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
