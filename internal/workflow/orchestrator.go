// Package workflow sequences a dictation activation through capture,
// recognition, enhancement and insertion, one session at a time.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/contextrules"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/feedback"
	"github.com/loqalabs/loqa-dictate/internal/insert"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/monitor"
	"github.com/loqalabs/loqa-dictate/internal/retry"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var (
	// ErrBusy is returned when the event queue is full.
	ErrBusy = errors.New("dictation busy")
	// ErrNoActiveSession is returned by operations that need a session.
	ErrNoActiveSession = errors.New("no active dictation session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dictation workflow closed")

	errCancelled = errors.New("cancelled by user")
)

// Recognizer is the recognition stage.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Clip) retry.Outcome[stt.TranscriptResult]
}

// Enhancer is the enhancement stage.
type Enhancer interface {
	Enhance(ctx context.Context, transcript, contextType, prompt string) retry.Outcome[llm.Result]
}

// Inserter is the insertion stage.
type Inserter interface {
	// Insert bounds each insertion method by timeout separately.
	Insert(ctx context.Context, req insert.Request, timeout time.Duration) (insert.Outcome, error)
	UndoLast(ctx context.Context) (string, error)
}

// ContextResolver reports the enhancement context of the focused window.
type ContextResolver interface {
	Resolve(ctx context.Context) contextrules.Context
}

// Archiver persists finished sessions.
type Archiver interface {
	ArchiveSession(ctx context.Context, sess eventstore.Session, timeline []eventstore.Event) error
}

// Options wires the orchestrator to its collaborators. Context, Feedback,
// Monitor and Archive are optional.
type Options struct {
	Config     config.WorkflowConfig
	Policy     retry.Policy
	Capture    audio.Capture
	Recognizer Recognizer
	Enhancer   Enhancer
	Inserter   Inserter
	Context    ContextResolver
	Feedback   feedback.Sink
	Monitor    *monitor.Monitor
	Archive    Archiver
	Logger     *slog.Logger
}

// Status is the orchestrator's current slot.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

type eventKind int

const (
	eventActivate eventKind = iota + 1
	eventDeactivate
	eventCancel
)

func (k eventKind) String() string {
	switch k {
	case eventActivate:
		return "activate"
	case eventDeactivate:
		return "deactivate"
	case eventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// hotkeyEvent is one queued event. target is the session that was active
// when a deactivate or cancel was issued; nil means whichever session is
// active once the event is handled.
type hotkeyEvent struct {
	kind   eventKind
	target *session
}

// Orchestrator owns the single active-session slot. Hotkey events are
// queued and consumed by Run; each session is driven by its own worker.
type Orchestrator struct {
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
	newID  func() string

	events chan hotkeyEvent

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	active  *session
	history []Snapshot
	closed  bool
}

// New validates opts and returns an orchestrator. Call Run to start
// consuming events.
func New(opts Options) (*Orchestrator, error) {
	if opts.Capture == nil || opts.Recognizer == nil || opts.Inserter == nil {
		return nil, errors.New("workflow requires capture, recognizer and inserter")
	}
	if opts.Enhancer == nil && opts.Config.EnhanceEnabled {
		return nil, errors.New("workflow enhancement enabled without an enhancer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := opts.Config.EventQueueSize
	if queue <= 0 {
		queue = 32
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		log:    logger.With(slog.String("component", "workflow")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-dictate/workflow"),
		clock:  time.Now,
		newID:  uuid.NewString,
		events: make(chan hotkeyEvent, queue),
		ctx:    ctx,
		stop:   stop,
	}, nil
}

// Activate requests a new session. It never blocks.
func (o *Orchestrator) Activate() error { return o.enqueue(hotkeyEvent{kind: eventActivate}) }

// Deactivate ends capture of the active session. It never blocks.
func (o *Orchestrator) Deactivate() error {
	o.mu.Lock()
	target := o.active
	o.mu.Unlock()
	return o.enqueue(hotkeyEvent{kind: eventDeactivate, target: target})
}

// Cancel aborts the active session. The session is cancelled directly as
// well as through the queue, so a full queue cannot lose a cancel. The
// queued copy only applies to the session it was issued against.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	target := o.active
	if target != nil {
		target.cancel(errCancelled)
	}
	o.mu.Unlock()
	return o.enqueue(hotkeyEvent{kind: eventCancel, target: target})
}

func (o *Orchestrator) enqueue(evt hotkeyEvent) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case o.events <- evt:
		return nil
	default:
		o.log.Warn("hotkey event dropped, queue full", slog.String("event", evt.kind.String()))
		return ErrBusy
	}
}

// Run consumes hotkey events until ctx is done or Close is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.Close()
			return ctx.Err()
		case <-o.ctx.Done():
			return nil
		case evt := <-o.events:
			o.handle(evt)
		}
	}
}

func (o *Orchestrator) handle(evt hotkeyEvent) {
	if evt.kind == eventActivate {
		o.activate()
		return
	}

	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	switch {
	case sess == nil:
		o.log.Debug("hotkey event without active session", slog.String("event", evt.kind.String()))
		return
	case evt.target != nil && evt.target != sess:
		o.log.Debug("stale hotkey event ignored",
			slog.String("event", evt.kind.String()),
			slog.String("session_id", sess.id()))
		return
	}

	switch evt.kind {
	case eventDeactivate:
		sess.requestStop()
	case eventCancel:
		sess.cancel(errCancelled)
	}
}

func (o *Orchestrator) activate() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if busy := o.active; busy != nil {
		o.mu.Unlock()
		o.log.Info("activation rejected, session in progress", slog.String("session_id", busy.id()))
		o.notify(feedback.Event{SessionID: busy.id(), Kind: feedback.KindBusy, State: string(busy.state()), Message: "Dictation already in progress"})
		return
	}
	sess := newSession(o.ctx, o.newID(), o.clock())
	o.active = sess
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Info("dictation started", slog.String("session_id", sess.id()))
	go o.drive(sess)
}

// Close cancels the active session, waits for its worker and stops Run.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.active != nil {
		o.active.cancel(ErrClosed)
	}
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

// Status reports the state of the slot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	if sess == nil {
		return Status{State: StateIdle}
	}
	snap := sess.snapshot()
	return Status{State: snap.State, SessionID: snap.ID, Since: snap.ActivatedAt}
}

// Current returns a snapshot of the active session.
func (o *Orchestrator) Current() (Snapshot, error) {
	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	if sess == nil {
		return Snapshot{}, ErrNoActiveSession
	}
	return sess.snapshot(), nil
}

// History returns archived sessions, newest first.
func (o *Orchestrator) History() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, len(o.history))
	for i, snap := range o.history {
		out[len(o.history)-1-i] = snap
	}
	return out
}

// UndoLast reverts the most recent insertion.
func (o *Orchestrator) UndoLast(ctx context.Context) (string, error) {
	sessionID, err := o.opts.Inserter.UndoLast(ctx)
	if err != nil {
		return "", err
	}
	o.log.Info("insertion undone", slog.String("session_id", sessionID))
	o.notify(feedback.Event{SessionID: sessionID, Kind: feedback.KindUndone, Message: "Dictation undone"})
	return sessionID, nil
}

// drive runs every stage of sess in order. Each stage either advances the
// session or terminates it; drive stops at the first termination.
func (o *Orchestrator) drive(sess *session) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(sess.ctx, "dictation.session",
		trace.WithAttributes(attribute.String("session_id", sess.id())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("dictation worker panic",
				slog.String("session_id", sess.id()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err := errclass.New(errclass.KindFatal, "workflow", fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "panic")
			o.fail(sess, "", err)
		}
	}()

	o.notify(feedback.Event{SessionID: sess.id(), Kind: feedback.KindStarted, State: string(StateCapturing), Message: "Listening"})

	clip, ok := o.capture(ctx, sess)
	if !ok {
		return
	}
	transcript, ok := o.recognize(ctx, sess, clip)
	if !ok {
		return
	}
	text, ok := o.enhance(ctx, sess, transcript)
	if !ok {
		return
	}
	o.insert(ctx, sess, text)
}

func (o *Orchestrator) capture(ctx context.Context, sess *session) (audio.Clip, bool) {
	sess.beginStage(monitor.StageCapture, o.clock())
	ctx, span := o.tracer.Start(ctx, "dictation.capture")
	defer span.End()

	startCtx, cancel := o.withTimeout(ctx, o.opts.Config.CaptureTimeoutMS)
	handle, err := o.opts.Capture.Start(startCtx, sess.id())
	cancel()
	if err != nil {
		if o.cancelled(sess) {
			return audio.Clip{}, false
		}
		o.fail(sess, monitor.StageCapture, asDevice("capture", err))
		recordSpanError(span, err)
		return audio.Clip{}, false
	}
	defer handle.Release()

	if o.opts.Context != nil {
		resolveCtx, cancel := o.withTimeout(ctx, o.opts.Config.CaptureTimeoutMS)
		detected := o.opts.Context.Resolve(resolveCtx)
		cancel()
		sess.update(func(d *Snapshot) {
			d.ContextType = detected.Type
			d.WindowTitle = detected.WindowTitle
			d.Prompt = detected.Prompt
		})
	}

	var ceiling <-chan time.Time
	if o.opts.Config.MaxCaptureMS > 0 {
		timer := time.NewTimer(time.Duration(o.opts.Config.MaxCaptureMS) * time.Millisecond)
		defer timer.Stop()
		ceiling = timer.C
	}
	select {
	case <-ctx.Done():
		o.cancelled(sess)
		return audio.Clip{}, false
	case <-ceiling:
		o.log.Info("capture ceiling reached", slog.String("session_id", sess.id()))
		o.finish(sess, StateCancelled, errclass.KindCancelled, "capture duration limit reached")
		return audio.Clip{}, false
	case <-sess.stop:
	}

	stopCtx, cancel := o.withTimeout(ctx, o.opts.Config.CaptureTimeoutMS)
	clip, err := handle.Stop(stopCtx)
	cancel()
	if o.cancelled(sess) {
		return audio.Clip{}, false
	}
	if err != nil {
		o.fail(sess, monitor.StageCapture, asDevice("capture", err))
		recordSpanError(span, err)
		return audio.Clip{}, false
	}
	if clip.Empty() {
		o.fail(sess, monitor.StageCapture, errclass.New(errclass.KindInvalidInput, "capture", errclass.ErrEmptyResult))
		return audio.Clip{}, false
	}
	sess.setAudio(clip)
	span.SetAttributes(attribute.Int64("audio_ms", clip.Duration().Milliseconds()))
	if !o.advance(sess, StateRecognizing) {
		return audio.Clip{}, false
	}
	return clip, true
}

func (o *Orchestrator) recognize(ctx context.Context, sess *session, clip audio.Clip) (string, bool) {
	sess.beginStage(monitor.StageRecognize, o.clock())
	ctx, span := o.tracer.Start(ctx, "dictation.recognize")
	defer span.End()

	stageCtx, cancel := o.stageContext(ctx, o.opts.Config.RecognizeTimeout)
	out := o.opts.Recognizer.Transcribe(stageCtx, clip)
	cancel()

	sess.update(func(d *Snapshot) {
		d.RecognitionAttempts = out.Attempts
		d.RecognitionCached = out.Cached
	})
	span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.Bool("cached", out.Cached))
	// Whatever arrived, a cancelled session ignores it.
	if o.cancelled(sess) {
		return "", false
	}
	if out.Status != retry.StatusOK {
		o.fail(sess, monitor.StageRecognize, out.Err)
		recordSpanError(span, out.Err)
		return "", false
	}

	sess.update(func(d *Snapshot) {
		d.Transcript = out.Value.Text
		d.Confidence = out.Value.Confidence
	})
	if !o.advance(sess, StateEnhancing) {
		return "", false
	}
	return out.Value.Text, true
}

func (o *Orchestrator) enhance(ctx context.Context, sess *session, transcript string) (string, bool) {
	sess.beginStage(monitor.StageEnhance, o.clock())
	ctx, span := o.tracer.Start(ctx, "dictation.enhance")
	defer span.End()

	text := transcript
	if o.opts.Config.EnhanceEnabled && o.opts.Enhancer != nil {
		snap := sess.snapshot()
		contextType := snap.ContextType
		if contextType == "" {
			contextType = contextrules.General
		}

		stageCtx, cancel := o.stageContext(ctx, o.opts.Config.EnhanceTimeout)
		out := o.opts.Enhancer.Enhance(stageCtx, transcript, contextType, snap.Prompt)
		cancel()

		sess.update(func(d *Snapshot) {
			d.EnhancementAttempts = out.Attempts
			d.EnhancementCached = out.Cached
		})
		span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.Bool("cached", out.Cached))
		if o.cancelled(sess) {
			return "", false
		}
		if out.Status == retry.StatusOK {
			text = out.Value.Text
		} else {
			sess.recordError(monitor.StageEnhance, out.Err, o.clock())
			sess.update(func(d *Snapshot) { d.Degraded = true })
			recordSpanError(span, out.Err)
			o.log.Warn("enhancement degraded, inserting transcript",
				slog.String("session_id", sess.id()),
				slog.String("kind", string(out.Kind())),
				slogError(out.Err))
		}
	}

	sess.update(func(d *Snapshot) { d.EnhancedText = text })
	if !o.advance(sess, StateInserting) {
		return "", false
	}
	return text, true
}

func (o *Orchestrator) insert(ctx context.Context, sess *session, text string) {
	sess.beginStage(monitor.StageInsert, o.clock())
	ctx, span := o.tracer.Start(ctx, "dictation.insert")
	defer span.End()

	if o.cancelled(sess) {
		return
	}
	timeout := time.Duration(o.opts.Config.InsertTimeout) * time.Millisecond
	out, err := o.opts.Inserter.Insert(ctx, insert.Request{SessionID: sess.id(), Text: text}, timeout)
	if err != nil {
		if o.cancelled(sess) {
			return
		}
		o.fail(sess, monitor.StageInsert, retry.AsClassified("insert", err))
		recordSpanError(span, err)
		return
	}

	span.SetAttributes(attribute.String("method", out.Method), attribute.Bool("fallback", out.Fallback))
	sess.update(func(d *Snapshot) {
		d.InsertMethod = out.Method
		d.InsertFallback = out.Fallback
		d.Inserted = true
	})
	o.finish(sess, StateCompleted, "", fmt.Sprintf("inserted %d characters", utf8.RuneCountInString(text)))
}

func (o *Orchestrator) advance(sess *session, to State) bool {
	if err := sess.advance(to, o.clock()); err != nil {
		o.fail(sess, "", errclass.New(errclass.KindFatal, "workflow", err))
		return false
	}
	o.notify(feedback.Event{SessionID: sess.id(), Kind: feedback.KindStage, State: string(to), Message: stageMessage(to)})
	return true
}

// cancelled terminates sess as Cancelled when its context is done and
// reports whether it did.
func (o *Orchestrator) cancelled(sess *session) bool {
	if sess.ctx.Err() == nil {
		return false
	}
	reason := "cancelled"
	if !errors.Is(context.Cause(sess.ctx), errCancelled) {
		reason = "shutting down"
	}
	o.finish(sess, StateCancelled, errclass.KindCancelled, reason)
	return true
}

func (o *Orchestrator) fail(sess *session, stage monitor.Stage, err *errclass.Error) {
	if err == nil {
		err = errclass.New(errclass.KindFatal, "workflow", errors.New("unknown failure"))
	}
	sess.recordError(stage, err, o.clock())
	o.finish(sess, StateFailed, err.Kind, err.Error())
}

// finish terminates sess exactly once: the session is archived and the slot
// released, then the monitor, the event store and the feedback sinks are
// told, in that order.
func (o *Orchestrator) finish(sess *session, state State, kind errclass.Kind, reason string) {
	now := o.clock()
	if !sess.terminate(state, kind, reason, now) {
		return
	}
	snap := sess.snapshot()

	o.mu.Lock()
	o.archive(snap)
	if o.active == sess {
		o.active = nil
	}
	o.mu.Unlock()
	sess.cancel(nil)

	attrs := []any{
		slog.String("session_id", snap.ID),
		slog.String("state", string(state)),
		slog.Duration("elapsed", snap.FinishedAt.Sub(snap.ActivatedAt)),
	}
	if kind != "" {
		attrs = append(attrs, slog.String("kind", string(kind)))
	}
	if state == StateFailed {
		o.log.Warn("dictation failed", append(attrs, slog.String("reason", reason))...)
	} else {
		o.log.Info("dictation finished", attrs...)
	}

	if o.opts.Monitor != nil {
		o.opts.Monitor.Record(context.Background(), performanceRecord(snap))
	}
	o.persist(snap)
	o.notify(terminalEvent(snap))
}

func (o *Orchestrator) archive(snap Snapshot) {
	limit := o.opts.Config.HistorySize
	if limit <= 0 {
		limit = 50
	}
	o.history = append(o.history, snap)
	if over := len(o.history) - limit; over > 0 {
		o.history = append(o.history[:0:0], o.history[over:]...)
	}
}

func (o *Orchestrator) persist(snap Snapshot) {
	if o.opts.Archive == nil {
		return
	}
	timeline := make([]eventstore.Event, 0, len(snap.Timeline))
	for _, tr := range snap.Timeline {
		payload, _ := json.Marshal(tr)
		timeline = append(timeline, eventstore.Event{SessionID: snap.ID, Type: string(tr.To), Payload: payload, CreatedAt: tr.At})
	}
	record := eventstore.Session{
		SessionID:           snap.ID,
		State:               string(snap.State),
		ErrorKind:           string(snap.ErrorKind),
		ContextType:         snap.ContextType,
		InsertMethod:        snap.InsertMethod,
		RecognitionAttempts: snap.RecognitionAttempts,
		EnhancementAttempts: snap.EnhancementAttempts,
		Degraded:            snap.Degraded,
		TextLength:          utf8.RuneCountInString(snap.EnhancedText),
		TotalMS:             snap.FinishedAt.Sub(snap.ActivatedAt).Milliseconds(),
		StartedAt:           snap.ActivatedAt,
		FinishedAt:          snap.FinishedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.opts.Archive.ArchiveSession(ctx, record, timeline); err != nil {
		o.log.Warn("failed to archive session", slog.String("session_id", snap.ID), slogError(err))
	}
}

func (o *Orchestrator) notify(evt feedback.Event) {
	if o.opts.Feedback == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = o.clock()
	}
	o.opts.Feedback.Notify(context.Background(), evt)
}

func (o *Orchestrator) withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// stageContext bounds a retried stage: every attempt may use its full
// timeout and the policy may sleep its whole budget between them.
func (o *Orchestrator) stageContext(ctx context.Context, attemptMS int) (context.Context, context.CancelFunc) {
	if attemptMS <= 0 {
		return context.WithCancel(ctx)
	}
	attempts := o.opts.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	deadline := time.Duration(attemptMS)*time.Millisecond*time.Duration(attempts) + o.opts.Policy.Budget()
	return context.WithTimeout(ctx, deadline)
}

func performanceRecord(snap Snapshot) monitor.Record {
	return monitor.Record{
		SessionID:           snap.ID,
		Stages:              snap.Stages,
		Total:               snap.FinishedAt.Sub(snap.ActivatedAt),
		State:               string(snap.State),
		ErrorKind:           snap.ErrorKind,
		RecognitionAttempts: snap.RecognitionAttempts,
		EnhancementAttempts: snap.EnhancementAttempts,
		RecognitionCached:   snap.RecognitionCached,
		EnhancementCached:   snap.EnhancementCached,
		Degraded:            snap.Degraded,
		FinishedAt:          snap.FinishedAt,
	}
}

func terminalEvent(snap Snapshot) feedback.Event {
	evt := feedback.Event{SessionID: snap.ID, State: string(snap.State), Message: snap.Reason, At: snap.FinishedAt}
	switch snap.State {
	case StateCompleted:
		evt.Kind = feedback.KindCompleted
	case StateCancelled:
		evt.Kind = feedback.KindCancelled
	default:
		evt.Kind = feedback.KindFailed
		evt.Category = snap.ErrorKind.Category()
		evt.Message = "Dictation failed"
	}
	return evt
}

func stageMessage(s State) string {
	switch s {
	case StateRecognizing:
		return "Transcribing"
	case StateEnhancing:
		return "Enhancing"
	case StateInserting:
		return "Inserting"
	default:
		return string(s)
	}
}

// asDevice classifies a capture failure. Capture backends that cannot open
// their device report it in many ways; anything that is not already more
// specific is treated as the device being unavailable.
func asDevice(op string, err error) *errclass.Error {
	kind := errclass.Classify(err)
	switch kind {
	case errclass.KindTransient, errclass.KindFatal:
		kind = errclass.KindDeviceUnavailable
	}
	return errclass.New(kind, op, err)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
