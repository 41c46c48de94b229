package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/monitor"
)

// State is a dictation session state.
type State string

const (
	StateIdle        State = "idle"
	StateCapturing   State = "capturing"
	StateRecognizing State = "recognizing"
	StateEnhancing   State = "enhancing"
	StateInserting   State = "inserting"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// forward lists the only non-abort successor of each working state.
var forward = map[State]State{
	StateCapturing:   StateRecognizing,
	StateRecognizing: StateEnhancing,
	StateEnhancing:   StateInserting,
	StateInserting:   StateCompleted,
}

func canTransition(from, to State) bool {
	if from.Terminal() || from == StateIdle {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	return forward[from] == to
}

// ErrorEntry is one failure observed during a session, fatal or not.
type ErrorEntry struct {
	Stage   monitor.Stage `json:"stage"`
	Kind    errclass.Kind `json:"kind"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// Transition is one entry of the session timeline.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID                  string                `json:"id"`
	State               State                 `json:"state"`
	ActivatedAt         time.Time             `json:"activated_at"`
	FinishedAt          time.Time             `json:"finished_at,omitzero"`
	AudioDuration       time.Duration         `json:"audio_duration_ns"`
	Transcript          string                `json:"transcript,omitempty"`
	Confidence          float64               `json:"confidence,omitempty"`
	EnhancedText        string                `json:"enhanced_text,omitempty"`
	ContextType         string                `json:"context_type,omitempty"`
	WindowTitle         string                `json:"window_title,omitempty"`
	Prompt              string                `json:"-"`
	InsertMethod        string                `json:"insert_method,omitempty"`
	InsertFallback      bool                  `json:"insert_fallback,omitempty"`
	Inserted            bool                  `json:"inserted"`
	Cancelled           bool                  `json:"cancelled"`
	Degraded            bool                  `json:"degraded"`
	RecognitionAttempts int                   `json:"recognition_attempts"`
	EnhancementAttempts int                   `json:"enhancement_attempts"`
	RecognitionCached   bool                  `json:"recognition_cached"`
	EnhancementCached   bool                  `json:"enhancement_cached"`
	ErrorKind           errclass.Kind         `json:"error_kind,omitempty"`
	Reason              string                `json:"reason,omitempty"`
	Errors              []ErrorEntry          `json:"errors,omitempty"`
	Timeline            []Transition          `json:"timeline"`
	Stages              []monitor.StageTiming `json:"stages"`
}

// session is the mutable state of one activation. Only the session's worker
// writes to it; the lock lets Status and History read concurrently.
type session struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stop     chan struct{}

	mu    sync.Mutex
	data  Snapshot
	audio audio.Clip
}

func newSession(parent context.Context, id string, now time.Time) *session {
	ctx, cancel := context.WithCancelCause(parent)
	return &session{
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		data: Snapshot{
			ID:          id,
			State:       StateCapturing,
			ActivatedAt: now,
			Timeline:    []Transition{{From: StateIdle, To: StateCapturing, At: now}},
		},
	}
}

// requestStop ends capture. Safe to call more than once.
func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) id() string { return s.data.ID }

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State
}

// advance performs a forward transition.
func (s *session) advance(to State, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.data.State
	if !canTransition(from, to) || to.Terminal() {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	s.data.State = to
	s.data.Timeline = append(s.data.Timeline, Transition{From: from, To: to, At: now})
	return nil
}

// terminate moves the session into a terminal state. It returns false when
// the session had already terminated, leaving it untouched.
func (s *session) terminate(to State, kind errclass.Kind, reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.data.State
	if !canTransition(from, to) || !to.Terminal() {
		return false
	}
	s.data.State = to
	s.data.FinishedAt = now
	s.data.ErrorKind = kind
	s.data.Reason = reason
	s.data.Cancelled = to == StateCancelled
	s.data.Timeline = append(s.data.Timeline, Transition{From: from, To: to, Reason: reason, At: now})
	if to != StateCompleted {
		// Discard captured audio on abort.
		s.audio = audio.Clip{}
	}
	if n := len(s.data.Stages); n > 0 && s.data.Stages[n-1].End.IsZero() {
		s.data.Stages[n-1].End = now
	}
	return true
}

func (s *session) beginStage(stage monitor.Stage, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.data.Stages); n > 0 && s.data.Stages[n-1].End.IsZero() {
		s.data.Stages[n-1].End = now
	}
	s.data.Stages = append(s.data.Stages, monitor.StageTiming{Stage: stage, Start: now})
}

func (s *session) recordError(stage monitor.Stage, err *errclass.Error, now time.Time) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Errors = append(s.data.Errors, ErrorEntry{Stage: stage, Kind: err.Kind, Message: err.Error(), At: now})
}

// update applies fn to the session data under the lock.
func (s *session) update(fn func(d *Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

func (s *session) setAudio(clip audio.Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = clip
	s.data.AudioDuration = clip.Duration()
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.data
	snap.Errors = append([]ErrorEntry(nil), s.data.Errors...)
	snap.Timeline = append([]Transition(nil), s.data.Timeline...)
	snap.Stages = append([]monitor.StageTiming(nil), s.data.Stages...)
	return snap
}
