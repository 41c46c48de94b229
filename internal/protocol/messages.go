package protocol

import "time"

// HotkeyEvent is published by the desktop hotkey agent.
type HotkeyEvent struct {
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioFrame represents PCM audio data streamed from the microphone agent.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CaptureControl asks the microphone agent to open or release a device.
type CaptureControl struct {
	SessionID string `json:"session_id"`
	Device    string `json:"device"`
	Action    string `json:"action"` // start, stop
}

// CaptureAck is the agent's reply to a start request.
type CaptureAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// InsertRequest asks the desktop agent to place text at the cursor.
type InsertRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Method    string `json:"method,omitempty"`
}

// UndoRequest asks the desktop agent to revert the last insertion.
type UndoRequest struct {
	SessionID string `json:"session_id"`
	Length    int    `json:"length"`
}

// AgentReply is the common reply for insert, undo and hotkey requests. Code
// carries an HTTP-style status when the agent knows why it failed. For a
// hotkey request OK only means the event was queued; an activation can
// still be turned away as busy once it is handled.
type AgentReply struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WindowRequest asks the desktop agent for the focused window.
type WindowRequest struct{}

// WindowReply describes the focused window.
type WindowReply struct {
	Title string `json:"title"`
	App   string `json:"app,omitempty"`
	Error string `json:"error,omitempty"`
}

// Feedback is broadcast for every user-visible workflow event.
type Feedback struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentAnnounce is published by a desktop agent when it connects. Roles
// name the ports it serves: capture, insert, window, hotkey.
type AgentAnnounce struct {
	AgentID   string    `json:"agent_id"`
	Roles     []string  `json:"roles"`
	Version   string    `json:"version,omitempty"`
	Host      string    `json:"host,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentHeartbeat keeps an announced agent alive.
type AgentHeartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectHotkeyActivate   = "dictation.hotkey.activate"
	SubjectHotkeyDeactivate = "dictation.hotkey.deactivate"
	SubjectHotkeyCancel     = "dictation.hotkey.cancel"
	SubjectHotkeyWildcard   = "dictation.hotkey.*"
	SubjectAudioFramePrefix = "audio.frame"
	SubjectCaptureControl   = "audio.capture.control"
	SubjectInsert           = "dictation.insert"
	SubjectUndo             = "dictation.undo"
	SubjectWindowActive     = "dictation.window.active"
	SubjectFeedback         = "dictation.feedback"
	SubjectAgentAnnounce    = "dictation.agent.announce"
	SubjectAgentHeartbeat   = "dictation.agent.heartbeat"
	// SubjectAgentDiscover asks connected agents to announce again.
	SubjectAgentDiscover = "dictation.agent.discover"
)

// AgentHeartbeatSubject returns the heartbeat subject for one agent.
func AgentHeartbeatSubject(agentID string) string {
	return SubjectAgentHeartbeat + "." + agentID
}

// AudioFrameSubject returns the frame subject for a capture device.
func AudioFrameSubject(device string) string {
	if device == "" {
		device = "default"
	}
	return SubjectAudioFramePrefix + "." + device
}
