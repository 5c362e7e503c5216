package ui

import "time"

// MessageType identifies the kind of panel message.
type MessageType string

const (
	TypeSessionCreated       MessageType = "session_created"
	TypeSessionRemoved       MessageType = "session_removed"
	TypeOutput               MessageType = "output"
	TypeAgentFullStateSync   MessageType = "agent_full_state_sync"
	TypeRestoreScrollback    MessageType = "restore_scrollback"
	TypeInitializationFailed MessageType = "initialization_failed"
	TypeSafeModeEntered      MessageType = "safe_mode_entered"
	TypeError                MessageType = "error"
)

// AgentSessionState is one entry in a full agent state sync.
type AgentSessionState struct {
	Status    string `json:"status"`
	AgentType string `json:"agent_type,omitempty"`
	Name      string `json:"name"`
}

// Message is a single panel-bound event. Only the fields relevant to the
// message type are populated.
type Message struct {
	Type      MessageType               `json:"type"`
	ID        int                       `json:"id,omitempty"`
	Name      string                    `json:"name,omitempty"`
	Cwd       string                    `json:"cwd,omitempty"`
	IsActive  bool                      `json:"is_active,omitempty"`
	Data      string                    `json:"data,omitempty"`
	Lines     []string                  `json:"lines,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	States    map[int]AgentSessionState `json:"states,omitempty"`
	Timestamp int64                     `json:"timestamp,omitempty"`
}

// Sink delivers messages to the panel. Implementations must be safe for
// concurrent use and must never propagate delivery errors back to callers.
type Sink interface {
	Send(msg Message)
}

// SessionCreated announces a new live session.
func SessionCreated(id int, name, cwd string, isActive bool) Message {
	return Message{
		Type:      TypeSessionCreated,
		ID:        id,
		Name:      name,
		Cwd:       cwd,
		IsActive:  isActive,
		Timestamp: time.Now().Unix(),
	}
}

// SessionRemoved announces that a session left the registry.
func SessionRemoved(id int) Message {
	return Message{Type: TypeSessionRemoved, ID: id, Timestamp: time.Now().Unix()}
}

// Output carries a unit of terminal output, either a single immediate chunk
// or a coalesced batch.
func Output(id int, data string) Message {
	return Message{Type: TypeOutput, ID: id, Data: data}
}

// AgentFullStateSync carries the complete agent state of every live session.
func AgentFullStateSync(states map[int]AgentSessionState) Message {
	return Message{Type: TypeAgentFullStateSync, States: states, Timestamp: time.Now().Unix()}
}

// RestoreScrollback replays persisted scrollback into a restored session.
func RestoreScrollback(id int, lines []string) Message {
	return Message{Type: TypeRestoreScrollback, ID: id, Lines: lines}
}

// InitializationFailed reports a terminal initialization failure.
func InitializationFailed(id int, reason string) Message {
	return Message{Type: TypeInitializationFailed, ID: id, Reason: reason, Timestamp: time.Now().Unix()}
}

// SafeModeEntered reports that a session fell back to degraded initialization.
func SafeModeEntered(id int) Message {
	return Message{Type: TypeSafeModeEntered, ID: id, Timestamp: time.Now().Unix()}
}

// Error surfaces a lifecycle error as a user-visible notification.
func Error(id int, reason string) Message {
	return Message{Type: TypeError, ID: id, Reason: reason, Timestamp: time.Now().Unix()}
}

// NopSink discards every message. Useful as a default and in tests.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(Message) {}
