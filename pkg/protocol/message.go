// Package protocol defines the line-oriented wire formats spoken between the
// host runtime and its external processes: worker stdout messages, device
// discovery frames, and the named signals exchanged with content processes.
package protocol

// MessageType identifies a worker stdout message.
type MessageType string

// Worker message types.
const (
	MsgReady MessageType = "ready" // worker is listening; carries the assigned port
	MsgLog   MessageType = "log"   // worker-side log line
)

// Message is one decoded line of worker stdout. Fields not used by a given
// type are left at their zero value.
type Message struct {
	Type    MessageType `json:"type"`
	Port    int         `json:"port,omitempty"`
	Level   string      `json:"level,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Empty reports whether m carries nothing actionable.
func (m Message) Empty() bool {
	return m.Type == ""
}
