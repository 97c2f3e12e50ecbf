// Package protocol defines the JSON-lines protocol spoken between the engine,
// peer processes and host daemons.
//
// A peer announces itself with READY, then answers CALL frames with RESULT or
// ERROR. LOG frames may be sent at any time and carry the peer's own log
// records. A host daemon answers SPAWN with SPAWNED or ERROR.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is the first frame a peer or host daemon sends
	MessageTypeReady MessageType = "READY"
	// MessageTypeCall requests an operation on a peer
	MessageTypeCall MessageType = "CALL"
	// MessageTypeResult answers a CALL or SPAWN successfully
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError answers a CALL or SPAWN with a failure
	MessageTypeError MessageType = "ERROR"
	// MessageTypeLog carries one log record from a peer
	MessageTypeLog MessageType = "LOG"
	// MessageTypeSpawn asks a host daemon to start a peer
	MessageTypeSpawn MessageType = "SPAWN"
	// MessageTypeSpawned reports the address of a started peer
	MessageTypeSpawned MessageType = "SPAWNED"
	// MessageTypeExit is sent before a peer terminates
	MessageTypeExit MessageType = "EXIT"
)

// CallOp is the operation requested by a CALL frame.
type CallOp string

const (
	OpConstruct CallOp = "construct"
	OpCall      CallOp = "call"
	OpRelease   CallOp = "release"
	OpPing      CallOp = "ping"
)

// Error codes carried by ERROR frames.
const (
	// CodeMethodNotFound means the object has no such method. The message starts
	// with "method not found".
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	// CodeCallFailed means the method ran and failed.
	CodeCallFailed = "CALL_FAILED"
	// CodeBadRequest means the frame could not be understood.
	CodeBadRequest = "BAD_REQUEST"
	// CodeSpawnDenied means the host daemon's policy rejected a SPAWN.
	CodeSpawnDenied = "SPAWN_DENIED"
	// CodeSpawnFailed means the peer process could not be started.
	CodeSpawnFailed = "SPAWN_FAILED"
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when a peer or host daemon accepts a connection.
type ReadyMessage struct {
	Version      string            `json:"version"`
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch"`
	PID          int               `json:"pid"`
	Address      string            `json:"address,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CallMessage requests one operation.
type CallMessage struct {
	ID     string            `json:"id"`
	Op     CallOp            `json:"op"`
	Path   string            `json:"path,omitempty"`
	Object string            `json:"object,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// ResultMessage answers a CALL.
type ResultMessage struct {
	ID       string          `json:"id"`
	Value    json.RawMessage `json:"value,omitempty"`
	Duration float64         `json:"duration"` // seconds
}

// ErrorMessage answers a CALL or SPAWN with a failure.
type ErrorMessage struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LogMessage is one structured log record emitted by a peer.
type LogMessage struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// SpawnMessage asks a host daemon for a peer process.
type SpawnMessage struct {
	ID          string `json:"id"`
	ProcessName string `json:"process_name"`
}

// SpawnedMessage reports where a spawned peer listens.
type SpawnedMessage struct {
	ID          string `json:"id"`
	ProcessName string `json:"process_name"`
	Address     string `json:"address"`
	PID         int    `json:"pid"`
	Reused      bool   `json:"reused"`
}

// ExitMessage is sent before a peer terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Calls    int    `json:"calls"`
}

// CallError is the client-side form of an ERROR frame.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// NotFound reports whether the error means the method does not exist.
func (e *CallError) NotFound() bool {
	return e.Code == CodeMethodNotFound
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCall, MessageTypeResult, MessageTypeError,
		MessageTypeLog, MessageTypeSpawn, MessageTypeSpawned, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the operation name.
func (op CallOp) Validate() error {
	switch op {
	case OpConstruct, OpCall, OpRelease, OpPing:
		return nil
	default:
		return fmt.Errorf("invalid call op: %s", op)
	}
}

// Validate checks that the fields required by the operation are present.
func (c *CallMessage) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("call ID is required")
	}
	if err := c.Op.Validate(); err != nil {
		return err
	}
	switch c.Op {
	case OpConstruct:
		if c.Path == "" {
			return fmt.Errorf("construct requires a path")
		}
	case OpCall:
		if c.Object == "" || c.Method == "" {
			return fmt.Errorf("call requires an object and a method")
		}
	case OpRelease:
		if c.Object == "" {
			return fmt.Errorf("release requires an object")
		}
	}
	return nil
}

// Validate checks the spawn request.
func (s *SpawnMessage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("spawn ID is required")
	}
	if s.ProcessName == "" {
		return fmt.Errorf("process name is required")
	}
	return nil
}
