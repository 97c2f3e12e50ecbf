package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Encoder writes protocol messages to an io.Writer. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one frame to the output stream.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCall sends a CALL message.
func (e *Encoder) EncodeCall(call *CallMessage) error {
	if err := call.Validate(); err != nil {
		return fmt.Errorf("invalid call: %w", err)
	}
	return e.Encode(MessageTypeCall, call)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(result *ResultMessage) error {
	return e.Encode(MessageTypeResult, result)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeLog sends a LOG message.
func (e *Encoder) EncodeLog(log *LogMessage) error {
	return e.Encode(MessageTypeLog, log)
}

// EncodeSpawn sends a SPAWN message.
func (e *Encoder) EncodeSpawn(spawn *SpawnMessage) error {
	if err := spawn.Validate(); err != nil {
		return fmt.Errorf("invalid spawn: %w", err)
	}
	return e.Encode(MessageTypeSpawn, spawn)
}

// EncodeSpawned sends a SPAWNED message.
func (e *Encoder) EncodeSpawned(spawned *SpawnedMessage) error {
	return e.Encode(MessageTypeSpawned, spawned)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// property values and stats dumps can be large
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// Expect reads the next message and requires it to be of type want.
func (d *Decoder) Expect(want MessageType, target any) error {
	msg, err := d.Decode()
	if err != nil {
		return err
	}
	if msg.Type == MessageTypeError && want != MessageTypeError {
		var e ErrorMessage
		if err := ParseData(msg.Data, &e); err != nil {
			return err
		}
		return &CallError{Code: e.Code, Message: e.Message}
	}
	if msg.Type != want {
		return fmt.Errorf("expected %s message, got %s", want, msg.Type)
	}
	return ParseData(msg.Data, target)
}

// DecodeCall decodes a CALL message.
func (d *Decoder) DecodeCall() (*CallMessage, error) {
	var call CallMessage
	if err := d.Expect(MessageTypeCall, &call); err != nil {
		return nil, err
	}
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("invalid call: %w", err)
	}
	return &call, nil
}

// ParseData parses a frame payload into a specific type.
func ParseData(data json.RawMessage, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
