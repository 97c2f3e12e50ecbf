package server

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/remote/protocol"
)

// LogForwarder is an io.Writer for a zerolog logger. Every JSON record written
// to it is sent as a LOG frame to each attached session.
type LogForwarder struct {
	mu       sync.Mutex
	encoders map[*protocol.Encoder]struct{}
}

// NewLogForwarder creates a forwarder with no sessions attached.
func NewLogForwarder() *LogForwarder {
	return &LogForwarder{encoders: make(map[*protocol.Encoder]struct{})}
}

func (f *LogForwarder) attach(enc *protocol.Encoder) {
	f.mu.Lock()
	f.encoders[enc] = struct{}{}
	f.mu.Unlock()
}

func (f *LogForwarder) detach(enc *protocol.Encoder) {
	f.mu.Lock()
	delete(f.encoders, enc)
	f.mu.Unlock()
}

// Write implements io.Writer. Records that are not JSON objects are dropped.
// Send errors are ignored; a broken session is noticed by its read loop.
func (f *LogForwarder) Write(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.encoders) == 0 {
		f.mu.Unlock()
		return len(p), nil
	}
	encoders := make([]*protocol.Encoder, 0, len(f.encoders))
	for enc := range f.encoders {
		encoders = append(encoders, enc)
	}
	f.mu.Unlock()

	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte("\n")) {
		rec, ok := parseRecord(line)
		if !ok {
			continue
		}
		for _, enc := range encoders {
			_ = enc.EncodeLog(rec)
		}
	}
	return len(p), nil
}

func parseRecord(line []byte) (*protocol.LogMessage, bool) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, false
	}

	rec := &protocol.LogMessage{Level: zerolog.InfoLevel.String()}
	if level, ok := fields[zerolog.LevelFieldName].(string); ok {
		rec.Level = level
	}
	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		rec.Message = msg
	}
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.TimestampFieldName)
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec, true
}
