package client

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/openfroyo/livegraph/pkg/remote/protocol"
)

// RequestSpawn asks the host daemon at address for a peer named processName
// and returns where it listens. A refusal is returned as *protocol.CallError.
func RequestSpawn(ctx context.Context, address, processName string) (*protocol.SpawnedMessage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host daemon %s: %w", address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	dec := protocol.NewDecoder(conn)
	var ready protocol.ReadyMessage
	if err := dec.Expect(protocol.MessageTypeReady, &ready); err != nil {
		return nil, fmt.Errorf("host daemon handshake: %w", err)
	}
	if ready.Version != protocol.Version {
		return nil, fmt.Errorf("host daemon speaks protocol %q, want %q", ready.Version, protocol.Version)
	}

	req := &protocol.SpawnMessage{ID: uuid.New().String(), ProcessName: processName}
	if err := protocol.NewEncoder(conn).EncodeSpawn(req); err != nil {
		return nil, err
	}

	var spawned protocol.SpawnedMessage
	if err := dec.Expect(protocol.MessageTypeSpawned, &spawned); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("spawn %s: %w", processName, ctx.Err())
		}
		return nil, err
	}
	return &spawned, nil
}
