package p2pmigrate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WriteFn sends one frame over a transport (WebSocket or DataChannel).
type WriteFn func(v any) error

// SwappableWriter switches a session's outbound frames between the
// WebSocket and a DataChannel atomically. The lock is held through the
// write call so a migration can never interleave with a frame in flight.
type SwappableWriter struct {
	mu      sync.Mutex
	wsWrite WriteFn
	dcWrite WriteFn
	mode    string // "ws" or "p2p"
}

// NewSwappableWriter creates a writer backed by the WebSocket path.
func NewSwappableWriter(wsWrite WriteFn) *SwappableWriter {
	return &SwappableWriter{wsWrite: wsWrite, mode: "ws"}
}

// Write sends a frame via the currently active transport.
func (sw *SwappableWriter) Write(v any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w := sw.dcWrite
	if w == nil {
		w = sw.wsWrite
	}
	return w(v)
}

// MigrateToChannel swaps output onto dc. The "session.migrated" frame is
// the last WebSocket frame for this session: everything after it arrives
// on the channel, so the client can switch its demux over cleanly.
func (sw *SwappableWriter) MigrateToChannel(sessionID string, dc *webrtc.DataChannel) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.mode == "p2p" {
		return fmt.Errorf("already migrated")
	}

	migrated := map[string]string{"type": "session.migrated", "sessionId": sessionID}
	if err := sw.wsWrite(migrated); err != nil {
		return fmt.Errorf("send session.migrated: %w", err)
	}

	sw.dcWrite = func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return dc.SendText(string(data))
	}
	sw.mode = "p2p"
	return nil
}

// FallbackToWS swaps output back to the WebSocket. Returns false if the
// writer was already on the WebSocket, so callers notify the client at
// most once per degradation.
func (sw *SwappableWriter) FallbackToWS() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.mode == "ws" {
		return false
	}
	sw.dcWrite = nil
	sw.mode = "ws"
	return true
}

// Mode returns "ws" or "p2p".
func (sw *SwappableWriter) Mode() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.mode
}
