// Package p2pmigrate lets an attached client upgrade one session's data
// plane from its WebSocket to a direct WebRTC DataChannel. The control
// plane (attach, listing, auth) stays on the WebSocket; only output,
// scrollback, status, and input-direction frames for the migrated session
// move. If ICE negotiation fails or the channel later drops, traffic
// falls back to the WebSocket and the client is told so.
package p2pmigrate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/logger"
)

// channelPrefix labels DataChannels so the session id can be recovered on
// the answering side: "session:<id>".
const channelPrefix = "session:"

// InputHandler receives raw client frames (input/control/resize) that
// arrived over a migrated session's DataChannel.
type InputHandler func(sessionID string, frame []byte)

// FallbackHandler is called when a migrated session's channel degrades
// and traffic has been swapped back to the WebSocket.
type FallbackHandler func(sessionID string)

// Manager owns one client's peer connections, keyed by session id.
type Manager struct {
	mu         sync.Mutex
	peers      map[string]*webrtc.PeerConnection
	writers    map[string]*SwappableWriter
	iceServers []webrtc.ICEServer

	onInput    InputHandler
	onFallback FallbackHandler
}

// New creates a Manager. iceServers may be empty for host-only ICE
// (same-LAN peers).
func New(iceServers []config.ICEServer) *Manager {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return &Manager{
		peers:      make(map[string]*webrtc.PeerConnection),
		writers:    make(map[string]*SwappableWriter),
		iceServers: servers,
	}
}

// OnInput registers the handler for inbound DataChannel frames.
func (m *Manager) OnInput(h InputHandler) {
	m.mu.Lock()
	m.onInput = h
	m.mu.Unlock()
}

// OnFallback registers the handler called after a channel degrades.
func (m *Manager) OnFallback(h FallbackHandler) {
	m.mu.Lock()
	m.onFallback = h
	m.mu.Unlock()
}

// HandleOffer answers a client's SDP offer for one session. wsWrite is the
// session's current WebSocket write path; it stays authoritative until the
// DataChannel actually opens. The returned answer SDP carries all gathered
// ICE candidates.
func (m *Manager) HandleOffer(sessionID, sdpOffer string, wsWrite WriteFn) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	sw := NewSwappableWriter(wsWrite)

	m.mu.Lock()
	if old, ok := m.peers[sessionID]; ok {
		old.Close()
	}
	m.peers[sessionID] = pc
	m.writers[sessionID] = sw
	m.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		if !strings.HasPrefix(label, channelPrefix) || label[len(channelPrefix):] != sessionID {
			logger.Warn("p2p: unexpected channel label", "label", label, "sessionId", sessionID)
			return
		}

		dc.OnOpen(func() {
			logger.Info("p2p: channel open", "sessionId", sessionID)
			if err := sw.MigrateToChannel(sessionID, dc); err != nil {
				logger.Warn("p2p: migrate failed", "sessionId", sessionID, "error", err)
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.mu.Lock()
			h := m.onInput
			m.mu.Unlock()
			if h != nil {
				h(sessionID, msg.Data)
			}
		})
		dc.OnClose(func() {
			m.degrade(sessionID, sw)
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("p2p: connection state", "sessionId", sessionID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.degrade(sessionID, sw)
			m.mu.Lock()
			if m.peers[sessionID] == pc {
				delete(m.peers, sessionID)
				delete(m.writers, sessionID)
			}
			m.mu.Unlock()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return localDesc.SDP, nil
}

func (m *Manager) degrade(sessionID string, sw *SwappableWriter) {
	if !sw.FallbackToWS() {
		return
	}
	m.mu.Lock()
	h := m.onFallback
	m.mu.Unlock()
	if h != nil {
		h(sessionID)
	}
}

// Writer returns the session's SwappableWriter, or nil if the session has
// never been offered for migration. Callers route all session-bound
// frames through it so a completed migration takes effect transparently.
func (m *Manager) Writer(sessionID string) *SwappableWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writers[sessionID]
}

// Drop closes and forgets the peer connection for one session, without a
// fallback notification. Used when the underlying pipe is torn down.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	pc := m.peers[sessionID]
	delete(m.peers, sessionID)
	delete(m.writers, sessionID)
	m.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

// Close shuts down every peer connection.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*webrtc.PeerConnection)
	m.writers = make(map[string]*SwappableWriter)
	m.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
