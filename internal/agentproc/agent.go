// Package agentproc implements the agent: a peer process that mirrors the
// hub's session-launching surface for its own host, keeps a persistent
// outbound WebSocket to the hub for fleet discovery, and serves the client
// protocol directly on a P2P listener so browsers can bypass the hub for
// terminal I/O.
package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/hub"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/machine"
	"github.com/clawrelay/clawrelay/internal/protocol"
)

// Version is reported to the hub in agent:register.
const Version = "0.3.0"

const (
	// reconnectDelay is deliberately fixed, not exponential: an agent
	// serves nothing through the hub link besides discovery metadata, so
	// hammering is cheap and fast recovery matters more than politeness.
	reconnectDelay = 5 * time.Second

	heartbeatInterval = 15 * time.Second
	refreshInterval   = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Agent owns the hub link and the P2P listener.
type Agent struct {
	cfg       *config.Config
	peer      *hub.Server
	machineID string
	hostname  string
	address   string

	mu   sync.Mutex
	conn *websocket.Conn
}

// New wires an Agent: its P2P listener (a peer-mode hub server) plus its
// machine identity, persisted under the home directory so the id is
// stable across restarts.
func New(cfg *config.Config) (*Agent, error) {
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("hub url is required")
	}
	if cfg.AgentToken == "" {
		return nil, fmt.Errorf("agent token is required")
	}

	peer, err := hub.NewPeer(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire p2p listener: %w", err)
	}

	machineID, err := resolveMachineID(cfg)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	return &Agent{
		cfg:       cfg,
		peer:      peer,
		machineID: machineID,
		hostname:  hostname,
		address:   p2pAddress(cfg, hostname),
	}, nil
}

// resolveMachineID uses the configured id when present, else a UUID
// persisted at <home>/machine-id. The local-machine id is reserved for
// the hub's own host and is never a valid agent identity.
func resolveMachineID(cfg *config.Config) (string, error) {
	if cfg.MachineID != "" {
		if cfg.MachineID == machine.LocalID {
			return "", fmt.Errorf("machine id %q is reserved", machine.LocalID)
		}
		return cfg.MachineID, nil
	}

	path := filepath.Join(cfg.Home, "machine-id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" && id != machine.LocalID {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	return id, nil
}

// p2pAddress is the WebSocket URL advertised to the hub, at which this
// agent accepts direct client connections.
func p2pAddress(cfg *config.Config, hostname string) string {
	if cfg.AgentP2PAddr != "" {
		return cfg.AgentP2PAddr
	}
	scheme := "ws"
	if cfg.TLSCertPath != "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, hostname, cfg.AgentP2PPort)
}

// MachineID returns the agent's resolved machine identity.
func (a *Agent) MachineID() string { return a.machineID }

// Peer returns the agent's P2P listener.
func (a *Agent) Peer() *hub.Server { return a.peer }

// Run starts the P2P listener and maintains the hub link until ctx is
// cancelled, re-dialing at a fixed cadence after every disconnect.
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		if err := a.peer.Run(); err != nil && err != http.ErrServerClosed {
			logger.Error("agent: p2p listener failed", "error", err)
		}
	}()

	for {
		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("agent: hub link lost, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Shutdown stops the P2P listener.
func (a *Agent) Shutdown() {
	a.peer.Shutdown()
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	url := strings.TrimSuffix(a.cfg.HubURL, "/") + "/agent?token=" + a.cfg.AgentToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer conn.CloseNow()

	if err := a.writeJSON(ctx, &protocol.AgentRegister{
		Type:         protocol.TypeAgentRegister,
		MachineID:    a.machineID,
		Hostname:     a.hostname,
		Address:      a.address,
		AgentVersion: Version,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.sendSnapshots(ctx)

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(tickCtx)
	go a.refreshLoop(tickCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("agent: malformed hub frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeHubRegistered:
			var msg protocol.HubRegistered
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if !msg.Success {
				return fmt.Errorf("hub rejected registration: %s", msg.Error)
			}
			logger.Info("agent: registered with hub", "machineId", a.machineID)

		case protocol.TypeHubPong:
			// heartbeat acknowledged

		default:
			logger.Warn("agent: unrecognized hub frame type", "type", env.Type)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeJSON(ctx, &protocol.AgentHeartbeat{Type: protocol.TypeAgentHeartbeat, MachineID: a.machineID}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendSnapshots(ctx)
		}
	}
}

// sendSnapshots reports the host's current projects and sessions to the
// hub. Failures are left to the read loop to notice; the next refresh
// re-sends everything anyway since the reports are full snapshots, not
// deltas.
func (a *Agent) sendSnapshots(ctx context.Context) {
	if err := a.writeJSON(ctx, &protocol.AgentProjects{
		Type:      protocol.TypeAgentProjects,
		MachineID: a.machineID,
		Projects:  a.peer.ProjectsSnapshot(),
	}); err != nil {
		logger.Debug("agent: projects report failed", "error", err)
		return
	}
	if err := a.writeJSON(ctx, &protocol.AgentSessions{
		Type:      protocol.TypeAgentSessions,
		MachineID: a.machineID,
		Sessions:  a.peer.SessionsSnapshot(),
	}); err != nil {
		logger.Debug("agent: sessions report failed", "error", err)
	}
}

func (a *Agent) writeJSON(ctx context.Context, v any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
