// Package machine implements the machine registry: an in-memory fleet
// catalog of the local host plus any federated agents.
package machine

import (
	"sync"
	"time"

	"github.com/clawrelay/clawrelay/internal/protocol"
)

const (
	// SweepInterval is how often the background sweep runs.
	SweepInterval = 15 * time.Second
	// StaleAfter is the heartbeat gap after which a machine flips to
	// disconnected.
	StaleAfter = 45 * time.Second
	// RemoveAfter is how long a disconnected machine is kept before its
	// record is dropped entirely.
	RemoveAfter = time.Hour
)

// LocalID is the reserved machine id for the hub's own host. No remote
// registration may claim it.
const LocalID = "LOCAL"

// AgentSocket is the minimal interface the registry needs on a connected
// agent's WebSocket handle, without the machine package depending on
// internal/hub. Close carries the replaced-by-newer-connection close code;
// CloseGoingAway carries the going-away code used at shutdown.
type AgentSocket interface {
	Close(reason string)
	CloseGoingAway(reason string)
}

// Record is one machine's entry: the local host or a federated agent.
type Record struct {
	ID           string
	Hostname     string
	Address      string
	IsLocal      bool
	AgentVersion string
	LastSeen     int64
	Status       string // protocol.StatusConnected | protocol.StatusDisconnected
	Projects     []protocol.ProjectSummary
	Sessions     []protocol.SessionSummary

	disconnectedAt int64
	socket         AgentSocket
}

// Registry is the hub's in-memory machine table. Mutated only by
// agent-connection goroutines and the sweeper; client-facing paths read
// snapshots and never mutate.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*Record
}

// New creates a Registry pre-seeded with the local machine, which always
// exists, is always isLocal, and is always connected.
func New(localHostname string) *Registry {
	r := &Registry{machines: make(map[string]*Record)}
	r.machines[LocalID] = &Record{
		ID:       LocalID,
		Hostname: localHostname,
		IsLocal:  true,
		Status:   protocol.StatusConnected,
		LastSeen: time.Now().UnixMilli(),
	}
	return r
}

// UpdateLocal refreshes the local machine's projects/sessions snapshot.
// Called by list_machines before it emits a response.
func (r *Registry) UpdateLocal(projects []protocol.ProjectSummary, sessions []protocol.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	local := r.machines[LocalID]
	local.Projects = projects
	local.Sessions = sessions
	local.LastSeen = time.Now().UnixMilli()
}

// Register upserts a remote machine on agent:register. If id == LocalID
// the caller must reject the registration before calling Register — this
// method assumes that check already happened. If a connection already
// exists for id, its socket is force-closed with code 4000 before the
// new one replaces it.
func (r *Registry) Register(id, hostname, address, agentVersion string, socket AgentSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.machines[id]; ok && existing.socket != nil {
		existing.socket.Close("replaced by newer connection")
	}

	r.machines[id] = &Record{
		ID:           id,
		Hostname:     hostname,
		Address:      address,
		IsLocal:      false,
		AgentVersion: agentVersion,
		Status:       protocol.StatusConnected,
		LastSeen:     time.Now().UnixMilli(),
		socket:       socket,
	}
}

// UpdateProjects merges an agent:projects report into machine id.
func (r *Registry) UpdateProjects(id string, projects []protocol.ProjectSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return
	}
	m.Projects = projects
	m.LastSeen = time.Now().UnixMilli()
}

// UpdateSessions merges an agent:sessions report into machine id.
func (r *Registry) UpdateSessions(id string, sessions []protocol.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return
	}
	m.Sessions = sessions
	m.LastSeen = time.Now().UnixMilli()
}

// Heartbeat updates lastSeen for machine id on agent:heartbeat.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return false
	}
	m.LastSeen = time.Now().UnixMilli()
	if m.Status == protocol.StatusDisconnected {
		m.Status = protocol.StatusConnected
		m.disconnectedAt = 0
	}
	return true
}

// List returns a snapshot of every machine, local first.
func (r *Registry) List() []protocol.MachineSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.MachineSummary, 0, len(r.machines))
	if local, ok := r.machines[LocalID]; ok {
		out = append(out, toSummary(local))
	}
	for id, m := range r.machines {
		if id == LocalID {
			continue
		}
		out = append(out, toSummary(m))
	}
	return out
}

func toSummary(m *Record) protocol.MachineSummary {
	return protocol.MachineSummary{
		ID:           m.ID,
		Hostname:     m.Hostname,
		Address:      m.Address,
		IsLocal:      m.IsLocal,
		AgentVersion: m.AgentVersion,
		LastSeen:     m.LastSeen,
		Status:       m.Status,
		SessionCount: len(m.Sessions),
		Projects:     m.Projects,
		Sessions:     m.Sessions,
	}
}

// Sweep marks machines silent for StaleAfter as disconnected (closing
// their socket, if any) and removes records disconnected for longer than
// RemoveAfter. Intended to run every SweepInterval.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	for id, m := range r.machines {
		if m.IsLocal {
			continue
		}
		if m.Status == protocol.StatusConnected && now-m.LastSeen > StaleAfter.Milliseconds() {
			m.Status = protocol.StatusDisconnected
			m.disconnectedAt = now
			if m.socket != nil {
				m.socket.Close("heartbeat timeout")
				m.socket = nil
			}
		}
		if m.Status == protocol.StatusDisconnected && m.disconnectedAt != 0 && now-m.disconnectedAt > RemoveAfter.Milliseconds() {
			delete(r.machines, id)
		}
	}
}

// Run starts the periodic sweep loop; it blocks until stop is closed.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown force-closes every connected remote agent socket with close
// code 1001, for use during hub shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.machines {
		if id == LocalID || m.socket == nil {
			continue
		}
		m.socket.CloseGoingAway("server shutting down")
		m.socket = nil
	}
}
