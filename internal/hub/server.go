// Package hub implements the Hub Server: a TLS listener serving two
// WebSocket upgrades (client and agent), an optional webhook endpoint,
// and static assets. The same server, in peer mode, is an agent's P2P
// client listener.
package hub

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/clawrelay/clawrelay/internal/authsvc"
	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/hubstore"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/machine"
	"github.com/clawrelay/clawrelay/internal/protocol"
	"github.com/clawrelay/clawrelay/internal/registry"
	"github.com/clawrelay/clawrelay/internal/webassets"
)

// launcherSweepInterval bounds how long a dead spawned launcher's pid can
// linger in the tracking table.
const launcherSweepInterval = 5 * time.Minute

// Server owns every shared table — auth sessions, session registry
// handle, machine registry, launcher store — and routes all HTTP traffic
// through a single mux. Handlers reach the tables via closures over
// *Server; there are no package-level globals.
type Server struct {
	cfg  *config.Config
	auth *authsvc.Service
	reg  *registry.Registry
	mr   *machine.Registry
	st   *hubstore.Store

	// peer marks an agent's P2P listener: same client protocol, no
	// federation or webhook endpoints, client-P2P token for auth.
	peer bool

	// handoffKey, when set, signs per-machine handoff tokens embedded in
	// list_machines responses.
	handoffKey *ecdsa.PrivateKey

	mux *http.ServeMux
	srv *http.Server

	clientsMu sync.Mutex
	clients   map[*clientContext]struct{}

	stop chan struct{}
}

// New wires a hub Server from its configuration.
func New(cfg *config.Config) (*Server, error) {
	return newServer(cfg, false)
}

// NewPeer wires an agent's P2P listener: the same client WebSocket
// protocol and handlers as the hub, authenticated against the client P2P
// token (or a hub-minted handoff JWT), with no agent or webhook routes.
func NewPeer(cfg *config.Config) (*Server, error) {
	return newServer(cfg, true)
}

func newServer(cfg *config.Config, peer bool) (*Server, error) {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	reg, err := registry.Open(cfg.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	st, err := hubstore.Open(cfg.StoreDBPath())
	if err != nil {
		return nil, fmt.Errorf("open hub store: %w", err)
	}

	hostname, _ := os.Hostname()

	authToken := cfg.AuthToken
	if peer {
		authToken = cfg.ClientP2PToken
	}
	auth := authsvc.New(authToken, cfg.TLSCertPath != "")

	s := &Server{
		cfg:     cfg,
		auth:    auth,
		reg:     reg,
		mr:      machine.New(hostname),
		st:      st,
		peer:    peer,
		mux:     http.NewServeMux(),
		clients: make(map[*clientContext]struct{}),
		stop:    make(chan struct{}),
	}

	if peer && cfg.HandoffPubKey != "" {
		pub, err := authsvc.ParseECPublicKey(cfg.HandoffPubKey)
		if err != nil {
			return nil, fmt.Errorf("parse handoff public key: %w", err)
		}
		auth.SetHandoffKey(pub)
	}
	if !peer && cfg.HandoffKey != "" {
		key, err := authsvc.ParseECKey(cfg.HandoffKey)
		if err != nil {
			return nil, fmt.Errorf("parse handoff key: %w", err)
		}
		s.handoffKey = key
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	prefix := s.cfg.PathPrefix

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /ws", s.handleClientWS)
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", webassets.Handler()))
	if !s.peer {
		s.mux.HandleFunc("GET /agent", s.handleAgentWS)
		s.mux.HandleFunc("POST /webhook/github", s.handleWebhook)
	}

	if prefix != "" {
		// The bare prefix with no trailing slash redirects to the
		// prefixed root; a pattern without a trailing slash matches that
		// one path exactly.
		s.mux.HandleFunc("GET "+prefix, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix+"/", http.StatusFound)
		})
		s.mux.Handle(prefix+"/static/", http.StripPrefix(prefix+"/static/", webassets.Handler()))
		s.mux.HandleFunc("GET "+prefix+"/ws", s.handleClientWS)
		s.mux.HandleFunc("GET "+prefix+"/{$}", s.handleIndex)
	}
}

// Handler exposes the server's mux, for tests and for embedding the peer
// listener into an agent process.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ProjectsSnapshot scans the configured projects root.
func (s *Server) ProjectsSnapshot() []protocol.ProjectSummary {
	return s.scanProjects()
}

// SessionsSnapshot scans the local session registry.
func (s *Server) SessionsSnapshot() []protocol.SessionSummary {
	return s.scanSessionSummaries()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authenticate(w, r, "token") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	webassets.ServeIndex(w, r)
}

// Run starts the TLS listener and blocks until it stops (ListenAndServe's
// contract). Listener errors with well-known causes — address in use,
// permission denied — are the caller's responsibility to classify into an
// exit code.
func (s *Server) Run() error {
	port := s.cfg.Port
	if s.peer {
		port = s.cfg.AgentP2PPort
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", port))
	s.srv = &http.Server{Addr: addr, Handler: s.mux}

	go s.mr.Run(s.stop)
	go s.launcherSweepLoop()
	go s.auth.Run(s.stop)

	logger.Info("hub: listening", "addr", addr, "tls", s.cfg.TLSCertPath != "")
	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		return s.srv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}
	return s.srv.ListenAndServe()
}

// Shutdown closes agent sockets, then client sockets, signals tracked
// launchers politely, and closes the listener — forcing it after 5s if a
// graceful drain has not finished by then.
func (s *Server) Shutdown() {
	close(s.stop)
	s.mr.Shutdown()

	s.clientsMu.Lock()
	clients := make([]*clientContext, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.closeAll("server shutting down")
	}

	s.signalTrackedLaunchers()

	if s.srv == nil {
		s.reg.Close()
		s.st.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.srv.Shutdown(ctx)
		s.reg.Close()
		s.st.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Close()
	}
}

func (s *Server) signalTrackedLaunchers() {
	launchers, err := s.st.ListLaunchers()
	if err != nil {
		logger.Warn("hub: list tracked launchers failed", "error", err)
		return
	}
	for _, l := range launchers {
		if proc, err := os.FindProcess(l.PID); err == nil {
			proc.Signal(os.Interrupt)
		}
	}
}

// launcherSweepLoop periodically drops tracked-launcher rows whose pid is
// no longer alive, bounding the table's size.
func (s *Server) launcherSweepLoop() {
	ticker := time.NewTicker(launcherSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapDeadLaunchers()
		}
	}
}

func (s *Server) reapDeadLaunchers() {
	launchers, err := s.st.ListLaunchers()
	if err != nil {
		return
	}
	for _, l := range launchers {
		if !processAlive(l.PID) {
			s.st.Untrack(l.SessionID)
		}
	}
}

