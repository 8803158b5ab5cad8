package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/clawrelay/clawrelay/internal/authsvc"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/p2pmigrate"
	"github.com/clawrelay/clawrelay/internal/protocol"
	"github.com/clawrelay/clawrelay/internal/registry"
	"golang.org/x/time/rate"
)

const (
	appPingInterval = 30 * time.Second
	appPingMisses   = 2
)

// clientContext is one connected browser's state: its set of attached
// pipeConns, its active session, and its liveness/rate-limit counters.
type clientContext struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	limiter *rate.Limiter

	pipesMu         sync.Mutex
	pipes           map[string]*pipeConn
	activeSessionID string

	// p2p is non-nil only when DataChannel migration is enabled; it owns
	// this client's peer connections.
	p2p *p2pmigrate.Manager

	isAlive     atomic.Bool
	missedPings atomic.Int32

	closedOnce sync.Once
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authenticate(w, r, "token") {
		conn, err := websocket.Accept(w, r, nil)
		if err == nil {
			errData, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Message: "authentication failed"})
			conn.Write(r.Context(), websocket.MessageText, errData)
			conn.Close(websocket.StatusCode(protocol.CloseAuthFailed), "authentication failed")
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("hub: client websocket accept failed", "error", err)
		return
	}

	c := &clientContext{
		srv:     s,
		conn:    conn,
		limiter: newClientLimiter(),
		pipes:   make(map[string]*pipeConn),
	}
	c.isAlive.Store(true)

	if s.cfg.EnableP2PMigrate {
		c.p2p = p2pmigrate.New(s.cfg.ICEServers)
		c.p2p.OnInput(c.handleChannelFrame)
		c.p2p.OnFallback(func(sessionID string) {
			c.send(&protocol.SessionFallback{Type: protocol.TypeSessionFallback, SessionID: sessionID, Reason: "channel lost"})
		})
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
	}()

	ctx := r.Context()
	pingStop := make(chan struct{})
	go c.pingLoop(ctx, pingStop)
	defer close(pingStop)

	defer c.closeAll("client disconnected")
	defer conn.CloseNow()

	c.sendSessionsSnapshot()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.sendError("Rate limit exceeded", "")
			continue
		}
		c.handleMessage(ctx, data)
	}
}

func (c *clientContext) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(appPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.isAlive.Swap(false) {
				if int(c.missedPings.Add(1)) >= appPingMisses {
					c.conn.Close(websocket.StatusNormalClosure, "ping timeout")
					return
				}
			} else {
				c.missedPings.Store(0)
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				c.isAlive.Store(true)
			}
		}
	}
}

func (c *clientContext) handleMessage(ctx context.Context, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("hub: malformed client frame", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		c.send(&protocol.PongMsg{Type: protocol.TypePong})

	case protocol.TypeListSessions:
		c.sendSessionsSnapshot()

	case protocol.TypeListProjects:
		c.send(&protocol.ProjectsMsg{Type: protocol.TypeProjects, Projects: c.srv.scanProjects()})

	case protocol.TypeListFolders:
		c.send(&protocol.FoldersMsg{Type: protocol.TypeFolders, Folders: c.srv.listFolders()})

	case protocol.TypeListMachines:
		projects := c.srv.scanProjects()
		sessions := c.srv.scanSessionSummaries()
		c.srv.mr.UpdateLocal(projects, sessions)
		c.send(&protocol.MachinesMsg{Type: protocol.TypeMachines, Machines: c.srv.machinesWithHandoff()})

	case protocol.TypeConnectSession:
		var msg protocol.ConnectSession
		if json.Unmarshal(data, &msg) == nil {
			c.attach(ctx, msg.SessionID)
		}

	case protocol.TypeInput:
		var msg protocol.InputMsg
		if json.Unmarshal(data, &msg) == nil {
			c.forwardToActive(&protocol.LSCInput{Type: protocol.TypeInput, Data: msg.Data})
		}

	case protocol.TypeControl:
		var msg protocol.ControlMsg
		if json.Unmarshal(data, &msg) == nil {
			c.forwardToActive(&protocol.LSCControl{Type: protocol.TypeControl, Key: msg.Key})
		}

	case protocol.TypeResize:
		var msg protocol.ResizeMsg
		if json.Unmarshal(data, &msg) == nil {
			c.forwardToActive(&protocol.LSCResize{Type: protocol.TypeResize, Cols: msg.Cols, Rows: msg.Rows})
		}

	case protocol.TypeUploadFile:
		var msg protocol.UploadFile
		if json.Unmarshal(data, &msg) == nil {
			c.handleUpload(msg)
		}

	case protocol.TypeCreateSession:
		var msg protocol.CreateSession
		if json.Unmarshal(data, &msg) == nil {
			c.handleCreateSession(msg)
		}

	case protocol.TypeStartFolderSession:
		var msg protocol.StartFolderSession
		if json.Unmarshal(data, &msg) == nil {
			c.handleStartFolderSession(msg)
		}

	case protocol.TypeSessionMigrate:
		var msg protocol.SessionMigrate
		if json.Unmarshal(data, &msg) == nil {
			c.handleMigrate(msg)
		}

	default:
		logger.Warn("hub: unrecognized client frame type", "type", env.Type)
	}
}

// forwardToActive routes input/control/resize to the pipe bound to the
// client's active session. An unknown active session silently drops the
// frame.
func (c *clientContext) forwardToActive(v any) {
	c.pipesMu.Lock()
	pc := c.pipes[c.activeSessionID]
	c.pipesMu.Unlock()
	if pc == nil || !pc.isConnected() {
		return
	}
	pc.send(v)
}

// handleChannelFrame routes an input-direction frame that arrived over a
// migrated session's DataChannel. Unlike WebSocket input, the frame is
// already bound to its session by the channel itself, so it bypasses the
// active-session indirection.
func (c *clientContext) handleChannelFrame(sessionID string, frame []byte) {
	c.pipesMu.Lock()
	pc := c.pipes[sessionID]
	c.pipesMu.Unlock()
	if pc == nil || !pc.isConnected() {
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeInput:
		var msg protocol.InputMsg
		if json.Unmarshal(frame, &msg) == nil {
			pc.send(&protocol.LSCInput{Type: protocol.TypeInput, Data: msg.Data})
		}
	case protocol.TypeControl:
		var msg protocol.ControlMsg
		if json.Unmarshal(frame, &msg) == nil {
			pc.send(&protocol.LSCControl{Type: protocol.TypeControl, Key: msg.Key})
		}
	case protocol.TypeResize:
		var msg protocol.ResizeMsg
		if json.Unmarshal(frame, &msg) == nil {
			pc.send(&protocol.LSCResize{Type: protocol.TypeResize, Cols: msg.Cols, Rows: msg.Rows})
		}
	default:
		logger.Warn("hub: unrecognized channel frame type", "type", env.Type)
	}
}

// handleMigrate answers a client's offer to move one session's data plane
// onto a DataChannel. A disabled or failed negotiation degrades to the
// WebSocket path with an explicit fallback notice, never an error state.
func (c *clientContext) handleMigrate(msg protocol.SessionMigrate) {
	if c.p2p == nil {
		c.send(&protocol.SessionFallback{Type: protocol.TypeSessionFallback, SessionID: msg.SessionID, Reason: "migration disabled"})
		return
	}
	c.pipesMu.Lock()
	pc := c.pipes[msg.SessionID]
	c.pipesMu.Unlock()
	if pc == nil || !pc.isConnected() {
		c.send(&protocol.SessionFallback{Type: protocol.TypeSessionFallback, SessionID: msg.SessionID, Reason: "session not attached"})
		return
	}

	answer, err := c.p2p.HandleOffer(msg.SessionID, msg.Offer, func(v any) error {
		c.send(v)
		return nil
	})
	if err != nil {
		logger.Warn("hub: migration offer failed", "sessionId", msg.SessionID, "error", err)
		c.send(&protocol.SessionFallback{Type: protocol.TypeSessionFallback, SessionID: msg.SessionID, Reason: "negotiation failed"})
		return
	}
	c.send(&protocol.SessionMigrated{Type: protocol.TypeSessionMigrated, SessionID: msg.SessionID, Answer: answer})
}

// machinesWithHandoff lists machines, stamping each connected remote with
// a freshly minted handoff token when the hub holds a signing key.
func (s *Server) machinesWithHandoff() []protocol.MachineSummary {
	machines := s.mr.List()
	if s.handoffKey == nil {
		return machines
	}
	for i := range machines {
		if machines[i].IsLocal || machines[i].Status != protocol.StatusConnected {
			continue
		}
		token, err := authsvc.IssueHandoff(s.handoffKey, machines[i].ID)
		if err != nil {
			logger.Warn("hub: handoff mint failed", "machineId", machines[i].ID, "error", err)
			continue
		}
		machines[i].HandoffToken = token
	}
	return machines
}

func (c *clientContext) sendSessionsSnapshot() {
	c.send(&protocol.SessionsMsg{Type: protocol.TypeSessions, Sessions: c.srv.scanSessionSummaries()})
}

func (c *clientContext) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		logger.Debug("hub: client write failed", "error", err)
	}
}

// sendSession routes a session-tagged frame through the session's
// migration writer when one is active, else straight to the WebSocket.
func (c *clientContext) sendSession(sessionID string, v any) {
	if c.p2p != nil {
		if w := c.p2p.Writer(sessionID); w != nil {
			w.Write(v)
			return
		}
	}
	c.send(v)
}

func (c *clientContext) sendError(message, sessionID string) {
	c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Message: message, SessionID: sessionID})
}

func (c *clientContext) sendStatus(sessionID, state, reason string) {
	c.send(&protocol.StatusMsg{Type: protocol.TypeStatus, SessionID: sessionID, State: state, Reason: reason})
}

// closeAll tears down every pipeConn and the client's own WebSocket,
// idempotently.
func (c *clientContext) closeAll(reason string) {
	c.closedOnce.Do(func() {
		c.pipesMu.Lock()
		pipes := make([]*pipeConn, 0, len(c.pipes))
		for _, pc := range c.pipes {
			pipes = append(pipes, pc)
		}
		c.pipes = make(map[string]*pipeConn)
		c.pipesMu.Unlock()
		for _, pc := range pipes {
			pc.close()
		}
		if c.p2p != nil {
			c.p2p.Close()
		}
		c.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

// scanSessionSummaries lists the local Session Registry and converts it
// to the wire shape, reaping stale entries in the process (registry.List
// already does the reaping; this only projects the shape).
func (s *Server) scanSessionSummaries() []protocol.SessionSummary {
	recs, err := s.reg.List()
	if err != nil {
		logger.Warn("hub: registry scan failed", "error", err)
		return nil
	}
	out := make([]protocol.SessionSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordToSummary(r))
	}
	return out
}

func recordToSummary(r *registry.Record) protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:          r.ID,
		CWD:         r.CWD,
		Started:     r.Started,
		LastSeen:    r.LastSeen,
		ClientCount: r.ClientCount,
		Preview:     r.Preview,
		Status:      r.Status,
	}
}
