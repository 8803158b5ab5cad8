package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/clawrelay/clawrelay/internal/launcher"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/protocol"
)

const (
	lscConnectTimeout = 10 * time.Second
	lscKeepalive      = 15 * time.Second
	pipeBufferCap     = 1 << 20 // 1 MiB
	initialResizeCols = 120
	initialResizeRows = 30
)

// pipeConn is one (client, sessionId) LSC connection. A client may hold
// many; only the active one receives input/control/resize forwarding.
type pipeConn struct {
	sessionID string
	client    *clientContext

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool

	keepaliveStop chan struct{}
}

func (p *pipeConn) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && !p.closed
}

func (p *pipeConn) send(v any) {
	p.mu.Lock()
	conn := p.conn
	ok := p.connected && !p.closed
	p.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	// net.Conn.Write has no queue-full signal to check short of a
	// deadline, so a short write deadline stands in for it; a stall is
	// logged, never silently dropped.
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		logger.Warn("hub: lsc write stalled or failed", "sessionId", p.sessionID, "error", err)
	}
}

func (p *pipeConn) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.connected = false
	conn := p.conn
	stop := p.keepaliveStop
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
}

// attach services a connect_session request: reuse a live pipe if one
// exists, otherwise look the session up, dial its endpoint, and start the
// keepalive and read pumps.
func (c *clientContext) attach(ctx context.Context, sessionID string) {
	c.pipesMu.Lock()
	existing := c.pipes[sessionID]
	if existing != nil && existing.isConnected() {
		c.activeSessionID = sessionID
		c.pipesMu.Unlock()
		c.sendStatus(sessionID, protocol.StatusConnected, "")
		return
	}
	c.pipesMu.Unlock()

	rec, ok := c.srv.reg.Get(sessionID)
	if !ok {
		c.sendError("Session not found", sessionID)
		c.sendStatus(sessionID, protocol.StatusDisconnected, "Session not found")
		return
	}

	pc := &pipeConn{sessionID: sessionID, client: c}
	c.pipesMu.Lock()
	c.pipes[sessionID] = pc
	c.activeSessionID = sessionID
	c.pipesMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, lscConnectTimeout)
	defer cancel()

	conn, err := dialLSC(dialCtx, rec.Pipe)
	if err != nil {
		c.pipesMu.Lock()
		delete(c.pipes, sessionID)
		c.pipesMu.Unlock()
		c.sendError(fmt.Sprintf("connect session: %v", err), sessionID)
		c.sendStatus(sessionID, protocol.StatusDisconnected, "connect failed")
		return
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.connected = true
	pc.keepaliveStop = make(chan struct{})
	pc.mu.Unlock()

	pc.send(&protocol.LSCResize{Type: protocol.TypeResize, Cols: initialResizeCols, Rows: initialResizeRows})

	go pc.keepaliveLoop()
	go pc.readLoop()
}

func dialLSC(ctx context.Context, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := launcher.DialEndpoint(addr)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("lsc connect timeout")
	case r := <-ch:
		return r.conn, r.err
	}
}

func (p *pipeConn) keepaliveLoop() {
	ticker := time.NewTicker(lscKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-p.keepaliveStop:
			return
		case <-ticker.C:
			p.send(&protocol.LSCPing{Type: protocol.TypePing})
		}
	}
}

// readLoop reads newline-delimited JSON frames from the LSC, accumulating
// into a 1 MiB buffer (overflow closes the pipe), and forwards each frame
// to the client tagged with sessionId. Non-JSON lines become "output"
// frames with the same tag; "pong" frames are swallowed.
func (p *pipeConn) readLoop() {
	reader := bufio.NewReaderSize(p.conn, 64*1024)
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > pipeBufferCap {
			p.teardown("Buffer overflow")
			return
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if len(buf) > 0 && buf[len(buf)-1] == '\n' {
			p.dispatchLine(buf)
			buf = buf[:0]
		}
		if err != nil {
			p.teardown(readLoopCloseReason(err))
			return
		}
	}
}

func readLoopCloseReason(err error) string {
	if err == io.EOF {
		return "session ended"
	}
	return err.Error()
}

func (p *pipeConn) dispatchLine(line []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		p.client.sendSession(p.sessionID, &protocol.OutputMsg{Type: protocol.TypeOutput, SessionID: p.sessionID, Data: string(line)})
		return
	}
	switch env.Type {
	case protocol.TypePong:
		// swallowed
	case protocol.TypeScrollback:
		var msg protocol.LSCScrollback
		if json.Unmarshal(line, &msg) == nil {
			p.client.sendSession(p.sessionID, &protocol.ScrollbackMsg{Type: protocol.TypeScrollback, SessionID: p.sessionID, Data: msg.Data})
		}
	case protocol.TypeOutput:
		var msg protocol.LSCOutput
		if json.Unmarshal(line, &msg) == nil {
			p.client.sendSession(p.sessionID, &protocol.OutputMsg{Type: protocol.TypeOutput, SessionID: p.sessionID, Data: msg.Data})
		}
	case protocol.TypeStatus:
		var msg protocol.LSCStatus
		if json.Unmarshal(line, &msg) == nil {
			p.client.sendSession(p.sessionID, &protocol.StatusMsg{Type: protocol.TypeStatus, SessionID: p.sessionID, State: msg.State, Reason: msg.Reason})
		}
	default:
		p.client.sendSession(p.sessionID, &protocol.OutputMsg{Type: protocol.TypeOutput, SessionID: p.sessionID, Data: string(line)})
	}
}

// teardown clears the keepalive timer, removes the pipeConn from the
// client's table, drops any migration channel for the session, and emits
// status:disconnected.
func (p *pipeConn) teardown(reason string) {
	p.close()
	p.client.pipesMu.Lock()
	if p.client.pipes[p.sessionID] == p {
		delete(p.client.pipes, p.sessionID)
	}
	p.client.pipesMu.Unlock()
	if p.client.p2p != nil {
		p.client.p2p.Drop(p.sessionID)
	}
	p.client.sendStatus(p.sessionID, protocol.StatusDisconnected, reason)
}
