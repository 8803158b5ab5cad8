// Package launcher implements the session launcher: it owns one PTY
// child, exposes its byte stream over the local session channel (LSC) to
// any number of local subscribers, and advertises itself in the session
// registry.
package launcher

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"

	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/protocol"
	"github.com/clawrelay/clawrelay/internal/registry"
)

const (
	heartbeatInterval = 5 * time.Second
	defaultCols       = 120
	defaultRows       = 30

	maxPeerParseBuf = 64 * 1024

	previewMaxBytes = 2 * 1024
	previewMaxLines = 8

	scrollbackFrameMaxBytes = 50 * 1024
	scrollbackFrameMaxLines = 200
)

// Options configure Start.
type Options struct {
	ID   string
	CWD  string
	Argv []string
	Env  []string
	Cols int
	Rows int
}

// Launcher owns a PTY child and all of its LSC peers.
type Launcher struct {
	id  string
	cwd string

	reg *registry.Registry

	ptmx *os.File
	cmd  *exec.Cmd

	ring *scrollbackRing

	peersMu sync.Mutex
	peers   map[*peer]struct{}

	started int64

	listener net.Listener
	addr     string

	wg           sync.WaitGroup
	done         chan struct{}
	shutdownOnce sync.Once
}

type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  bool
}

func (p *peer) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return fmt.Errorf("peer closed")
	}
	data = append(data, '\n')
	_, err = p.conn.Write(data)
	return err
}

func (p *peer) close() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}

// Start spawns the PTY child and binds the LSC listener. If a live
// registry record already exists for opts.ID the caller must abort before
// calling Start — Start itself does not consult the registry, and binding
// removes any socket file already present at the endpoint address.
func Start(reg *registry.Registry, opts Options) (*Launcher, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("start %s: empty argv", opts.ID)
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.CWD
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("spawn pty child: %w", err)
	}

	addr := EndpointAddress(reg.Dir(), opts.ID)
	l, err := Listen(addr)
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		return nil, fmt.Errorf("bind lsc endpoint: %w", err)
	}

	sl := &Launcher{
		id:       opts.ID,
		cwd:      opts.CWD,
		reg:      reg,
		ptmx:     ptmx,
		cmd:      cmd,
		ring:     newScrollbackRing(),
		peers:    make(map[*peer]struct{}),
		started:  time.Now().UnixMilli(),
		listener: l,
		addr:     addr,
		done:     make(chan struct{}),
	}

	// The registry record exists before Start returns: callers and other
	// hosts may look the session up the moment the endpoint is bound.
	sl.publish()

	sl.wg.Add(4)
	go sl.acceptLoop()
	go sl.readPump()
	go sl.heartbeatLoop()
	go sl.waitChild()

	return sl, nil
}

func (sl *Launcher) acceptLoop() {
	defer sl.wg.Done()
	for {
		conn, err := sl.listener.Accept()
		if err != nil {
			select {
			case <-sl.done:
				return
			default:
				logger.Warn("launcher: accept error", "id", sl.id, "error", err)
				return
			}
		}
		sl.wg.Add(1)
		go sl.servePeer(conn)
	}
}

func (sl *Launcher) servePeer(conn net.Conn) {
	defer sl.wg.Done()
	p := &peer{conn: conn}

	sl.peersMu.Lock()
	sl.peers[p] = struct{}{}
	sl.peersMu.Unlock()
	defer func() {
		sl.peersMu.Lock()
		delete(sl.peers, p)
		sl.peersMu.Unlock()
		p.close()
	}()

	// Subscribe: emit scrollback (capped at 50KB/200 trailing lines,
	// truncated at a line boundary on the leading edge), then status:connected.
	lines := sl.ring.Tail(scrollbackFrameMaxLines)
	sb := joinCapped(lines, scrollbackFrameMaxBytes)
	if err := p.send(&protocol.LSCScrollback{Type: protocol.TypeScrollback, Data: sb}); err != nil {
		return
	}
	if err := p.send(&protocol.LSCStatus{Type: protocol.TypeStatus, State: protocol.StatusConnected}); err != nil {
		return
	}

	sl.readPeer(p)
}

// joinCapped joins lines with "\n" and, if the result exceeds maxBytes,
// drops whole lines from the front until it fits: truncation always lands
// on a line boundary at the leading edge.
func joinCapped(lines []string, maxBytes int) string {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	start := 0
	for total > maxBytes && start < len(lines) {
		total -= len(lines[start]) + 1
		start++
	}
	out := ""
	for i := start; i < len(lines); i++ {
		out += lines[i]
		out += "\n"
	}
	return out
}

// readPeer parses newline-delimited JSON frames from one LSC peer. Each
// peer has its own 64KB parse buffer; a frame that overflows it is
// discarded up to the next newline with a warning, without closing the
// connection.
func (sl *Launcher) readPeer(p *peer) {
	reader := bufio.NewReaderSize(p.conn, maxPeerParseBuf)
	for {
		line, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			logger.Warn("launcher: lsc frame exceeds parse buffer, dropping", "id", sl.id)
			for err == bufio.ErrBufferFull {
				_, err = reader.ReadSlice('\n')
			}
			if err != nil {
				return
			}
			continue
		}
		if len(line) > 0 {
			sl.handlePeerLine(p, line)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("launcher: peer read error", "id", sl.id, "error", err)
			}
			return
		}
	}
}

func (sl *Launcher) handlePeerLine(p *peer, line []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		logger.Warn("launcher: malformed lsc frame, resetting peer buffer", "id", sl.id, "error", err)
		return
	}
	switch env.Type {
	case protocol.TypeInput:
		var msg protocol.LSCInput
		if json.Unmarshal(line, &msg) == nil {
			sl.ptmx.Write([]byte(msg.Data))
		}
	case protocol.TypeControl:
		var msg protocol.LSCControl
		if json.Unmarshal(line, &msg) == nil {
			sl.writeControl(msg.Key)
		}
	case protocol.TypeResize:
		var msg protocol.LSCResize
		if json.Unmarshal(line, &msg) == nil {
			sl.resize(msg.Cols, msg.Rows)
		}
	case protocol.TypePing:
		p.send(&protocol.LSCPong{Type: protocol.TypePong})
	default:
		logger.Warn("launcher: unrecognized lsc frame type", "id", sl.id, "type", env.Type)
	}
}

func (sl *Launcher) writeControl(key string) {
	var b byte
	switch key {
	case protocol.ControlCtrlC:
		b = 0x03
	case protocol.ControlCtrlD:
		b = 0x04
	case protocol.ControlEsc:
		b = 0x1b
	default:
		logger.Warn("launcher: unknown control key", "id", sl.id, "key", key)
		return
	}
	sl.ptmx.Write([]byte{b})
}

func (sl *Launcher) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	pty.Setsize(sl.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// readPump reads PTY output, appends it to the scrollback ring (split on
// "\n", with any unterminated tail carried into the next chunk) and fans
// it out to every connected peer verbatim as an "output" frame.
func (sl *Launcher) readPump() {
	defer sl.wg.Done()
	buf := make([]byte, 32*1024)
	var partial []byte
	for {
		n, err := sl.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			sl.appendScrollback(&partial, chunk)
			sl.broadcast(&protocol.LSCOutput{Type: protocol.TypeOutput, Data: string(chunk)})
		}
		if err != nil {
			return
		}
	}
}

func (sl *Launcher) appendScrollback(partial *[]byte, chunk []byte) {
	data := append(*partial, chunk...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			*partial = append([]byte(nil), data...)
			return
		}
		sl.ring.Append(string(data[:idx]))
		data = data[idx+1:]
	}
}

func (sl *Launcher) broadcast(v any) {
	sl.peersMu.Lock()
	peers := make([]*peer, 0, len(sl.peers))
	for p := range sl.peers {
		peers = append(peers, p)
	}
	sl.peersMu.Unlock()

	for _, p := range peers {
		// A peer write error only drops that peer; the child continues.
		if err := p.send(v); err != nil {
			sl.peersMu.Lock()
			delete(sl.peers, p)
			sl.peersMu.Unlock()
			p.close()
		}
	}
}

func (sl *Launcher) heartbeatLoop() {
	defer sl.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	sl.publish()
	for {
		select {
		case <-sl.done:
			return
		case <-ticker.C:
			sl.publish()
		}
	}
}

func (sl *Launcher) publish() {
	sl.peersMu.Lock()
	count := len(sl.peers)
	sl.peersMu.Unlock()

	status := protocol.StatusIdle
	if count > 0 {
		status = protocol.StatusConnected
	}

	rec := &registry.Record{
		ID:          sl.id,
		CWD:         sl.cwd,
		PID:         os.Getpid(),
		Pipe:        sl.addr,
		Started:     sl.started,
		LastSeen:    time.Now().UnixMilli(),
		ClientCount: count,
		Preview:     sl.computePreview(),
		Status:      status,
	}
	if err := sl.reg.Write(rec); err != nil {
		logger.Warn("launcher: heartbeat write failed", "id", sl.id, "error", err)
	}
}

// computePreview ANSI-strips the last terminal chunks and returns at
// most previewMaxLines trailing lines capped at previewMaxBytes.
func (sl *Launcher) computePreview() string {
	lines := sl.ring.Tail(previewMaxLines)
	for i, l := range lines {
		lines[i] = ansi.Strip(l)
	}
	return joinCapped(lines, previewMaxBytes)
}

func (sl *Launcher) waitChild() {
	defer sl.wg.Done()
	err := sl.cmd.Wait()
	reason := "Process exited (0)"
	if sl.cmd.ProcessState != nil {
		reason = fmt.Sprintf("Process exited (%d)", sl.cmd.ProcessState.ExitCode())
	}
	if err != nil && sl.cmd.ProcessState == nil {
		reason = fmt.Sprintf("Process exited: %v", err)
	}
	sl.Shutdown(reason)
}

// Shutdown broadcasts status:disconnected with reason, closes every peer,
// unlinks the registry file, and stops all background tasks. Safe to call
// concurrently — the signal handler and the child-exit path can race it —
// and only the first call takes effect.
func (sl *Launcher) Shutdown(reason string) {
	sl.shutdownOnce.Do(func() {
		close(sl.done)

		sl.broadcast(&protocol.LSCStatus{Type: protocol.TypeStatus, State: protocol.StatusDisconnected, Reason: reason})

		sl.peersMu.Lock()
		for p := range sl.peers {
			p.close()
		}
		sl.peersMu.Unlock()

		sl.listener.Close()
		removeEndpoint(sl.addr)
		sl.ptmx.Close()
		if err := sl.reg.Remove(sl.id); err != nil {
			logger.Warn("launcher: registry remove failed", "id", sl.id, "error", err)
		}
	})
}

// Wait blocks until all of the launcher's background tasks have returned.
func (sl *Launcher) Wait() {
	sl.wg.Wait()
}

// ID returns the session id this launcher owns.
func (sl *Launcher) ID() string { return sl.id }
