package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/protocol"
	"github.com/clawrelay/clawrelay/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		AuthToken:     "secret",
		AgentToken:    "agent-secret",
		Home:          home,
		ProjectsDir:   filepath.Join(home, "projects"),
		UploadEnabled: true,
		MaxUploadSize: 10 << 20,
		DefaultCols:   120,
		DefaultRows:   30,
		WebhookSecret: "hook-secret",
	}
	if err := os.MkdirAll(cfg.ProjectsDir, 0o755); err != nil {
		t.Fatalf("mkdir projects: %v", err)
	}
	return cfg
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialClient(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws?token=secret"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func sendMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAuthFailureCloses4001(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws?token=wrong"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	m := readMsg(t, conn)
	if m["type"] != protocol.TypeError {
		t.Fatalf("first frame = %v, want error", m["type"])
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(protocol.CloseAuthFailed) {
		t.Errorf("close status = %v, want 4001", websocket.CloseStatus(err))
	}
}

func TestInitialSessionsThenPingPong(t *testing.T) {
	_, ts := testServer(t)
	conn := dialClient(t, ts)

	if m := readMsg(t, conn); m["type"] != protocol.TypeSessions {
		t.Fatalf("first frame = %v, want sessions", m["type"])
	}

	sendMsg(t, conn, map[string]string{"type": "ping"})
	if m := readMsg(t, conn); m["type"] != protocol.TypePong {
		t.Errorf("reply = %v, want pong", m["type"])
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := testServer(t)
	conn := dialClient(t, ts)
	readMsg(t, conn) // initial sessions

	const n = 12
	for i := 0; i < n; i++ {
		sendMsg(t, conn, map[string]string{"type": "list_sessions"})
	}

	var sessions, errors int
	for i := 0; i < n; i++ {
		switch m := readMsg(t, conn); m["type"] {
		case protocol.TypeSessions:
			sessions++
		case protocol.TypeError:
			errors++
			if !strings.Contains(m["message"].(string), "Rate limit") {
				t.Errorf("unexpected error message: %v", m["message"])
			}
		default:
			t.Errorf("unexpected frame: %v", m["type"])
		}
	}
	if sessions < 10 {
		t.Errorf("sessions replies = %d, want >= 10", sessions)
	}
	if errors < 1 {
		t.Errorf("rate-limit errors = %d, want >= 1", errors)
	}

	// The connection survives the violation.
	sendMsg(t, conn, map[string]string{"type": "ping"})
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if m := readMsg(t, conn); m["type"] == protocol.TypePong {
			return
		}
	}
	t.Error("connection dead after rate limiting")
}

func TestConnectUnknownSession(t *testing.T) {
	_, ts := testServer(t)
	conn := dialClient(t, ts)
	readMsg(t, conn) // initial sessions

	sendMsg(t, conn, protocol.ConnectSession{Type: protocol.TypeConnectSession, SessionID: "ghost"})

	m := readMsg(t, conn)
	if m["type"] != protocol.TypeError || m["sessionId"] != "ghost" {
		t.Fatalf("first reply = %v, want session-tagged error", m)
	}
	m = readMsg(t, conn)
	if m["type"] != protocol.TypeStatus || m["state"] != protocol.StatusDisconnected {
		t.Fatalf("second reply = %v, want status disconnected", m)
	}
}

// fakeLSC binds a launcher-style endpoint that greets each subscriber
// with a scrollback and a status frame, then echoes nothing.
func fakeLSC(t *testing.T, s *Server, id, cwd, scrollback string) {
	t.Helper()
	sockDir, err := os.MkdirTemp("", "lsc")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	sockPath := filepath.Join(sockDir, id+".sock")

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				sb, _ := json.Marshal(protocol.LSCScrollback{Type: protocol.TypeScrollback, Data: scrollback})
				st, _ := json.Marshal(protocol.LSCStatus{Type: protocol.TypeStatus, State: protocol.StatusConnected})
				c.Write(append(sb, '\n'))
				c.Write(append(st, '\n'))
				// Hold the connection open; drain whatever arrives.
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	now := time.Now().UnixMilli()
	rec := &registry.Record{
		ID: id, CWD: cwd, PID: os.Getpid(), Pipe: sockPath,
		Started: now, LastSeen: now, Status: "idle",
	}
	if err := s.reg.Write(rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
}

func TestAttachOrderAndDuplicateAttach(t *testing.T) {
	s, ts := testServer(t)
	fakeLSC(t, s, "proj", t.TempDir(), "hello\n")

	conn := dialClient(t, ts)
	readMsg(t, conn) // initial sessions

	sendMsg(t, conn, protocol.ConnectSession{Type: protocol.TypeConnectSession, SessionID: "proj"})

	m := readMsg(t, conn)
	if m["type"] != protocol.TypeScrollback || m["sessionId"] != "proj" || m["data"] != "hello\n" {
		t.Fatalf("first frame = %v, want tagged scrollback", m)
	}
	m = readMsg(t, conn)
	if m["type"] != protocol.TypeStatus || m["state"] != protocol.StatusConnected || m["sessionId"] != "proj" {
		t.Fatalf("second frame = %v, want tagged status connected", m)
	}

	// A second connect_session for the attached session replies with a
	// lone status:connected — no new dial, no second scrollback.
	sendMsg(t, conn, protocol.ConnectSession{Type: protocol.TypeConnectSession, SessionID: "proj"})
	m = readMsg(t, conn)
	if m["type"] != protocol.TypeStatus || m["state"] != protocol.StatusConnected {
		t.Fatalf("duplicate attach reply = %v, want status connected", m)
	}
}

func TestListSessionsReapsStale(t *testing.T) {
	s, ts := testServer(t)

	now := time.Now().UnixMilli()
	stale := &registry.Record{ID: "old", CWD: "/x", Pipe: "/x.sock", Started: now - 100_000, LastSeen: now - 45_000}
	if err := s.reg.Write(stale); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	conn := dialClient(t, ts)
	m := readMsg(t, conn) // initial sessions doubles as the list
	if m["type"] != protocol.TypeSessions {
		t.Fatalf("frame = %v, want sessions", m["type"])
	}
	if sess, ok := m["sessions"].([]any); ok {
		for _, e := range sess {
			if e.(map[string]any)["id"] == "old" {
				t.Error("stale session listed")
			}
		}
	}
	if _, err := os.Stat(s.reg.Path("old")); !os.IsNotExist(err) {
		t.Errorf("stale record not unlinked (err=%v)", err)
	}
}

func TestUploadPathEscape(t *testing.T) {
	s, ts := testServer(t)
	cwd := t.TempDir()
	fakeLSC(t, s, "proj", cwd, "")

	conn := dialClient(t, ts)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.UploadFile{
		Type:      protocol.TypeUploadFile,
		SessionID: "proj",
		Filename:  "../../etc/passwd",
		Data:      base64.StdEncoding.EncodeToString([]byte("abc")),
		Size:      3,
	})

	m := readMsg(t, conn)
	if m["type"] != protocol.TypeUploadResult {
		t.Fatalf("reply = %v, want upload_result", m["type"])
	}
	if m["success"] != false {
		t.Error("path-escaping upload succeeded")
	}
	if _, err := os.Stat(filepath.Join(cwd, "..", "..", "etc", "passwd")); err == nil {
		t.Error("file written outside the session directory")
	}
	entries, _ := os.ReadDir(cwd)
	if len(entries) != 0 {
		t.Errorf("unexpected writes in cwd: %v", entries)
	}
}

func TestUploadOK(t *testing.T) {
	s, ts := testServer(t)
	cwd := t.TempDir()
	fakeLSC(t, s, "proj", cwd, "")

	conn := dialClient(t, ts)
	readMsg(t, conn)

	payload := []byte("file contents")
	sendMsg(t, conn, protocol.UploadFile{
		Type:      protocol.TypeUploadFile,
		SessionID: "proj",
		Filename:  "notes.txt",
		Data:      base64.StdEncoding.EncodeToString(payload),
		Size:      int64(len(payload)),
	})

	m := readMsg(t, conn)
	if m["success"] != true {
		t.Fatalf("upload failed: %v", m)
	}
	got, err := os.ReadFile(filepath.Join(cwd, "notes.txt"))
	if err != nil || string(got) != string(payload) {
		t.Errorf("written file = %q, %v", got, err)
	}
}

func TestUploadSizeBoundary(t *testing.T) {
	s, ts := testServer(t)
	s.cfg.MaxUploadSize = 8
	cwd := t.TempDir()
	fakeLSC(t, s, "proj", cwd, "")

	conn := dialClient(t, ts)
	readMsg(t, conn)

	// Exactly at the limit succeeds.
	at := []byte("12345678")
	sendMsg(t, conn, protocol.UploadFile{
		Type: protocol.TypeUploadFile, SessionID: "proj", Filename: "at.bin",
		Data: base64.StdEncoding.EncodeToString(at), Size: int64(len(at)),
	})
	if m := readMsg(t, conn); m["success"] != true {
		t.Errorf("upload at limit failed: %v", m)
	}

	// One byte over fails.
	over := []byte("123456789")
	sendMsg(t, conn, protocol.UploadFile{
		Type: protocol.TypeUploadFile, SessionID: "proj", Filename: "over.bin",
		Data: base64.StdEncoding.EncodeToString(over), Size: int64(len(over)),
	})
	if m := readMsg(t, conn); m["success"] != false {
		t.Errorf("upload over limit succeeded: %v", m)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
		err      bool
	}{
		{in: "notes.txt", want: "notes.txt"},
		{in: "../../etc/passwd", want: "_.._etc_passwd"},
		{in: "a:b*c?.txt", want: "a_b_c_.txt"},
		{in: "  spaced  ", want: "spaced"},
		{in: "...", err: true},
		{in: "", err: true},
		{in: strings.Repeat("x", 300), want: strings.Repeat("x", 255)},
	}
	for _, tc := range cases {
		got, err := sanitizeFilename(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("sanitize(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("sanitize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}

		// Idempotence: a sanitized name survives sanitizing again.
		again, err := sanitizeFilename(got)
		if err != nil || again != got {
			t.Errorf("sanitize not idempotent for %q: %q -> %q (%v)", tc.in, got, again, err)
		}
	}
}

func TestValidateProjectName(t *testing.T) {
	for _, ok := range []string{"proj", "a-b_c", "X9"} {
		if err := validateProjectName(ok); err != nil {
			t.Errorf("validateProjectName(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "has space", "a/b", "ü", strings.Repeat("x", 51), "CON", "nul"} {
		if err := validateProjectName(bad); err == nil {
			t.Errorf("validateProjectName(%q) accepted", bad)
		}
	}
}

func TestPathPrefixRedirect(t *testing.T) {
	cfg := testConfig(t)
	cfg.PathPrefix = "/cnm"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// The bare prefix redirects to the prefixed root.
	resp, err := client.Get(ts.URL + "/cnm")
	if err != nil {
		t.Fatalf("get bare prefix: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("bare prefix status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/cnm/" {
		t.Errorf("redirect location = %q, want /cnm/", loc)
	}

	// The prefixed websocket route serves the same protocol.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/cnm/ws?token=secret"), nil)
	if err != nil {
		t.Fatalf("dial prefixed ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)
	if m := readMsg(t, conn); m["type"] != protocol.TypeSessions {
		t.Errorf("first frame = %v, want sessions", m["type"])
	}
}

func TestWebhookSignature(t *testing.T) {
	_, ts := testServer(t)
	body := `{"ref":"refs/heads/main"}`

	// Missing/wrong signature is rejected.
	resp, err := http.Post(ts.URL+"/webhook/github", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned webhook status = %d, want 401", resp.StatusCode)
	}

	// A correctly signed payload is accepted.
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, _ := http.NewRequest("POST", ts.URL+"/webhook/github", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post signed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Errorf("signed webhook status = %d, want 202", resp2.StatusCode)
	}
}

func TestAgentRegisterFlow(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/agent?token=agent-secret"), nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("agent write: %v", err)
		}
	}
	read := func() map[string]any {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("agent read: %v", err)
		}
		var m map[string]any
		json.Unmarshal(data, &m)
		return m
	}

	send(protocol.AgentRegister{Type: protocol.TypeAgentRegister, MachineID: "A", Hostname: "peer-a", Address: "wss://a:8444/ws", AgentVersion: "0.3.0"})
	if m := read(); m["type"] != protocol.TypeHubRegistered || m["success"] != true {
		t.Fatalf("register reply = %v", m)
	}

	send(protocol.AgentSessions{Type: protocol.TypeAgentSessions, MachineID: "A", Sessions: []protocol.SessionSummary{{ID: "sA"}}})
	send(protocol.AgentHeartbeat{Type: protocol.TypeAgentHeartbeat, MachineID: "A"})
	if m := read(); m["type"] != protocol.TypeHubPong {
		t.Fatalf("heartbeat reply = %v", m)
	}

	// The fleet view now carries both machines, with A's session count.
	client := dialClient(t, ts)
	readMsg(t, client) // initial sessions
	sendMsg(t, client, map[string]string{"type": "list_machines"})
	m := readMsg(t, client)
	if m["type"] != protocol.TypeMachines {
		t.Fatalf("reply = %v, want machines", m["type"])
	}
	machines := m["machines"].([]any)
	if len(machines) != 2 {
		t.Fatalf("machine count = %d, want 2", len(machines))
	}
	local := machines[0].(map[string]any)
	remote := machines[1].(map[string]any)
	if local["id"] != "LOCAL" || local["isLocal"] != true {
		t.Errorf("first machine = %v, want LOCAL", local)
	}
	if remote["id"] != "A" || remote["sessionCount"] != float64(1) {
		t.Errorf("remote machine = %v", remote)
	}
}

func TestAgentReservedIDRejected(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/agent?token=agent-secret"), nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	data, _ := json.Marshal(protocol.AgentRegister{Type: protocol.TypeAgentRegister, MachineID: "LOCAL", Hostname: "evil"})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	json.Unmarshal(raw, &m)
	if m["type"] != protocol.TypeHubRegistered || m["success"] != false {
		t.Errorf("reply = %v, want failed registration", m)
	}
}

func TestAgentBadTokenRejected(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts, "/agent?token=wrong"), nil)
	if err == nil {
		t.Fatal("dial with bad agent token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
