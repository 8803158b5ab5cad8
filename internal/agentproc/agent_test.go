package agentproc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/machine"
	"github.com/clawrelay/clawrelay/internal/protocol"
)

func testConfig(t *testing.T, hubURL string) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		AuthToken:      "secret",
		AgentToken:     "agent-secret",
		ClientP2PToken: "p2p-secret",
		Home:           home,
		ProjectsDir:    filepath.Join(home, "projects"),
		HubURL:         hubURL,
		AgentP2PAddr:   "ws://example.test:8444/ws",
		MachineID:      "peer-a",
	}
}

// fakeHub accepts one agent connection and records every frame type it
// receives, replying to register and heartbeat the way the hub does.
func fakeHub(t *testing.T, frames chan<- map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "agent-secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			frames <- m

			switch m["type"] {
			case protocol.TypeAgentRegister:
				reply, _ := json.Marshal(protocol.HubRegistered{Type: protocol.TypeHubRegistered, Success: true})
				conn.Write(ctx, websocket.MessageText, reply)
			case protocol.TypeAgentHeartbeat:
				reply, _ := json.Marshal(protocol.HubPong{Type: protocol.TypeHubPong})
				conn.Write(ctx, websocket.MessageText, reply)
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRegisterThenSnapshots(t *testing.T) {
	frames := make(chan map[string]any, 16)
	ts := fakeHub(t, frames)
	hubURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	a, err := New(testConfig(t, hubURL))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.connectAndServe(ctx)

	expect := func(wantType string) map[string]any {
		t.Helper()
		select {
		case m := <-frames:
			if m["type"] != wantType {
				t.Fatalf("frame = %v, want %s", m["type"], wantType)
			}
			return m
		case <-time.After(10 * time.Second):
			t.Fatalf("timeout waiting for %s", wantType)
			return nil
		}
	}

	reg := expect(protocol.TypeAgentRegister)
	if reg["machineId"] != "peer-a" || reg["address"] != "ws://example.test:8444/ws" {
		t.Errorf("register frame = %v", reg)
	}
	if reg["agentVersion"] != Version {
		t.Errorf("agentVersion = %v, want %s", reg["agentVersion"], Version)
	}

	proj := expect(protocol.TypeAgentProjects)
	if proj["machineId"] != "peer-a" {
		t.Errorf("projects frame = %v", proj)
	}
	sess := expect(protocol.TypeAgentSessions)
	if sess["machineId"] != "peer-a" {
		t.Errorf("sessions frame = %v", sess)
	}
}

func TestMachineIDPersisted(t *testing.T) {
	cfg := testConfig(t, "ws://example.test/hub")
	cfg.MachineID = ""

	id1, err := resolveMachineID(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id1 == "" || id1 == machine.LocalID {
		t.Fatalf("bad generated id %q", id1)
	}

	// The same home yields the same id on the next start.
	id2, err := resolveMachineID(cfg)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("machine id not stable: %q vs %q", id1, id2)
	}

	if _, err := os.Stat(filepath.Join(cfg.Home, "machine-id")); err != nil {
		t.Errorf("machine-id file missing: %v", err)
	}
}

func TestReservedMachineIDRejected(t *testing.T) {
	cfg := testConfig(t, "ws://example.test/hub")
	cfg.MachineID = machine.LocalID
	if _, err := resolveMachineID(cfg); err == nil {
		t.Error("reserved machine id accepted")
	}
}

func TestP2PAddressDerivation(t *testing.T) {
	cfg := testConfig(t, "ws://example.test/hub")

	if got := p2pAddress(cfg, "host-x"); got != "ws://example.test:8444/ws" {
		t.Errorf("explicit address not used: %q", got)
	}

	cfg.AgentP2PAddr = ""
	cfg.AgentP2PPort = 9000
	if got := p2pAddress(cfg, "host-x"); got != "ws://host-x:9000/ws" {
		t.Errorf("derived address = %q", got)
	}

	cfg.TLSCertPath = "/etc/cert.pem"
	if got := p2pAddress(cfg, "host-x"); got != "wss://host-x:9000/ws" {
		t.Errorf("derived tls address = %q", got)
	}
}
