package machine

import (
	"testing"
	"time"

	"github.com/clawrelay/clawrelay/internal/protocol"
)

type fakeSocket struct {
	closed    bool
	goingAway bool
	reason    string
}

func (f *fakeSocket) Close(reason string) {
	f.closed = true
	f.reason = reason
}

func (f *fakeSocket) CloseGoingAway(reason string) {
	f.closed = true
	f.goingAway = true
	f.reason = reason
}

func TestLocalAlwaysPresent(t *testing.T) {
	r := New("myhost")
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("got %d machines, want 1", len(list))
	}
	m := list[0]
	if m.ID != LocalID || !m.IsLocal || m.Status != protocol.StatusConnected || m.Hostname != "myhost" {
		t.Errorf("unexpected local record: %+v", m)
	}
}

func TestRegisterAndList(t *testing.T) {
	r := New("hub")
	r.Register("A", "peer-a", "wss://a:8444/ws", "0.3.0", &fakeSocket{})
	r.UpdateSessions("A", []protocol.SessionSummary{{ID: "sA"}})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("got %d machines, want 2", len(list))
	}
	// Local is always first.
	if list[0].ID != LocalID {
		t.Errorf("first machine = %s, want %s", list[0].ID, LocalID)
	}
	if list[1].ID != "A" || list[1].SessionCount != 1 || list[1].Status != protocol.StatusConnected {
		t.Errorf("unexpected remote record: %+v", list[1])
	}
}

func TestRegisterReplacesOlderSocket(t *testing.T) {
	r := New("hub")
	first := &fakeSocket{}
	r.Register("A", "peer-a", "wss://a/ws", "0.3.0", first)

	second := &fakeSocket{}
	r.Register("A", "peer-a", "wss://a/ws", "0.3.0", second)

	if !first.closed {
		t.Error("older socket was not force-closed on re-registration")
	}
	if second.closed {
		t.Error("newer socket must stay open")
	}
}

func TestSweepDisconnectsAndRemoves(t *testing.T) {
	r := New("hub")
	sock := &fakeSocket{}
	r.Register("A", "peer-a", "wss://a/ws", "0.3.0", sock)

	// Silence past the staleness threshold flips the machine to
	// disconnected and closes its socket.
	r.mu.Lock()
	r.machines["A"].LastSeen = time.Now().UnixMilli() - (StaleAfter + time.Second).Milliseconds()
	r.mu.Unlock()
	r.Sweep()

	list := r.List()
	if list[1].Status != protocol.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", list[1].Status)
	}
	if !sock.closed {
		t.Error("stale machine's socket not closed")
	}

	// Disconnected long enough, the record disappears entirely.
	r.mu.Lock()
	r.machines["A"].disconnectedAt = time.Now().UnixMilli() - (RemoveAfter + time.Second).Milliseconds()
	r.mu.Unlock()
	r.Sweep()

	if len(r.List()) != 1 {
		t.Error("expired machine record was not removed")
	}
}

func TestHeartbeatRevives(t *testing.T) {
	r := New("hub")
	r.Register("A", "peer-a", "wss://a/ws", "0.3.0", nil)

	r.mu.Lock()
	r.machines["A"].LastSeen = time.Now().UnixMilli() - (StaleAfter + time.Second).Milliseconds()
	r.mu.Unlock()
	r.Sweep()

	if !r.Heartbeat("A") {
		t.Fatal("heartbeat for known machine returned false")
	}
	if got := r.List()[1].Status; got != protocol.StatusConnected {
		t.Errorf("status after heartbeat = %s, want connected", got)
	}

	if r.Heartbeat("nope") {
		t.Error("heartbeat for unknown machine returned true")
	}
}

func TestShutdownClosesSockets(t *testing.T) {
	r := New("hub")
	a := &fakeSocket{}
	b := &fakeSocket{}
	r.Register("A", "a", "wss://a/ws", "0.3.0", a)
	r.Register("B", "b", "wss://b/ws", "0.3.0", b)

	r.Shutdown()

	if !a.closed || !b.closed {
		t.Error("shutdown left agent sockets open")
	}
	if !a.goingAway || !b.goingAway {
		t.Error("shutdown must use the going-away close, not the replacement code")
	}
}
