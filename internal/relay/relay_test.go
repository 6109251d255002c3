package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tretten/breathing-sub000/internal/store/memory"
	"github.com/tretten/breathing-sub000/internal/store/wire"
)

type testRelay struct {
	hub    *Hub
	server *httptest.Server
	clock  *clockwork.FakeClock
	cancel context.CancelFunc
}

func newTestRelay(t *testing.T, opts HubOptions, ropts RouterOptions) *testRelay {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	opts.Clock = clock
	hub := NewHub(memory.NewTree(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Serve(ctx)

	srv := httptest.NewServer(NewRouter(hub, ropts))
	tr := &testRelay{hub: hub, server: srv, clock: clock, cancel: cancel}
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return tr
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f *wire.Frame) {
	t.Helper()
	b, err := wire.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatal(err)
	}
}

// next reads frames until one matches.
func next(t *testing.T, conn *websocket.Conn, match func(*wire.Frame) bool) *wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := wire.Unmarshal(b)
		if err != nil {
			t.Fatal(err)
		}
		if match(f) {
			return f
		}
	}
}

func replyTo(seq uint64) func(*wire.Frame) bool {
	return func(f *wire.Frame) bool { return f.Op == wire.OpReply && f.Seq == seq }
}

func TestHelloCarriesServerTime(t *testing.T) {
	tr := newTestRelay(t, HubOptions{}, RouterOptions{})
	conn := tr.dial(t)

	hello := next(t, conn, func(f *wire.Frame) bool { return f.Op == wire.OpHello })
	if hello.ServerTime != 1_700_000_000_000 {
		t.Fatalf("ServerTime = %d", hello.ServerTime)
	}
}

func TestSetAndSubscribeAcrossClients(t *testing.T) {
	tr := newTestRelay(t, HubOptions{}, RouterOptions{})
	a, b := tr.dial(t), tr.dial(t)

	send(t, b, &wire.Frame{Op: wire.OpSub, Seq: 1, Sub: 9, Path: "rooms/box/state"})
	next(t, b, replyTo(1))

	val, _ := wire.EncodeValue(map[string]any{"status": "countdown", "startTimestamp": 5})
	send(t, a, &wire.Frame{Op: wire.OpSet, Seq: 1, Path: "rooms/box/state", Value: val})
	if r := next(t, a, replyTo(1)); r.Error != "" {
		t.Fatalf("set error: %s", r.Error)
	}

	ev := next(t, b, func(f *wire.Frame) bool { return f.Op == wire.OpEvent && f.Sub == 9 && len(f.Value) > 0 })
	v, _ := wire.DecodeValue(ev.Value)
	if v.(map[string]any)["status"] != "countdown" {
		t.Fatalf("event value = %v", v)
	}
}

func TestDisconnectHookRemovesPresence(t *testing.T) {
	tr := newTestRelay(t, HubOptions{}, RouterOptions{})
	a := tr.dial(t)

	val, _ := wire.EncodeValue(map[string]any{"joinedAt": 1})
	send(t, a, &wire.Frame{Op: wire.OpSet, Seq: 1, Path: "rooms/box/online/a", Value: val})
	next(t, a, replyTo(1))
	send(t, a, &wire.Frame{Op: wire.OpOnDisc, Seq: 2, Path: "rooms/box/online/a"})
	next(t, a, replyTo(2))

	if !tr.hub.Tree().Value("rooms/box/online/a").Exists() {
		t.Fatal("presence not written")
	}
	a.Close()

	deadline := time.Now().Add(5 * time.Second)
	for tr.hub.Tree().Value("rooms/box/online/a").Exists() {
		if time.Now().After(deadline) {
			t.Fatal("presence survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompareAndSwapFrame(t *testing.T) {
	tr := newTestRelay(t, HubOptions{}, RouterOptions{})
	a := tr.dial(t)

	idle, _ := wire.EncodeValue(map[string]any{"status": "idle"})
	countdown, _ := wire.EncodeValue(map[string]any{"status": "countdown", "startTimestamp": 10})

	send(t, a, &wire.Frame{Op: wire.OpCAS, Seq: 1, Path: "rooms/box/state", Expected: nil, Value: idle})
	if r := next(t, a, replyTo(1)); !r.Committed {
		t.Fatalf("cas on empty refused: %+v", r)
	}
	send(t, a, &wire.Frame{Op: wire.OpCAS, Seq: 2, Path: "rooms/box/state", Expected: countdown, Value: idle})
	r := next(t, a, replyTo(2))
	if r.Committed || len(r.Value) == 0 {
		t.Fatalf("mismatched cas = %+v", r)
	}
}

func TestRateLimit(t *testing.T) {
	tr := newTestRelay(t, HubOptions{OpsPerSecond: 0.001, Burst: 1}, RouterOptions{})
	a := tr.dial(t)

	send(t, a, &wire.Frame{Op: wire.OpGet, Seq: 1, Path: "x"})
	send(t, a, &wire.Frame{Op: wire.OpGet, Seq: 2, Path: "x"})
	if r := next(t, a, replyTo(1)); r.Error != "" {
		t.Fatalf("first op limited: %s", r.Error)
	}
	if r := next(t, a, replyTo(2)); r.Error != errRateLimited {
		t.Fatalf("second op error = %q", r.Error)
	}
}

func TestTimeFrames(t *testing.T) {
	tr := newTestRelay(t, HubOptions{TimePeriod: time.Second}, RouterOptions{})
	a := tr.dial(t)
	next(t, a, func(f *wire.Frame) bool { return f.Op == wire.OpHello })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	tr.clock.Advance(time.Second)

	f := next(t, a, func(f *wire.Frame) bool { return f.Op == wire.OpTime })
	if f.ServerTime != 1_700_000_001_000 {
		t.Fatalf("ServerTime = %d", f.ServerTime)
	}
}

func TestHealthAndRoomView(t *testing.T) {
	tr := newTestRelay(t, HubOptions{}, RouterOptions{})
	c := tr.hub.Tree().Connect()
	ctx := context.Background()
	_ = c.Set(ctx, "rooms/box/state", map[string]any{"status": "active", "startTimestamp": 42})
	_ = c.Set(ctx, "rooms/box/online/a", map[string]any{"isReady": true})

	resp, err := http.Get(tr.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(tr.server.URL + "/rooms/box")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var view RoomView
	if err := json.NewDecoder(resp2.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "active" || view.StartTimestamp == nil || *view.StartTimestamp != 42 || len(view.Online) != 1 {
		t.Fatalf("view = %+v", view)
	}
}

func TestContentHandler(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "box.cues.json"), []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := newTestRelay(t, HubOptions{}, RouterOptions{ContentDir: dir})

	resp, err := http.Get(tr.server.URL + "/content/box.cues.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	req, _ := http.NewRequest(http.MethodPost, tr.server.URL+"/content/box.cues.json", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
}
