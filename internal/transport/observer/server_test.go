package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/streaming"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observe/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/observe", s.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d want %d", s.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readTick(t *testing.T, conn *websocket.Conn) observerproto.TickMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg observerproto.TickMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read tick: %v", err)
	}
	return msg
}

func subscribe(witnesses ...string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, Witnesses: witnesses}
}

func activeReport(tick uint64) streaming.TickReport {
	return streaming.TickReport{
		Tick: tick,
		Submitted: []streaming.BatchReport{
			{ID: "b1", Witness: "w1", Size: 3, SubmittedTick: tick},
			{ID: "b2", Witness: "w2", Size: 2, SubmittedTick: tick},
		},
		Marked:  5,
		Pending: 2,
	}
}

func TestBootstrap(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 4})
	s.SetState(observerproto.BootstrapResponse{
		Tick:       7,
		TickRateHz: 20,
		Loader:     observerproto.LoaderParams{LoadBatchSize: 256, MaxPendingLoadTasks: 16},
		Witnesses:  []observerproto.WitnessState{{ID: "w1", Pos: [3]float64{1, 2, 3}}},
		Pending:    3,
	})

	resp, err := http.Get(ts.URL + "/v1/observe/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProtocolVersion != observerproto.Version || got.Tick != 7 || got.Pending != 3 {
		t.Fatalf("unexpected bootstrap: %+v", got)
	}
	if len(got.Witnesses) != 1 || got.Witnesses[0].ID != "w1" {
		t.Fatalf("witnesses=%+v", got.Witnesses)
	}
}

func TestBootstrapRejectsNonLoopback(t *testing.T) {
	s := NewServer(Config{MaxClients: 1}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/observe/bootstrap", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	rw := httptest.NewRecorder()
	s.BootstrapHandler()(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rw.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:9000":   true,
		"::1":          true,
		"10.1.2.3:80":  false,
		"example:80":   false,
		"":             false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Errorf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestTickDelivery(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 4})
	conn := dial(t, ts, subscribe())
	waitClients(t, s, 1)

	s.RecordTick(streaming.TickReport{Tick: 1}) // idle, filtered
	s.RecordTick(activeReport(2))

	msg := readTick(t, conn)
	if msg.Type != "TICK" || msg.Tick != 2 {
		t.Fatalf("unexpected msg: %+v", msg)
	}
	if len(msg.Submitted) != 2 || msg.Marked != 5 || msg.Pending != 2 {
		t.Fatalf("unexpected body: %+v", msg)
	}
}

func TestWitnessFilter(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 4})
	conn := dial(t, ts, subscribe("w2"))
	waitClients(t, s, 1)

	s.RecordTick(activeReport(3))
	msg := readTick(t, conn)
	if len(msg.Submitted) != 1 || msg.Submitted[0].Witness != "w2" {
		t.Fatalf("filter not applied: %+v", msg.Submitted)
	}
}

func TestIncludeIdle(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 4})
	sub := subscribe()
	sub.IncludeIdle = true
	conn := dial(t, ts, sub)
	waitClients(t, s, 1)

	s.RecordTick(streaming.TickReport{Tick: 9})
	if msg := readTick(t, conn); msg.Tick != 9 {
		t.Fatalf("tick=%d want 9", msg.Tick)
	}
}

func TestBadHandshakeCloses(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 4})
	conn := dial(t, ts, observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
	if s.Clients() != 0 {
		t.Fatalf("clients=%d", s.Clients())
	}
}

func TestMaxClients(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 1})
	_ = dial(t, ts, subscribe())
	waitClients(t, s, 1)

	second := dial(t, ts, subscribe())
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("err=%v want try-again-later close", err)
	}
}

func TestClientLeaves(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxClients: 2})
	conn := dial(t, ts, subscribe())
	waitClients(t, s, 1)
	_ = conn.Close()
	waitClients(t, s, 0)
}

func TestSlowClientDropsMessages(t *testing.T) {
	s := NewServer(Config{MaxClients: 1, SendBuffer: 1}, nil)
	c := &client{id: "O1", out: make(chan []byte, 1)}
	c.subscribe(subscribe())
	if !s.join(c) {
		t.Fatalf("join failed")
	}
	defer s.leave(c)

	s.RecordTick(activeReport(1))
	s.RecordTick(activeReport(2))
	s.RecordTick(activeReport(3))

	if got := s.Dropped(); got != 2 {
		t.Fatalf("dropped=%d want 2", got)
	}
	var msg observerproto.TickMsg
	if err := json.Unmarshal(<-c.out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Tick != 1 {
		t.Fatalf("kept tick=%d want 1", msg.Tick)
	}
}
