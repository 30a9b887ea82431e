package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeVenue runs a websocket server that answers scripted pushes per
// inbound command type.
type fakeVenue struct {
	t       *testing.T
	server  *httptest.Server
	replies map[string][]string // command type -> raw frames to push back

	mu    sync.Mutex
	conns []*websocket.Conn // upgraded connections, for dropConnections
}

func newFakeVenue(t *testing.T, replies map[string][]string) *fakeVenue {
	t.Helper()
	v := &fakeVenue{t: t, replies: replies}
	upgrader := websocket.Upgrader{}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			for _, reply := range v.replies[cmd.Type] {
				out := strings.ReplaceAll(reply, "{{request_id}}", cmd.RequestID)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *fakeVenue) wsURL() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

// dropConnections closes every upgraded websocket from the server side.
// httptest's CloseClientConnections cannot be used for this: the server
// stops tracking hijacked connections, so that call never drops them.
func (v *fakeVenue) dropConnections() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, conn := range v.conns {
		_ = conn.Close()
	}
	v.conns = nil
}

func newTestSession(t *testing.T, v *fakeVenue) *Session {
	t.Helper()
	s := NewSession(v.wsURL(), "test-token", NewStore(), 100)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionDispatchesProfileFrame(t *testing.T) {
	v := newFakeVenue(t, map[string][]string{
		CmdGetProfile: {`{"name":"profile","msg":{"name":"Ada","email":"ada@example.com","balance_id":7}}`},
	})
	s := newTestSession(t, v)

	after := s.Store().Snapshot(KeyProfile)
	if _, err := s.Send(context.Background(), CmdGetProfile, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e, err := s.AwaitValue(context.Background(), KeyProfile, after, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitValue: %v", err)
	}
	p := e.Value.(Profile)
	if p.Name != "Ada" || p.BalanceID != 7 {
		t.Errorf("profile = %+v", p)
	}
}

func TestSessionDropsMalformedFrameAndKeepsRunning(t *testing.T) {
	v := newFakeVenue(t, map[string][]string{
		CmdGetBalances: {
			`this is not json`,
			`{"msg":{}}`,
			`{"name":"balances","msg":[{"id":1,"type":"practice","amount":9500,"currency":"USD"}]}`,
		},
	})
	s := newTestSession(t, v)

	after := s.Store().Snapshot(KeyBalances)
	if _, err := s.Send(context.Background(), CmdGetBalances, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e, err := s.Store().AwaitNewer(context.Background(), KeyBalances, after, 2*time.Second)
	if err != nil {
		t.Fatalf("valid frame after garbage not delivered: %v", err)
	}
	balances := e.Value.([]Balance)
	if len(balances) != 1 || balances[0].Kind != "practice" {
		t.Errorf("balances = %+v", balances)
	}
	if !s.IsConnected() {
		t.Error("malformed frame tore down the connection")
	}
}

func TestSessionCorrelatesOrderAckByRequestID(t *testing.T) {
	v := newFakeVenue(t, map[string][]string{
		CmdPlaceOrder: {`{"name":"option","request_id":"{{request_id}}","msg":{"id":"ord-1","success":true,"stake":1}}`},
	})
	s := newTestSession(t, v)

	reqID, err := s.Send(context.Background(), CmdPlaceOrder, map[string]string{"instrument": "EURUSD"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	e, err := s.Store().AwaitNewer(context.Background(), OrderAckKey(reqID), 0, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitNewer: %v", err)
	}
	ack := e.Value.(orderResultMsg)
	if ack.ID != "ord-1" || !ack.Success {
		t.Errorf("ack = %+v", ack)
	}
	if _, ok := s.Store().Get(OrderKey("ord-1")); !ok {
		t.Error("ack not recorded under the order id")
	}
}

func TestSessionFailsWaitersOnDrop(t *testing.T) {
	v := newFakeVenue(t, nil)
	s := newTestSession(t, v)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Store().AwaitNewer(context.Background(), KeyPayouts, 0, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	v.dropConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not failed after drop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsConnected() {
		t.Error("session still reports connected after drop")
	}
}

func TestSessionReconnectAfterDrop(t *testing.T) {
	v := newFakeVenue(t, map[string][]string{
		CmdGetProfile: {`{"name":"profile","msg":{"name":"Ada"}}`},
	})
	s := newTestSession(t, v)

	v.dropConnections()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	after := s.Store().Snapshot(KeyProfile)
	if _, err := s.Send(context.Background(), CmdGetProfile, nil); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if _, err := s.Store().AwaitNewer(context.Background(), KeyProfile, after, 2*time.Second); err != nil {
		t.Fatalf("await after reconnect: %v", err)
	}
}

func TestConnectWhileConnectingRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	s := NewSession("ws"+strings.TrimPrefix(server.URL, "http"), "tok", NewStore(), 10)
	defer s.Close()

	first := make(chan error, 1)
	go func() { first <- s.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("second Connect err = %v, want ErrConnectInProgress", err)
	}

	if err := <-first; err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Error("session not connected after the dial finished")
	}
}

func TestConnectClassifiesUnreachableEndpoint(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1/ws", "tok", NewStore(), 10)
	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !errors.Is(err, ErrNetworkUnavailable) && !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("err = %v, want network or timeout classification", err)
	}
}

func TestConnectClassifiesRejectedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer server.Close()

	s := NewSession("ws"+strings.TrimPrefix(server.URL, "http"), "tok", NewStore(), 10)
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("err = %v, want ErrHandshakeRejected", err)
	}
}
