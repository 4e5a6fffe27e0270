package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/loyaltywallet/internal/auth"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, key string) *Client {
	return &Client{
		hub:  hub,
		key:  key,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

type countingObserver struct {
	connected    atomic.Int64
	disconnected atomic.Int64
}

func (o *countingObserver) ClientConnected()    { o.connected.Add(1) }
func (o *countingObserver) ClientDisconnected() { o.disconnected.Add(1) }

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func TestRegisterUnregister(t *testing.T) {
	obs := &countingObserver{}
	hub := NewHub(obs, slog.Default())

	c1 := mockClient(hub, "customer:1")
	c2 := mockClient(hub, "customer:1")
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	hub.Unregister(c2)
	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
	if obs.connected.Load() != 2 || obs.disconnected.Load() != 2 {
		t.Errorf("observer = %d/%d, want 2/2", obs.connected.Load(), obs.disconnected.Load())
	}
}

func TestPublishRoutesByKey(t *testing.T) {
	hub := NewHub(nil, slog.Default())

	customer := mockClient(hub, "customer:c1")
	business := mockClient(hub, "business:b1")
	stranger := mockClient(hub, "customer:c2")
	admin := mockClient(hub, AllKey)
	for _, c := range []*Client{customer, business, stranger, admin} {
		hub.Register(c)
	}

	msg := NewMessage("wallet", "updated", "tx-1", map[string]any{"cash_balance": "70.00"})
	hub.Publish(msg, "customer:c1", "business:b1")

	for _, c := range []*Client{customer, business, admin} {
		got := receive(t, c)
		if got.Type != "wallet_updated" {
			t.Errorf("type = %s, want wallet_updated", got.Type)
		}
		if got.ID != "tx-1" {
			t.Errorf("id = %s, want tx-1", got.ID)
		}
	}
	expectNothing(t, stranger)
	expectNothing(t, admin)
}

func TestPublishEmptyHub(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	hub.Publish(NewMessage("wallet", "updated", "x", nil), "customer:nobody")
}

func TestPublishFullBuffer(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	c := mockClient(hub, "customer:1")
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.Publish(NewMessage("wallet", "updated", "x", nil), "customer:1")
	}

	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
	hub.Unregister(c)
}

func TestSubscriberKey(t *testing.T) {
	tests := []struct {
		caller auth.Caller
		want   string
	}{
		{auth.Caller{ID: "c1", Role: auth.RoleCustomer}, "customer:c1"},
		{auth.Caller{ID: "b1", Role: auth.RoleBusiness}, "business:b1"},
		{auth.Caller{ID: "root", Role: auth.RoleAdmin}, AllKey},
	}
	for _, tt := range tests {
		if got := SubscriberKey(tt.caller); got != tt.want {
			t.Errorf("SubscriberKey(%+v) = %q, want %q", tt.caller, got, tt.want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "customer:shared")
			hub.Register(c)
			hub.Publish(NewMessage("wallet", "updated", "", nil), "customer:shared")
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleWebSocketDeliversToCaller(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	caller := auth.Caller{ID: "c1", Role: auth.RoleCustomer}

	h := HandleWebSocket(hub, nil, slog.Default())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(NewMessage("wallet", "updated", "tx-9", nil), SubscriberKey(caller))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "tx-9" {
		t.Errorf("id = %q, want tx-9", got.ID)
	}
}

func TestHandleWebSocketRequiresCaller(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	rec := httptest.NewRecorder()
	HandleWebSocket(hub, nil, slog.Default())(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSubscribe(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	messages, cancel := hub.Subscribe("business:b1")

	hub.Publish(NewMessage("wallet", "updated", "tx-2", nil), "business:b1")
	select {
	case <-messages:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	if _, ok := <-messages; ok {
		t.Error("expected channel closed after cancel")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", hub.ClientCount())
	}
}
