package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eufy-go-home/internal/coordinator"

	"nhooyr.io/websocket"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func event(typ string, data any) coordinator.Event {
	return coordinator.Event{Type: typ, Data: data}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if n := hub.ClientCount(); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if n := hub.ClientCount(); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(event(coordinator.EventStationConnect, "T8010P1"))
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var got coordinator.Event
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatalf("client %d: %v", i, err)
			}
			if got.Type != coordinator.EventStationConnect || got.Data != "T8010P1" {
				t.Errorf("client %d got %+v", i, got)
			}
		default:
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSubscriptionFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	states := &wsClient{send: make(chan []byte, 16)}
	states.subscribe([]string{coordinator.EventStateChanged})
	all := &wsClient{send: make(chan []byte, 16)}
	hub.register <- states
	hub.register <- all
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(event(coordinator.EventPushMessage, map[string]string{"type": "motion"}))
	hub.Broadcast(event(coordinator.EventStateChanged, coordinator.StateChange{ID: "T8010P1.station.guard_mode", Val: 1}))
	time.Sleep(10 * time.Millisecond)

	if n := len(states.send); n != 1 {
		t.Errorf("filtered client got %d messages, want 1", n)
	}
	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
}

func TestWSClientSubscribe(t *testing.T) {
	c := &wsClient{}
	if !c.wants(coordinator.EventRefresh) {
		t.Error("new client should want every event")
	}
	c.subscribe([]string{coordinator.EventLivestreamStart, coordinator.EventLivestreamStop})
	if c.wants(coordinator.EventRefresh) || !c.wants(coordinator.EventLivestreamStop) {
		t.Error("subscription not applied")
	}
	c.subscribe(nil)
	if !c.wants(coordinator.EventRefresh) {
		t.Error("empty subscription should restore every event")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// The first event fills the slow client's buffer, the second evicts it.
	hub.Broadcast(event(coordinator.EventRefresh, map[string]int{"devices": 1}))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(event(coordinator.EventRefresh, map[string]int{"devices": 2}))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	for i := 0; i < 256; i++ {
		hub.Broadcast(event(coordinator.EventConnection, i%2 == 0))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(event(coordinator.EventConnection, false))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSEndToEnd(t *testing.T) {
	srv, b := setupTestServer(t, WithAPIKey("secret"))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?api_key=secret&type=" + coordinator.EventStateChanged
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for srv.wsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.events.Emit(event(coordinator.EventStationConnect, "T8010P1"))
	b.events.Emit(event(coordinator.EventStateChanged, coordinator.StateChange{ID: "T8010P1.station.guard_mode", Val: 63, Ack: true}))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != coordinator.EventStateChanged {
		t.Errorf("type = %q, want %q", got.Type, coordinator.EventStateChanged)
	}
}

func TestWSRequiresKey(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err == nil {
		t.Fatal("dial without key succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v, want 401", resp)
	}
}
