package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClientWants(t *testing.T) {
	all := &Client{replicaID: "r1"}
	if !all.wants(Change{Collection: "orders"}) {
		t.Error("empty subscription should receive every collection")
	}
	if all.wants(Change{Collection: "orders", Origin: "r1"}) {
		t.Error("replica should not hear about its own push")
	}

	narrow := &Client{replicaID: "r2", sub: Subscription{Collections: []string{"orders", "escrows"}}}
	if !narrow.wants(Change{Collection: "escrows", Origin: "r1"}) {
		t.Error("subscribed collection should be delivered")
	}
	if narrow.wants(Change{Collection: "assets"}) {
		t.Error("unsubscribed collection should be filtered")
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	h := testHub()
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Publish(Change{Collection: "orders"})
	}
	if len(h.broadcast) != cap(h.broadcast) {
		t.Fatalf("expected full queue, got %d", len(h.broadcast))
	}
}

func dial(t *testing.T, url, replica string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(ReplicaHeader, replica)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversChangesToOtherReplicas(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	origin := dial(t, url, "r1")
	peer := dial(t, url, "r2")

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().ConnectedClients < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(Change{Collection: "orders", UpdatedAt: 1700000000000, Count: 2, Origin: "r1"})

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	var got Change
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Collection != "orders" || got.UpdatedAt != 1700000000000 || got.Count != 2 {
		t.Fatalf("unexpected change %+v", got)
	}

	_ = origin.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := origin.ReadMessage(); err == nil {
		t.Fatal("origin replica should not receive its own change")
	}

	if s := h.Stats(); s.TotalChanges != 1 || s.PeakClients < 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/replication/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
