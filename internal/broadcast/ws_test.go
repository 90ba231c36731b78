package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sua-org/aibox-bus/internal/core"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Type string                      `json:"type"`
	Data map[string]core.StatusEntry `json:"data"`
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeWSSnapshotAndDiff(t *testing.T) {
	hub := New(Options{Name: "status"})
	hub.PublishStatus(map[string]core.StatusEntry{"cam1": entry(core.StatusOnline)}, nil)

	srv := httptest.NewServer(ServeWS(hub, WSOptions{SendSnapshot: true}))
	defer srv.Close()
	conn := dial(t, srv)

	snap := readWire(t, conn)
	if snap.Type != TypeSnapshot || snap.Data["cam1"].Status != core.StatusOnline {
		t.Fatalf("snapshot = %+v", snap)
	}

	waitSubscribers(t, hub, 1)
	hub.PublishStatus(map[string]core.StatusEntry{}, map[string]core.StatusEntry{
		"cam1": {Status: core.StatusOffline, Source: core.SourceRemoved},
	})
	diff := readWire(t, conn)
	if diff.Type != TypeDiff || diff.Data["cam1"].Source != core.SourceRemoved {
		t.Fatalf("diff = %+v", diff)
	}
}

func TestServeWSPingPong(t *testing.T) {
	hub := New(Options{})
	srv := httptest.NewServer(ServeWS(hub, WSOptions{}))
	defer srv.Close()
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "pong" {
		t.Fatalf("got %q, want pong", data)
	}
}

func TestServeWSClientDisconnectUnsubscribes(t *testing.T) {
	hub := New(Options{})
	srv := httptest.NewServer(ServeWS(hub, WSOptions{}))
	defer srv.Close()

	conn := dial(t, srv)
	waitSubscribers(t, hub, 1)
	conn.Close()
	waitSubscribers(t, hub, 0)

	// publicar depois da saída não pode travar
	hub.Publish(Message{Type: TypeAlarm, Data: "x"})
}
