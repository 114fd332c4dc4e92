package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

func TestHubRegisterUnregister(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte, 1)}
	h.register(c)
	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", h.ClientCount())
	}
	h.unregister(c)
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unregister, got %d", h.ClientCount())
	}
}

func TestHubBroadcastDropsSlowClient(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte)}
	h.register(c)

	h.broadcast(session.CollaborationEvent{Type: session.EventSessionPaused, SessionID: "sess-1"})

	if h.ClientCount() != 0 {
		t.Error("expected a full, unread channel to be dropped on broadcast")
	}
}

func TestServeSessionStreamsEvents(t *testing.T) {
	st := store.NewMemStore()
	mgr := session.New(st)
	sess, err := mgr.Start(context.Background(), "ship it", model.ModeParallel, model.AgentPlanner, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	wsServer := New(mgr)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsServer.ServeSession(w, r, sess.ID)
	}))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if _, err := mgr.Pause(context.Background(), sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "session-paused") {
		t.Errorf("expected a session-paused event, got %s", msg)
	}
}
