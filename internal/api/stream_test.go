package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/models"
)

func dialStream(t *testing.T, server *httptest.Server, conversationID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/conversations/" + conversationID + "/stream?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial stream: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestStreamSnapshotAndSubmit(t *testing.T) {
	env := setupTestRouter(t)
	token := env.register(t, "alice")
	conv := env.startConversation(t, token)

	server := httptest.NewServer(env.router)
	defer server.Close()

	conn := dialStream(t, server, conv.ID, token)

	snapshot := readFrame(t, conn)
	if snapshot.Type != "snapshot" || len(snapshot.Messages) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}

	if err := conn.WriteJSON(clientFrame{Type: "send", Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var (
		sawLocal  bool
		submitted *streamFrame
	)
	for submitted == nil {
		frame := readFrame(t, conn)
		switch frame.Type {
		case "change":
			if frame.Kind == conversation.ChangeAppended && frame.Message != nil &&
				frame.Message.Role == models.RoleUser && frame.Message.Content == "hello" {
				sawLocal = true
			}
		case "submitted":
			f := frame
			submitted = &f
		case "error":
			t.Fatalf("unexpected error frame %+v", frame)
		}
	}

	if !sawLocal {
		t.Fatalf("expected the user message to be shown before the submit completed")
	}
	if submitted.Result == nil || submitted.Result.Reply == nil || submitted.Result.Reply.Content != "Ada heard: hello" {
		t.Fatalf("unexpected submitted frame %+v", submitted)
	}
}

func TestStreamRejectsForeignConversation(t *testing.T) {
	env := setupTestRouter(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	conv := env.startConversation(t, alice)

	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/conversations/" + conv.ID + "/stream?token=" + bob
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}
}
