package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/aokimidori/kaiwa/internal/protocol"
	"github.com/aokimidori/kaiwa/internal/session"
)

func dialWS(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestChatWSConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "?app_id=booking")

	err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeClientMessage,
		Text: "I need a table for 4 people",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != string(protocol.TypeSessionReady) {
		t.Fatalf("first frame type = %v, want session_ready", frame["type"])
	}
	sessionID, _ := frame["session_id"].(string)
	if sessionID == "" {
		t.Fatal("session_ready without session_id")
	}

	frame = readFrame(t, conn)
	if frame["type"] != string(protocol.TypeAssistantTurn) {
		t.Fatalf("second frame type = %v, want assistant_turn", frame["type"])
	}
	if frame["next_action"] != string(session.ActionAskDetail) {
		t.Fatalf("next_action = %v, want %s", frame["next_action"], session.ActionAskDetail)
	}

	err = conn.WriteJSON(protocol.ClientMessage{
		Type:      protocol.TypeClientMessage,
		SessionID: sessionID,
		Text:      "tomorrow",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["next_action"] != string(session.ActionGenerateResult) {
		t.Fatalf("next_action = %v, want %s", frame["next_action"], session.ActionGenerateResult)
	}

	// Ending the session closes the connection and removes the session.
	err = conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    "end",
	})
	if err != nil {
		t.Fatalf("write control: %v", err)
	}
	if _, err := srv.service.GetSession(sessionID); err == nil {
		// The close is asynchronous; read until the connection drops, then
		// check again.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		if _, err := srv.service.GetSession(sessionID); err == nil {
			t.Fatal("session still exists after end control")
		}
	}
}

func TestChatWSRejectsMalformedFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "?app_id=booking")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != string(protocol.TypeErrorEvent) {
		t.Fatalf("frame type = %v, want error_event", frame["type"])
	}
	if frame["code"] != "invalid_client_message" {
		t.Fatalf("code = %v, want invalid_client_message", frame["code"])
	}
}

func TestChatWSUnknownSessionQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?session_id=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown session")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("resp = %+v, want 404", resp)
	}
}
