package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/protocol"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

// handleChatWS runs a chat conversation over a websocket. The client either
// passes session_id as a query parameter or lets the first client_message
// create a session; the server announces it with a session_ready frame.
// Messages on one connection are processed strictly in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	appID := strings.TrimSpace(r.URL.Query().Get("app_id"))

	if sessionID != "" {
		if _, err := s.service.GetSession(sessionID); err != nil {
			respondServiceError(w, err)
			return
		}
	} else if appID != "" {
		if _, err := s.registry.Resolve(appID); err != nil {
			respondServiceError(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
		defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			cancel()
			return false
		}
		return true
	}

	if sessionID != "" {
		sess, err := s.service.GetSession(sessionID)
		if err == nil {
			write(protocol.SessionReady{Type: protocol.TypeSessionReady, SessionID: sess.ID, AppID: sess.AppID})
		}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			write(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientMessage:
			if msg.SessionID != "" {
				sessionID = msg.SessionID
			}
			msgAppID := msg.AppID
			if msgAppID == "" {
				msgAppID = appID
			}

			created := sessionID == ""
			reply, err := s.service.HandleMessage(ctx, msgAppID, sessionID, msg.Text)
			if err != nil {
				if !write(wsErrorFor(sessionID, err)) {
					return
				}
				continue
			}
			if created {
				sessionID = reply.SessionID
				if !write(protocol.SessionReady{Type: protocol.TypeSessionReady, SessionID: reply.SessionID, AppID: msgAppID}) {
					return
				}
			}
			if !write(protocol.AssistantTurn{
				Type:       protocol.TypeAssistantTurn,
				SessionID:  reply.SessionID,
				Text:       reply.Text,
				NextAction: string(reply.NextAction),
				Degraded:   reply.Degraded,
			}) {
				return
			}

		case protocol.ClientControl:
			if msg.Action != "end" {
				write(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: msg.SessionID,
					Code:      "unsupported_action",
					Retryable: false,
					Detail:    "supported actions: end",
				})
				continue
			}
			if err := s.service.DeleteSession(msg.SessionID); err != nil {
				write(wsErrorFor(msg.SessionID, err))
				continue
			}
			logging.Info().Str("session_id", msg.SessionID).Msg("session ended over websocket")
			return
		}
	}
}

func wsErrorFor(sessionID string, err error) protocol.ErrorEvent {
	code := "internal_error"
	retryable := true
	detail := "internal error"
	switch {
	case errors.Is(err, registry.ErrNotFound):
		code, retryable, detail = "app_not_found", false, err.Error()
	case errors.Is(err, session.ErrNotFound):
		code, retryable, detail = "session_not_found", false, err.Error()
	default:
		// Unclassified failures stay in the log; clients get no internals.
		logging.Error().Err(err).Str("session_id", sessionID).Msg("websocket message failed")
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	}
}
