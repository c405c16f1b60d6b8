package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleCandidateEvents streams session events to the candidate. The first
// message carries the current countdown; the stream ends after the session
// expires or completes.
func (s *Server) handleCandidateEvents(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	sess, err := s.sessions.GetByToken(r.Context(), token)
	if err != nil {
		respondServiceError(w, err, "failed to load session")
		return
	}

	events, unsubscribe, err := s.events.Subscribe(r.Context(), sess.ID)
	if err != nil {
		respondServiceError(w, err, "failed to subscribe to session events", "session_id", sess.ID)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Debug("candidate websocket connected", "session_id", sess.ID)

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	now := time.Now()
	initial := models.SessionEvent{
		Type:             models.EventSessionTick,
		SessionID:        sess.ID,
		Status:           sess.Status,
		RemainingMinutes: session.RemainingMinutes(sess, now),
		At:               now,
	}
	switch sess.Status {
	case models.SessionExpired:
		initial.Type, initial.RequiresRefresh = models.EventSessionExpired, true
	case models.SessionCompleted:
		initial.Type, initial.RequiresRefresh = models.EventSessionCompleted, true
	}

	if err := writeEvent(conn, initial); err != nil || sess.IsTerminal() {
		closeStream(conn)
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				closeStream(conn)
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}
			if isTerminalEvent(event.Type) {
				closeStream(conn)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			slog.Debug("candidate websocket disconnected", "session_id", sess.ID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event models.SessionEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(event); err != nil {
		slog.Debug("failed to send session event", "error", err)
		return err
	}
	return nil
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func isTerminalEvent(t models.SessionEventType) bool {
	return t == models.EventSessionExpired || t == models.EventSessionCompleted
}
