// Package transport serves the live client channel: one websocket per
// session, carrying audio chunks and side-channel events in and session
// notifications out.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/session"
	"github.com/fpang/clinical-session-insights/internal/store"
)

// Route is the ServeMux pattern the Handler expects.
const Route = "GET /ws/session/{id}/"

// DefaultSendTimeout bounds a single outbound write.
const DefaultSendTimeout = 10 * time.Second

// Client-visible error texts for malformed input.
const (
	TextInvalidMessage = "Invalid message format"
	TextInvalidAudio   = "Invalid audio payload"
	TextEventFailed    = "Failed to record event"
)

// Inbound message types.
const (
	TypeAudio      = "audio"
	TypeStop       = "stop"
	TypeAudioEvent = "audio_event"
	TypeVideoEvent = "video_event"
)

// Inbound is one client message. Audio data is base64; events carry a tag,
// a session-relative timestamp in seconds and an optional duration.
type Inbound struct {
	Type      string   `json:"type"`
	Data      string   `json:"data,omitempty"`
	Event     string   `json:"event,omitempty"`
	Timestamp float64  `json:"timestamp,omitempty"`
	DurationS *float64 `json:"duration_s,omitempty"`
}

// Conn adapts a websocket connection to session.Sender. Writes are
// serialized since the read loop and the stop task both send.
type Conn struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

// Send writes msg as one JSON text frame.
func (c *Conn) Send(ctx context.Context, msg session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("connection not established")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Handler upgrades /ws/session/{id}/ requests and runs the read loop.
type Handler struct {
	manager     *session.Manager
	sendTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewHandler creates a Handler. An empty allowedOrigins accepts any origin.
func NewHandler(manager *session.Manager, sendTimeout time.Duration, allowedOrigins []string) *Handler {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	h := &Handler{manager: manager, sendTimeout: sendTimeout}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "session_not_found", http.StatusNotFound)
		return
	}

	conn := &Conn{timeout: h.sendTimeout}
	p, err := h.manager.Connect(r.Context(), sessionID, conn)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, "session_not_found", http.StatusNotFound)
		return
	case errors.Is(err, session.ErrAlreadyConnected):
		http.Error(w, "session_already_connected", http.StatusConflict)
		return
	case err != nil:
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to open session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Websocket upgrade failed")
		h.manager.Release(p)
		return
	}
	conn.attach(ws)
	log.Info().Str("sessionId", sessionID).Str("remote", r.RemoteAddr).Msg("Websocket connected")

	ctx := context.WithoutCancel(r.Context())
	h.readLoop(ctx, ws, p, conn)

	h.manager.Disconnect(ctx, p)
	ws.Close()
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, p *session.Processor, conn *Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("sessionId", p.SessionID()).Msg("Websocket closed unexpectedly")
			} else {
				log.Debug().Err(err).Str("sessionId", p.SessionID()).Msg("Websocket closed")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.dispatch(ctx, p, conn, data)
	}
}

// dispatch handles one inbound frame. Malformed input produces an error
// notification but never closes the connection.
func (h *Handler) dispatch(ctx context.Context, p *session.Processor, conn *Conn, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("sessionId", p.SessionID()).Msg("Invalid JSON received")
		sendQuiet(ctx, conn, session.Error(TextInvalidMessage))
		return
	}

	switch msg.Type {
	case TypeAudio:
		if msg.Data == "" {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", p.SessionID()).Msg("Undecodable audio chunk")
			sendQuiet(ctx, conn, session.Error(TextInvalidAudio))
			return
		}
		p.Ingest(ctx, chunk)

	case TypeStop:
		p.RequestStop(ctx)

	case TypeAudioEvent, TypeVideoEvent:
		if msg.Event == "" {
			sendQuiet(ctx, conn, session.Error(TextInvalidMessage))
			return
		}
		channel := store.ChannelAudio
		if msg.Type == TypeVideoEvent {
			channel = store.ChannelVideo
		}
		ev := store.Event{Event: msg.Event, Timestamp: msg.Timestamp, DurationS: msg.DurationS}
		err := p.RecordEvent(ctx, channel, ev)
		switch {
		case errors.Is(err, session.ErrInputClosed):
			log.Debug().Str("sessionId", p.SessionID()).Str("event", msg.Event).Msg("Event after stop ignored")
		case err != nil:
			log.Error().Err(err).Str("sessionId", p.SessionID()).Msg("Failed to record event")
			sendQuiet(ctx, conn, session.Error(TextEventFailed))
		}

	default:
		log.Warn().Str("sessionId", p.SessionID()).Str("type", msg.Type).Msg("Unknown message type")
	}
}

func sendQuiet(ctx context.Context, conn *Conn, msg session.Message) {
	if err := conn.Send(ctx, msg); err != nil {
		log.Debug().Err(err).Str("type", msg.Type).Msg("Failed to deliver message")
	}
}
