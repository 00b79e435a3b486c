package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Session represents one connected websocket client.
type Session struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	rooms []Audience
}

func (s *Session) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub holds websocket sessions by audience room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Session]struct{}
	logger *slog.Logger
	up     websocket.Upgrader
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Session]struct{}),
		logger: logger.With("component", "ws_hub"),
		up:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

func (h *Hub) Join(s *Session, rooms ...Audience) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range rooms {
		key := a.String()
		if h.rooms[key] == nil {
			h.rooms[key] = make(map[*Session]struct{})
		}
		h.rooms[key][s] = struct{}{}
		s.rooms = append(s.rooms, a)
	}
}

func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range s.rooms {
		key := a.String()
		delete(h.rooms[key], s)
		if len(h.rooms[key]) == 0 {
			delete(h.rooms, key)
		}
	}
	s.rooms = nil
}

// Members reports how many sessions are listening on a.
func (h *Hub) Members(a Audience) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[a.String()])
}

func (h *Hub) Emit(ctx context.Context, to Audience, name string, payload any) error {
	h.Deliver(ctx, to, name, payload)
	return nil
}

// Deliver writes the event to every session in the room and returns how
// many accepted it. Sessions that fail a write are dropped.
func (h *Hub) Deliver(_ context.Context, to Audience, name string, payload any) int {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[to.String()]))
	for s := range h.rooms[to.String()] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	ev := Event{Name: name, Audience: to.String(), Payload: payload, EmittedAt: time.Now().UTC()}
	delivered := 0
	for _, s := range members {
		if err := s.Send(ev); err != nil {
			h.logger.Warn("ws send failed", "audience", ev.Audience, "event", name, "error", err)
			h.Leave(s)
			_ = s.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// ServeWS upgrades the request and keeps the session in rooms until the
// client disconnects. Inbound frames are ignored apart from control frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, rooms []Audience) {
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s := &Session{conn: conn}
	h.Join(s, rooms...)
	h.logger.Debug("ws connected", "rooms", len(rooms))
	defer func() {
		h.Leave(s)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
