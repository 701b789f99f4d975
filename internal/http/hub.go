package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/olahol/melody"

	"ricevute/internal/auth"
	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

// ChangedMessageType is the type of every message pushed on the change feed.
const ChangedMessageType = "expenses:changed"

const sessionSubject = "subject"

// ChangeNotice is the websocket payload. It tells clients to refetch; it is
// not a replication stream.
type ChangeNotice struct {
	Type   string          `json:"type"`
	Change core.ChangeType `json:"change"`
	ID     int64           `json:"id"`
	At     time.Time       `json:"at"`
}

// Hub fans committed mutations out to connected websocket clients.
type Hub struct {
	m      *melody.Melody
	logger *applog.Logger
}

func NewHub(logger *applog.Logger) *Hub {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHub)

	m := melody.New()
	m.Config.MaxMessageSize = 1024
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	h := &Hub{m: m, logger: logger}

	m.HandleConnect(func(s *melody.Session) {
		subject, _ := s.Get(sessionSubject)
		h.logger.Debug("Change feed client connected", applog.FieldSubject, subject)
	})
	m.HandleDisconnect(func(s *melody.Session) {
		subject, _ := s.Get(sessionSubject)
		h.logger.Debug("Change feed client disconnected", applog.FieldSubject, subject)
	})
	m.HandleError(func(s *melody.Session, err error) {
		h.logger.Warn("Change feed session error", applog.FieldError, err)
	})

	return h
}

// ServeHTTP upgrades the request. The caller's identity must already be on
// the context.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, _ := auth.FromContext(r.Context())
	keys := map[string]any{sessionSubject: who.Subject}
	if err := h.m.HandleRequestWithKeys(w, r, keys); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to upgrade websocket", applog.FieldError, err)
	}
}

// Notify broadcasts ev to every connected session.
func (h *Hub) Notify(_ context.Context, ev core.ChangeEvent) error {
	if h.m.IsClosed() {
		return nil
	}
	msg, err := json.Marshal(ChangeNotice{
		Type:   ChangedMessageType,
		Change: ev.Type,
		ID:     ev.ID,
		At:     ev.At,
	})
	if err != nil {
		return err
	}
	return h.m.Broadcast(msg)
}

// Sessions returns the number of connected clients.
func (h *Hub) Sessions() int {
	return h.m.Len()
}

// Close disconnects every session.
func (h *Hub) Close() error {
	if h.m.IsClosed() {
		return nil
	}
	return h.m.Close()
}
