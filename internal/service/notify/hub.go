package notify

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
)

const defaultSessionBuffer = 16

// Session описывает подписку одного клиента (SSE-соединения) на события своих scope.
type Session struct {
	ID     string
	scopes map[domain.Scope]struct{}
	ch     chan domain.Envelope
}

// Events возвращает канал событий; закрывается при отписке.
func (s *Session) Events() <-chan domain.Envelope {
	return s.ch
}

func (s *Session) wants(scope domain.Scope) bool {
	_, ok := s.scopes[scope]
	return ok
}

// Hub хранит активные сессии текущего процесса и раздаёт им события.
// Доставка at-most-once: если буфер сессии полон, событие для неё теряется.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	buffer   int
	metrics  *metrics.StoreMetrics
	logger   *log.Entry
}

// NewHub создаёт hub. При buffer <= 0 берётся размер буфера по умолчанию.
func NewHub(buffer int, m *metrics.StoreMetrics, logger *log.Entry) *Hub {
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	if logger == nil {
		logger = log.WithField("component", "notify-hub")
	}
	return &Hub{
		sessions: make(map[string]*Session),
		buffer:   buffer,
		metrics:  m,
		logger:   logger,
	}
}

// Subscribe регистрирует сессию на указанные scope. Возвращает функцию отписки.
func (h *Hub) Subscribe(scopes ...domain.Scope) (*Session, func()) {
	session := &Session{
		ID:     uuid.NewString(),
		scopes: make(map[domain.Scope]struct{}, len(scopes)),
		ch:     make(chan domain.Envelope, h.buffer),
	}
	for _, scope := range scopes {
		session.scopes[scope] = struct{}{}
	}

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()
	h.metrics.SSESessionOpened()

	var once sync.Once
	return session, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sessions, session.ID)
			close(session.ch)
			h.mu.Unlock()
			h.metrics.SSESessionClosed()
		})
	}
}

// Deliver раздаёт событие подходящим сессиям без блокировки и возвращает число доставок.
func (h *Hub) Deliver(env domain.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, session := range h.sessions {
		if !session.wants(env.Scope) {
			continue
		}
		select {
		case session.ch <- env:
			delivered++
		default:
			h.metrics.RecordNotification("hub", "dropped")
			h.logger.WithFields(log.Fields{
				"session_id": session.ID,
				"event":      env.Event,
			}).Debug("session buffer full, event dropped")
		}
	}
	if delivered > 0 {
		h.metrics.RecordNotification("hub", "delivered")
	}
	return delivered
}

// SessionCount возвращает число активных сессий.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
