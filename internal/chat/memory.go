package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/models"
)

// MemoryStore keeps each session's event log in memory. Used for tests and
// single-node deployments without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[uuid.UUID]*sessionLog
}

type sessionLog struct {
	mu     sync.Mutex
	lastID int64
	events []models.ChatEvent
}

// NewMemoryStore creates an in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[uuid.UUID]*sessionLog)}
}

// Append assigns the next id under the session's lock and appends.
func (s *MemoryStore) Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error) {
	log := s.log(ev.SessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.lastID++
	ev.ID = log.lastID
	ev.CreatedAt = time.Now().UTC()
	log.events = append(log.events, ev)
	return ev, nil
}

// QuerySince returns events after the cursor in id order.
func (s *MemoryStore) QuerySince(ctx context.Context, sessionID uuid.UUID, afterID int64, limit int) ([]models.ChatEvent, error) {
	s.mu.RLock()
	log := s.logs[sessionID]
	s.mu.RUnlock()
	if log == nil {
		return nil, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	// Ids are dense and start at 1, so the cursor maps straight to an index.
	start := int(afterID)
	if start < 0 {
		start = 0
	}
	if start >= len(log.events) {
		return nil, nil
	}
	rest := log.events[start:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]models.ChatEvent, len(rest))
	copy(out, rest)
	return out, nil
}

// QueryLatest returns the tail of the log, ascending.
func (s *MemoryStore) QueryLatest(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatEvent, error) {
	s.mu.RLock()
	log := s.logs[sessionID]
	s.mu.RUnlock()
	if log == nil {
		return nil, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	tail := log.events
	if limit > 0 && limit < len(tail) {
		tail = tail[len(tail)-limit:]
	}
	out := make([]models.ChatEvent, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemoryStore) log(sessionID uuid.UUID) *sessionLog {
	s.mu.RLock()
	log := s.logs[sessionID]
	s.mu.RUnlock()
	if log != nil {
		return log
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log = s.logs[sessionID]; log == nil {
		log = &sessionLog{}
		s.logs[sessionID] = log
	}
	return log
}
