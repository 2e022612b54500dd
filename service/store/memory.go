package store

import (
	"context"
	"sync"
)

// MemoryStore keeps messages per room in process memory. Used for local
// dev (no CHAT_MONGO_URI) and tests. Ordering semantics match the Mongo
// implementation: ids start at 1 and increase by one per room.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string][]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]*Message)}
}

func (s *MemoryStore) Append(_ context.Context, draft *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.rooms[draft.RoomID]
	persisted := *draft
	persisted.ID = int64(len(msgs)) + 1
	s.rooms[draft.RoomID] = append(msgs, &persisted)
	return &persisted, nil
}

func (s *MemoryStore) Tail(_ context.Context, roomID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
