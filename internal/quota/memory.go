package quota

import (
	"context"
	"sync"

	"outreach/internal/model"
)

// MemoryStore keeps counters and logs in process.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]int
	logs     []model.ActionLogEntry
	nextID   int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Key]int)}
}

func (s *MemoryStore) Consumed(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *MemoryStore) Consume(_ context.Context, key Key, amount, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := limit - s.counters[key]
	if rem <= 0 || amount <= 0 {
		return 0, nil
	}
	granted := min(amount, rem)
	s.counters[key] += granted
	return granted, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *model.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, accountID string, day model.Day) ([]model.ActionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ActionLogEntry
	for _, e := range s.logs {
		if e.AccountID == accountID && e.Day == day {
			out = append(out, e)
		}
	}
	return out, nil
}
