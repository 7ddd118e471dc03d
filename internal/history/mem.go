package history

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps message records in memory, grouped by session. It is
// goroutine-safe and used when no database is configured, and by tests.
type MemStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]Record // sessionID -> records in append order
}

// NewMemStore creates an empty in-memory message store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]Record)}
}

// Append stores a copy of the record and assigns it the next id.
func (s *MemStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	s.records[rec.SessionID] = append(s.records[rec.SessionID], *rec)
	return nil
}

// History returns the session's records sorted ascending by timestamp, with
// the append id as tiebreak. The returned slice is a copy.
func (s *MemStore) History(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	stored := s.records[sessionID]
	result := make([]Record, len(stored))
	copy(result, stored)
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len reports the total number of stored records across all sessions.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, recs := range s.records {
		n += len(recs)
	}
	return n
}
