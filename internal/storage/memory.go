package storage

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu    sync.Mutex
	user  User
	turns []Turn
}

// MemoryStore keeps everything in process memory. It has the same semantics as
// the durable store but loses all state on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	grantsMu sync.RWMutex
	grants   map[string]Grant

	resetMu   sync.Mutex
	lastReset string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		grants:  make(map[string]Grant),
	}
}

func (s *MemoryStore) entry(id, today string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e = &memoryEntry{user: User{ID: id, ResetDay: today}}
	s.entries[id] = e
	return e
}

func (s *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) GetUser(_ context.Context, id, today string) (User, error) {
	e := s.entry(id, today)
	e.mu.Lock()
	defer e.mu.Unlock()
	// entries created by AppendTurns have no quota record yet
	if e.user.ResetDay == "" {
		e.user.ResetDay = today
	}
	return e.user, nil
}

func (s *MemoryStore) IncrementCount(_ context.Context, id, today string, limit int) (int, error) {
	e := s.entry(id, today)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.user.ResetDay != today {
		e.user.Count = 0
		e.user.ResetDay = today
	}
	if limit > 0 && e.user.Count >= limit {
		return e.user.Count, ErrLimitReached
	}
	e.user.Count++
	return e.user.Count, nil
}

func (s *MemoryStore) ResetAllCounts(_ context.Context, today string) (bool, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if s.lastReset == today {
		return false, nil
	}

	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		// records already moved to today by IncrementCount keep their count
		if e.user.ResetDay != "" && e.user.ResetDay != today {
			e.user.Count = 0
			e.user.ResetDay = today
		}
		e.mu.Unlock()
	}
	s.lastReset = today
	return true, nil
}

func (s *MemoryStore) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.grantsMu.RLock()
	defer s.grantsMu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *MemoryStore) PutGrant(_ context.Context, g Grant) error {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()
	s.grants[g.UserID] = g
	return nil
}

func (s *MemoryStore) DeleteGrant(_ context.Context, id string) (bool, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()
	_, ok := s.grants[id]
	delete(s.grants, id)
	return ok, nil
}

func (s *MemoryStore) PurgeExpiredGrants(_ context.Context, now time.Time) (int, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()
	n := 0
	for id, g := range s.grants {
		if !g.Active(now) {
			delete(s.grants, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendTurns(_ context.Context, id string, window int, turns ...Turn) error {
	e := s.entry(id, "")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, turns...)
	if window > 0 && len(e.turns) > window {
		kept := make([]Turn, window)
		copy(kept, e.turns[len(e.turns)-window:])
		e.turns = kept
	}
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, id string) ([]Turn, error) {
	e, ok := s.lookup(id)
	if !ok {
		return []Turn{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out, nil
}

func (s *MemoryStore) ClearHistory(_ context.Context, id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = nil
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	var st Stats
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.user.ResetDay != "" {
			st.Users++
		}
		if len(e.turns) > 0 {
			st.Conversations++
		}
		e.mu.Unlock()
	}
	s.grantsMu.RLock()
	st.Grants = len(s.grants)
	s.grantsMu.RUnlock()
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
