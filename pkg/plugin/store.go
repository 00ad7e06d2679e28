package plugin

import (
	"slices"
	"sync"
	"time"
)

// record is the mutable per-plugin entry owned by the Manager.
type record struct {
	plugin    Plugin
	info      Info
	policy    IsolationPolicy
	source    string
	state     State
	lastErr   string
	updatedAt time.Time
	seq       int
}

// store is the plugin record table. The manager's lifecycle lock serialises
// writers; the RWMutex only protects readers that do not hold that lock.
type store struct {
	mu      sync.RWMutex
	records map[string]*record
	seq     int
}

func newStore() *store {
	return &store{records: make(map[string]*record)}
}

func (s *store) put(r *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.info.ID]; ok {
		r.seq = existing.seq
	} else {
		s.seq++
		r.seq = s.seq
	}
	s.records[r.info.ID] = r
}

func (s *store) get(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *store) setState(id string, state State, lastErr string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.state, r.lastErr, r.updatedAt = state, lastErr, at
	}
}

func (s *store) state(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return 0, false
	}
	return r.state, true
}

// PluginInfo implements InfoSource for the resolver. Unloaded plugins are invisible.
func (s *store) PluginInfo(id string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || r.state == StateUnloaded {
		return Info{}, false
	}
	return r.info, true
}

func (s *store) snapshot(id string) (StateSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return StateSnapshot{}, false
	}
	return r.snapshot(), true
}

func (r *record) snapshot() StateSnapshot {
	return StateSnapshot{Info: r.info, State: r.state, LastError: r.lastErr, UpdatedAt: r.updatedAt}
}

// all returns snapshots in registration order.
func (s *store) all() []StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b *record) int { return a.seq - b.seq })
	out := make([]StateSnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	return out
}

// inState returns the sorted ids of plugins in the given state.
func (s *store) inState(state State) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.records {
		if r.state == state {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// dependents returns the sorted ids of Active plugins that require id.
func (s *store) dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for other, r := range s.records {
		if r.state != StateActive {
			continue
		}
		if slices.Contains(r.info.Required(), id) {
			ids = append(ids, other)
		}
	}
	slices.Sort(ids)
	return ids
}
