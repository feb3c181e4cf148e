// Package positions keeps the in-memory snapshot of monitored positions.
package positions

import (
	"sync"

	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

// Store holds the monitored positions for one account. Readers get copies,
// never references into the map. Writers publish whole positions back through
// Update or Apply.
//
// LockKey hands out a per-position advisory lock so the evaluate/ratchet/
// dispatch sequence for one position is serialized against control commands
// for the same position, without blocking the rest of the book.
type Store struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	keyLocks  map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		positions: make(map[string]model.Position),
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

func clonePosition(p model.Position) model.Position {
	out := p
	if p.OptionIDs != nil {
		out.OptionIDs = make([]string, len(p.OptionIDs))
		copy(out.OptionIDs, p.OptionIDs)
	}
	return out
}

// Load replaces the whole snapshot with freshly fetched positions. Stop state
// survives a reload: when an incoming position's key matches an existing one,
// the existing TrailingStop and TakeProfit blocks are carried over so an armed
// stop never resets on refresh. Positions absent from the new list are
// dropped.
func (s *Store) Load(fresh []model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]model.Position, len(fresh))
	for _, p := range fresh {
		key := p.Key()
		if prev, ok := s.positions[key]; ok {
			p.TrailingStop = prev.TrailingStop
			p.TakeProfit = prev.TakeProfit
			if p.CurrentPrice == 0 {
				p.CurrentPrice = prev.CurrentPrice
			}
		}
		next[key] = clonePosition(p)
	}

	for key := range s.positions {
		if _, ok := next[key]; !ok {
			logger.WithField("position", key).Info("position no longer open, dropping from monitor")
		}
	}

	s.positions = next
}

// Get returns a copy of the position for key.
func (s *Store) Get(key string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return model.Position{}, false
	}
	return clonePosition(p), true
}

// List returns copies of all positions in the snapshot.
func (s *Store) List() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, clonePosition(p))
	}
	return out
}

// Keys returns the keys currently in the snapshot.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.positions))
	for key := range s.positions {
		out = append(out, key)
	}
	return out
}

// FindBySymbol returns copies of all positions on the given underlying.
func (s *Store) FindBySymbol(symbol string) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Symbol == symbol {
			out = append(out, clonePosition(p))
		}
	}
	return out
}

// Apply publishes a modified copy back into the snapshot. It is a no-op when
// the key has vanished in the meantime, so a concurrent reload that closed the
// position cannot be resurrected by a stale writer.
func (s *Store) Apply(p model.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if _, ok := s.positions[key]; !ok {
		return false
	}
	s.positions[key] = clonePosition(p)
	return true
}

// LockKey returns the advisory lock for a position key, creating it on first
// use. Locks persist for the process lifetime; the set of keys is small.
func (s *Store) LockKey(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.keyLocks[key] = l
	return l
}

// Len returns the number of monitored positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
