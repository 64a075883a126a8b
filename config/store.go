package config

import "sync/atomic"

// Store publishes immutable configuration snapshots.
// Writers (file watcher, density controller) replace the snapshot; the traffic loop
// loads it once per tick.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore publishes cfg as version 1.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	cp := cfg.Clone()
	cp.Version = 1
	s.current.Store(cp)
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Replace publishes cfg as the next version, keeping the effective density of the previous snapshot.
func (s *Store) Replace(cfg *Config) *Config {
	return s.Update(func(next *Config) {
		density := next.Density
		*next = *cfg
		next.Density = density
	})
}

// Update publishes a modified copy of the current snapshot.
func (s *Store) Update(fn func(next *Config)) *Config {
	for {
		prev := s.current.Load()
		next := prev.Clone()
		fn(next)
		next.Version = prev.Version + 1
		if s.current.CompareAndSwap(prev, next) {
			return next
		}
	}
}
