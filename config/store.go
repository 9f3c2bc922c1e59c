package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the active configuration snapshot. Readers get an immutable
// pointer; writers replace it wholesale so in-flight flows keep the snapshot
// they started with.
type Store struct {
	cur atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config)
}

func NewStore(c *Config) *Store {
	s := &Store{}
	s.cur.Store(c.Clone())
	return s
}

// Snapshot returns the current configuration. Callers must not modify it.
func (s *Store) Snapshot() *Config {
	return s.cur.Load()
}

// Update normalizes and validates next, then publishes it.
func (s *Store) Update(next *Config) error {
	c := next.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	s.cur.Store(c)

	s.mu.Lock()
	subs := append([]func(*Config){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
	return nil
}

// OnUpdate registers fn to run after every successful Update.
func (s *Store) OnUpdate(fn func(*Config)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Reload re-reads the file the current snapshot was loaded from.
func (s *Store) Reload() error {
	cur := s.Snapshot()
	if cur.ConfigPath == "" {
		return nil
	}
	next := NewConfig()
	next.ConfigPath = cur.ConfigPath
	if err := next.LoadWithMigration(cur.ConfigPath); err != nil {
		return err
	}
	return s.Update(&next)
}
