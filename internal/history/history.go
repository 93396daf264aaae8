// Package history keeps the per-user, per-persona conversation windows in
// process memory. Windows are not persisted across restarts.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/szaher/designs/personagw/internal/message"
)

// Key identifies one conversation window.
type Key struct {
	UserID  string
	Persona string
}

// Store holds conversation windows. Each window has its own lock so turns for
// different keys never wait on each other; the map itself has a separate lock.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	now     func() time.Time
}

type entry struct {
	lock    chan struct{}
	window  []message.Message
	touched time.Time
	dead    bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// Do runs fn with exclusive access to the window for key. The lock is acquired
// with ctx, so a caller that gives up while waiting returns ctx.Err().
func (s *Store) Do(ctx context.Context, key Key, fn func(tx *Tx) error) error {
	for {
		e := s.entry(key)
		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.dead {
			// Swept while we waited; retry against the replacement.
			<-e.lock
			continue
		}

		tx := &Tx{e: e}
		err := fn(tx)
		if tx.wrote {
			e.touched = s.now()
		}
		<-e.lock
		return err
	}
}

func (s *Store) entry(key Key) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1), touched: s.now()}
		s.entries[key] = e
	}
	return e
}

// GetOrInit returns the window for key, creating [system] if none exists.
func (s *Store) GetOrInit(ctx context.Context, key Key, system message.Message) ([]message.Message, error) {
	var out []message.Message
	err := s.Do(ctx, key, func(tx *Tx) error {
		out = tx.GetOrInit(system)
		return nil
	})
	return out, err
}

// AppendTurn appends msgs to the window for key and trims it to the trailing
// limit non-system messages behind system.
func (s *Store) AppendTurn(ctx context.Context, key Key, system message.Message, limit int, msgs ...message.Message) ([]message.Message, error) {
	var out []message.Message
	err := s.Do(ctx, key, func(tx *Tx) error {
		out = tx.AppendTurn(system, limit, msgs...)
		return nil
	})
	return out, err
}

// Reset collapses an existing window for key back to [system]. Unknown keys are
// left absent.
func (s *Store) Reset(ctx context.Context, key Key, system message.Message) error {
	if !s.has(key) {
		return nil
	}
	return s.Do(ctx, key, func(tx *Tx) error {
		tx.Reset(system)
		return nil
	})
}

func (s *Store) has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of live windows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops windows untouched for longer than idle and returns how many were
// removed. Windows locked by an in-flight turn are skipped.
func (s *Store) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if e.touched.Before(cutoff) {
			e.dead = true
			delete(s.entries, key)
			removed++
		}
		<-e.lock
	}
	return removed
}

// Tx is exclusive access to one window, valid only inside Store.Do.
type Tx struct {
	e     *entry
	wrote bool
}

// Window returns a copy of the stored window, which may be empty.
func (tx *Tx) Window() []message.Message {
	return message.CloneAll(tx.e.window)
}

// GetOrInit returns the window, creating [system] if it is empty. Slot 0 is
// always repinned to system.
func (tx *Tx) GetOrInit(system message.Message) []message.Message {
	if len(tx.e.window) == 0 {
		tx.e.window = []message.Message{system.Clone()}
		tx.wrote = true
	}
	tx.e.window[0] = system.Clone()
	return tx.Window()
}

// Preview returns what AppendTurn would store without changing the window.
func (tx *Tx) Preview(system message.Message, limit int, msgs ...message.Message) []message.Message {
	return Trail(system, limit, tx.e.window, msgs)
}

// AppendTurn stores Preview's result and returns a copy of it.
func (tx *Tx) AppendTurn(system message.Message, limit int, msgs ...message.Message) []message.Message {
	tx.e.window = Trail(system, limit, tx.e.window, msgs)
	tx.wrote = true
	return tx.Window()
}

// Reset collapses the window to [system].
func (tx *Tx) Reset(system message.Message) {
	tx.e.window = []message.Message{system.Clone()}
	tx.wrote = true
}

// Trail derives a window: system, then the trailing limit messages of
// everything after the old system slot followed by msgs. limit <= 0 keeps all.
func Trail(system message.Message, limit int, window, msgs []message.Message) []message.Message {
	var rest []message.Message
	if len(window) > 0 {
		rest = append(rest, window[1:]...)
	}
	rest = append(rest, msgs...)
	if limit > 0 && len(rest) > limit {
		rest = rest[len(rest)-limit:]
	}

	out := make([]message.Message, 0, len(rest)+1)
	out = append(out, system.Clone())
	for _, m := range rest {
		out = append(out, m.Clone())
	}
	return out
}
