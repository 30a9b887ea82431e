package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAwaitTimeout is returned when no fresh value arrived in time.
	ErrAwaitTimeout = errors.New("timed out awaiting value")
	// ErrConnectionLost is returned to waiters when the transport drops.
	ErrConnectionLost = errors.New("connection lost")
)

// Entry is one observed value in the store.
type Entry struct {
	Key       string
	Value     interface{}
	Seq       uint64
	UpdatedAt time.Time
}

// Store is a concurrency-safe registry of the most recent value per topic
// key. Writers are the session's frame handlers; readers await values with
// a freshness guarantee: an await is only satisfied by a write sequenced
// strictly after the await's snapshot, so a reader can never observe a
// stale or default value as fresh.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	notify  map[string]chan struct{}
	seq     uint64

	failErr error
	failCh  chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]Entry),
		notify:  make(map[string]chan struct{}),
		failCh:  make(chan struct{}),
	}
}

// Put records value under key with a fresh global sequence number and wakes
// any waiters on that key.
func (s *Store) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.entries[key] = Entry{
		Key:       key,
		Value:     value,
		Seq:       s.seq,
		UpdatedAt: time.Now(),
	}
	if ch, ok := s.notify[key]; ok {
		close(ch)
		delete(s.notify, key)
	}
}

// Get returns the latest entry for key, if any.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Snapshot returns the current sequence for key (zero when unseen). Callers
// pass this to AwaitNewer so only strictly fresher writes satisfy the wait.
func (s *Store) Snapshot(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key].Seq
}

// AwaitNewer blocks until key holds an entry with Seq > after, the timeout
// elapses, the context is cancelled, or the store is failed. Only the
// calling goroutine suspends.
func (s *Store) AwaitNewer(ctx context.Context, key string, after uint64, timeout time.Duration) (Entry, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return Entry{}, err
		}
		if e, ok := s.entries[key]; ok && e.Seq > after {
			s.mu.Unlock()
			return e, nil
		}
		ch, ok := s.notify[key]
		if !ok {
			ch = make(chan struct{})
			s.notify[key] = ch
		}
		failCh := s.failCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-failCh:
		case <-deadline.C:
			return Entry{}, ErrAwaitTimeout
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Fail wakes every in-flight waiter with err. Used by the session when the
// transport drops so awaits fail fast instead of running out their timeout.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return
	}
	s.failErr = err
	close(s.failCh)
}

// Reset clears a previous failure after a successful reconnect. Entries are
// kept as last-known values; freshness is still enforced by sequence.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr == nil {
		return
	}
	s.failErr = nil
	s.failCh = make(chan struct{})
}
