package buffer

import (
	"slices"
	"sync"
	"sync/atomic"
)

// entry pairs a buffer with the lock that serializes every mutation of it.
type entry struct {
	mu  sync.Mutex
	buf *Buffer
}

// Store maps conversation IDs to buffers. Each conversation has its own
// lock, so different conversations never contend; the map lock is held only
// while looking an entry up or creating it.
type Store struct {
	capacity int

	mu    sync.RWMutex
	convs map[string]*entry
	dirty atomic.Bool
}

// NewStore creates an empty store whose buffers hold at most capacity
// messages.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		convs:    make(map[string]*entry),
	}
}

// Capacity returns the per-conversation message bound.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) lookup(id string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.convs[id]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.convs[id]; ok {
		return e
	}
	e = &entry{buf: New(id, s.capacity)}
	s.convs[id] = e
	return e
}

// Append adds msg to the conversation's buffer, creating the buffer on first
// use, and returns the new pending count.
func (s *Store) Append(id string, msg Message) int {
	var n int
	s.Update(id, func(b *Buffer) {
		n = b.Append(msg)
	})
	return n
}

// Update runs fn with exclusive access to the conversation's buffer,
// creating it if needed. The store is marked dirty afterwards.
func (s *Store) Update(id string, fn func(b *Buffer)) {
	e := s.lookup(id, true)
	e.mu.Lock()
	fn(e.buf)
	e.mu.Unlock()
	s.MarkDirty()
}

// View runs fn with exclusive access to an existing buffer and reports
// whether the conversation exists. fn must not retain b.
func (s *Store) View(id string, fn func(b *Buffer)) bool {
	e := s.lookup(id, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.buf)
	return true
}

// Snapshot returns a copy of the most recent k messages without changing any
// state.
func (s *Store) Snapshot(id string, k int) ([]Message, bool) {
	var out []Message
	ok := s.View(id, func(b *Buffer) {
		out = b.Window(k)
	})
	return out, ok
}

// IDs returns the known conversation IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Records copies the durable state of every conversation. Each buffer is
// copied under its own lock, so the result is consistent per conversation.
func (s *Store) Records() map[string]Record {
	out := make(map[string]Record)
	for _, id := range s.IDs() {
		s.View(id, func(b *Buffer) {
			out[id] = b.Record()
		})
	}
	return out
}

// Replace discards the current contents and loads records.
func (s *Store) Replace(records map[string]Record) {
	convs := make(map[string]*entry, len(records))
	for id, rec := range records {
		convs[id] = &entry{buf: FromRecord(id, s.capacity, rec)}
	}
	s.mu.Lock()
	s.convs = convs
	s.mu.Unlock()
	s.dirty.Store(false)
}

// MarkDirty flags unsaved changes.
func (s *Store) MarkDirty() {
	s.dirty.Store(true)
}

// TakeDirty reports whether there were unsaved changes and clears the flag.
func (s *Store) TakeDirty() bool {
	return s.dirty.Swap(false)
}
