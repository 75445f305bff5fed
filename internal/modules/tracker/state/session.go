package state

import (
	"sync"
	"time"

	"devicetracker-server/internal/modules/tracker/types"
)

// Entry is the telemetry store value for one device.
type Entry struct {
	Series    types.Series
	FetchedAt time.Time

	// Err is the message of the most recent failed fetch. A non-empty Err
	// means Series is the last known data and may be out of date.
	Err      string
	FailedAt time.Time

	seq uint64
}

func (e Entry) Stale() bool {
	return e.Err != ""
}

// Snapshot is a point-in-time copy of a session's telemetry store.
type Snapshot map[string]Entry

// Ticket identifies one issued fetch. It is only valid for the session that
// issued it.
type Ticket struct {
	DeviceID string
	epoch    uint64
	seq      uint64
}

// Session owns one browser session's selection and telemetry store.
//
// Every toggle of a device bumps that device's epoch. A fetch result is
// committed only while the device is still selected under the epoch its
// ticket was issued in, and only if no later-issued ticket for the device
// has committed already. Deselection purges the device's entry.
type Session struct {
	id string

	mu        sync.Mutex
	selection Selection
	epochs    map[string]uint64
	store     map[string]Entry
	nextSeq   uint64
	lastSeen  time.Time
}

func NewSession(id string) *Session {
	return &Session{
		id:       id,
		epochs:   make(map[string]uint64),
		store:    make(map[string]Entry),
		lastSeen: time.Now(),
	}
}

// Touch records activity on the session at t.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	s.lastSeen = t
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// Toggle flips id in the selection and returns the new selection.
func (s *Session) Toggle(id string) Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selection = s.selection.Toggle(id)
	s.epochs[id]++
	if !s.selection.Contains(id) {
		delete(s.store, id)
	}
	return s.selection
}

// Issue hands out a ticket for fetching deviceID. It returns false when the
// device is not selected.
func (s *Session) Issue(deviceID string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.selection.Contains(deviceID) {
		return Ticket{}, false
	}
	s.nextSeq++
	return Ticket{DeviceID: deviceID, epoch: s.epochs[deviceID], seq: s.nextSeq}, true
}

// CommitSeries replaces the device's series. It reports whether the result was
// accepted.
func (s *Session) CommitSeries(t Ticket, series types.Series, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(t) {
		return false
	}
	s.store[t.DeviceID] = Entry{Series: series, FetchedAt: at, seq: t.seq}
	return true
}

// CommitFailure marks the device's entry stale and keeps its last series. A
// device without an entry gets an empty one carrying the error.
func (s *Session) CommitFailure(t Ticket, fetchErr error, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(t) {
		return false
	}
	e := s.store[t.DeviceID]
	e.Err = fetchErr.Error()
	e.FailedAt = at
	e.seq = t.seq
	s.store[t.DeviceID] = e
	return true
}

func (s *Session) acceptLocked(t Ticket) bool {
	if !s.selection.Contains(t.DeviceID) || s.epochs[t.DeviceID] != t.epoch {
		return false
	}
	if cur, ok := s.store[t.DeviceID]; ok && cur.seq > t.seq {
		return false
	}
	return true
}

// Snapshot copies the store. Series slices are shared; they are replaced, never
// modified in place.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Snapshot, len(s.store))
	for id, e := range s.store {
		out[id] = e
	}
	return out
}

// View returns the selection and a store snapshot taken under one lock.
func (s *Session) View() (Selection, Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Snapshot, len(s.store))
	for id, e := range s.store {
		out[id] = e
	}
	return s.selection, out
}

// Sessions indexes live sessions by id.
type Sessions struct {
	mu  sync.RWMutex
	m   map[string]*Session
	now func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session), now: time.Now}
}

// Get returns the session for id, creating it on first use, and marks it as
// seen.
func (ss *Sessions) Get(id string) *Session {
	ss.mu.RLock()
	s, ok := ss.m[id]
	ss.mu.RUnlock()
	if ok {
		s.Touch(ss.now())
		return s
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.m[id]; ok {
		s.Touch(ss.now())
		return s
	}
	s = NewSession(id)
	s.lastSeen = ss.now()
	ss.m[id] = s
	return s
}

// Touch marks an existing session as seen without creating one.
func (ss *Sessions) Touch(id string) bool {
	s, ok := ss.Lookup(id)
	if ok {
		s.Touch(ss.now())
	}
	return ok
}

// EvictIdle removes every session last seen before cutoff and returns their
// ids.
func (ss *Sessions) EvictIdle(cutoff time.Time) []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var evicted []string
	for id, s := range ss.m {
		if s.LastSeen().Before(cutoff) {
			delete(ss.m, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Lookup returns the session for id without creating it.
func (ss *Sessions) Lookup(id string) (*Session, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.m[id]
	return s, ok
}

func (ss *Sessions) Remove(id string) {
	ss.mu.Lock()
	delete(ss.m, id)
	ss.mu.Unlock()
}

// All returns the live sessions in no particular order.
func (ss *Sessions) All() []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Session, 0, len(ss.m))
	for _, s := range ss.m {
		out = append(out, s)
	}
	return out
}

// Selecting returns the sessions that currently have deviceID selected.
func (ss *Sessions) Selecting(deviceID string) []*Session {
	var out []*Session
	for _, s := range ss.All() {
		if s.Selection().Contains(deviceID) {
			out = append(out, s)
		}
	}
	return out
}
