package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resdiag/flowprobe/internal/models"
)

// ActivityLog is the append-only record of every call attempt made during a
// session. The orchestrator writes to it; display surfaces read snapshots or
// subscribe for live entries. Entries are capped at a fixed ring size so a
// long-running session cannot grow without bound.
type ActivityLog struct {
	mu      sync.RWMutex
	entries []models.ActivityEntry
	cap     int

	subs    map[int]chan models.ActivityEntry
	nextSub int
}

// NewActivityLog creates a new activity log retaining at most cap entries
func NewActivityLog(cap int) *ActivityLog {
	if cap <= 0 {
		cap = 500
	}
	return &ActivityLog{
		cap:  cap,
		subs: make(map[int]chan models.ActivityEntry),
	}
}

// Append records one entry, assigning its id and timestamp if unset
func (l *ActivityLog) Append(entry models.ActivityEntry) models.ActivityEntry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	for _, ch := range l.subs {
		// Non-blocking fanout: a slow display surface drops entries rather
		// than stalling the flow.
		select {
		case ch <- entry:
		default:
		}
	}
	l.mu.Unlock()

	return entry
}

// Entries returns a copy of the retained entries, oldest first
func (l *ActivityLog) Entries() []models.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries
func (l *ActivityLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe registers a live entry feed. The returned cancel function must be
// called when the subscriber goes away.
func (l *ActivityLog) Subscribe() (<-chan models.ActivityEntry, func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan models.ActivityEntry, 16)
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
		l.mu.Unlock()
	}

	return ch, cancel
}
