package peer

import (
	"sort"
	"sync"
	"time"

	"quorumcast/internal/protocol"
)

// Table is the liveness table: last-seen instants per peer, fed by any
// received traffic. A peer is alive while its entry is younger than the
// failure timeout. The self entry is kept for symmetry and never expires.
type Table struct {
	mu       sync.RWMutex
	self     protocol.PeerID
	lastSeen map[protocol.PeerID]time.Time

	// now is swapped out by tests.
	now func() time.Time
}

// NewTable creates a table seeded with the local peer.
func NewTable(self protocol.PeerID) *Table {
	t := &Table{
		self:     self,
		lastSeen: make(map[protocol.PeerID]time.Time),
		now:      time.Now,
	}
	t.lastSeen[self] = t.now()
	return t
}

// Touch records traffic from pid. Returns true when the peer was not in the
// table, i.e. it was just discovered or has come back after being swept.
func (t *Table) Touch(pid protocol.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.lastSeen[pid]
	t.lastSeen[pid] = t.now()
	return !known
}

// Sweep removes every entry older than failTimeout, except the self entry,
// which it refreshes instead. The removed peers are returned in ascending
// order.
func (t *Table) Sweep(failTimeout time.Duration) []protocol.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastSeen[t.self] = now

	var failed []protocol.PeerID
	for pid, seen := range t.lastSeen {
		if pid == t.self {
			continue
		}
		if now.Sub(seen) >= failTimeout {
			delete(t.lastSeen, pid)
			failed = append(failed, pid)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// Alive returns the peers currently considered alive, self included, in
// ascending order.
func (t *Table) Alive(failTimeout time.Duration) []protocol.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	alive := make([]protocol.PeerID, 0, len(t.lastSeen))
	for pid, seen := range t.lastSeen {
		if pid == t.self || now.Sub(seen) < failTimeout {
			alive = append(alive, pid)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i] < alive[j] })
	return alive
}

// AliveCount is len(Alive) without the copy.
func (t *Table) AliveCount(failTimeout time.Duration) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	count := 0
	for pid, seen := range t.lastSeen {
		if pid == t.self || now.Sub(seen) < failTimeout {
			count++
		}
	}
	return count
}

// HasHigherAlive reports whether some live peer outranks pid.
func (t *Table) HasHigherAlive(pid protocol.PeerID, failTimeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	for other, seen := range t.lastSeen {
		if other <= pid {
			continue
		}
		if other == t.self || now.Sub(seen) < failTimeout {
			return true
		}
	}
	return false
}

// Contains reports whether pid has an entry, regardless of age.
func (t *Table) Contains(pid protocol.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.lastSeen[pid]
	return ok
}

// Len is the number of entries, self included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lastSeen)
}
