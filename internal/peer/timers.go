package peer

import (
	"fmt"
	"strings"
	"time"
)

// Timer keys. Role transitions cancel the keys of the previous role, so a
// stale callback can never act for a role the peer has already left.
const (
	keyHello         = "hello"
	keyBully         = "bully"
	keyAwaitLeader   = "await-leader"
	keyElectionStart = "election-start"
	keyRoundQuery    = "lead/round-query"
	keyConsensusOpen = "lead/consensus-open"
	keyConsensusNext = "lead/consensus-next"
)

func keyValueWindow(round uint64) string { return fmt.Sprintf("lead/round-%d-values", round) }
func keyCommit(round uint64) string      { return fmt.Sprintf("lead/round-%d-commit", round) }
func keyReply(round uint64) string       { return fmt.Sprintf("reply/round-%d", round) }

// schedule arms a one-shot timer under key, replacing any previous timer for
// the same key. The callback runs in its own goroutine and is suppressed if
// the key was cancelled or the peer stopped in the meantime.
func (n *Node) schedule(key string, d time.Duration, fn func()) {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()

	if n.timersStopped {
		return
	}
	if prev, ok := n.timers[key]; ok {
		prev.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		n.timersMu.Lock()
		live := !n.timersStopped && n.timers[key] == timer
		if live {
			delete(n.timers, key)
		}
		n.timersMu.Unlock()
		if live {
			fn()
		}
	})
	n.timers[key] = timer
}

// cancelTimer stops and forgets the timer under key, if any.
func (n *Node) cancelTimer(key string) {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	if timer, ok := n.timers[key]; ok {
		timer.Stop()
		delete(n.timers, key)
	}
}

// cancelTimerPrefix stops every timer whose key starts with prefix.
func (n *Node) cancelTimerPrefix(prefix string) {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	for key, timer := range n.timers {
		if strings.HasPrefix(key, prefix) {
			timer.Stop()
			delete(n.timers, key)
		}
	}
}

// timerScheduled reports whether a timer is pending under key.
func (n *Node) timerScheduled(key string) bool {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	_, ok := n.timers[key]
	return ok
}

// stopAllTimers cancels everything and refuses new timers. Called once on
// shutdown.
func (n *Node) stopAllTimers() {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	n.timersStopped = true
	for key, timer := range n.timers {
		timer.Stop()
		delete(n.timers, key)
	}
}
