package peer

import (
	"quorumcast/internal/protocol"
)

// Bully election: a candidate challenges the group, yields to any OK from a
// higher PID, and assumes leadership when unchallenged. Repeating an
// election from any state converges, so every handler here is safe to run
// on duplicated or reordered traffic.

// handleHello answers discovery. Only the leader replies, so a joiner that
// hears nothing within the hello timeout knows to stand for election.
func (n *Node) handleHello(msg *protocol.Message) {
	if n.role != Leader {
		return
	}
	n.log.Infof("HELLO from %d, announcing leadership (round %d)", msg.From, n.round)
	n.broadcast(&protocol.Message{
		Type:   protocol.OpHelloAck,
		To:     protocol.ID(msg.From),
		Leader: protocol.ID(n.pid),
		Round:  protocol.Uint64(n.round),
	})
}

// handleHelloAck adopts the sitting leader and its round. A joiner that
// outranks the leader still yields here; stability beats rank until the
// leader actually fails.
func (n *Node) handleHelloAck(msg *protocol.Message) {
	if msg.To != nil && *msg.To != n.pid {
		return
	}
	if n.role == Leader {
		// Two leaders answered each other's discovery; the regular LEADER
		// arbitration sorts this out.
		return
	}

	leader := *msg.Leader
	round := *msg.Round

	n.cancelTimer(keyHello)
	n.cancelTimer(keyBully)
	n.cancelTimer(keyAwaitLeader)
	n.cancelTimer(keyElectionStart)

	n.role = Follower
	n.leader = leader
	n.hasLeader = true

	// Rounds only move forward, even when the handshake reports an older
	// one.
	if round > n.round {
		n.round = round
		n.pruneRoundsBelow(round)
	}
	n.log.Infof("Adopted leader %d at round %d", leader, n.round)
}

// handleElection answers a challenge from a lower peer with OK and schedules
// this peer's own candidacy; challenges from higher peers are ignored, they
// will win on their own.
func (n *Node) handleElection(msg *protocol.Message) {
	if msg.From >= n.pid {
		return
	}

	n.log.Infof("ELECTION from lower peer %d, answering OK", msg.From)
	n.broadcast(&protocol.Message{Type: protocol.OpOK, To: protocol.ID(msg.From)})

	switch n.role {
	case Leader:
		// Re-announce instead of re-electing; the challenger lost track.
		n.broadcast(&protocol.Message{
			Type:  protocol.OpLeader,
			PID:   protocol.ID(n.pid),
			Round: protocol.Uint64(n.round),
		})
	case Candidate:
		// Already running.
	default:
		n.schedule(keyElectionStart, n.tunables.ElectionStartDelay, n.onElectionStart)
	}
}

func (n *Node) onElectionStart() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Follower {
		return
	}
	n.startElectionLocked()
}

// handleOK ends this peer's candidacy: a higher peer is alive and will
// announce itself. If it never does, the await-leader timer restarts the
// candidacy.
func (n *Node) handleOK(msg *protocol.Message) {
	if msg.To == nil || *msg.To != n.pid {
		return
	}
	if msg.From <= n.pid || n.role != Candidate {
		return
	}

	n.log.Infof("OK from higher peer %d, yielding", msg.From)
	n.role = Follower
	n.cancelTimer(keyBully)
	n.schedule(keyAwaitLeader, n.tunables.BullyTimeout, n.onAwaitLeaderTimeout)
}

func (n *Node) onAwaitLeaderTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.hasLeader || n.role != Follower {
		return
	}
	n.log.Warnf("Higher peer answered OK but never announced, restarting election")
	n.startElectionLocked()
}

// handleLeader adopts an announced leader. Duplicates for the current leader
// cause no churn, and an announcement from below an adopted leader loses.
func (n *Node) handleLeader(msg *protocol.Message) {
	announced := *msg.PID
	if announced == n.pid {
		// Our own announcement is filtered as loopback, and a second process
		// sending under our PID is dropped as a collision, both before
		// dispatch; this is another sender naming our PID as leader.
		n.log.Warnf("Ignoring LEADER announcement for our own PID from origin %s", msg.Origin)
		return
	}

	if n.hasLeader && n.leader > announced {
		n.log.Debugf("Ignoring LEADER %d, already following %d", announced, n.leader)
		return
	}

	if n.hasLeader && n.leader == announced && n.role == Follower {
		// Idempotent re-announcement.
		if msg.Round != nil && *msg.Round > n.round {
			n.round = *msg.Round
		}
		return
	}

	if n.role == Leader {
		n.log.Warnf("Superseded by leader %d, stepping down", announced)
		n.stepDownLocked()
	}

	n.cancelTimer(keyHello)
	n.cancelTimer(keyBully)
	n.cancelTimer(keyAwaitLeader)
	n.cancelTimer(keyElectionStart)

	n.role = Follower
	n.leader = announced
	n.hasLeader = true

	if msg.Round != nil && *msg.Round > n.round {
		n.round = *msg.Round
	}
	n.log.Infof("Leader is now %d (round %d)", announced, n.round)
}

// startElectionLocked broadcasts a challenge and arms the bully timer.
// Callers hold the controller lock.
func (n *Node) startElectionLocked() {
	if n.role == Candidate || n.role == Leader {
		return
	}

	n.role = Candidate
	n.hasLeader = false
	n.cancelTimer(keyHello)
	n.cancelTimer(keyAwaitLeader)
	n.cancelTimer(keyElectionStart)

	n.log.Infof("Standing for election")
	n.broadcast(&protocol.Message{Type: protocol.OpElection})
	n.schedule(keyBully, n.tunables.BullyTimeout, n.onBullyTimeout)
}

// onBullyTimeout fires when the candidacy went unchallenged for the full
// bully timeout.
func (n *Node) onBullyTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Candidate {
		return
	}

	// A higher peer that is alive but slow must not be bullied out; keep
	// challenging until it answers or gets swept.
	if n.table.HasHigherAlive(n.pid, n.tunables.FailTimeout) {
		n.log.Infof("Unchallenged, but a higher peer is still alive; re-challenging")
		n.broadcast(&protocol.Message{Type: protocol.OpElection})
		n.schedule(keyBully, n.tunables.BullyTimeout, n.onBullyTimeout)
		return
	}

	n.becomeLeaderLocked()
}

// becomeLeaderLocked assumes leadership: announce, then reconcile the round
// number with the group before driving rounds. Callers hold the lock.
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leader = n.pid
	n.hasLeader = true

	n.cancelTimer(keyHello)
	n.cancelTimer(keyBully)
	n.cancelTimer(keyAwaitLeader)
	n.cancelTimer(keyElectionStart)

	n.log.Infof("Assuming leadership at round %d", n.round)
	n.broadcast(&protocol.Message{
		Type:  protocol.OpLeader,
		PID:   protocol.ID(n.pid),
		Round: protocol.Uint64(n.round),
	})

	n.schedule(keyRoundQuery, n.tunables.LeaderQueryDelay, n.beginRoundQuery)
}

// stepDownLocked discards all leader duties and state. Callers hold the
// lock.
func (n *Node) stepDownLocked() {
	n.cancelTimerPrefix("lead/")
	n.leaderRound = nil
	n.roundVotes = nil
	n.role = Follower
}
