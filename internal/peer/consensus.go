package peer

import (
	"quorumcast/internal/protocol"
)

// Periodic majority consensus. The leader drives a round through five
// phases: reconcile the round number, start, collect values, collect
// responses, commit. Followers answer queries, contribute a value once per
// round and report the maximum value they observed. A decision requires a
// strict majority of the live set on the same response; anything less
// aborts the round, and the round counter advances either way.

// beginRoundQuery opens phase 1 on a fresh leader: ask the group which round
// it is on, so a round number already consumed under a prior leader is never
// reused.
func (n *Node) beginRoundQuery() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Leader {
		return
	}

	n.roundVotes = make(map[protocol.PeerID]uint64)
	n.log.Infof("Reconciling round number (own round %d)", n.round)
	n.broadcast(&protocol.Message{Type: protocol.OpRoundQuery})
	n.schedule(keyRoundQuery, n.tunables.RoundQueryTimeout, n.finishRoundQuery)
}

// finishRoundQuery closes phase 1: adopt the strict-majority round if the
// collected votes produce one, never moving backwards, then publish the
// result.
func (n *Node) finishRoundQuery() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Leader || n.roundVotes == nil {
		return
	}

	votes := n.roundVotes
	n.roundVotes = nil

	counts := make(map[uint64]int)
	for _, r := range votes {
		counts[r]++
	}
	chosen := n.round
	for r, c := range counts {
		if c > len(votes)/2 {
			chosen = r
			break
		}
	}
	if chosen > n.round {
		n.log.Infof("Group majority is at round %d, advancing from %d", chosen, n.round)
		n.round = chosen
	} else {
		n.log.Infof("Keeping round %d after reconciliation (%d votes)", n.round, len(votes))
	}

	n.broadcast(&protocol.Message{Type: protocol.OpRoundUpdate, Round: protocol.Uint64(n.round)})
	n.schedule(keyConsensusOpen, n.tunables.LeaderConsensusDelay, n.startConsensusRound)
}

// startConsensusRound opens phases 2 and 3: broadcast the start, contribute
// the leader's own value and arm the value window.
func (n *Node) startConsensusRound() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Leader {
		return
	}

	round := n.round
	live := n.table.AliveCount(n.tunables.FailTimeout)
	n.leaderRound = &leaderRound{
		round:     round,
		live:      live,
		values:    make(map[protocol.PeerID]uint64),
		responses: make(map[protocol.PeerID]uint64),
	}

	own := n.value(n.pid, round)
	n.leaderRound.values[n.pid] = own

	n.log.Infof("Starting consensus round %d (%d live peers, own value %d)", round, live, own)
	n.broadcast(&protocol.Message{
		Type:   protocol.OpStartConsensus,
		Round:  protocol.Uint64(round),
		Leader: protocol.ID(n.pid),
	})
	n.broadcast(&protocol.Message{
		Type:  protocol.OpValue,
		Round: protocol.Uint64(round),
		Value: protocol.Uint64(own),
	})

	n.schedule(keyValueWindow(round), n.tunables.ValueProcessDelay, func() {
		n.closeValueWindow(round)
	})
}

// closeValueWindow ends phase 3 for the given round: the leader fixes its
// own response as the maximum observed value and opens the response window.
func (n *Node) closeValueWindow(round uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != Leader || n.leaderRound == nil || n.leaderRound.round != round {
		return
	}

	n.leaderRound.valuesClosed = true

	max := maxValue(n.leaderRound.values)
	n.leaderRound.responses[n.pid] = max

	n.log.Infof("Round %d value window closed: %d values, max %d", round, len(n.leaderRound.values), max)
	n.broadcast(&protocol.Message{
		Type:     protocol.OpResponse,
		Round:    protocol.Uint64(round),
		Response: protocol.Uint64(max),
	})

	n.schedule(keyCommit(round), n.tunables.ResponseProcessDelay, func() {
		n.commitRound(round)
	})
}

// commitRound ends the round: commit on a strict majority of the live set,
// abort otherwise, and advance the round counter either way.
func (n *Node) commitRound(round uint64) {
	n.mu.Lock()
	if n.stopped || n.role != Leader || n.leaderRound == nil || n.leaderRound.round != round {
		n.mu.Unlock()
		return
	}

	state := n.leaderRound
	n.leaderRound = nil

	needed := state.live/2 + 1
	counts := make(map[uint64]int)
	for _, resp := range state.responses {
		counts[resp]++
	}

	var decision *Decision
	for value, c := range counts {
		if c >= needed {
			decision = &Decision{Round: round, Value: value}
			break
		}
	}

	if decision != nil {
		n.lastDecision = decision
		n.log.Infof("Round %d COMMITTED value %d (%d/%d responses, majority %d)",
			round, decision.Value, len(state.responses), state.live, needed)
	} else {
		n.log.Warnf("Round %d ABORTED: no majority among %d responses (needed %d of %d live)",
			round, len(state.responses), needed, state.live)
	}

	n.round = round + 1
	n.pruneRoundsBelow(n.round)
	n.broadcast(&protocol.Message{Type: protocol.OpRoundUpdate, Round: protocol.Uint64(n.round)})
	n.schedule(keyConsensusNext, n.tunables.ConsensusInterval, n.startConsensusRound)

	callback := n.cfg.OnDecision
	n.mu.Unlock()

	if decision != nil && callback != nil {
		callback(*decision)
	}
}

// handleRoundQuery answers the leader's round reconciliation with this
// peer's round. Queries from anyone but the adopted leader are protocol
// noise and dropped.
func (n *Node) handleRoundQuery(msg *protocol.Message) {
	if !n.hasLeader {
		n.log.Debugf("ROUND_QUERY from %d with no adopted leader, dropping", msg.From)
		return
	}
	if msg.From != n.leader {
		n.log.Debugf("ROUND_QUERY from %d but leader is %d, dropping", msg.From, n.leader)
		return
	}

	n.broadcast(&protocol.Message{
		Type:  protocol.OpRoundResponse,
		To:    protocol.ID(msg.From),
		Round: protocol.Uint64(n.round),
	})
}

// handleRoundResponse collects a reconciliation vote on the leader.
func (n *Node) handleRoundResponse(msg *protocol.Message) {
	if msg.To != nil && *msg.To != n.pid {
		return
	}
	if n.role != Leader || n.roundVotes == nil {
		return
	}
	n.roundVotes[msg.From] = *msg.Round
}

// handleRoundUpdate moves this peer's round forward and drops state for
// rounds that are now history. Rounds never move backwards.
func (n *Node) handleRoundUpdate(msg *protocol.Message) {
	if n.role == Leader {
		// Only a leader publishes these; a second publisher is stale and the
		// LEADER arbitration will catch up with it.
		return
	}

	round := *msg.Round
	if round > n.round {
		n.log.Debugf("Round update %d -> %d", n.round, round)
		n.round = round
	}
	n.pruneRoundsBelow(n.round)
}

// handleStartConsensus is the follower's phase 3 entry: adopt the round,
// contribute exactly one value and arm the response timer. A duplicated
// start for the same round is a no-op.
func (n *Node) handleStartConsensus(msg *protocol.Message) {
	if n.role == Leader {
		n.log.Warnf("START_CONSENSUS from %d while leading, dropping", msg.From)
		return
	}

	round := *msg.Round
	if round < n.round {
		n.log.Debugf("Stale START_CONSENSUS for round %d (at %d), dropping", round, n.round)
		return
	}

	n.round = round
	if n.valueSent[round] {
		return
	}
	n.valueSent[round] = true

	own := n.value(n.pid, round)
	n.recordValue(round, n.pid, own)

	n.log.Infof("Consensus round %d started by %d, contributing value %d", round, *msg.Leader, own)
	n.broadcast(&protocol.Message{
		Type:  protocol.OpValue,
		Round: protocol.Uint64(round),
		Value: protocol.Uint64(own),
	})

	n.schedule(keyReply(round), n.tunables.ValueProcessDelay, func() {
		n.sendRoundResponse(round)
	})
}

// handleValue accumulates a peer's contribution. The leader feeds its round
// state while the window is open; followers track values per round and arm
// the response timer on first contact, which also covers values arriving
// before the start message.
func (n *Node) handleValue(msg *protocol.Message) {
	round := *msg.Round
	value := *msg.Value

	if n.role == Leader {
		if n.leaderRound == nil || n.leaderRound.round != round || n.leaderRound.valuesClosed {
			n.log.Debugf("Late VALUE from %d for round %d, dropping", msg.From, round)
			return
		}
		n.leaderRound.values[msg.From] = value
		return
	}

	if round < n.round {
		n.log.Debugf("Stale VALUE from %d for round %d, dropping", msg.From, round)
		return
	}

	n.recordValue(round, msg.From, value)
	if !n.responseSent[round] && !n.timerScheduled(keyReply(round)) {
		n.schedule(keyReply(round), n.tunables.ValueProcessDelay, func() {
			n.sendRoundResponse(round)
		})
	}
}

// sendRoundResponse closes the follower's value window for a round: report
// the maximum observed value, exactly once.
func (n *Node) sendRoundResponse(round uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role == Leader || n.responseSent[round] {
		return
	}

	values := n.valuesSeen[round]
	if len(values) == 0 {
		return
	}
	max := maxValue(values)
	n.responseSent[round] = true

	n.log.Infof("Round %d: responding with max value %d (%d values seen)", round, max, len(values))
	n.broadcast(&protocol.Message{
		Type:     protocol.OpResponse,
		Round:    protocol.Uint64(round),
		Response: protocol.Uint64(max),
	})
}

// handleResponse collects a response on the leader while that round is in
// flight, from its start until the commit; responses that arrive before the
// value window closes are kept too.
func (n *Node) handleResponse(msg *protocol.Message) {
	if n.role != Leader {
		return
	}
	round := *msg.Round
	if n.leaderRound == nil || n.leaderRound.round != round {
		n.log.Debugf("RESPONSE from %d outside round window, dropping", msg.From)
		return
	}
	n.leaderRound.responses[msg.From] = *msg.Response
}

// recordValue stores one peer's value for a round on the follower side.
func (n *Node) recordValue(round uint64, from protocol.PeerID, value uint64) {
	if n.valuesSeen[round] == nil {
		n.valuesSeen[round] = make(map[protocol.PeerID]uint64)
	}
	n.valuesSeen[round][from] = value
}

// pruneRoundsBelow discards follower state and timers for rounds before
// current. Completed rounds are history; late traffic for them is dropped
// at the handlers.
func (n *Node) pruneRoundsBelow(current uint64) {
	for round := range n.valuesSeen {
		if round < current {
			delete(n.valuesSeen, round)
			n.cancelTimer(keyReply(round))
		}
	}
	for round := range n.valueSent {
		if round < current {
			delete(n.valueSent, round)
		}
	}
	for round := range n.responseSent {
		if round < current {
			delete(n.responseSent, round)
		}
	}
}

func maxValue(values map[protocol.PeerID]uint64) uint64 {
	var max uint64
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}
