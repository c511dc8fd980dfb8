package peer

import (
	"math/rand"

	"quorumcast/internal/config"
	"quorumcast/internal/logging"
	"quorumcast/internal/protocol"
	"quorumcast/internal/transport"
)

// Role is the peer's place in the group at one instant.
type Role int32

const (
	// Follower is the initial role; the peer tracks a leader if one is known.
	Follower Role = iota
	// Candidate means an election is in progress and the peer awaits an OK
	// from a higher peer.
	Candidate
	// Leader drives the periodic consensus rounds.
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ValueSupplier produces the peer-local contribution for a consensus round.
// It must be cheap and side-effect free; the engine calls it once per round.
type ValueSupplier func(pid protocol.PeerID, round uint64) uint64

// DefaultValueSupplier scales a small random draw by the peer ID, so values
// from different peers rarely collide.
func DefaultValueSupplier(pid protocol.PeerID, _ uint64) uint64 {
	i := uint64(rand.Intn(10) + 1)
	return i * i * uint64(pid)
}

// Decision is a committed consensus outcome.
type Decision struct {
	Round uint64
	Value uint64
}

// Config assembles a peer. Only PID is required.
type Config struct {
	// PID is this process's identity. Larger PIDs win elections. Two peers
	// must never share a PID within one multicast group.
	PID protocol.PeerID

	// Tunables holds the protocol timing knobs; nil means defaults.
	Tunables *config.Config

	// Transport overrides the UDP multicast transport, used by tests. When
	// nil the peer joins the group from Tunables.
	Transport transport.Transport

	// Logger defaults to a no-op.
	Logger logging.Logger

	// Value overrides the per-round value rule, used for determinism in
	// tests. Defaults to DefaultValueSupplier.
	Value ValueSupplier

	// OnDecision, when set, is invoked on the leader after each committed
	// round.
	OnDecision func(decision Decision)
}
