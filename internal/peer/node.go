package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorumcast/internal/config"
	"quorumcast/internal/logging"
	"quorumcast/internal/protocol"
	"quorumcast/internal/transport"
)

// Node is the controller for one peer: it owns the mutable protocol state,
// routes every decoded message to the election, membership or consensus
// handler, and holds the timers those handlers arm. All state mutations run
// under one mutex, so handlers observe each other's effects in receive
// order.
type Node struct {
	cfg      *Config
	pid      protocol.PeerID
	origin   string
	tunables *config.Config

	transport transport.Transport
	log       logging.Logger
	value     ValueSupplier

	mu        sync.Mutex
	role      Role
	round     uint64
	leader    protocol.PeerID
	hasLeader bool
	table     *Table

	// Leader state for the in-flight round; nil between rounds.
	leaderRound *leaderRound
	// Leader state for round-number reconciliation; nil outside phase 1.
	roundVotes map[protocol.PeerID]uint64

	// Follower per-round state, pruned as the round advances.
	valuesSeen   map[uint64]map[protocol.PeerID]uint64
	valueSent    map[uint64]bool
	responseSent map[uint64]bool

	lastDecision *Decision

	timersMu      sync.Mutex
	timers        map[string]*time.Timer
	timersStopped bool

	shutdownCh chan struct{}
	stopped    bool
	wg         sync.WaitGroup
}

// leaderRound is the leader's view of the round in flight.
type leaderRound struct {
	round        uint64
	live         int
	values       map[protocol.PeerID]uint64
	responses    map[protocol.PeerID]uint64
	valuesClosed bool
}

// New assembles a peer from cfg, filling in defaults for everything but the
// PID.
func New(cfg *Config) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	tunables := cfg.Tunables
	if tunables == nil {
		tunables = config.Default()
	}
	if err := config.Validate(tunables); err != nil {
		return nil, fmt.Errorf("invalid tunables: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop{}
	}
	value := cfg.Value
	if value == nil {
		value = DefaultValueSupplier
	}

	tr := cfg.Transport
	if tr == nil {
		tr = transport.NewUDPMulticast(tunables.GroupAddr(), tunables.MulticastTTL, logger)
	}

	n := &Node{
		cfg:          cfg,
		pid:          cfg.PID,
		origin:       uuid.NewString(),
		tunables:     tunables,
		transport:    tr,
		log:          logger,
		value:        value,
		role:         Follower,
		table:        NewTable(cfg.PID),
		valuesSeen:   make(map[uint64]map[protocol.PeerID]uint64),
		valueSent:    make(map[uint64]bool),
		responseSent: make(map[uint64]bool),
		timers:       make(map[string]*time.Timer),
		shutdownCh:   make(chan struct{}),
	}
	tr.SetHandler(n.handleDatagram)
	return n, nil
}

// Start joins the group, announces the peer and begins discovery: a HELLO
// goes out, and if no leader answers within the hello timeout the peer
// stands for election.
func (n *Node) Start() error {
	n.log.Infof("Starting peer %d (origin %s)", n.pid, n.origin)

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	n.broadcast(&protocol.Message{Type: protocol.OpHello})
	n.schedule(keyHello, n.tunables.HelloTimeout, n.onHelloTimeout)

	n.wg.Add(2)
	go n.runHeartbeat()
	go n.runStatusLog()

	return nil
}

// Stop shuts the peer down: timers first so no handler fires into a dead
// transport, then the background loops, then the socket.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	n.log.Infof("Stopping peer %d", n.pid)

	n.stopAllTimers()
	close(n.shutdownCh)
	if err := n.transport.Stop(); err != nil {
		n.log.Errorf("Error stopping transport: %v", err)
	}
	n.wg.Wait()
}

// Fatal surfaces an unrecoverable transport failure to the launcher.
func (n *Node) Fatal() <-chan error {
	return n.transport.Fatal()
}

// broadcast publishes one message to the group, stamping sender identity.
// Send failures are transient: logged and forgotten.
func (n *Node) broadcast(msg *protocol.Message) {
	msg.From = n.pid
	msg.Origin = n.origin

	data, err := protocol.Encode(msg)
	if err != nil {
		n.log.Errorf("Dropping unencodable %s: %v", msg.Type, err)
		return
	}
	if err := n.transport.Send(data); err != nil {
		n.log.Debugf("Send %s failed: %v", msg.Type, err)
	}
}

// handleDatagram is the single receive path: decode, filter, dispatch.
func (n *Node) handleDatagram(data []byte, src *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		n.log.Debugf("Dropping datagram from %v: %v", src, err)
		return
	}
	if !protocol.Known(msg.Type) {
		n.log.Debugf("Dropping unknown message type %q from %d", msg.Type, msg.From)
		return
	}

	// The group loops our own datagrams back; the origin ID tells them apart
	// from a second process that stole our PID.
	if msg.Origin == n.origin {
		return
	}
	if msg.From == n.pid {
		n.log.Warnf("PID collision: another process (origin %s) is using PID %d", msg.Origin, msg.From)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	// Any traffic counts as liveness.
	if n.table.Touch(msg.From) {
		n.log.Infof("Peer %d joined the live set", msg.From)
	}

	switch msg.Type {
	case protocol.OpHeartbeat:
		// Liveness only; the touch above did the work.
	case protocol.OpHello:
		n.handleHello(msg)
	case protocol.OpHelloAck:
		n.handleHelloAck(msg)
	case protocol.OpElection:
		n.handleElection(msg)
	case protocol.OpOK:
		n.handleOK(msg)
	case protocol.OpLeader:
		n.handleLeader(msg)
	case protocol.OpRoundQuery:
		n.handleRoundQuery(msg)
	case protocol.OpRoundResponse:
		n.handleRoundResponse(msg)
	case protocol.OpRoundUpdate:
		n.handleRoundUpdate(msg)
	case protocol.OpStartConsensus:
		n.handleStartConsensus(msg)
	case protocol.OpValue:
		n.handleValue(msg)
	case protocol.OpResponse:
		n.handleResponse(msg)
	}
}

// runHeartbeat broadcasts HB and sweeps the liveness table at the heartbeat
// cadence. The sweep runs under the controller lock, so a failure event for
// a peer can never race with that peer's own traffic.
func (n *Node) runHeartbeat() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.tunables.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.broadcast(&protocol.Message{Type: protocol.OpHeartbeat})
			n.sweep()
		case <-n.shutdownCh:
			return
		}
	}
}

// sweep expires silent peers and reacts to a fallen leader.
func (n *Node) sweep() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	for _, pid := range n.table.Sweep(n.tunables.FailTimeout) {
		n.log.Warnf("Peer %d considered dead", pid)
		if n.hasLeader && pid == n.leader {
			n.log.Warnf("Leader %d is down, standing for election", pid)
			n.hasLeader = false
			n.startElectionLocked()
		}
	}
}

// runStatusLog periodically reports role, leader, round and live-set size.
func (n *Node) runStatusLog() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.tunables.StatusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			role := n.role
			round := n.round
			leader, hasLeader := n.leader, n.hasLeader
			live := n.table.AliveCount(n.tunables.FailTimeout)
			n.mu.Unlock()

			if hasLeader {
				n.log.Infof("Status: role=%s leader=%d round=%d live=%d", role, leader, round, live)
			} else {
				n.log.Infof("Status: role=%s leader=none round=%d live=%d", role, round, live)
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// onHelloTimeout fires when no leader answered the startup HELLO.
func (n *Node) onHelloTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.hasLeader || n.role != Follower {
		return
	}
	n.log.Infof("No leader answered HELLO, standing for election")
	n.startElectionLocked()
}

// PID returns the peer's identity.
func (n *Node) PID() protocol.PeerID { return n.pid }

// Role returns the current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Round returns the current round number.
func (n *Node) Round() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round
}

// Leader returns the known leader, if any.
func (n *Node) Leader() (protocol.PeerID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader, n.hasLeader
}

// LivePeers returns the peers currently believed alive, self included.
func (n *Node) LivePeers() []protocol.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.table.Alive(n.tunables.FailTimeout)
}

// LastDecision returns the most recent committed decision on this peer, if
// it has led a committed round.
func (n *Node) LastDecision() (Decision, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastDecision == nil {
		return Decision{}, false
	}
	return *n.lastDecision, true
}
