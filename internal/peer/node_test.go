package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumcast/internal/config"
	"quorumcast/internal/protocol"
	"quorumcast/internal/transport"
)

// fakeTransport records outgoing messages and lets tests inject incoming
// ones. When attached to a bus it behaves like the multicast group: every
// send reaches every attached transport, the sender included.
type fakeTransport struct {
	mu      sync.RWMutex
	handler transport.Handler
	sent    []*protocol.Message
	fatalCh chan error
	bus     *fakeBus
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fatalCh: make(chan error, 1)}
}

func (f *fakeTransport) Start() error { return nil }
func (f *fakeTransport) Stop() error  { return nil }

func (f *fakeTransport) Send(data []byte) error {
	msg, err := protocol.Decode(data)
	if err == nil {
		f.mu.Lock()
		f.sent = append(f.sent, msg)
		f.mu.Unlock()
	}
	if f.bus != nil {
		f.bus.broadcast(data)
	}
	return nil
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Fatal() <-chan error { return f.fatalCh }

// deliver injects one raw datagram, as if it arrived from the group.
func (f *fakeTransport) deliver(data []byte) {
	f.mu.RLock()
	handler := f.handler
	f.mu.RUnlock()
	if handler != nil {
		handler(data, nil)
	}
}

// inject encodes and delivers a message from a remote peer. Each remote
// peer gets a stable synthetic origin so loopback filtering stays out of
// the way.
func (f *fakeTransport) inject(t *testing.T, msg *protocol.Message) {
	t.Helper()
	if msg.Origin == "" {
		msg.Origin = "test-origin"
	}
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	f.deliver(data)
}

// sentOfType snapshots the sent messages with the given type tag.
func (f *fakeTransport) sentOfType(op protocol.Op) []*protocol.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Type == op {
			out = append(out, m)
		}
	}
	return out
}

// fakeBus wires several fakeTransports into one lossless group. Deliveries
// are asynchronous, like the real socket.
type fakeBus struct {
	mu      sync.RWMutex
	members []*fakeTransport
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) attach(f *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f.bus = b
	b.members = append(b.members, f)
}

func (b *fakeBus) detach(f *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m == f {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
	f.bus = nil
}

func (b *fakeBus) broadcast(data []byte) {
	b.mu.RLock()
	members := make([]*fakeTransport, len(b.members))
	copy(members, b.members)
	b.mu.RUnlock()

	for _, m := range members {
		go m.deliver(data)
	}
}

// testTunables compresses the protocol timers from seconds to tens or
// hundreds of milliseconds so scenarios finish within a few seconds.
func testTunables() *config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.FailTimeout = 250 * time.Millisecond
	cfg.HelloTimeout = 60 * time.Millisecond
	cfg.BullyTimeout = 120 * time.Millisecond
	cfg.ConsensusInterval = 600 * time.Millisecond
	cfg.RoundQueryTimeout = 60 * time.Millisecond
	cfg.ValueProcessDelay = 60 * time.Millisecond
	cfg.ResponseProcessDelay = 60 * time.Millisecond
	cfg.LeaderQueryDelay = 30 * time.Millisecond
	cfg.LeaderConsensusDelay = 30 * time.Millisecond
	cfg.ElectionStartDelay = 10 * time.Millisecond
	cfg.StatusLogInterval = time.Hour
	return cfg
}

// pidTimesTen is a deterministic value rule for assertions.
func pidTimesTen(pid protocol.PeerID, _ uint64) uint64 {
	return uint64(pid) * 10
}

func newTestNode(t *testing.T, pid protocol.PeerID) (*Node, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	n, err := New(&Config{
		PID:       pid,
		Tunables:  testTunables(),
		Transport: ft,
		Value:     pidTimesTen,
	})
	require.NoError(t, err)
	return n, ft
}

func startBusNode(t *testing.T, bus *fakeBus, pid protocol.PeerID) (*Node, *fakeTransport) {
	t.Helper()
	n, ft := newTestNode(t, pid)
	bus.attach(ft)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n, ft
}

func TestNew_Defaults(t *testing.T) {
	n, err := New(&Config{PID: 4, Transport: newFakeTransport()})
	require.NoError(t, err)

	assert.Equal(t, protocol.PeerID(4), n.PID())
	assert.Equal(t, Follower, n.Role())
	assert.Equal(t, uint64(0), n.Round())
	_, hasLeader := n.Leader()
	assert.False(t, hasLeader)
	assert.Equal(t, []protocol.PeerID{4}, n.LivePeers())
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNew_InvalidTunables(t *testing.T) {
	bad := testTunables()
	bad.HeartbeatInterval = 0
	_, err := New(&Config{PID: 1, Tunables: bad, Transport: newFakeTransport()})
	assert.Error(t, err)
}

func TestSoloStart(t *testing.T) {
	bus := newFakeBus()
	n, _ := startBusNode(t, bus, 5)

	// Alone on the group: discovery times out, the election goes
	// unchallenged, leadership follows.
	require.Eventually(t, func() bool {
		return n.Role() == Leader
	}, 2*time.Second, 10*time.Millisecond, "solo peer should assume leadership")

	leader, ok := n.Leader()
	require.True(t, ok)
	assert.Equal(t, protocol.PeerID(5), leader)

	// A single-peer majority is the leader itself: round 0 commits the
	// leader's own value.
	require.Eventually(t, func() bool {
		_, ok := n.LastDecision()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "solo round should commit")

	decision, _ := n.LastDecision()
	assert.Equal(t, uint64(0), decision.Round)
	assert.Equal(t, uint64(50), decision.Value)
	assert.GreaterOrEqual(t, n.Round(), uint64(1))
}

func TestThreePeerConvergence(t *testing.T) {
	bus := newFakeBus()
	n1, _ := startBusNode(t, bus, 1)
	n2, _ := startBusNode(t, bus, 2)
	n3, _ := startBusNode(t, bus, 3)

	require.Eventually(t, func() bool {
		l1, ok1 := n1.Leader()
		l2, ok2 := n2.Leader()
		l3, ok3 := n3.Leader()
		return ok1 && ok2 && ok3 && l1 == 3 && l2 == 3 && l3 == 3
	}, 3*time.Second, 10*time.Millisecond, "all peers should adopt the highest PID")

	assert.Equal(t, Leader, n3.Role())
	assert.Equal(t, Follower, n1.Role())
	assert.Equal(t, Follower, n2.Role())
}

func TestLeaderCrashFailover(t *testing.T) {
	bus := newFakeBus()
	n1, _ := startBusNode(t, bus, 1)
	n2, _ := startBusNode(t, bus, 2)
	n3, ft3 := startBusNode(t, bus, 3)

	require.Eventually(t, func() bool {
		return n3.Role() == Leader
	}, 3*time.Second, 10*time.Millisecond)

	// Ungraceful death: stop heartbeating and leave the group.
	bus.detach(ft3)
	n3.Stop()

	require.Eventually(t, func() bool {
		l1, ok1 := n1.Leader()
		l2, ok2 := n2.Leader()
		return ok1 && ok2 && l1 == 2 && l2 == 2 && n2.Role() == Leader
	}, 5*time.Second, 10*time.Millisecond, "survivors should elect the next highest PID")

	assert.Equal(t, Follower, n1.Role())
}

func TestLateJoinerAdoptsSittingLeader(t *testing.T) {
	bus := newFakeBus()
	_, _ = startBusNode(t, bus, 1)
	n2, _ := startBusNode(t, bus, 2)

	require.Eventually(t, func() bool {
		return n2.Role() == Leader
	}, 3*time.Second, 10*time.Millisecond)

	// A joiner that outranks the sitting leader still yields to it.
	n7, _ := startBusNode(t, bus, 7)

	require.Eventually(t, func() bool {
		l, ok := n7.Leader()
		return ok && l == 2
	}, 3*time.Second, 10*time.Millisecond, "joiner should adopt the sitting leader")

	assert.Equal(t, Follower, n7.Role())
	assert.Equal(t, Leader, n2.Role())

	// And it mirrors the leader's round from the discovery handshake; at
	// most one in-flight commit separates the two views.
	assert.InDelta(t, float64(n2.Round()), float64(n7.Round()), 1)
}

func TestRoundsAreMonotonic(t *testing.T) {
	bus := newFakeBus()
	n, _ := startBusNode(t, bus, 5)

	require.Eventually(t, func() bool {
		return n.Role() == Leader
	}, 2*time.Second, 10*time.Millisecond)

	var last uint64
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		round := n.Round()
		require.GreaterOrEqual(t, round, last, "round went backwards")
		last = round
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, last, uint64(0), "rounds should advance while leading")
}

func TestPIDCollisionIsDropped(t *testing.T) {
	// Delivery is synchronous against the handler, so these tests skip
	// Start and leave the timers unarmed.
	n, ft := newTestNode(t, 5)

	// Same PID, different origin: a second process stole our identity. The
	// message must not enter the liveness table or the dispatcher.
	ft.inject(t, &protocol.Message{
		Type:   protocol.OpLeader,
		From:   5,
		Origin: "someone-else",
		PID:    protocol.ID(5),
	})

	_, hasLeader := n.Leader()
	assert.False(t, hasLeader)
	assert.Equal(t, []protocol.PeerID{5}, n.LivePeers())
}

func TestMalformedAndUnknownDatagramsAreDropped(t *testing.T) {
	n, ft := newTestNode(t, 5)

	ft.deliver([]byte("{{garbage"))
	ft.deliver([]byte(`{"type":"VALUE","from":2,"round":1}`)) // missing value
	ft.deliver([]byte(`{"type":"FANCY_NEW_OP","from":2}`))

	// The peer carries on; none of the above touched the table.
	assert.Equal(t, []protocol.PeerID{5}, n.LivePeers())
	assert.Equal(t, Follower, n.Role())
}

func TestAnyTrafficUpdatesLiveness(t *testing.T) {
	n, ft := newTestNode(t, 5)

	// A VALUE counts as liveness just like a heartbeat.
	ft.inject(t, &protocol.Message{
		Type:  protocol.OpValue,
		From:  2,
		Round: protocol.Uint64(0),
		Value: protocol.Uint64(9),
	})

	assert.Equal(t, []protocol.PeerID{2, 5}, n.LivePeers())
}

func TestLeaderFailureTriggersElection(t *testing.T) {
	n, ft := newTestNode(t, 5)
	require.NoError(t, n.Start())
	defer n.Stop()

	// Adopt 9 as leader, keep it alive briefly, then go silent.
	ft.inject(t, &protocol.Message{Type: protocol.OpLeader, From: 9, PID: protocol.ID(9)})

	require.Eventually(t, func() bool {
		l, ok := n.Leader()
		return ok && l == 9
	}, time.Second, 5*time.Millisecond)

	// No more traffic from 9: the sweep declares it dead and, with nobody
	// higher alive, this peer takes over.
	require.Eventually(t, func() bool {
		return n.Role() == Leader
	}, 3*time.Second, 10*time.Millisecond, "peer should win the election after the leader dies")

	assert.NotEmpty(t, ft.sentOfType(protocol.OpElection))
}

func TestStopIsIdempotent(t *testing.T) {
	n, _ := newTestNode(t, 5)
	require.NoError(t, n.Start())

	n.Stop()
	n.Stop()
}
