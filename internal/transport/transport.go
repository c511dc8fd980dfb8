package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"quorumcast/internal/logging"
)

// Handler receives one datagram per call. The source address is diagnostic
// only; peer identity travels inside the payload.
type Handler func(data []byte, src *net.UDPAddr)

// Transport delivers whole datagrams between peers in one multicast group.
type Transport interface {
	// Start joins the group and begins the receive loop.
	Start() error
	// Stop leaves the group and shuts the receive loop down.
	Stop() error
	// Send publishes one datagram to the group, best effort.
	Send(data []byte) error
	// SetHandler installs the receive callback. Must be called before Start.
	SetHandler(h Handler)
	// Fatal reports an unrecoverable receive-loop failure. At most one error
	// is ever delivered.
	Fatal() <-chan error
}

const maxDatagram = 65536

// UDPMulticast implements Transport over a UDP socket joined to an IP
// multicast group. Address reuse lets several peers share one host, and
// loopback stays enabled so a sender receives its own datagrams like any
// other member.
type UDPMulticast struct {
	group string
	ttl   int

	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	dst     *net.UDPAddr
	handler Handler

	mu         sync.RWMutex
	sendMu     sync.Mutex
	shutdownCh chan struct{}
	fatalCh    chan error
	wg         sync.WaitGroup
	logger     logging.Logger
}

// NewUDPMulticast creates a transport for the given "group:port" address.
func NewUDPMulticast(group string, ttl int, logger logging.Logger) *UDPMulticast {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &UDPMulticast{
		group:      group,
		ttl:        ttl,
		shutdownCh: make(chan struct{}),
		fatalCh:    make(chan error, 1),
		logger:     logger,
	}
}

// Start binds the socket, joins the group and spawns the receive loop.
func (t *UDPMulticast) Start() error {
	dst, err := net.ResolveUDPAddr("udp4", t.group)
	if err != nil {
		return fmt.Errorf("resolve multicast group %s: %w", t.group, err)
	}

	// ListenMulticastUDP sets address reuse and joins the group on the
	// system-chosen interface.
	conn, err := net.ListenMulticastUDP("udp4", nil, dst)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", t.group, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(t.ttl); err != nil {
		t.logger.Warnf("[Transport] Could not set multicast TTL: %v", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		t.logger.Warnf("[Transport] Could not enable multicast loopback: %v", err)
	}

	t.conn = conn
	t.pconn = pconn
	t.dst = dst

	t.wg.Add(1)
	go t.listen()

	t.logger.Infof("[Transport] Joined multicast group %s (ttl=%d)", t.group, t.ttl)
	return nil
}

// Stop shuts down the receive loop and closes the socket.
func (t *UDPMulticast) Stop() error {
	close(t.shutdownCh)
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Errorf("[Transport] Error closing socket: %v", err)
		}
	}
	t.wg.Wait()
	t.logger.Infof("[Transport] Left multicast group %s", t.group)
	return nil
}

// listen reads datagrams until shutdown. Decode problems belong to the
// caller; a persistent socket error is fatal and ends the loop.
func (t *UDPMulticast) listen() {
	defer t.wg.Done()

	buffer := make([]byte, maxDatagram)

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		// Short read deadline so the shutdown channel is checked regularly.
		if err := t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.logger.Errorf("[Transport] Error setting read deadline: %v", err)
			continue
		}

		n, src, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdownCh:
				return
			default:
			}
			t.logger.Errorf("[Transport] Receive loop terminated: %v", err)
			select {
			case t.fatalCh <- fmt.Errorf("multicast receive: %w", err):
			default:
			}
			return
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			handler(data, src)
		}
	}
}

// Send publishes one datagram to the group. The socket is shared with the
// receive path, so sends are serialized.
func (t *UDPMulticast) Send(data []byte) error {
	if t.conn == nil {
		return fmt.Errorf("transport not started")
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if _, err := t.conn.WriteToUDP(data, t.dst); err != nil {
		return fmt.Errorf("multicast send: %w", err)
	}
	return nil
}

// SetHandler installs the receive callback.
func (t *UDPMulticast) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Fatal reports an unrecoverable receive failure.
func (t *UDPMulticast) Fatal() <-chan error {
	return t.fatalCh
}
