package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumcast/internal/logging"
)

func TestNewUDPMulticast(t *testing.T) {
	tr := NewUDPMulticast("224.1.1.1:50000", 1, nil)

	assert.NotNil(t, tr)
	assert.Equal(t, "224.1.1.1:50000", tr.group)
	assert.Equal(t, 1, tr.ttl)
	assert.NotNil(t, tr.logger)
}

func TestSend_NotStarted(t *testing.T) {
	tr := NewUDPMulticast("224.1.1.1:50000", 1, logging.Nop{})

	err := tr.Send([]byte("hello"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestUDPMulticast_RoundTrip(t *testing.T) {
	// Two transports on the same group and port, as two peers on one host.
	// Environments without multicast support skip.
	group := "224.0.0.251:40917"

	recv := NewUDPMulticast(group, 1, logging.Nop{})
	var mu sync.Mutex
	var got [][]byte
	recv.SetHandler(func(data []byte, _ *net.UDPAddr) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
	})

	if err := recv.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer recv.Stop()

	send := NewUDPMulticast(group, 1, logging.Nop{})
	require.NoError(t, send.Start())
	defer send.Stop()

	payload := []byte(`{"type":"HB","from":1}`)
	require.NoError(t, send.Send(payload))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Skip("no multicast loopback in this environment")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, got[0])
}

func TestUDPMulticast_StopIsClean(t *testing.T) {
	tr := NewUDPMulticast("224.0.0.251:40919", 1, logging.Nop{})
	tr.SetHandler(func([]byte, *net.UDPAddr) {})

	if err := tr.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// No fatal error from an orderly shutdown.
	select {
	case err := <-tr.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}
