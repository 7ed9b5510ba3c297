package network

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestListener(t *testing.T, accept AcceptHandler) *Listener {
	t.Helper()

	l, err := NewListener(&ListenerConfig{Address: "127.0.0.1:0", ProbeTimeout: time.Second}, accept, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestListenerHandsOverConnections(t *testing.T) {
	accepted := make(chan *Connection, 1)
	l := startTestListener(t, func(conn *Connection, prefix []byte) {
		accepted <- conn
	})

	peer, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	select {
	case conn := <-accepted:
		assert.Equal(t, StateConnected, conn.State())
		conn.Close(CloseForced)
	case <-time.After(time.Second):
		t.Fatal("connection never handed over")
	}
	assert.Equal(t, uint64(1), l.Accepted())
}

func TestListenerProbeChain(t *testing.T) {
	var sawPrefix atomic.Value
	accepted := make(chan []byte, 1)

	l := startTestListener(t, func(conn *Connection, prefix []byte) {
		accepted <- prefix
		conn.Close(CloseForced)
	})

	l.AddProbe(func(prefix []byte, conn net.Conn) ProbeVerdict {
		sawPrefix.Store(append([]byte{}, prefix...))
		return ProbeNotMine
	})

	peer, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte{0x10, 0x20, 0x30, 0x40, 0x50})
	require.NoError(t, err)

	select {
	case prefix := <-accepted:
		// The peeked bytes are handed back for default MQTT parsing.
		assert.Equal(t, []byte{0x10, 0x20, 0x30, 0x40}, prefix)
		assert.Equal(t, prefix, sawPrefix.Load())
	case <-time.After(time.Second):
		t.Fatal("probe chain never completed")
	}
}

func TestListenerProbeFatal(t *testing.T) {
	handedOver := make(chan struct{}, 1)

	l := startTestListener(t, func(conn *Connection, prefix []byte) {
		handedOver <- struct{}{}
	})

	l.AddProbe(func(prefix []byte, conn net.Conn) ProbeVerdict {
		return ProbeFatal
	})

	peer, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("boom"))
	require.NoError(t, err)

	// The socket is dropped without reaching the accept handler.
	buf := make([]byte, 1)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = peer.Read(buf)
	require.Error(t, err, "listener must close the probed-out socket")

	select {
	case <-handedOver:
		t.Fatal("fatal probe verdict still handed the connection over")
	default:
	}
}

func TestListenerProbeMineTakesOwnership(t *testing.T) {
	handedOver := make(chan struct{}, 1)
	claimed := make(chan net.Conn, 1)

	l := startTestListener(t, func(conn *Connection, prefix []byte) {
		handedOver <- struct{}{}
	})

	l.AddProbe(func(prefix []byte, conn net.Conn) ProbeVerdict {
		if len(prefix) > 0 && prefix[0] == 'G' { // looks like HTTP GET
			claimed <- conn
			return ProbeMine
		}
		return ProbeNotMine
	})

	peer, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("GET /"))
	require.NoError(t, err)

	select {
	case conn := <-claimed:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("probe never claimed the connection")
	}

	select {
	case <-handedOver:
		t.Fatal("claimed connection must not reach the accept handler")
	case <-time.After(100 * time.Millisecond):
	}
}
