package notify

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestPushDeliversToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan Payload, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var p Payload
		if json.Unmarshal(line, &p) == nil {
			received <- p
		}
	}()

	n := New(listenerPort(t, ln), 250*time.Millisecond)
	n.Push(EventTaskCreated, map[string]any{"id": 1})

	select {
	case p := <-received:
		require.Equal(t, "1.0", p.Version)
		require.Equal(t, EventTaskCreated, p.Type)
		require.NotEmpty(t, p.Timestamp)
		_, err := time.Parse(time.RFC3339, p.Timestamp)
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestPushSwallowsAbsentDashboard(t *testing.T) {
	// Grab a free port, then close the listener so nothing is there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, ln)
	require.NoError(t, ln.Close())

	n := New(port, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		n.Push(EventTaskDeleted, map[string]any{"id": 7})
		close(done)
	}()

	// Push must return immediately; the failed dial happens off to the
	// side and never surfaces.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked")
	}
	time.Sleep(100 * time.Millisecond)
}
