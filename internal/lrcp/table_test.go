package lrcp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestTableGetOrCreate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable(clock, 0, 0)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}

	s1, created := tbl.GetOrCreate(7, addr)
	require.True(t, created, "expected new session to be created")

	s2, created := tbl.GetOrCreate(7, addr)
	require.False(t, created, "expected existing session to be returned, not created")
	require.Same(t, s1, s2, "expected the same session instance for repeated GetOrCreate")
	require.Equal(t, 1, tbl.Len())
}

func TestTableDelete(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable(clock, 0, 0)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}
	tbl.GetOrCreate(1, addr)
	tbl.Delete(1)

	_, ok := tbl.Get(1)
	require.False(t, ok, "expected session to be gone after Delete")
}

func TestTableUpdatePeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable(clock, 0, 0)
	addr1 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	s, _ := tbl.GetOrCreate(1, addr1)
	tbl.UpdatePeer(1, addr2)

	require.Equal(t, 2, s.Peer.Port)
}

func TestTablePassesDurationsToSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable(clock, 5*time.Second, 2*time.Second)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	s, _ := tbl.GetOrCreate(1, addr)

	require.Equal(t, 5*time.Second, s.sessionTimeout)
	require.Equal(t, 2*time.Second, s.retransInterval)
}
