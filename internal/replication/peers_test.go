package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeersConfiguredVsDiscovered(t *testing.T) {
	p := NewPeers([]string{"10.0.0.1:7700"})
	require.True(t, p.IsConfigured("10.0.0.1:7700"))

	require.True(t, p.Add("10.0.0.2:7700"))
	require.False(t, p.Add("10.0.0.2:7700"))
	require.False(t, p.IsConfigured("10.0.0.2:7700"))

	p.Remove("10.0.0.2:7700")
	require.False(t, p.Known("10.0.0.2:7700"))
}

func TestPeersSequenceCursors(t *testing.T) {
	p := NewPeers([]string{"a:1"})
	p.UpdateSent("a:1", 10)
	p.UpdateSent("a:1", 5) // never rewinds
	require.Equal(t, uint64(10), p.LastSent("a:1"))

	p.UpdateReceived("a:1", 7)
	require.Equal(t, uint64(7), p.LastReceived("a:1"))
}

func TestAckIsKeyedByConnectionIdentity(t *testing.T) {
	p := NewPeers([]string{"a:1", "b:1"})
	connA := p.BindConn("a:1")
	connB := p.BindConn("b:1")
	require.NotEqual(t, connA, connB)

	require.True(t, p.UpdateAcked(connA, 5))
	var a, b PeerState
	for _, st := range p.Snapshot() {
		switch st.Address {
		case "a:1":
			a = st
		case "b:1":
			b = st
		}
	}
	require.Equal(t, uint64(5), a.LastSequenceAcked)
	require.Zero(t, b.LastSequenceAcked)

	// A stale connection id from before a reconnect can no longer ack.
	newConnA := p.BindConn("a:1")
	require.False(t, p.UpdateAcked(connA, 9))
	require.True(t, p.UpdateAcked(newConnA, 9))

	// Disconnecting unbinds; an ack on the dead connection is dropped.
	p.SetConnected("a:1", false)
	require.False(t, p.UpdateAcked(newConnA, 12))
}

func TestHealthyAddressesRequireConnection(t *testing.T) {
	p := NewPeers([]string{"a:1", "b:1"})
	p.BindConn("a:1")
	require.Equal(t, []string{"a:1"}, p.HealthyAddresses(time.Minute))
}
