package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUDPSessionSetPickOneRoundRobinsAndPrunesClosed(t *testing.T) {
	set := newUDPSessionSet()
	require.Nil(t, set.PickOne())

	a1, a2 := fakeConnPair()
	b1, b2 := fakeConnPair()
	defer a2.Close()
	defer b2.Close()
	sa := NewSession(a1, 1234, ProtocolUDP)
	sb := NewSession(b1, 1234, ProtocolUDP)
	set.Add(sa)
	set.Add(sb)
	require.Equal(t, SessionMultiplex, sa.State())

	first := set.PickOne()
	second := set.PickOne()
	require.NotSame(t, first, second)

	require.NoError(t, sa.Close())
	// after sa closes, only sb should ever be returned
	for i := 0; i < 5; i++ {
		got := set.PickOne()
		require.Same(t, sb, got)
	}
	require.Equal(t, 1, set.Len())
}

func TestUDPSessionSetDrainClosesAll(t *testing.T) {
	set := newUDPSessionSet()
	a1, a2 := fakeConnPair()
	defer a2.Close()
	s := NewSession(a1, 1234, ProtocolUDP)
	set.Add(s)

	set.Drain()
	require.True(t, s.IsClosed())
	require.Equal(t, 0, set.Len())
}
