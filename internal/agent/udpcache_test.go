package agent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUDPFlowCacheGetOrCreateReusesExistingFlow(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()
	local := ln.LocalAddr().(*net.UDPAddr)

	cache := newUDPFlowCache(time.Minute, nil)
	defer cache.Close()

	f1, fresh1, err := cache.getOrCreate("1.2.3.4:5555", local)
	require.NoError(t, err)
	require.True(t, fresh1)

	f2, fresh2, err := cache.getOrCreate("1.2.3.4:5555", local)
	require.NoError(t, err)
	require.False(t, fresh2)
	require.Same(t, f1.conn, f2.conn)
	require.Equal(t, 1, cache.Len())
}

func TestUDPFlowCacheSweepExpiresIdleFlows(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()
	local := ln.LocalAddr().(*net.UDPAddr)

	var expired []string
	cache := newUDPFlowCache(20*time.Millisecond, func(key string) {
		expired = append(expired, key)
	})
	defer cache.Close()

	f, _, err := cache.getOrCreate("1.2.3.4:5555", local)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cache.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, expired, "1.2.3.4:5555")

	_, err = f.conn.Write([]byte("x"))
	require.Error(t, err, "expired flow's socket should be closed, not just dropped from the map")
}
