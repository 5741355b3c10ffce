package gateway

import (
	"testing"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/stretchr/testify/require"
)

func rangeSpec(id string, low, high int, enabled bool) PortSpec {
	return PortSpec{ID: id, Kind: PortSpecRange, Low: low, High: high, Enabled: enabled}
}

func TestAllocatePreferredWhenAvailable(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{rangeSpec("a", 25000, 25100, true)})

	got, err := r.Allocate(25050)
	require.NoError(t, err)
	require.Equal(t, 25050, got)
}

func TestAllocateFallsBackToAscendingWhenPreferredTaken(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{rangeSpec("a", 30000, 30002, true)})

	_, err := r.Allocate(30000)
	require.NoError(t, err)

	got, err := r.Allocate(30000)
	require.NoError(t, err)
	require.NotEqual(t, 30000, got)
	require.Equal(t, 30001, got)
}

func TestAllocateNoPreferencePicksSmallest(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{rangeSpec("a", 40010, 40020, true)})

	got, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, 40010, got)
}

func TestAllocateExhaustedReturnsNoPortAvailable(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{{ID: "a", Kind: PortSpecSingleton, Low: 5000, High: 5000, Enabled: true}})

	_, err := r.Allocate(0)
	require.NoError(t, err)

	_, err = r.Allocate(0)
	require.ErrorIs(t, err, ferrors.ErrNoPortAvailable)
}

func TestAllocateIgnoresDisabledSpecs(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{rangeSpec("a", 6000, 6010, false)})

	_, err := r.Allocate(6005)
	require.ErrorIs(t, err, ferrors.ErrNoPortAvailable)
}

func TestAllocateReservedPortNeverOffered(t *testing.T) {
	r := NewRegistry(9000)
	r.SetSpecs([]PortSpec{rangeSpec("a", 9000, 9000, true)})

	_, err := r.Allocate(9000)
	require.ErrorIs(t, err, ferrors.ErrNoPortAvailable)
}

func TestReleaseIsIdempotentAndReturnsToPool(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{{ID: "a", Kind: PortSpecSingleton, Low: 7000, High: 7000, Enabled: true}})

	p, err := r.Allocate(7000)
	require.NoError(t, err)
	require.Equal(t, 7000, p)

	r.Release(7000)
	r.Release(7000) // idempotent

	p2, err := r.Allocate(7000)
	require.NoError(t, err)
	require.Equal(t, 7000, p2)
}

func TestOverlappingRangesUnion(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{
		rangeSpec("a", 8000, 8005, true),
		rangeSpec("b", 8003, 8010, true),
	})
	avail := r.ListAvailable()
	require.Len(t, avail, 11) // 8000..8010 inclusive, union
}

func TestConcurrentAllocateSamePreferredHasOneWinner(t *testing.T) {
	r := NewRegistry()
	r.SetSpecs([]PortSpec{{ID: "a", Kind: PortSpecSingleton, Low: 9500, High: 9500, Enabled: true}})

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.Allocate(9500)
			results <- err
		}()
	}
	successes := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}
