package nat_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"natrouter/internal"
	"natrouter/pkg/frame/frametest"
	"natrouter/pkg/nat"
)

func TestParseAddressRange(t *testing.T) {
	testCases := map[string]struct {
		input   string
		want    string
		wantErr bool
	}{
		"prefix":       {input: "10.0.0.0/8", want: "10.0.0.0/8"},
		"host bits":    {input: "10.1.2.3/8", want: "10.0.0.0/8"},
		"bare address": {input: "203.0.113.10", want: "203.0.113.10/32"},
		"ipv6":         {input: "2001:db8::/64", want: "2001:db8::/64"},
		"garbage":      {input: "not-an-address", wantErr: true},
		"bad length":   {input: "10.0.0.0/40", wantErr: true},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r, err := nat.ParseAddressRange(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, nat.ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.String())
		})
	}
}

func TestExternalPool(t *testing.T) {
	e, err := nat.NewEngine(nat.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	wide := mustRange(t, "203.0.113.8/30")
	narrow := mustRange(t, "203.0.113.10/32")
	other := mustRange(t, "198.51.100.1/32")
	require.NoError(t, e.AddToExternalRange(narrow))
	require.NoError(t, e.AddToExternalRange(wide))
	require.NoError(t, e.AddToExternalRange(other))

	assert.Equal(t, []netip.Addr{
		addr("203.0.113.10"),
		addr("203.0.113.8"),
		addr("203.0.113.9"),
		addr("203.0.113.11"),
		addr("198.51.100.1"),
	}, e.Pool())
	assert.Equal(t, []nat.AddressRange{narrow, wide, other}, e.ExternalRanges())

	// The overlapping /32 keeps .10 in the pool.
	assert.True(t, e.RemoveFromExternalRange(wide))
	assert.Equal(t, []netip.Addr{addr("203.0.113.10"), addr("198.51.100.1")}, e.Pool())
	assert.False(t, e.RemoveFromExternalRange(wide))

	require.ErrorIs(t, e.AddToExternalRange(mustRange(t, "2001:db8::/64")), internal.ErrRangeTooLarge)
	require.ErrorIs(t, e.AddToExternalRange(nat.AddressRange{}), nat.ErrInvalidRange)
	assert.Len(t, e.ExternalRanges(), 2)
}

func TestInternalRanges(t *testing.T) {
	e, err := nat.NewEngine(nat.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	r := mustRange(t, "fd00::/48")
	require.NoError(t, e.AddToInternalRange(r))
	assert.Equal(t, []nat.AddressRange{r}, e.InternalRanges())
	assert.Empty(t, e.Pool())

	assert.True(t, e.RemoveFromInternalRange(r))
	assert.False(t, e.RemoveFromInternalRange(r))
	assert.Empty(t, e.InternalRanges())
}

func TestRemovingExternalRangeKeepsEntries(t *testing.T) {
	fx := newFixture(t, nat.Options{PortRangeStart: 4000, PortRangeEnd: 4001},
		"10.0.0.0/8", "203.0.113.10/32", "198.51.100.1/32")
	var removed []nat.EntryEvent
	fx.engine.Subscribe(func(ev nat.EntryEvent) {
		if ev.Kind == nat.EntryRemoved {
			removed = append(removed, ev)
		}
	})

	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "10.0.0.5", 5000, "8.0.0.1", 53), nat.FaceInternal))
	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "10.0.0.6", 5000, "8.0.0.1", 53), nat.FaceInternal))
	require.Equal(t, 2, fx.engine.Len())

	assert.True(t, fx.engine.RemoveFromExternalRange(mustRange(t, "203.0.113.10/32")))
	assert.Equal(t, []netip.Addr{addr("198.51.100.1")}, fx.engine.Pool())
	assert.Equal(t, 2, fx.engine.Len())
	assert.Empty(t, removed)

	// The live flow on the withdrawn address keeps translating both ways.
	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "10.0.0.5", 5000, "8.0.0.1", 53), nat.FaceInternal))
	assertEndpoints(t, fx.external.last(t), "203.0.113.10", 4000, "8.0.0.1", 53)
	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "8.0.0.1", 53, "203.0.113.10", 4000), nat.FaceExternal))
	assertEndpoints(t, fx.internal.last(t), "8.0.0.1", 53, "10.0.0.5", 5000)

	// Unknown flows to the draining address are still unsolicited.
	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "8.0.0.1", 53, "203.0.113.10", 4009), nat.FaceExternal))
	assert.EqualValues(t, 1, fx.engine.DroppedFrames())

	// New flows no longer get the withdrawn address.
	err := fx.engine.HandleTraffic(frametest.UDP(t, "10.0.0.7", 5000, "8.0.0.1", 53), nat.FaceInternal)
	require.ErrorIs(t, err, nat.ErrAllocationExhausted)

	// Once its last entry expires the address is no longer ours.
	for fx.engine.Len() > 0 {
		fx.engine.Sweep()
	}
	require.NoError(t, fx.engine.HandleTraffic(frametest.UDP(t, "8.0.0.1", 53, "203.0.113.10", 4000), nat.FaceExternal))
	assertEndpoints(t, fx.internal.last(t), "8.0.0.1", 53, "203.0.113.10", 4000)
	assert.EqualValues(t, 2, fx.engine.DroppedFrames())
}
