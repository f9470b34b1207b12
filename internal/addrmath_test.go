package internal_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natrouter/internal"
)

func TestNetworkAndBroadcast(t *testing.T) {
	testCases := map[string]struct {
		addr      string
		bits      int
		network   string
		broadcast string
	}{
		"class c":      {"192.168.1.77", 24, "192.168.1.0", "192.168.1.255"},
		"odd boundary": {"10.1.2.3", 12, "10.0.0.0", "10.15.255.255"},
		"host route":   {"8.8.8.8", 32, "8.8.8.8", "8.8.8.8"},
		"default":      {"203.0.113.10", 0, "0.0.0.0", "255.255.255.255"},
		"ipv6":         {"2001:db8::1234", 64, "2001:db8::", "2001:db8::ffff:ffff:ffff:ffff"},
		"mapped v4":    {"::ffff:10.0.0.9", 8, "10.0.0.0", "10.255.255.255"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			addr := netip.MustParseAddr(tc.addr)
			assert.Equal(t, netip.MustParseAddr(tc.network), internal.NetworkAddress(addr, tc.bits))
			assert.Equal(t, netip.MustParseAddr(tc.broadcast), internal.BroadcastAddress(addr, tc.bits))
		})
	}
}

func TestNetworkAddressInvalidBits(t *testing.T) {
	assert.False(t, internal.NetworkAddress(netip.MustParseAddr("10.0.0.1"), 33).IsValid())
	assert.False(t, internal.BroadcastAddress(netip.MustParseAddr("10.0.0.1"), -1).IsValid())
}

func TestIncrementDecrement(t *testing.T) {
	assert.Equal(t, netip.MustParseAddr("10.0.1.0"), internal.Increment(netip.MustParseAddr("10.0.0.255")))
	assert.Equal(t, netip.MustParseAddr("10.0.0.255"), internal.Decrement(netip.MustParseAddr("10.0.1.0")))
	assert.False(t, internal.Increment(netip.MustParseAddr("255.255.255.255")).IsValid())
	assert.False(t, internal.Decrement(netip.MustParseAddr("0.0.0.0")).IsValid())
}

func TestIsMulticast(t *testing.T) {
	assert.True(t, internal.IsMulticast(netip.MustParseAddr("224.0.0.1")))
	assert.True(t, internal.IsMulticast(netip.MustParseAddr("239.255.255.250")))
	assert.False(t, internal.IsMulticast(netip.MustParseAddr("240.0.0.1")))
	assert.False(t, internal.IsMulticast(netip.MustParseAddr("223.255.255.255")))
	assert.True(t, internal.IsMulticast(netip.MustParseAddr("ff02::1")))
	assert.False(t, internal.IsMulticast(netip.MustParseAddr("fe80::1")))
}

func TestRange(t *testing.T) {
	addrs, err := internal.Range(netip.MustParseAddr("10.0.0.254"), netip.MustParseAddr("10.0.1.1"))
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.254"),
		netip.MustParseAddr("10.0.0.255"),
		netip.MustParseAddr("10.0.1.0"),
		netip.MustParseAddr("10.0.1.1"),
	}, addrs)

	_, err = internal.Range(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("::1"))
	assert.ErrorIs(t, err, internal.ErrFamilyMismatch)

	_, err = internal.Range(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"))
	assert.ErrorIs(t, err, internal.ErrInvalidAddress)

	_, err = internal.PrefixRange(netip.MustParseAddr("2001:db8::"), 64)
	assert.ErrorIs(t, err, internal.ErrRangeTooLarge)
}

func TestPrefixRange(t *testing.T) {
	addrs, err := internal.PrefixRange(netip.MustParseAddr("203.0.113.9"), 30)
	require.NoError(t, err)
	require.Len(t, addrs, 4)
	assert.Equal(t, netip.MustParseAddr("203.0.113.8"), addrs[0])
	assert.Equal(t, netip.MustParseAddr("203.0.113.11"), addrs[3])
	assert.Equal(t, 4, internal.PrefixSize(netip.MustParseAddr("203.0.113.9"), 30))
}

func TestMaskBits(t *testing.T) {
	bits, err := internal.MaskBits(net.CIDRMask(20, 32))
	require.NoError(t, err)
	assert.Equal(t, 20, bits)

	_, err = internal.MaskBits(net.IPv4Mask(255, 0, 255, 0))
	assert.ErrorIs(t, err, internal.ErrInvalidMask)
}

func TestSameNetwork(t *testing.T) {
	assert.True(t, internal.SameNetwork(netip.MustParseAddr("10.1.2.3"), netip.MustParseAddr("10.1.0.0"), 16))
	assert.False(t, internal.SameNetwork(netip.MustParseAddr("10.2.2.3"), netip.MustParseAddr("10.1.0.0"), 16))
	assert.False(t, internal.SameNetwork(netip.MustParseAddr("10.1.2.3"), netip.MustParseAddr("::"), 0))
}
