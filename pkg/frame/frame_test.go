package frame_test

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natrouter/pkg/frame"
	"natrouter/pkg/frame/frametest"
)

func TestParse(t *testing.T) {
	f := frametest.TCP(t, "10.0.0.5", 40000, "8.0.0.1", 80, frametest.TCPFlags{SYN: true})

	assert.Equal(t, 4, f.Version())
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), f.Source())
	assert.Equal(t, netip.MustParseAddr("8.0.0.1"), f.Destination())
	assert.Equal(t, layers.IPProtocolTCP, f.Protocol())
	src, dst := f.Ports()
	assert.Equal(t, uint16(40000), src)
	assert.Equal(t, uint16(80), dst)
	assert.Equal(t, "TCP 10.0.0.5:40000 -> 8.0.0.1:80", f.String())
}

func TestParseErrors(t *testing.T) {
	_, err := frame.Parse(nil)
	assert.ErrorIs(t, err, frame.ErrTooShort)

	_, err = frame.Parse([]byte{0x45, 0, 0})
	assert.ErrorIs(t, err, frame.ErrTooShort)

	_, err = frame.Parse(make([]byte, 40))
	assert.ErrorIs(t, err, frame.ErrUnknownVersion)
}

func TestICMPHasNoPorts(t *testing.T) {
	f := frametest.ICMPEcho(t, "10.0.0.5", "8.0.0.1", 7, 1)
	assert.False(t, f.HasPorts())
	src, dst := f.Ports()
	assert.Zero(t, src)
	assert.Zero(t, dst)
	assert.ErrorIs(t, f.SetSourcePort(1), frame.ErrNoTransport)

	require.NoError(t, f.SetSource(netip.MustParseAddr("203.0.113.10")))
	assert.Equal(t, netip.MustParseAddr("203.0.113.10"), f.Source())
	frametest.RequireValidChecksums(t, f)
}

func TestICMPv6RewriteResignsChecksum(t *testing.T) {
	f := frametest.ICMPEcho(t, "fd00::5", "2001:4860::8888", 7, 1)
	assert.Equal(t, layers.IPProtocolICMPv6, f.Protocol())
	require.NotNil(t, f.ICMPv6())
	assert.False(t, f.HasPorts())
	frametest.RequireValidChecksums(t, f)

	// The ICMPv6 checksum covers the pseudo-header.
	require.NoError(t, f.SetSource(netip.MustParseAddr("2001:db8::10")))
	frametest.RequireValidChecksums(t, f)
	require.NoError(t, f.SetDestination(netip.MustParseAddr("fd00::6")))
	frametest.RequireValidChecksums(t, f)
	assert.Equal(t, netip.MustParseAddr("2001:db8::10"), f.Source())
}

func TestFragments(t *testing.T) {
	testCases := map[string]struct {
		frame    func(t *testing.T) *frame.Frame
		fragment bool
	}{
		"whole datagram": {
			frame:    func(t *testing.T) *frame.Frame { return frametest.UDP(t, "10.0.0.5", 5000, "8.0.0.1", 53, 1, 2) },
			fragment: false,
		},
		"first fragment": {
			frame: func(t *testing.T) *frame.Frame {
				return frametest.UDPFragment(t, "10.0.0.5", 5000, "8.0.0.1", 53, 0, true, 1, 2, 3, 4, 5, 6, 7, 8)
			},
			fragment: true,
		},
		"last fragment": {
			frame: func(t *testing.T) *frame.Frame {
				return frametest.UDPFragment(t, "10.0.0.5", 0, "8.0.0.1", 0, 2, false, 9, 10)
			},
			fragment: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			f := tc.frame(t)
			assert.Equal(t, tc.fragment, f.IsFragment())
			assert.Equal(t, !tc.fragment, f.HasPorts())
			assert.Equal(t, layers.IPProtocolUDP, f.Protocol())
		})
	}
}

func TestRewriteResignsChecksums(t *testing.T) {
	testCases := map[string]func(t *testing.T) *frame.Frame{
		"tcp v4": func(t *testing.T) *frame.Frame {
			return frametest.TCP(t, "10.0.0.5", 40000, "8.0.0.1", 80, frametest.TCPFlags{ACK: true}, []byte("odd")...)
		},
		"udp v4": func(t *testing.T) *frame.Frame {
			return frametest.UDP(t, "10.0.0.5", 5353, "8.0.0.1", 53, []byte("query")...)
		},
		"tcp v6": func(t *testing.T) *frame.Frame {
			return frametest.TCP(t, "fd00::5", 40000, "2001:db8::1", 443, frametest.TCPFlags{SYN: true})
		},
		"udp v6": func(t *testing.T) *frame.Frame {
			return frametest.UDP(t, "fd00::5", 40000, "2001:db8::1", 123, 1, 2, 3)
		},
	}

	for name, build := range testCases {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			frametest.RequireValidChecksums(t, f)

			var src, dst netip.Addr
			if f.Version() == 4 {
				src, dst = netip.MustParseAddr("203.0.113.10"), netip.MustParseAddr("198.51.100.7")
			} else {
				src, dst = netip.MustParseAddr("2001:db8:ffff::10"), netip.MustParseAddr("2001:db8::99")
			}

			require.NoError(t, f.SetSource(src))
			frametest.RequireValidChecksums(t, f)
			require.NoError(t, f.SetDestination(dst))
			frametest.RequireValidChecksums(t, f)
			require.NoError(t, f.SetSourcePort(4000))
			frametest.RequireValidChecksums(t, f)
			require.NoError(t, f.SetDestinationPort(4001))
			frametest.RequireValidChecksums(t, f)

			assert.Equal(t, src, f.Source())
			assert.Equal(t, dst, f.Destination())
			sport, dport := f.Ports()
			assert.Equal(t, uint16(4000), sport)
			assert.Equal(t, uint16(4001), dport)
		})
	}
}

func TestRewriteRejectsWrongFamily(t *testing.T) {
	f := frametest.UDP(t, "10.0.0.5", 1, "8.0.0.1", 2)
	assert.ErrorIs(t, f.SetSource(netip.MustParseAddr("2001:db8::1")), frame.ErrFamilyMismatch)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), f.Source())
}

func TestTCPFlagsSurviveRewrite(t *testing.T) {
	f := frametest.TCP(t, "10.0.0.5", 40000, "8.0.0.1", 80, frametest.TCPFlags{FIN: true, ACK: true})
	require.NoError(t, f.SetSourcePort(4000))
	require.NotNil(t, f.TCP())
	assert.True(t, f.TCP().FIN)
	assert.True(t, f.TCP().ACK)
	assert.Equal(t, layers.TCPPort(4000), f.TCP().SrcPort)
}
