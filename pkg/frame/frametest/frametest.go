// Package frametest builds frames for tests.
package frametest

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"natrouter/pkg/checksum"
	"natrouter/pkg/frame"
)

// TCPFlags selects the flags of a TCP segment built by TCP.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH bool
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func network(t testing.TB, src, dst string, proto layers.IPProtocol) (gopacket.NetworkLayer, gopacket.SerializableLayer) {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	if s.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(s.AsSlice()),
			DstIP:    net.IP(d.AsSlice()),
		}
		return ip, ip
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      net.IP(s.AsSlice()),
		DstIP:      net.IP(d.AsSlice()),
	}
	return ip, ip
}

func parse(t testing.TB, ls ...gopacket.SerializableLayer) *frame.Frame {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))

	data := append([]byte{}, buf.Bytes()...)
	f, err := frame.Parse(data)
	require.NoError(t, err)
	return f
}

// TCP builds a TCP segment from src:sport to dst:dport.
func TCP(t testing.TB, src string, sport uint16, dst string, dport uint16, flags TCPFlags, payload ...byte) *frame.Frame {
	t.Helper()
	netLayer, ip := network(t, src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1000,
		Window:  65535,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		PSH:     flags.PSH,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(netLayer))
	return parse(t, ip, tcp, gopacket.Payload(payload))
}

// UDP builds a UDP datagram from src:sport to dst:dport.
func UDP(t testing.TB, src string, sport uint16, dst string, dport uint16, payload ...byte) *frame.Frame {
	t.Helper()
	netLayer, ip := network(t, src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(netLayer))
	return parse(t, ip, udp, gopacket.Payload(payload))
}

// ICMPEcho builds an ICMP echo request, or an ICMPv6 one for IPv6 addresses.
func ICMPEcho(t testing.TB, src, dst string, id, seq uint16) *frame.Frame {
	t.Helper()
	if netip.MustParseAddr(src).Is6() {
		netLayer, ip := network(t, src, dst, layers.IPProtocolICMPv6)
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
		}
		require.NoError(t, icmp.SetNetworkLayerForChecksum(netLayer))
		return parse(t, ip, icmp, &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq})
	}

	_, ip := network(t, src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	return parse(t, ip, icmp)
}

// UDPFragment builds one IPv4 fragment of a UDP datagram. The fragment at
// offset 0 carries the UDP header; offset is in 8-byte units.
func UDPFragment(t testing.TB, src string, sport uint16, dst string, dport uint16, offset uint16, more bool, payload ...byte) *frame.Frame {
	t.Helper()
	netLayer, ls := network(t, src, dst, layers.IPProtocolUDP)
	ip, ok := netLayer.(*layers.IPv4)
	require.True(t, ok, "IPv4 addresses required")
	ip.FragOffset = offset
	if more {
		ip.Flags |= layers.IPv4MoreFragments
	}

	if offset != 0 {
		return parse(t, ls, gopacket.Payload(payload))
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(netLayer))
	return parse(t, ls, udp, gopacket.Payload(payload))
}

// RequireValidChecksums fails the test unless every checksum in f verifies.
func RequireValidChecksums(t testing.TB, f *frame.Frame) {
	t.Helper()
	if f.IPv4() != nil {
		ihl := int(f.Data[0]&0x0f) * 4
		sum, err := checksum.Checksum(f.Data[:ihl])
		require.NoError(t, err)
		require.Zero(t, sum, "IPv4 header checksum")
	}

	var segment []byte
	switch {
	case f.ICMPv6() != nil:
		icmp := f.ICMPv6()
		segment = append(append([]byte{}, icmp.Contents...), icmp.Payload...)
	case !f.HasPorts():
		return
	case f.TCP() != nil:
		tcp := f.TCP()
		segment = append(append([]byte{}, tcp.Contents...), tcp.Payload...)
	default:
		udp := f.UDP()
		segment = append(append([]byte{}, udp.Contents...), udp.Payload...)
		if binary.BigEndian.Uint16(segment[6:]) == 0 {
			return
		}
	}

	pseudo, err := checksum.PseudoHeader(f.Source(), f.Destination(), uint8(f.Protocol()), len(segment))
	require.NoError(t, err)
	sum, err := checksum.Checksum(checksum.Pad(append(pseudo, segment...)))
	require.NoError(t, err)
	require.Zero(t, sum, "%s checksum", f.Protocol())
}
