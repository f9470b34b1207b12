package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"natrouter/pkg/checksum"
)

var (
	ErrTooShort       = errors.New("frame too short to contain an IP header")
	ErrUnknownVersion = errors.New("unknown IP version")
	ErrNoTransport    = errors.New("frame carries no TCP or UDP header")
	ErrFamilyMismatch = errors.New("address family does not match frame")
)

// Frame is a raw IP datagram together with its decoded layers. Rewrites are
// applied to Data in place and immediately re-sign every affected checksum.
//
// A Frame is not safe for concurrent mutation.
type Frame struct {
	Data []byte

	packet gopacket.Packet
	ip4    *layers.IPv4
	ip6    *layers.IPv6
	tcp    *layers.TCP
	udp    *layers.UDP
	icmp6  *layers.ICMPv6
	frag6  *layers.IPv6Fragment

	// Byte offsets into Data of the TCP, UDP or ICMPv6 message.
	transportStart int
	transportEnd   int
}

// Parse decodes data, which must start with an IPv4 or IPv6 header. The frame
// keeps a reference to data.
func Parse(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrTooShort
	}

	f := &Frame{Data: data}
	if err := f.decode(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Frame) decode() error {
	f.ip4, f.ip6, f.tcp, f.udp = nil, nil, nil, nil
	f.icmp6, f.frag6 = nil, nil
	f.transportStart, f.transportEnd = 0, 0

	var first gopacket.LayerType
	switch version := f.Data[0] >> 4; version {
	case 4:
		if len(f.Data) < ipv4.HeaderLen {
			return ErrTooShort
		}
		first = layers.LayerTypeIPv4
	case 6:
		if len(f.Data) < ipv6.HeaderLen {
			return ErrTooShort
		}
		first = layers.LayerTypeIPv6
	default:
		return fmt.Errorf("version %d: %w", version, ErrUnknownVersion)
	}

	f.packet = gopacket.NewPacket(f.Data, first, gopacket.NoCopy)

	var netPayload []byte
	switch network := f.packet.NetworkLayer().(type) {
	case *layers.IPv4:
		f.ip4 = network
		netPayload = network.Payload
	case *layers.IPv6:
		f.ip6 = network
		netPayload = network.Payload
	default:
		if errLayer := f.packet.ErrorLayer(); errLayer != nil {
			return fmt.Errorf("decoding network layer: %w", errLayer.Error())
		}
		return fmt.Errorf("packet does not contain an %s layer", first)
	}

	if frag, ok := f.packet.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment); ok {
		f.frag6 = frag
	}

	var segment []byte
	switch transport := f.packet.TransportLayer().(type) {
	case *layers.TCP:
		f.tcp = transport
		segment = transport.Contents
	case *layers.UDP:
		f.udp = transport
		segment = transport.Contents
	default:
		icmp, ok := f.packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if !ok {
			return nil
		}
		f.icmp6 = icmp
		segment = icmp.Contents
	}

	// Layers alias Data (NoCopy), so the offset of a sub-slice follows from
	// its remaining capacity.
	f.transportStart = f.offsetOf(segment)
	f.transportEnd = f.offsetOf(netPayload) + len(netPayload)
	if f.transportEnd < f.transportStart+len(segment) || f.transportEnd > len(f.Data) {
		f.tcp, f.udp, f.icmp6 = nil, nil, nil
		f.transportStart, f.transportEnd = 0, 0
	}

	return nil
}

func (f *Frame) offsetOf(sub []byte) int {
	return cap(f.Data) - cap(sub)
}

func (f *Frame) Version() int {
	if f.ip6 != nil {
		return 6
	}
	return 4
}

func (f *Frame) IPv4() *layers.IPv4 { return f.ip4 }
func (f *Frame) IPv6() *layers.IPv6 { return f.ip6 }
func (f *Frame) TCP() *layers.TCP   { return f.tcp }
func (f *Frame) UDP() *layers.UDP   { return f.udp }

func (f *Frame) ICMPv6() *layers.ICMPv6 { return f.icmp6 }

// IsFragment reports whether the frame is one fragment of a larger datagram,
// the first fragment included. Fragments never expose a transport layer.
func (f *Frame) IsFragment() bool {
	if f.ip4 != nil {
		return f.ip4.Flags&layers.IPv4MoreFragments != 0 || f.ip4.FragOffset != 0
	}
	return f.frag6 != nil
}

// Packet exposes the gopacket view of the frame for analyzers.
func (f *Frame) Packet() gopacket.Packet { return f.packet }

func (f *Frame) Source() netip.Addr {
	if f.ip6 != nil {
		return netip.AddrFrom16([16]byte(f.Data[8:24]))
	}
	return netip.AddrFrom4([4]byte(f.Data[12:16]))
}

func (f *Frame) Destination() netip.Addr {
	if f.ip6 != nil {
		return netip.AddrFrom16([16]byte(f.Data[24:40]))
	}
	return netip.AddrFrom4([4]byte(f.Data[16:20]))
}

// Protocol returns the upper-layer protocol. For IPv6 frames with other
// extension headers this is the next header of the fixed header unless the
// upper layer was decoded behind them.
func (f *Frame) Protocol() layers.IPProtocol {
	switch {
	case f.tcp != nil:
		return layers.IPProtocolTCP
	case f.udp != nil:
		return layers.IPProtocolUDP
	case f.icmp6 != nil:
		return layers.IPProtocolICMPv6
	case f.frag6 != nil:
		return f.frag6.NextHeader
	case f.ip6 != nil:
		return f.ip6.NextHeader
	default:
		return f.ip4.Protocol
	}
}

// HasPorts reports whether the frame carries a TCP or UDP header.
func (f *Frame) HasPorts() bool {
	return f.tcp != nil || f.udp != nil
}

// Ports returns the TCP or UDP ports, or 0/0 if neither is present.
func (f *Frame) Ports() (src, dst uint16) {
	if !f.HasPorts() {
		return 0, 0
	}
	return binary.BigEndian.Uint16(f.Data[f.transportStart:]), binary.BigEndian.Uint16(f.Data[f.transportStart+2:])
}

// TransportPayload returns the bytes following the TCP or UDP header.
func (f *Frame) TransportPayload() []byte {
	switch {
	case f.tcp != nil:
		return f.tcp.Payload
	case f.udp != nil:
		return f.udp.Payload
	default:
		return nil
	}
}

func (f *Frame) SetSource(addr netip.Addr) error {
	return f.rewrite(func() error { return f.putAddr(addr, 12, 8) })
}

func (f *Frame) SetDestination(addr netip.Addr) error {
	return f.rewrite(func() error { return f.putAddr(addr, 16, 24) })
}

func (f *Frame) SetSourcePort(port uint16) error {
	return f.rewrite(func() error { return f.putPort(port, 0) })
}

func (f *Frame) SetDestinationPort(port uint16) error {
	return f.rewrite(func() error { return f.putPort(port, 2) })
}

func (f *Frame) rewrite(mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	if err := f.UpdateChecksums(); err != nil {
		return err
	}
	return f.decode()
}

func (f *Frame) putAddr(addr netip.Addr, offset4, offset6 int) error {
	addr = addr.Unmap()
	switch {
	case f.ip6 == nil && addr.Is4():
		a := addr.As4()
		copy(f.Data[offset4:offset4+4], a[:])
	case f.ip6 != nil && addr.Is6():
		a := addr.As16()
		copy(f.Data[offset6:offset6+16], a[:])
	default:
		return fmt.Errorf("%s in IPv%d frame: %w", addr, f.Version(), ErrFamilyMismatch)
	}
	return nil
}

func (f *Frame) putPort(port uint16, offset int) error {
	if !f.HasPorts() {
		return ErrNoTransport
	}
	binary.BigEndian.PutUint16(f.Data[f.transportStart+offset:], port)
	return nil
}

// UpdateChecksums re-signs the IPv4 header checksum and, if present, the TCP,
// UDP or ICMPv6 checksum over the pseudo-header and message. ICMPv4 does not
// cover addresses and is left alone.
func (f *Frame) UpdateChecksums() error {
	if f.ip4 != nil {
		ihl := int(f.Data[0]&0x0f) * 4
		if ihl < ipv4.HeaderLen || ihl > len(f.Data) {
			return fmt.Errorf("invalid IPv4 header length %d", ihl)
		}
		f.Data[10], f.Data[11] = 0, 0
		sum, err := checksum.Checksum(f.Data[:ihl])
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(f.Data[10:], sum)
	}

	var field int
	switch {
	case f.tcp != nil:
		field = f.transportStart + 16
	case f.udp != nil:
		field = f.transportStart + 6
	case f.icmp6 != nil:
		field = f.transportStart + 2
	default:
		return nil
	}

	segment := f.Data[f.transportStart:f.transportEnd]
	pseudo, err := checksum.PseudoHeader(f.Source(), f.Destination(), uint8(f.Protocol()), len(segment))
	if err != nil {
		return err
	}

	f.Data[field], f.Data[field+1] = 0, 0
	sum, err := checksum.Checksum(checksum.Pad(append(pseudo, segment...)))
	if err != nil {
		return err
	}
	if sum == 0 && f.udp != nil {
		// RFC 768: a computed zero is transmitted as all ones.
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(f.Data[field:], sum)

	return nil
}

func (f *Frame) String() string {
	if f.HasPorts() {
		src, dst := f.Ports()
		return fmt.Sprintf("%s %s -> %s",
			f.Protocol(), netip.AddrPortFrom(f.Source(), src), netip.AddrPortFrom(f.Destination(), dst))
	}
	return fmt.Sprintf("%s %s -> %s", f.Protocol(), f.Source(), f.Destination())
}
