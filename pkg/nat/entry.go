package nat

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"natrouter/internal"
)

var (
	ErrAllocationExhausted = errors.New("no free external address and port")
	ErrUnsolicited         = errors.New("unsolicited external frame")
	ErrInvalidRange        = errors.New("invalid address range")
	ErrInvalidPortRange    = errors.New("invalid port range")
	ErrInvalidTimeout      = errors.New("invalid idle timeout")
)

// Entry is a translated flow. TTL counts the sweeps left before the entry
// expires, which is seconds at the default sweep interval.
type Entry struct {
	Protocol                layers.IPProtocol
	OriginalSourceAddress   netip.Addr
	TranslatedSourceAddress netip.Addr
	DestinationAddress      netip.Addr
	OriginalSourcePort      uint16
	TranslatedSourcePort    uint16
	DestinationPort         uint16
	TTL                     int
	TCPTeardownSeen         bool
	TCPFinished             bool
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s (%s) -> %s ttl %d",
		e.Protocol,
		netip.AddrPortFrom(e.OriginalSourceAddress, e.OriginalSourcePort),
		netip.AddrPortFrom(e.TranslatedSourceAddress, e.TranslatedSourcePort),
		netip.AddrPortFrom(e.DestinationAddress, e.DestinationPort),
		e.TTL)
}

func (e *Entry) internalKey() flowKey {
	return flowKey{
		protocol:   e.Protocol,
		local:      e.OriginalSourceAddress,
		remote:     e.DestinationAddress,
		localPort:  e.OriginalSourcePort,
		remotePort: e.DestinationPort,
	}
}

func (e *Entry) externalKey() flowKey {
	return flowKey{
		protocol:   e.Protocol,
		local:      e.TranslatedSourceAddress,
		remote:     e.DestinationAddress,
		localPort:  e.TranslatedSourcePort,
		remotePort: e.DestinationPort,
	}
}

func (e *Entry) binding() binding {
	return binding{protocol: e.Protocol, addr: e.TranslatedSourceAddress, port: e.TranslatedSourcePort}
}

// flowKey identifies a flow from one side: local is the address on our side
// of the NAT (original or translated), remote the peer.
type flowKey struct {
	protocol   layers.IPProtocol
	local      netip.Addr
	remote     netip.Addr
	localPort  uint16
	remotePort uint16
}

// binding is an external address/port claimed by exactly one TCP or UDP
// entry.
type binding struct {
	protocol layers.IPProtocol
	addr     netip.Addr
	port     uint16
}

// AddressRange is a network address with its prefix length.
type AddressRange struct {
	Network   netip.Addr
	PrefixLen int
}

func RangeFromPrefix(p netip.Prefix) AddressRange {
	return AddressRange{Network: p.Addr(), PrefixLen: p.Bits()}
}

func ParseAddressRange(s string) (AddressRange, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		addr, addrErr := netip.ParseAddr(s)
		if addrErr != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		p = netip.PrefixFrom(addr, addr.BitLen())
	}
	r := RangeFromPrefix(p)
	return r, r.Validate()
}

func (r AddressRange) Prefix() netip.Prefix {
	return netip.PrefixFrom(internal.NetworkAddress(r.Network, r.PrefixLen), r.PrefixLen)
}

func (r AddressRange) Validate() error {
	if !r.Network.IsValid() || r.PrefixLen < 0 || r.PrefixLen > r.Network.Unmap().BitLen() {
		return fmt.Errorf("%w: %s/%d", ErrInvalidRange, r.Network, r.PrefixLen)
	}
	return nil
}

func (r AddressRange) String() string {
	return r.Prefix().String()
}

// AllocationError reports an outbound flow for which the external pool had no
// free address and port.
type AllocationError struct {
	Protocol        layers.IPProtocol
	Source          netip.Addr
	SourcePort      uint16
	Destination     netip.Addr
	DestinationPort uint16
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("translating %s %s -> %s: %v", e.Protocol,
		netip.AddrPortFrom(e.Source, e.SourcePort),
		netip.AddrPortFrom(e.Destination, e.DestinationPort),
		ErrAllocationExhausted)
}

func (e *AllocationError) Unwrap() error {
	return ErrAllocationExhausted
}

// UnsolicitedError reports an inbound frame that matched an external range but
// no entry.
type UnsolicitedError struct {
	Protocol        layers.IPProtocol
	Source          netip.Addr
	SourcePort      uint16
	Destination     netip.Addr
	DestinationPort uint16
}

func (e *UnsolicitedError) Error() string {
	return fmt.Sprintf("%v: %s %s -> %s", ErrUnsolicited, e.Protocol,
		netip.AddrPortFrom(e.Source, e.SourcePort),
		netip.AddrPortFrom(e.Destination, e.DestinationPort))
}

func (e *UnsolicitedError) Unwrap() error {
	return ErrUnsolicited
}

type EventKind int

const (
	EntryCreated EventKind = iota
	EntryRemoved
)

func (k EventKind) String() string {
	if k == EntryRemoved {
		return "removed"
	}
	return "created"
}

// EntryEvent reports a created or removed entry. Reason is set for removals
// and uses the metrics.Removed* values.
type EntryEvent struct {
	Kind   EventKind
	Entry  Entry
	Reason string
}
