package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"natrouter/internal"
)

var ErrInvalidEntry = errors.New("invalid routing entry")

// Owner records who installed a routing entry.
type Owner int

const (
	// OwnerInterface marks a directly-connected route; Entry.Interface is
	// authoritative.
	OwnerInterface Owner = iota
	OwnerStatic
	OwnerSystem
	OwnerRoutingProtocol
)

func (o Owner) String() string {
	switch o {
	case OwnerInterface:
		return "interface"
	case OwnerStatic:
		return "static"
	case OwnerSystem:
		return "system"
	case OwnerRoutingProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

func ParseOwner(s string) (Owner, error) {
	switch strings.ToLower(s) {
	case "interface":
		return OwnerInterface, nil
	case "", "static":
		return OwnerStatic, nil
	case "system":
		return OwnerSystem, nil
	case "protocol", "routing-protocol", "routing_protocol":
		return OwnerRoutingProtocol, nil
	default:
		return 0, fmt.Errorf("unknown route owner %q", s)
	}
}

// Entry is a single route. Entries are compared by value.
type Entry struct {
	Destination netip.Addr
	PrefixLen   int
	// NextHop is authoritative unless Owner is OwnerInterface.
	NextHop netip.Addr
	// Interface names the egress interface of a directly-connected route.
	Interface string
	Metric    int
	Owner     Owner
}

// NewInterfaceEntry returns the directly-connected route for an address
// configured on an interface.
func NewInterfaceEntry(iface string, prefix netip.Prefix) Entry {
	return Entry{
		Destination: internal.NetworkAddress(prefix.Addr(), prefix.Bits()),
		PrefixLen:   prefix.Bits(),
		Interface:   iface,
		Owner:       OwnerInterface,
	}
}

func (e Entry) Prefix() netip.Prefix {
	return netip.PrefixFrom(internal.NetworkAddress(e.Destination, e.PrefixLen), e.PrefixLen)
}

// Matches reports whether addr lies within the entry's network.
func (e Entry) Matches(addr netip.Addr) bool {
	return internal.SameNetwork(e.Destination, addr, e.PrefixLen)
}

func (e Entry) Validate() error {
	if !e.Destination.IsValid() {
		return fmt.Errorf("%w: missing destination", ErrInvalidEntry)
	}
	if e.PrefixLen < 0 || e.PrefixLen > e.Destination.Unmap().BitLen() {
		return fmt.Errorf("%w: prefix length %d for %s", ErrInvalidEntry, e.PrefixLen, e.Destination)
	}
	if e.Owner == OwnerInterface {
		if e.Interface == "" {
			return fmt.Errorf("%w: directly-connected route %s without interface", ErrInvalidEntry, e.Prefix())
		}
		return nil
	}
	if !internal.SameFamily(e.Destination, e.NextHop) {
		return fmt.Errorf("%w: next hop %s for %s", ErrInvalidEntry, e.NextHop, e.Prefix())
	}
	return nil
}

func (e Entry) String() string {
	if e.Owner == OwnerInterface {
		return fmt.Sprintf("%s dev %s metric %d (%s)", e.Prefix(), e.Interface, e.Metric, e.Owner)
	}
	return fmt.Sprintf("%s via %s metric %d (%s)", e.Prefix(), e.NextHop, e.Metric, e.Owner)
}
