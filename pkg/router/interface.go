package router

import (
	"net/netip"

	"natrouter/pkg/frame"
)

type AddressEventKind int

const (
	AddressAdded AddressEventKind = iota
	AddressRemoved
)

func (k AddressEventKind) String() string {
	if k == AddressRemoved {
		return "removed"
	}
	return "added"
}

// AddressEvent reports an address (with its mask) gained or lost by an
// interface.
type AddressEvent struct {
	Kind      AddressEventKind
	Prefix    netip.Prefix
	Interface string
}

// Interface is a local link the router can forward onto.
type Interface interface {
	Name() string
	// Addresses returns the configured addresses; each prefix carries the
	// interface address and its subnet mask.
	Addresses() []netip.Prefix
	// Send injects f onto the link towards nextHop. It must not block on
	// back-pressure.
	Send(f *frame.Frame, nextHop netip.Addr) error
	// Subscribe registers fn for future address changes.
	Subscribe(fn func(AddressEvent)) (cancel func())
}
