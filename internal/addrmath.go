package internal

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go4.org/netipx"
)

// MaxRangeSize bounds the number of addresses Range will materialize.
const MaxRangeSize = 1 << 20

var (
	ErrFamilyMismatch = errors.New("address family mismatch")
	ErrInvalidAddress = errors.New("invalid address")
	ErrRangeTooLarge  = errors.New("address range too large")
	ErrInvalidMask    = errors.New("invalid subnet mask")
)

// NetworkAddress returns addr with every bit past the first bits cleared.
// An out-of-range prefix length yields the zero Addr.
func NetworkAddress(addr netip.Addr, bits int) netip.Addr {
	p, err := addr.Unmap().Prefix(bits)
	if err != nil {
		return netip.Addr{}
	}
	return p.Addr()
}

// BroadcastAddress returns addr with every bit past the first bits set.
func BroadcastAddress(addr netip.Addr, bits int) netip.Addr {
	p, err := addr.Unmap().Prefix(bits)
	if err != nil {
		return netip.Addr{}
	}
	return netipx.PrefixLastIP(p)
}

// SameNetwork reports whether a and b share the same network under bits.
func SameNetwork(a, b netip.Addr, bits int) bool {
	if !SameFamily(a, b) {
		return false
	}
	na := NetworkAddress(a, bits)
	return na.IsValid() && na == NetworkAddress(b, bits)
}

// Increment returns the address following addr, or the zero Addr past the end
// of the address space.
func Increment(addr netip.Addr) netip.Addr {
	return addr.Next()
}

// Decrement returns the address preceding addr, or the zero Addr before the
// start of the address space.
func Decrement(addr netip.Addr) netip.Addr {
	return addr.Prev()
}

func SameFamily(a, b netip.Addr) bool {
	a, b = a.Unmap(), b.Unmap()
	return a.IsValid() && b.IsValid() && a.BitLen() == b.BitLen()
}

// IsMulticast matches 224.0.0.0/4 for IPv4 and ff00::/8 for IPv6.
func IsMulticast(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		first := addr.As4()[0]
		return first >= 224 && first <= 239
	}
	if addr.Is6() {
		return addr.As16()[0] == 0xff
	}
	return false
}

// Range enumerates every address from "from" to "to", both inclusive.
func Range(from, to netip.Addr) ([]netip.Addr, error) {
	from, to = from.Unmap(), to.Unmap()
	if !from.IsValid() || !to.IsValid() {
		return nil, ErrInvalidAddress
	}
	if !SameFamily(from, to) {
		return nil, fmt.Errorf("%s - %s: %w", from, to, ErrFamilyMismatch)
	}

	r := netipx.IPRangeFrom(from, to)
	if !r.IsValid() {
		return nil, fmt.Errorf("%s is after %s: %w", from, to, ErrInvalidAddress)
	}

	var addrs []netip.Addr
	for addr := r.From(); addr.IsValid() && addr.Compare(r.To()) <= 0; addr = addr.Next() {
		if len(addrs) == MaxRangeSize {
			return nil, fmt.Errorf("%s: %w", r, ErrRangeTooLarge)
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// PrefixRange enumerates the network address through the broadcast address of
// addr/bits.
func PrefixRange(addr netip.Addr, bits int) ([]netip.Addr, error) {
	network := NetworkAddress(addr, bits)
	if !network.IsValid() {
		return nil, fmt.Errorf("%s/%d: %w", addr, bits, ErrInvalidMask)
	}
	if PrefixSize(addr, bits) > MaxRangeSize {
		return nil, fmt.Errorf("%s/%d: %w", network, bits, ErrRangeTooLarge)
	}
	return Range(network, BroadcastAddress(addr, bits))
}

// MaskBits converts a dotted subnet mask into a prefix length. Non-contiguous
// masks are rejected.
func MaskBits(mask net.IPMask) (int, error) {
	ones, bits := mask.Size()
	if bits == 0 {
		return 0, fmt.Errorf("%s: %w", mask, ErrInvalidMask)
	}
	return ones, nil
}

// PrefixSize returns the number of addresses covered by addr/bits, saturating
// at MaxRangeSize+1 for anything larger.
func PrefixSize(addr netip.Addr, bits int) int {
	host := addr.Unmap().BitLen() - bits
	if host < 0 || bits < 0 {
		return 0
	}
	if host > 20 {
		return MaxRangeSize + 1
	}
	return 1 << host
}
