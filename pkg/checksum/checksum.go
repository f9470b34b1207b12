package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrOddLength      = errors.New("checksum input has odd length")
	ErrFamilyMismatch = errors.New("pseudo-header addresses differ in family")
)

// Checksum computes the Internet checksum (RFC 1071) of b. The result is the
// value to be written big-endian into a header checksum field. Odd-length input
// is rejected; use Pad first.
func Checksum(b []byte) (uint16, error) {
	if len(b)%2 != 0 {
		return 0, fmt.Errorf("%d bytes: %w", len(b), ErrOddLength)
	}

	var sum uint32
	for i := 0; i < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}

	sum = (sum >> 16) + (sum & 0xffff)
	sum = (sum >> 16) + (sum & 0xffff)

	return ^uint16(sum), nil
}

// Pad returns b extended by a single zero byte if its length is odd.
func Pad(b []byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	return append(b, 0)
}

// PseudoHeader builds the pseudo-header used in TCP and UDP checksums.
//
// IPv4 (RFC 793/768): src, dst, zero, protocol, 16-bit upper-layer length.
// IPv6 (RFC 8200 section 8.1): src, dst, 32-bit upper-layer length, three zero
// bytes, next header.
func PseudoHeader(src, dst netip.Addr, protocol uint8, length int) ([]byte, error) {
	src, dst = src.Unmap(), dst.Unmap()

	switch {
	case src.Is4() && dst.Is4():
		if length > 0xffff {
			return nil, fmt.Errorf("upper-layer length %d exceeds 16 bits", length)
		}
		s, d := src.As4(), dst.As4()
		b := make([]byte, 0, 12)
		b = append(b, s[:]...)
		b = append(b, d[:]...)
		b = append(b, 0, protocol)
		return binary.BigEndian.AppendUint16(b, uint16(length)), nil
	case src.Is6() && dst.Is6():
		s, d := src.As16(), dst.As16()
		b := make([]byte, 0, 40)
		b = append(b, s[:]...)
		b = append(b, d[:]...)
		b = binary.BigEndian.AppendUint32(b, uint32(length))
		return append(b, 0, 0, 0, protocol), nil
	default:
		return nil, fmt.Errorf("%s, %s: %w", src, dst, ErrFamilyMismatch)
	}
}
