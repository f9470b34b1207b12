package nat

import (
	"net/netip"
	"slices"

	"go.uber.org/zap"
	"go4.org/netipx"

	"natrouter/internal"
)

// rangeSet holds configured ranges for membership tests and, for external
// ranges, the ordered pool of addresses they materialize.
type rangeSet struct {
	ranges []AddressRange
	set    *netipx.IPSet

	// addrs keeps first-insertion order; refs counts the ranges covering
	// each address so overlapping ranges can be removed independently.
	addrs []netip.Addr
	refs  map[netip.Addr]int
}

func (s *rangeSet) contains(addr netip.Addr) bool {
	return s.set != nil && s.set.Contains(addr)
}

func (s *rangeSet) rebuild() error {
	var b netipx.IPSetBuilder
	for _, r := range s.ranges {
		b.AddPrefix(r.Prefix())
	}
	set, err := b.IPSet()
	if err != nil {
		return err
	}
	s.set = set
	return nil
}

func (s *rangeSet) add(r AddressRange, materialize bool) error {
	if err := r.Validate(); err != nil {
		return err
	}

	var addrs []netip.Addr
	if materialize {
		var err error
		if addrs, err = internal.PrefixRange(r.Network, r.PrefixLen); err != nil {
			return err
		}
	}

	s.ranges = append(s.ranges, r)
	if err := s.rebuild(); err != nil {
		s.ranges = s.ranges[:len(s.ranges)-1]
		return err
	}

	if s.refs == nil {
		s.refs = make(map[netip.Addr]int)
	}
	for _, addr := range addrs {
		if s.refs[addr] == 0 {
			s.addrs = append(s.addrs, addr)
		}
		s.refs[addr]++
	}
	return nil
}

// remove drops the first range equal to r and returns the pool addresses no
// longer covered by any range.
func (s *rangeSet) remove(r AddressRange, materialize bool) ([]netip.Addr, bool) {
	i := slices.IndexFunc(s.ranges, func(o AddressRange) bool { return o.Prefix() == r.Prefix() })
	if i < 0 {
		return nil, false
	}
	s.ranges = slices.Delete(s.ranges, i, i+1)
	// Removing a prefix from a valid set cannot fail.
	_ = s.rebuild()

	if !materialize {
		return nil, true
	}

	addrs, _ := internal.PrefixRange(r.Network, r.PrefixLen)
	var released []netip.Addr
	for _, addr := range addrs {
		if s.refs[addr]--; s.refs[addr] > 0 {
			continue
		}
		delete(s.refs, addr)
		released = append(released, addr)
	}
	if len(released) > 0 {
		s.addrs = slices.DeleteFunc(s.addrs, func(a netip.Addr) bool {
			_, ok := s.refs[a]
			return !ok
		})
	}
	return released, true
}

// AddToExternalRange adds every address of r, network through broadcast, to
// the allocation pool. Destinations inside r are translated inbound.
func (e *Engine) AddToExternalRange(r AddressRange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.external.add(r, true); err != nil {
		return err
	}
	e.logger.Info("External range added", zap.Stringer("range", r), zap.Int("pool_size", len(e.external.addrs)))
	return nil
}

// RemoveFromExternalRange withdraws r from the pool. Live entries translated
// to a withdrawn address keep working until they expire; only new flows stop
// using it.
func (e *Engine) RemoveFromExternalRange(r AddressRange) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	released, ok := e.external.remove(r, true)
	if !ok {
		return false
	}

	var draining int
	for _, addr := range released {
		draining += e.inUse[addr]
	}
	e.logger.Info("External range removed", zap.Stringer("range", r),
		zap.Int("pool_size", len(e.external.addrs)), zap.Int("draining_entries", draining))
	return true
}

// AddToInternalRange marks sources inside r as eligible for outbound
// translation.
func (e *Engine) AddToInternalRange(r AddressRange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.internal.add(r, false); err != nil {
		return err
	}
	e.logger.Info("Internal range added", zap.Stringer("range", r))
	return nil
}

func (e *Engine) RemoveFromInternalRange(r AddressRange) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.internal.remove(r, false); !ok {
		return false
	}
	e.logger.Info("Internal range removed", zap.Stringer("range", r))
	return true
}

func (e *Engine) ExternalRanges() []AddressRange {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.external.ranges)
}

func (e *Engine) InternalRanges() []AddressRange {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.internal.ranges)
}

// Pool returns the external addresses in allocation order.
func (e *Engine) Pool() []netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.external.addrs)
}
