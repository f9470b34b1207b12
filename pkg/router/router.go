package router

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"natrouter/internal"
	"natrouter/pkg/frame"
	"natrouter/pkg/metrics"
	"natrouter/pkg/pipeline"
	"natrouter/pkg/routing"
)

var (
	ErrNoRoute               = errors.New("no route to destination")
	ErrInterfaceInconsistent = errors.New("directly-connected route refers to an unknown interface")
	ErrRoutingLoop           = errors.New("next hop resolution does not terminate")
	ErrDuplicateInterface    = errors.New("interface already attached")
	ErrUnknownInterface      = errors.New("unknown interface")
)

// RoutingError is returned for frames that could not be forwarded because of
// a configuration or consistency failure.
type RoutingError struct {
	Destination netip.Addr
	Err         error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing to %s: %v", e.Destination, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

type Options struct {
	MulticastExclusion bool
	// Local receives frames addressed to one of the router's own addresses.
	// Nil discards them.
	Local   pipeline.Handler
	Metrics *metrics.Router
}

type Router struct {
	options Options
	logger  *zap.Logger
	table   *routing.Table
	metrics *metrics.Router

	mu         sync.RWMutex
	running    bool
	interfaces map[string]*attachment
	local      map[netip.Addr]int

	multicastExclusion atomic.Bool
	routed             atomic.Uint64
	dropped            atomic.Uint64

	routedTap  pipeline.Tap
	droppedTap pipeline.Tap
}

type attachment struct {
	iface    Interface
	cancel   func()
	prefixes map[netip.Prefix]struct{}
}

func NewRouter(options Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := options.Metrics
	if m == nil {
		m = metrics.NewRouter(metrics.WithRegistry(nil))
	}

	r := &Router{
		options:    options,
		logger:     logger,
		table:      routing.NewTable(),
		metrics:    m,
		interfaces: make(map[string]*attachment),
		local:      make(map[netip.Addr]int),
	}
	r.multicastExclusion.Store(options.MulticastExclusion)

	r.table.Subscribe(func(ev routing.Event) {
		r.metrics.Routes.Set(float64(r.table.Len()))
		r.logger.Debug("Routing table changed", zap.Stringer("event", ev.Kind), zap.Stringer("entry", ev.Entry))
	})

	return r
}

// Table exposes the routing table for administration and diagnostics.
func (r *Router) Table() *routing.Table {
	return r.table
}

func (r *Router) AddRoute(e routing.Entry) error {
	if err := r.table.AddRoute(e); err != nil {
		return err
	}
	r.logger.Info("Route added", zap.Stringer("route", e))
	return nil
}

func (r *Router) RemoveRoute(e routing.Entry) bool {
	if !r.table.RemoveRoute(e) {
		return false
	}
	r.logger.Info("Route removed", zap.Stringer("route", e))
	return true
}

func (r *Router) SetMulticastExclusion(enabled bool) {
	r.multicastExclusion.Store(enabled)
}

func (r *Router) MulticastExclusion() bool {
	return r.multicastExclusion.Load()
}

func (r *Router) RoutedPackets() uint64 {
	return r.routed.Load()
}

func (r *Router) DroppedPackets() uint64 {
	return r.dropped.Load()
}

func (r *Router) AddRoutingTrafficAnalyzer(a pipeline.Analyzer) {
	r.routedTap.Add(a)
}

func (r *Router) RemoveRoutingTrafficAnalyzer(a pipeline.Analyzer) bool {
	return r.routedTap.Remove(a)
}

func (r *Router) AddDroppedTrafficAnalyzer(a pipeline.Analyzer) {
	r.droppedTap.Add(a)
}

func (r *Router) RemoveDroppedTrafficAnalyzer(a pipeline.Analyzer) bool {
	return r.droppedTap.Remove(a)
}

// Start installs the directly-connected routes of every attached interface
// and begins forwarding.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	var errs []error
	for _, a := range r.interfaces {
		errs = append(errs, r.attach(a))
	}

	r.logger.Info("Router started", zap.Int("interfaces", len(r.interfaces)))
	return errors.Join(errs...)
}

// Stop releases interface subscriptions and clears the routing table. Static
// routes do not survive a stop/start cycle.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false

	for _, a := range r.interfaces {
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		clear(a.prefixes)
	}
	clear(r.local)
	r.table.Clear()

	r.logger.Info("Router stopped")
}

func (r *Router) AddInterface(iface Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := iface.Name()
	if _, ok := r.interfaces[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateInterface)
	}

	a := &attachment{iface: iface, prefixes: make(map[netip.Prefix]struct{})}
	r.interfaces[name] = a
	r.logger.Info("Interface attached", zap.String("interface", name))

	if !r.running {
		return nil
	}
	return r.attach(a)
}

func (r *Router) RemoveInterface(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.interfaces[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownInterface)
	}

	if a.cancel != nil {
		a.cancel()
	}
	for prefix := range a.prefixes {
		r.uninstall(a, prefix)
	}
	delete(r.interfaces, name)

	r.logger.Info("Interface detached", zap.String("interface", name))
	return nil
}

func (r *Router) Interfaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.interfaces))
	for name := range r.interfaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Router) LocalAddresses() []netip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]netip.Addr, 0, len(r.local))
	for addr := range r.local {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs
}

// attach must be called with r.mu held.
func (r *Router) attach(a *attachment) error {
	// Subscribe before snapshotting so no address change is missed; install
	// ignores prefixes already present.
	a.cancel = a.iface.Subscribe(func(ev AddressEvent) {
		r.handleAddressEvent(a, ev)
	})

	var errs []error
	for _, prefix := range a.iface.Addresses() {
		errs = append(errs, r.install(a, prefix))
	}
	return errors.Join(errs...)
}

func (r *Router) handleAddressEvent(a *attachment, ev AddressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || r.interfaces[a.iface.Name()] != a {
		return
	}

	switch ev.Kind {
	case AddressAdded:
		if err := r.install(a, ev.Prefix); err != nil {
			r.logger.Warn("Ignoring interface address", zap.String("interface", a.iface.Name()),
				zap.Stringer("prefix", ev.Prefix), zap.Error(err))
		}
	case AddressRemoved:
		if _, ok := a.prefixes[ev.Prefix]; ok {
			r.uninstall(a, ev.Prefix)
		}
	}
}

// install must be called with r.mu held.
func (r *Router) install(a *attachment, prefix netip.Prefix) error {
	prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits())
	if _, ok := a.prefixes[prefix]; ok {
		return nil
	}

	if err := r.table.AddRoute(routing.NewInterfaceEntry(a.iface.Name(), prefix)); err != nil {
		return fmt.Errorf("interface %s: %w", a.iface.Name(), err)
	}
	a.prefixes[prefix] = struct{}{}
	r.local[prefix.Addr()]++

	r.logger.Info("Interface address added",
		zap.String("interface", a.iface.Name()), zap.Stringer("prefix", prefix))
	return nil
}

// uninstall must be called with r.mu held.
func (r *Router) uninstall(a *attachment, prefix netip.Prefix) {
	r.table.RemoveRoute(routing.NewInterfaceEntry(a.iface.Name(), prefix))
	delete(a.prefixes, prefix)

	if r.local[prefix.Addr()]--; r.local[prefix.Addr()] <= 0 {
		delete(r.local, prefix.Addr())
	}

	r.logger.Info("Interface address removed",
		zap.String("interface", a.iface.Name()), zap.Stringer("prefix", prefix))
}

// HandleTraffic takes the forwarding decision for f. Frames dropped by policy
// return nil; configuration or consistency failures return a *RoutingError.
func (r *Router) HandleTraffic(f *frame.Frame) error {
	if f == nil {
		return nil
	}

	dst := f.Destination()
	logger := r.logger.With(zap.String("flow", "forward"), zap.Stringer("frame", f))

	r.mu.RLock()
	running := r.running
	_, local := r.local[dst]
	r.mu.RUnlock()

	if !running {
		r.drop(f, metrics.ReasonStopped)
		logger.Debug("Router stopped, dropping frame")
		return nil
	}

	if r.multicastExclusion.Load() && internal.IsMulticast(dst) {
		r.drop(f, metrics.ReasonMulticast)
		logger.Debug("Dropping multicast frame")
		return nil
	}

	if local {
		if r.options.Local == nil {
			return nil
		}
		return r.options.Local.HandleTraffic(f)
	}

	iface, nextHop, reason, err := r.resolve(dst)
	if err != nil {
		r.drop(f, reason)
		logger.Warn("Routing failure", zap.Error(err))
		return err
	}

	if err := iface.Send(f, nextHop); err != nil {
		r.drop(f, metrics.ReasonSendError)
		logger.Error("Error sending frame", zap.String("interface", iface.Name()), zap.Error(err))
		return fmt.Errorf("sending %s via %s: %w", f, iface.Name(), err)
	}

	r.routed.Add(1)
	r.metrics.RoutedFrames.Inc()
	r.routedTap.Push(f)

	logger.Debug("Frame forwarded", zap.String("interface", iface.Name()), zap.Stringer("next_hop", nextHop))
	return nil
}

// resolve walks next hops until a directly-connected route names the egress
// interface. The returned next hop is dst itself for directly-connected
// destinations.
func (r *Router) resolve(dst netip.Addr) (Interface, netip.Addr, string, error) {
	entry, ok := r.table.RouteToDestination(dst)
	if !ok {
		return nil, netip.Addr{}, metrics.ReasonNoRoute, &RoutingError{Destination: dst, Err: ErrNoRoute}
	}

	nextHop := dst
	limit := r.table.Len()
	for hops := 0; entry.Owner != routing.OwnerInterface; hops++ {
		if hops > limit {
			return nil, netip.Addr{}, metrics.ReasonRoutingLoop, &RoutingError{Destination: dst, Err: ErrRoutingLoop}
		}

		nextHop = entry.NextHop
		entry, ok = r.table.RouteToDestination(nextHop)
		if !ok {
			return nil, netip.Addr{}, metrics.ReasonNoRoute, &RoutingError{
				Destination: dst,
				Err:         fmt.Errorf("%w: next hop %s unreachable", ErrNoRoute, nextHop),
			}
		}
	}

	r.mu.RLock()
	a, ok := r.interfaces[entry.Interface]
	r.mu.RUnlock()
	if !ok {
		return nil, netip.Addr{}, metrics.ReasonInterface, &RoutingError{
			Destination: dst,
			Err:         fmt.Errorf("%w: %s", ErrInterfaceInconsistent, entry.Interface),
		}
	}

	return a.iface, nextHop, "", nil
}

func (r *Router) drop(f *frame.Frame, reason string) {
	r.dropped.Add(1)
	r.metrics.DroppedFrames.WithLabelValues(reason).Inc()
	r.droppedTap.Push(f)
}
