package nat

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"natrouter/pkg/frame"
	"natrouter/pkg/metrics"
	"natrouter/pkg/pipeline"
)

// The port range end is exclusive, so the default range never allocates
// port 65535.
const (
	DefaultPortRangeStart = 1024
	DefaultPortRangeEnd   = 65535
	DefaultIdleTimeout    = 60 * time.Second
	DefaultSweepInterval  = time.Second
)

// Face selects which side of the NAT a frame entered from.
type Face int

const (
	FaceInternal Face = iota
	FaceExternal
)

func (f Face) String() string {
	if f == FaceExternal {
		return "external"
	}
	return "internal"
}

type Options struct {
	// PortRangeStart and PortRangeEnd bound the translated TCP/UDP source
	// ports; the end is exclusive. Zero values select the defaults.
	PortRangeStart uint16
	PortRangeEnd   uint16
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	// RejectUnsolicited makes HandleTraffic return an *UnsolicitedError for
	// inbound frames without an entry. They are dropped either way.
	RejectUnsolicited bool
	Metrics           *metrics.NAT
}

type output struct {
	handler pipeline.Handler
}

type Engine struct {
	options Options
	logger  *zap.Logger
	metrics *metrics.NAT

	mu          sync.Mutex
	byInternal  map[flowKey]*Entry
	byExternal  map[flowKey]*Entry
	bindings    map[binding]*Entry
	// inUse counts the live entries translated to each external address.
	inUse       map[netip.Addr]int
	internal    rangeSet
	external    rangeSet
	portStart   uint16
	portEnd     uint16
	idleTimeout time.Duration
	observers   map[int]func(EntryEvent)
	nextObsID   int

	internalOut atomic.Pointer[output]
	externalOut atomic.Pointer[output]

	droppedTap pipeline.Tap
	dropped    atomic.Uint64
	translated atomic.Uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewEngine(options Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.PortRangeStart == 0 && options.PortRangeEnd == 0 {
		options.PortRangeStart, options.PortRangeEnd = DefaultPortRangeStart, DefaultPortRangeEnd
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNAT(metrics.WithRegistry(nil))
	}

	e := &Engine{
		options:    options,
		logger:     logger,
		metrics:    options.Metrics,
		byInternal: make(map[flowKey]*Entry),
		byExternal: make(map[flowKey]*Entry),
		bindings:   make(map[binding]*Entry),
		inUse:      make(map[netip.Addr]int),
		observers:  make(map[int]func(EntryEvent)),
	}
	if err := e.SetPortRange(options.PortRangeStart, options.PortRangeEnd); err != nil {
		return nil, err
	}
	if err := e.SetIdleTimeout(options.IdleTimeout); err != nil {
		return nil, err
	}

	e.SetInternalOutput(pipeline.Discard)
	e.SetExternalOutput(pipeline.Discard)
	return e, nil
}

// SetInternalOutput sets the consumer of frames leaving towards the internal
// network.
func (e *Engine) SetInternalOutput(h pipeline.Handler) {
	e.internalOut.Store(&output{handler: h})
}

// SetExternalOutput sets the consumer of frames leaving towards the external
// network.
func (e *Engine) SetExternalOutput(h pipeline.Handler) {
	e.externalOut.Store(&output{handler: h})
}

func (e *Engine) InternalIn() pipeline.Handler {
	return pipeline.HandlerFunc(func(f *frame.Frame) error {
		return e.HandleTraffic(f, FaceInternal)
	})
}

func (e *Engine) ExternalIn() pipeline.Handler {
	return pipeline.HandlerFunc(func(f *frame.Frame) error {
		return e.HandleTraffic(f, FaceExternal)
	})
}

func (e *Engine) AddDroppedTrafficAnalyzer(a pipeline.Analyzer) {
	e.droppedTap.Add(a)
}

func (e *Engine) RemoveDroppedTrafficAnalyzer(a pipeline.Analyzer) bool {
	return e.droppedTap.Remove(a)
}

func (e *Engine) DroppedFrames() uint64 {
	return e.dropped.Load()
}

func (e *Engine) TranslatedFrames() uint64 {
	return e.translated.Load()
}

func (e *Engine) PortRange() (start, end uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.portStart, e.portEnd
}

// SetPortRange changes the ports used for new allocations. Existing entries
// keep their ports.
func (e *Engine) SetPortRange(start, end uint16) error {
	if start == 0 || start >= end {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidPortRange, start, end)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.portStart, e.portEnd = start, end
	e.logger.Info("Port range set", zap.Uint16("start", start), zap.Uint16("end", end))
	return nil
}

func (e *Engine) IdleTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.idleTimeout
}

// SetIdleTimeout applies from the next time an entry is used.
func (e *Engine) SetIdleTimeout(d time.Duration) error {
	if d < e.options.SweepInterval {
		return fmt.Errorf("%w: %s is shorter than the sweep interval %s", ErrInvalidTimeout, d, e.options.SweepInterval)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.idleTimeout = d
	e.logger.Info("Idle timeout set", zap.Duration("timeout", d))
	return nil
}

// ttlLocked converts the idle timeout into sweeps.
func (e *Engine) ttlLocked() int {
	return int(e.idleTimeout / e.options.SweepInterval)
}

// Subscribe registers fn for entry creation and removal. Observers run
// synchronously with the engine locked, in mutation order, and must not call
// back into the engine.
func (e *Engine) Subscribe(fn func(EntryEvent)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) emitLocked(ev EntryEvent) {
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e.observers[id](ev)
	}
}

// Entries returns a snapshot of the flow table ordered by original source.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	entries := make([]Entry, 0, len(e.byInternal))
	for _, en := range e.byInternal {
		entries = append(entries, *en)
	}
	e.mu.Unlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(
			a.OriginalSourceAddress.Compare(b.OriginalSourceAddress),
			cmp.Compare(a.OriginalSourcePort, b.OriginalSourcePort),
			a.DestinationAddress.Compare(b.DestinationAddress),
			cmp.Compare(a.DestinationPort, b.DestinationPort),
			cmp.Compare(a.Protocol, b.Protocol),
		)
	})
	return entries
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.byInternal)
}

// HandleTraffic translates f according to the face it entered from and
// passes it to the opposite output. Frames outside the configured ranges pass
// through unmodified.
func (e *Engine) HandleTraffic(f *frame.Frame, face Face) error {
	if f == nil {
		return nil
	}

	switch face {
	case FaceInternal:
		return e.outbound(f)
	case FaceExternal:
		return e.inbound(f)
	default:
		return fmt.Errorf("unknown face %d", face)
	}
}

func (e *Engine) outbound(f *frame.Frame) error {
	logger := e.logger.With(zap.String("flow", "outbound"))
	out := e.externalOut.Load().handler

	src, dst := f.Source(), f.Destination()
	sport, dport := f.Ports()
	key := flowKey{protocol: f.Protocol(), local: src, remote: dst, localPort: sport, remotePort: dport}

	e.mu.Lock()
	if !e.internal.contains(src) {
		e.mu.Unlock()
		return out.HandleTraffic(f)
	}
	if untranslatableFragment(f) {
		e.mu.Unlock()
		e.drop(f, metrics.ReasonFragment)
		logger.Debug("Dropping fragmented segment", zap.Stringer("frame", f))
		return nil
	}

	en, ok := e.byInternal[key]
	if !ok {
		var err error
		if en, err = e.allocateLocked(key, f.HasPorts()); err != nil {
			e.mu.Unlock()
			e.metrics.AllocationFailures.Inc()
			e.drop(f, metrics.ReasonAllocation)
			logger.Error("Error allocating translation", zap.Stringer("frame", f), zap.Error(err))
			return err
		}
		logger.Debug("Entry created", zap.Stringer("entry", en))
	}
	en.TTL = e.ttlLocked()
	translated, tport := en.TranslatedSourceAddress, en.TranslatedSourcePort
	if tcp := f.TCP(); tcp != nil {
		e.closeHeuristicLocked(en, tcp)
	}
	e.mu.Unlock()

	if err := f.SetSource(translated); err != nil {
		return e.rewriteFailed(f, logger, err)
	}
	if f.HasPorts() {
		if err := f.SetSourcePort(tport); err != nil {
			return e.rewriteFailed(f, logger, err)
		}
	}

	e.translated.Add(1)
	e.metrics.Translations.WithLabelValues("outbound").Inc()
	return out.HandleTraffic(f)
}

func (e *Engine) inbound(f *frame.Frame) error {
	logger := e.logger.With(zap.String("flow", "inbound"))
	out := e.internalOut.Load().handler

	src, dst := f.Source(), f.Destination()
	sport, dport := f.Ports()
	key := flowKey{protocol: f.Protocol(), local: dst, remote: src, localPort: dport, remotePort: sport}

	e.mu.Lock()
	if !e.ownsLocked(dst) {
		e.mu.Unlock()
		return out.HandleTraffic(f)
	}
	if untranslatableFragment(f) {
		e.mu.Unlock()
		e.drop(f, metrics.ReasonFragment)
		logger.Debug("Dropping fragmented segment", zap.Stringer("frame", f))
		return nil
	}

	en, ok := e.byExternal[key]
	if !ok {
		e.mu.Unlock()
		e.drop(f, metrics.ReasonUnsolicited)
		logger.Debug("Dropping unsolicited frame", zap.Stringer("frame", f))
		if e.options.RejectUnsolicited {
			return &UnsolicitedError{
				Protocol:        key.protocol,
				Source:          src,
				SourcePort:      sport,
				Destination:     dst,
				DestinationPort: dport,
			}
		}
		return nil
	}
	en.TTL = e.ttlLocked()
	original, oport := en.OriginalSourceAddress, en.OriginalSourcePort
	if tcp := f.TCP(); tcp != nil {
		e.closeHeuristicLocked(en, tcp)
	}
	e.mu.Unlock()

	if err := f.SetDestination(original); err != nil {
		return e.rewriteFailed(f, logger, err)
	}
	if f.HasPorts() {
		if err := f.SetDestinationPort(oport); err != nil {
			return e.rewriteFailed(f, logger, err)
		}
	}

	e.translated.Add(1)
	e.metrics.Translations.WithLabelValues("inbound").Inc()
	return out.HandleTraffic(f)
}

// ownsLocked reports whether inbound frames to addr are translated: addr is
// in an external range or still used by a live entry.
func (e *Engine) ownsLocked(addr netip.Addr) bool {
	return e.external.contains(addr) || e.inUse[addr] > 0
}

// untranslatableFragment matches TCP and UDP fragments. Their ports and
// checksum cannot be rewritten without reassembly.
func untranslatableFragment(f *frame.Frame) bool {
	if !f.IsFragment() {
		return false
	}
	proto := f.Protocol()
	return proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP
}

// allocateLocked claims the first free pool address, and port for TCP/UDP,
// for the flow. TCP/UDP bindings are exclusive across destinations; other
// protocols only collide with a flow to the same destination.
func (e *Engine) allocateLocked(key flowKey, ports bool) (*Entry, error) {
	for _, addr := range e.external.addrs {
		if addr.Is4() != key.remote.Is4() {
			continue
		}

		candidate := binding{protocol: key.protocol, addr: addr}
		if ports {
			for port := uint32(e.portStart); port < uint32(e.portEnd); port++ {
				candidate.port = uint16(port)
				if _, used := e.bindings[candidate]; !used {
					return e.insertLocked(key, candidate), nil
				}
			}
			continue
		}
		reverse := flowKey{protocol: key.protocol, local: addr, remote: key.remote}
		if _, used := e.byExternal[reverse]; !used {
			return e.insertLocked(key, candidate), nil
		}
	}

	return nil, &AllocationError{
		Protocol:        key.protocol,
		Source:          key.local,
		SourcePort:      key.localPort,
		Destination:     key.remote,
		DestinationPort: key.remotePort,
	}
}

func (e *Engine) insertLocked(key flowKey, b binding) *Entry {
	en := &Entry{
		Protocol:                key.protocol,
		OriginalSourceAddress:   key.local,
		TranslatedSourceAddress: b.addr,
		DestinationAddress:      key.remote,
		OriginalSourcePort:      key.localPort,
		TranslatedSourcePort:    b.port,
		DestinationPort:         key.remotePort,
		TTL:                     e.ttlLocked(),
	}
	e.byInternal[en.internalKey()] = en
	e.byExternal[en.externalKey()] = en
	if b.port != 0 {
		e.bindings[b] = en
	}
	e.inUse[b.addr]++

	e.metrics.EntriesCreated.Inc()
	e.metrics.Entries.Set(float64(len(e.byInternal)))
	e.emitLocked(EntryEvent{Kind: EntryCreated, Entry: *en})
	return en
}

func (e *Engine) removeLocked(en *Entry, reason string) {
	delete(e.byInternal, en.internalKey())
	delete(e.byExternal, en.externalKey())
	if b := en.binding(); e.bindings[b] == en {
		delete(e.bindings, b)
	}
	if e.inUse[en.TranslatedSourceAddress]--; e.inUse[en.TranslatedSourceAddress] <= 0 {
		delete(e.inUse, en.TranslatedSourceAddress)
	}

	e.metrics.EntriesRemoved.WithLabelValues(reason).Inc()
	e.metrics.Entries.Set(float64(len(e.byInternal)))
	e.emitLocked(EntryEvent{Kind: EntryRemoved, Entry: *en, Reason: reason})
	e.logger.Debug("Entry removed", zap.Stringer("entry", en), zap.String("reason", reason))
}

// closeHeuristicLocked approximates a TCP close: the second FIN marks the
// flow finished and the next ACK evicts it. Sequence numbers are not checked.
func (e *Engine) closeHeuristicLocked(en *Entry, tcp *layers.TCP) {
	switch {
	case tcp.FIN:
		if en.TCPTeardownSeen {
			en.TCPFinished = true
		} else {
			en.TCPTeardownSeen = true
		}
	case tcp.ACK && en.TCPFinished:
		e.removeLocked(en, metrics.RemovedTCPClose)
	}
}

// Sweep ages every entry by one tick and removes those that expire. It
// returns the number of entries removed.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed int
	for _, en := range e.byInternal {
		if en.TTL--; en.TTL <= 0 {
			e.removeLocked(en, metrics.RemovedIdle)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every SweepInterval until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go e.sweepLoop(ctx, e.done)
	e.logger.Info("NAT sweeper started", zap.Duration("interval", e.options.SweepInterval))
}

// Stop halts the sweeper and waits for it to exit. Translation keeps working.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	e.logger.Info("NAT sweeper stopped")
}

func (e *Engine) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.logger.Debug("Expired idle entries", zap.Int("count", n))
			}
		}
	}
}

func (e *Engine) drop(f *frame.Frame, reason string) {
	e.dropped.Add(1)
	e.metrics.DroppedFrames.WithLabelValues(reason).Inc()
	e.droppedTap.Push(f)
}

func (e *Engine) rewriteFailed(f *frame.Frame, logger *zap.Logger, err error) error {
	e.drop(f, metrics.ReasonRewriteError)
	logger.Error("Error rewriting frame", zap.Stringer("frame", f), zap.Error(err))
	return fmt.Errorf("rewriting %s: %w", f, err)
}

// Lookup returns the entry for an outbound flow, if any.
func (e *Engine) Lookup(protocol layers.IPProtocol, src netip.AddrPort, dst netip.AddrPort) (Entry, bool) {
	key := flowKey{protocol: protocol, local: src.Addr(), remote: dst.Addr(), localPort: src.Port(), remotePort: dst.Port()}

	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.byInternal[key]
	if !ok {
		return Entry{}, false
	}
	return *en, true
}
