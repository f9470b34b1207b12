// Package analyzer provides passive observers for router and NAT taps.
package analyzer

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"natrouter/pkg/frame"
)

const (
	DefaultDNSPort  = 53
	DefaultMaxNames = 4096
)

type DNSOptions struct {
	Port uint16
	// MaxNames bounds the address-to-name cache fed by answers.
	MaxNames int
}

// DNS logs DNS queries and answers seen in routed traffic and remembers
// which name each answered address belongs to.
type DNS struct {
	options DNSOptions
	logger  *zap.Logger

	mu    sync.RWMutex
	names map[netip.Addr]string

	queries atomic.Uint64
	answers atomic.Uint64
}

func NewDNS(options DNSOptions, logger *zap.Logger) *DNS {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.Port == 0 {
		options.Port = DefaultDNSPort
	}
	if options.MaxNames <= 0 {
		options.MaxNames = DefaultMaxNames
	}

	return &DNS{
		options: options,
		logger:  logger.With(zap.String("analyzer", "dns")),
		names:   make(map[netip.Addr]string),
	}
}

func (d *DNS) Analyze(f *frame.Frame) {
	sport, dport := f.Ports()
	if sport != d.options.Port && dport != d.options.Port {
		return
	}

	payload := f.TransportPayload()
	if f.TCP() != nil {
		// DNS over TCP carries a two byte length prefix; only messages
		// contained in a single segment are decoded.
		if len(payload) < 2 || int(binary.BigEndian.Uint16(payload)) != len(payload)-2 {
			return
		}
		payload = payload[2:]
	}
	if len(payload) == 0 {
		return
	}

	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		d.logger.Debug("Failed to decode DNS message", zap.Stringer("frame", f), zap.Error(err))
		return
	}

	if !m.Response {
		d.queries.Add(1)
		for _, q := range m.Question {
			d.logger.Info("DNS query",
				zap.String("name", q.Name),
				zap.String("type", dns.TypeToString[q.Qtype]),
				zap.Stringer("client", f.Source()),
			)
		}
		return
	}

	d.answers.Add(1)
	for _, record := range m.Answer {
		var addr netip.Addr
		switch rr := record.(type) {
		case *dns.A:
			addr, _ = netip.AddrFromSlice(rr.A.To4())
		case *dns.AAAA:
			addr, _ = netip.AddrFromSlice(rr.AAAA.To16())
		default:
			continue
		}
		if !addr.IsValid() {
			continue
		}

		name := record.Header().Name
		d.remember(addr, name)
		d.logger.Debug("DNS answer",
			zap.String("name", name),
			zap.Stringer("addr", addr),
			zap.Uint32("ttl", record.Header().Ttl),
			zap.Stringer("client", f.Destination()),
		)
	}
}

func (d *DNS) remember(addr netip.Addr, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.names[addr]; !ok && len(d.names) >= d.options.MaxNames {
		// Evict an arbitrary entry.
		for k := range d.names {
			delete(d.names, k)
			break
		}
	}
	d.names[addr] = name
}

// Resolved returns the last name an answer associated with addr.
func (d *DNS) Resolved(addr netip.Addr) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.names[addr]
	return name, ok
}

func (d *DNS) Queries() uint64 {
	return d.queries.Load()
}

func (d *DNS) Answers() uint64 {
	return d.answers.Load()
}
