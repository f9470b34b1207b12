// Package metrics holds the prometheus collectors shared by the router and the
// NAT engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of DroppedFrames.
const (
	ReasonMulticast    = "multicast"
	ReasonStopped      = "stopped"
	ReasonNoRoute      = "no_route"
	ReasonInterface    = "interface_inconsistent"
	ReasonRoutingLoop  = "routing_loop"
	ReasonSendError    = "send_error"
	ReasonUnsolicited  = "unsolicited"
	ReasonAllocation   = "allocation_exhausted"
	ReasonRewriteError = "rewrite_error"
	ReasonFragment     = "fragment"
)

// Eviction reasons used as the "reason" label of NAT.EntriesRemoved.
const (
	RemovedIdle     = "idle"
	RemovedTCPClose = "tcp_close"
)

type Router struct {
	RoutedFrames  prometheus.Counter
	DroppedFrames *prometheus.CounterVec
	Routes        prometheus.Gauge
}

type NAT struct {
	Translations       *prometheus.CounterVec
	DroppedFrames      *prometheus.CounterVec
	Entries            prometheus.Gauge
	EntriesCreated     prometheus.Counter
	EntriesRemoved     *prometheus.CounterVec
	AllocationFailures prometheus.Counter
}

type Option func(*option)

// WithRegistry specifies the registerer used to create the metrics. A nil
// registerer creates unregistered collectors.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *option) {
		o.registry = registry
	}
}

type option struct {
	registry prometheus.Registerer
}

func apply(opts []Option) option {
	o := option{registry: prometheus.DefaultRegisterer}
	for _, option := range opts {
		option(&o)
	}
	return o
}

func NewRouter(opts ...Option) *Router {
	auto := promauto.With(apply(opts).registry)

	return &Router{
		RoutedFrames: auto.NewCounter(prometheus.CounterOpts{
			Name: "router_frames_routed_total",
			Help: "Total number of frames forwarded to an interface.",
		}),
		DroppedFrames: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "router_frames_dropped_total",
			Help: "Total number of frames dropped by the router.",
		}, []string{"reason"}),
		Routes: auto.NewGauge(prometheus.GaugeOpts{
			Name: "router_routes",
			Help: "Number of entries in the routing table.",
		}),
	}
}

func NewNAT(opts ...Option) *NAT {
	auto := promauto.With(apply(opts).registry)

	return &NAT{
		Translations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "nat_translations_total",
			Help: "Total number of translated frames.",
		}, []string{"direction"}),
		DroppedFrames: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "nat_frames_dropped_total",
			Help: "Total number of frames dropped by the NAT engine.",
		}, []string{"reason"}),
		Entries: auto.NewGauge(prometheus.GaugeOpts{
			Name: "nat_entries",
			Help: "Number of live NAT entries.",
		}),
		EntriesCreated: auto.NewCounter(prometheus.CounterOpts{
			Name: "nat_entries_created_total",
			Help: "Total number of NAT entries allocated.",
		}),
		EntriesRemoved: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "nat_entries_removed_total",
			Help: "Total number of NAT entries removed.",
		}, []string{"reason"}),
		AllocationFailures: auto.NewCounter(prometheus.CounterOpts{
			Name: "nat_allocation_failures_total",
			Help: "Total number of outbound flows for which no address/port was free.",
		}),
	}
}
