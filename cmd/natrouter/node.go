package main

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"natrouter/pkg/analyzer"
	"natrouter/pkg/config"
	"natrouter/pkg/frame"
	"natrouter/pkg/link"
	"natrouter/pkg/metrics"
	"natrouter/pkg/nat"
	"natrouter/pkg/pipeline"
	"natrouter/pkg/router"
)

// node is a router with its links and, optionally, a NAT engine in front of
// the external link.
type node struct {
	logger *zap.Logger
	router *router.Router
	engine *nat.Engine
	links  []*link.TUN
	// inputs maps each link to the stage its received frames enter.
	inputs map[*link.TUN]pipeline.Handler
	dns    *analyzer.DNS
	drops  *analyzer.Drops
}

type linkFactory func(link.Options) (*link.TUN, error)

// translatedInterface routes frames through the NAT engine before they reach
// the external link.
type translatedInterface struct {
	*link.TUN
	engine *nat.Engine
}

func (t translatedInterface) Send(f *frame.Frame, _ netip.Addr) error {
	return t.engine.InternalIn().HandleTraffic(f)
}

func newNode(cfg *config.Config, autoConfigure bool, opts []metrics.Option, newLink linkFactory, logger *zap.Logger) (*node, error) {
	routerOptions := cfg.Router.Options()
	routerOptions.Metrics = metrics.NewRouter(opts...)

	n := &node{
		logger: logger,
		router: router.NewRouter(routerOptions, logger.Named("router")),
		inputs: make(map[*link.TUN]pipeline.Handler),
	}

	if cfg.NAT.Enabled {
		natOptions, err := cfg.NAT.Options()
		if err != nil {
			return nil, err
		}
		natOptions.Metrics = metrics.NewNAT(opts...)

		if n.engine, err = nat.NewEngine(natOptions, logger.Named("nat")); err != nil {
			return nil, err
		}
		internal, external, err := cfg.NAT.Ranges()
		if err != nil {
			return nil, err
		}
		for _, r := range internal {
			if err := n.engine.AddToInternalRange(r); err != nil {
				return nil, err
			}
		}
		for _, r := range external {
			if err := n.engine.AddToExternalRange(r); err != nil {
				return nil, err
			}
		}
		n.engine.SetInternalOutput(n.router)
	}

	for _, ic := range cfg.Interfaces {
		prefixes, err := ic.Prefixes()
		if err != nil {
			return nil, err
		}
		l, err := newLink(link.Options{
			Name:          ic.Name,
			Addresses:     prefixes,
			MTU:           ic.MTU,
			AutoConfigure: autoConfigure,
		})
		if err != nil {
			return nil, err
		}
		n.links = append(n.links, l)

		var iface router.Interface = l
		n.inputs[l] = n.router
		if ic.NAT && n.engine != nil {
			iface = translatedInterface{TUN: l, engine: n.engine}
			n.inputs[l] = n.engine.ExternalIn()
			n.engine.SetExternalOutput(pipeline.HandlerFunc(func(f *frame.Frame) error {
				return l.Send(f, f.Destination())
			}))
		}
		if err := n.router.AddInterface(iface); err != nil {
			return nil, err
		}
	}

	if cfg.Analyzers.DNS {
		n.dns = analyzer.NewDNS(analyzer.DNSOptions{}, logger)
		n.router.AddRoutingTrafficAnalyzer(n.dns)
	}
	if cfg.Analyzers.Drops {
		var names analyzer.NameResolver
		if n.dns != nil {
			names = n.dns
		}
		n.drops = analyzer.NewDrops(logger, names)
		n.router.AddDroppedTrafficAnalyzer(n.drops)
		if n.engine != nil {
			n.engine.AddDroppedTrafficAnalyzer(n.drops)
		}
	}

	return n, nil
}

// start configures the links, starts the router and installs the static
// routes. Routes are installed after Start, which resets the table.
func (n *node) start(ctx context.Context, routes []config.Route) error {
	for _, l := range n.links {
		if err := l.Configure(ctx); err != nil {
			return fmt.Errorf("configuring %s: %w", l.Name(), err)
		}
	}

	if err := n.router.Start(); err != nil {
		return err
	}
	for i, r := range routes {
		e, err := r.Entry()
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if err := n.router.AddRoute(e); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}

	if n.engine != nil {
		n.engine.Start(ctx)
	}
	return nil
}

// run blocks until ctx is done or a link fails. A failing link cancels the
// read loops of the others.
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range n.links {
		g.Go(func() error {
			return l.Run(ctx, n.inputs[l])
		})
	}
	return g.Wait()
}

func (n *node) stop(ctx context.Context) error {
	if n.engine != nil {
		n.engine.Stop()
	}
	n.router.Stop()

	var firstErr error
	for _, l := range n.links {
		_ = l.Close()
		if err := l.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
