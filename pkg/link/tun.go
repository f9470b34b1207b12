// Package link attaches TUN devices to the router.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/songgao/water"
	"go.uber.org/zap"

	"natrouter/pkg/frame"
	"natrouter/pkg/pipeline"
	"natrouter/pkg/router"
)

const ipPath = "/bin/ip"

var ErrClosed = errors.New("link closed")

// Device is the packet I/O of a TUN interface. *water.Interface satisfies it.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

type Options struct {
	Name      string
	Addresses []netip.Prefix
	MTU       int
	// AutoConfigure mirrors link state and address changes onto the host with
	// the ip(8) tool.
	AutoConfigure bool
}

// TUN is a router.Interface backed by a layer-3 TUN device.
type TUN struct {
	options Options
	logger  *zap.Logger
	dev     Device

	writeMu sync.Mutex

	mu        sync.Mutex
	addrs     []netip.Prefix
	observers map[int]func(router.AddressEvent)
	nextObsID int

	closed   atomic.Bool
	sent     atomic.Uint64
	received atomic.Uint64
}

// NewTUN creates the TUN device named in options.
func NewTUN(options Options, logger *zap.Logger) (*TUN, error) {
	dev, err := createTUN(options.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", options.Name, err)
	}
	return NewWithDevice(dev, options, logger), nil
}

// NewWithDevice wraps an existing device. The device name takes precedence
// over options.Name.
func NewWithDevice(dev Device, options Options, logger *zap.Logger) *TUN {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.MTU == 0 {
		options.MTU = 1500
	}
	if name := dev.Name(); name != "" {
		options.Name = name
	}

	return &TUN{
		options:   options,
		logger:    logger.With(zap.String("interface", options.Name)),
		dev:       dev,
		addrs:     slices.Clone(options.Addresses),
		observers: make(map[int]func(router.AddressEvent)),
	}
}

func createTUN(name string, logger *zap.Logger) (*water.Interface, error) {
	config := water.Config{DeviceType: water.TUN}
	config.Name = name

	logger.Info("Creating TUN device", zap.String("tun_name", name))
	return water.New(config)
}

func (t *TUN) Name() string {
	return t.options.Name
}

func (t *TUN) Addresses() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.addrs)
}

func (t *TUN) Subscribe(fn func(router.AddressEvent)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

func (t *TUN) notify(ev router.AddressEvent) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(router.AddressEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.observers[id])
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// AddAddress assigns p to the interface and announces it to subscribers.
func (t *TUN) AddAddress(ctx context.Context, p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid address %s", p)
	}

	t.mu.Lock()
	if slices.Contains(t.addrs, p) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.options.AutoConfigure {
		err := NewCommandSet(NewCommand(ipPath, []string{"addr", "add", p.String(), "dev", t.Name()}, 2)).
			Run(ctx, t.logger)
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	// A concurrent add of the same prefix may have won while ip(8) ran.
	if slices.Contains(t.addrs, p) {
		t.mu.Unlock()
		return nil
	}
	t.addrs = append(t.addrs, p)
	t.mu.Unlock()

	t.logger.Info("Address added", zap.Stringer("prefix", p))
	t.notify(router.AddressEvent{Kind: router.AddressAdded, Prefix: p, Interface: t.Name()})
	return nil
}

// RemoveAddress withdraws p. It reports false if p was not assigned.
func (t *TUN) RemoveAddress(ctx context.Context, p netip.Prefix) (bool, error) {
	t.mu.Lock()
	i := slices.Index(t.addrs, p)
	if i < 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.addrs = slices.Delete(t.addrs, i, i+1)
	t.mu.Unlock()

	t.logger.Info("Address removed", zap.Stringer("prefix", p))
	t.notify(router.AddressEvent{Kind: router.AddressRemoved, Prefix: p, Interface: t.Name()})

	if t.options.AutoConfigure {
		err := NewCommandSet(NewCommand(ipPath, []string{"addr", "del", p.String(), "dev", t.Name()}, 2)).
			Run(ctx, t.logger)
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

// Configure brings the link up on the host with its MTU and addresses. It is
// a no-op unless AutoConfigure is set.
func (t *TUN) Configure(ctx context.Context) error {
	if !t.options.AutoConfigure {
		return nil
	}

	t.logger.Info("Configuring interface")
	name := t.Name()
	commands := []*Command{
		NewCommand(ipPath, []string{"link", "set", "dev", name, "mtu", strconv.Itoa(t.options.MTU)}),
		NewCommand(ipPath, []string{"link", "set", "dev", name, "up"}),
	}
	for _, p := range t.Addresses() {
		// Exit status 2 means the address already exists.
		commands = append(commands, NewCommand(ipPath, []string{"addr", "add", p.String(), "dev", name}, 2))
	}
	return NewCommandSet(commands...).Run(ctx, t.logger)
}

// Teardown deletes the device from the host.
func (t *TUN) Teardown(ctx context.Context) error {
	if !t.options.AutoConfigure {
		return nil
	}

	t.logger.Info("Tearing down interface")
	return NewCommandSet(NewCommand(ipPath, []string{"link", "delete", t.Name()})).Run(ctx, t.logger)
}

// Send writes f to the device. A TUN link has no layer-2 neighbours, so the
// next hop is only logged.
func (t *TUN) Send(f *frame.Frame, nextHop netip.Addr) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(f.Data) > t.options.MTU {
		return fmt.Errorf("frame of %d bytes exceeds mtu %d", len(f.Data), t.options.MTU)
	}

	t.writeMu.Lock()
	_, err := t.dev.Write(f.Data)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	t.sent.Add(1)
	t.logger.Debug("Frame sent", zap.Stringer("frame", f), zap.Stringer("next_hop", nextHop))
	return nil
}

// Run reads frames from the device and hands them to h until ctx is done or
// the device fails. Errors from h are logged and do not stop the loop.
func (t *TUN) Run(ctx context.Context, h pipeline.Handler) error {
	logger := t.logger.With(zap.String("flow", "receive"))

	stop := context.AfterFunc(ctx, func() {
		_ = t.Close()
	})
	defer stop()

	logger.Info("Starting read loop")
	buf := make([]byte, t.options.MTU)
	for {
		n, err := t.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", t.Name(), err)
		}
		if n == 0 {
			continue
		}
		t.received.Add(1)

		f, err := frame.Parse(slices.Clone(buf[:n]))
		if err != nil {
			if errors.Is(err, frame.ErrUnknownVersion) {
				logger.Warn("Unknown IP version", zap.Uint8("version", buf[0]>>4))
			} else {
				logger.Debug("Error parsing frame", zap.Error(err))
			}
			continue
		}

		if err := h.HandleTraffic(f); err != nil {
			logger.Warn("Error handling frame", zap.Stringer("frame", f), zap.Error(err))
		}
	}
}

func (t *TUN) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.dev.Close()
}

func (t *TUN) SentFrames() uint64 {
	return t.sent.Load()
}

func (t *TUN) ReceivedFrames() uint64 {
	return t.received.Load()
}
