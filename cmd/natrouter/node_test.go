package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"natrouter/pkg/config"
	"natrouter/pkg/frame"
	"natrouter/pkg/frame/frametest"
	"natrouter/pkg/link"
	"natrouter/pkg/metrics"
)

type fakeDevice struct {
	name    string
	packets chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.packets:
		return copy(p, pkt), nil
	case <-d.done:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, bytes.Clone(p))
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

func (d *fakeDevice) writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

const testConfig = `
[[interfaces]]
name = "lan0"
addresses = ["10.0.0.1/24"]

[[interfaces]]
name = "wan0"
addresses = ["203.0.113.2/24"]
nat = true

[[routes]]
destination = "0.0.0.0/0"
next_hop = "203.0.113.1"

[nat]
enabled = true
internal_ranges = ["10.0.0.0/24"]
external_ranges = ["203.0.113.2/32"]
port_range_start = 4000
port_range_end = 4010

[analyzers]
dns = true
drops = true
`

func newTestNode(t *testing.T) (*node, map[string]*fakeDevice) {
	t.Helper()
	cfg, err := config.Decode([]byte(testConfig))
	require.NoError(t, err)

	devices := make(map[string]*fakeDevice)
	factory := func(options link.Options) (*link.TUN, error) {
		dev := &fakeDevice{name: options.Name, packets: make(chan []byte, 16), done: make(chan struct{})}
		devices[options.Name] = dev
		return link.NewWithDevice(dev, options, zaptest.NewLogger(t)), nil
	}

	n, err := newNode(cfg, false, []metrics.Option{metrics.WithRegistry(nil)}, factory, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.start(context.Background(), cfg.Routes))
	t.Cleanup(func() { assert.NoError(t, n.stop(context.Background())) })
	return n, devices
}

func parse(t *testing.T, data []byte) *frame.Frame {
	t.Helper()
	f, err := frame.Parse(bytes.Clone(data))
	require.NoError(t, err)
	return f
}

func TestNodeTranslatesThroughExternalLink(t *testing.T) {
	n, devices := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.run(ctx) }()

	q := new(dns.Msg)
	q.SetQuestion("example.org.", dns.TypeA)
	query, err := q.Pack()
	require.NoError(t, err)

	// A LAN host queries a resolver on the internet.
	devices["lan0"].packets <- frametest.UDP(t, "10.0.0.5", 5353, "8.8.8.8", 53, query...).Data
	require.Eventually(t, func() bool { return len(devices["wan0"].writes()) == 1 }, time.Second, 5*time.Millisecond)

	out := parse(t, devices["wan0"].writes()[0])
	sport, dport := out.Ports()
	assert.Equal(t, "203.0.113.2", out.Source().String())
	assert.Equal(t, uint16(4000), sport)
	assert.Equal(t, uint16(53), dport)
	frametest.RequireValidChecksums(t, out)

	// The reply comes back on the WAN link and is delivered to the host.
	devices["wan0"].packets <- frametest.UDP(t, "8.8.8.8", 53, "203.0.113.2", 4000, 'a').Data
	require.Eventually(t, func() bool { return len(devices["lan0"].writes()) == 1 }, time.Second, 5*time.Millisecond)

	in := parse(t, devices["lan0"].writes()[0])
	sport, dport = in.Ports()
	assert.Equal(t, "10.0.0.5", in.Destination().String())
	assert.Equal(t, uint16(5353), dport)
	assert.Equal(t, uint16(53), sport)
	frametest.RequireValidChecksums(t, in)

	// Unsolicited traffic is dropped and logged.
	devices["wan0"].packets <- frametest.UDP(t, "8.8.8.8", 53, "203.0.113.2", 4009).Data
	require.Eventually(t, func() bool { return n.drops.Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("node did not stop")
	}

	assert.EqualValues(t, 1, n.dns.Queries())
	assert.Len(t, n.engine.Entries(), 1)
}

func TestNodeRoutesWithoutNAT(t *testing.T) {
	cfg, err := config.Decode([]byte(`
[[interfaces]]
name = "a"
addresses = ["10.0.0.1/24"]

[[interfaces]]
name = "b"
addresses = ["10.1.0.1/24"]
`))
	require.NoError(t, err)

	devices := make(map[string]*fakeDevice)
	factory := func(options link.Options) (*link.TUN, error) {
		dev := &fakeDevice{name: options.Name, packets: make(chan []byte, 1), done: make(chan struct{})}
		devices[options.Name] = dev
		return link.NewWithDevice(dev, options, zaptest.NewLogger(t)), nil
	}
	n, err := newNode(cfg, false, []metrics.Option{metrics.WithRegistry(nil)}, factory, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.start(context.Background(), nil))
	defer n.stop(context.Background())

	assert.Nil(t, n.engine)
	assert.Nil(t, n.dns)

	f := frametest.UDP(t, "10.0.0.5", 5000, "10.1.0.9", 7)
	require.NoError(t, n.inputs[n.links[0]].HandleTraffic(f))
	assert.Len(t, devices["b"].writes(), 1)
	assert.Empty(t, devices["a"].writes())
}
