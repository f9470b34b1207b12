package analyzer

import (
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"natrouter/pkg/frame"
)

// NameResolver maps an address back to a host name, e.g. *DNS.
type NameResolver interface {
	Resolved(addr netip.Addr) (string, bool)
}

// Drops logs every frame pushed to a dropped-traffic tap.
type Drops struct {
	logger *zap.Logger
	names  NameResolver
	count  atomic.Uint64
}

// NewDrops returns a drop logger. names may be nil.
func NewDrops(logger *zap.Logger, names NameResolver) *Drops {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drops{logger: logger.With(zap.String("analyzer", "drops")), names: names}
}

func (d *Drops) Analyze(f *frame.Frame) {
	d.count.Add(1)

	fields := []zap.Field{zap.Stringer("frame", f)}
	if d.names != nil {
		if name, ok := d.names.Resolved(f.Destination()); ok {
			fields = append(fields, zap.String("destination_name", name))
		}
	}
	d.logger.Info("Frame dropped", fields...)
}

func (d *Drops) Count() uint64 {
	return d.count.Load()
}
