package routing

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"
)

type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventUpdated
	// EventCleared is emitted once by Clear; Event.Entry is the zero value.
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	case EventCleared:
		return "cleared"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind  EventKind
	Entry Entry
}

// Table is an unordered collection of routes safe for concurrent use.
//
// Observers run synchronously, in mutation order, after the mutation is
// visible to lookups. An observer may query the table but must not mutate it.
type Table struct {
	// emitMu serializes mutations with their notifications, so a removal is
	// never observed before the matching addition.
	emitMu sync.Mutex

	mu      sync.RWMutex
	entries []Entry

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObsID int
}

func NewTable() *Table {
	return &Table{observers: make(map[int]func(Event))}
}

// Subscribe registers fn for every future table change. The returned function
// cancels the subscription.
func (t *Table) Subscribe(fn func(Event)) (cancel func()) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	if t.observers == nil {
		t.observers = make(map[int]func(Event))
	}
	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = fn

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		delete(t.observers, id)
	}
}

func (t *Table) emit(ev Event) {
	t.obsMu.RLock()
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.observers[id])
	}
	t.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// AddRoute appends e. Duplicates are allowed and removed independently.
func (t *Table) AddRoute(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.Destination = e.Destination.Unmap()
	e.NextHop = e.NextHop.Unmap()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	t.emit(Event{Kind: EventAdded, Entry: e})
	return nil
}

// RemoveRoute removes the first entry equal to e. It returns false if no such
// entry exists.
func (t *Table) RemoveRoute(e Entry) bool {
	e.Destination = e.Destination.Unmap()
	e.NextHop = e.NextHop.Unmap()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	i := slices.Index(t.entries, e)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	t.mu.Unlock()

	t.emit(Event{Kind: EventRemoved, Entry: e})
	return true
}

// UpdateRoute replaces the first entry equal to old with updated and announces
// the change.
func (t *Table) UpdateRoute(old, updated Entry) (bool, error) {
	if err := updated.Validate(); err != nil {
		return false, err
	}
	old.Destination, old.NextHop = old.Destination.Unmap(), old.NextHop.Unmap()
	updated.Destination, updated.NextHop = updated.Destination.Unmap(), updated.NextHop.Unmap()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	i := slices.Index(t.entries, old)
	if i < 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.entries[i] = updated
	t.mu.Unlock()

	t.emit(Event{Kind: EventUpdated, Entry: updated})
	return true, nil
}

// InvokeRouteUpdated re-announces e to observers. The table does not detect
// changes on its own.
func (t *Table) InvokeRouteUpdated(e Entry) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.emit(Event{Kind: EventUpdated, Entry: e})
}

// Clear removes every entry without individual removal notifications.
func (t *Table) Clear() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()

	t.emit(Event{Kind: EventCleared})
}

// RouteToDestination performs a longest-prefix match for addr. Among entries
// with equal prefix length the lowest metric wins, then the earliest inserted.
func (t *Table) RouteToDestination(addr netip.Addr) (Entry, bool) {
	addr = addr.Unmap()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best Entry
	found := false
	for _, e := range t.entries {
		if !e.Matches(addr) {
			continue
		}
		if !found || e.PrefixLen > best.PrefixLen ||
			(e.PrefixLen == best.PrefixLen && e.Metric < best.Metric) {
			best = e
			found = true
		}
	}

	return best, found
}

// Routes returns every entry matching addr, in no particular order.
func (t *Table) Routes(addr netip.Addr) []Entry {
	addr = addr.Unmap()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []Entry
	for _, e := range t.entries {
		if e.Matches(addr) {
			matches = append(matches, e)
		}
	}
	return matches
}

// Entries returns a snapshot of the table.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.entries)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

func (t *Table) DiagnosticsWrite(w io.Writer) error {
	for _, e := range t.Entries() {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	return nil
}
