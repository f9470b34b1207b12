// Package pipeline defines how frames move between processing stages.
package pipeline

import (
	"slices"
	"sync"

	"natrouter/pkg/frame"
)

// Handler is the single downstream consumer of a stage.
type Handler interface {
	HandleTraffic(f *frame.Frame) error
}

type HandlerFunc func(f *frame.Frame) error

func (h HandlerFunc) HandleTraffic(f *frame.Frame) error {
	return h(f)
}

// Discard accepts and drops every frame.
var Discard Handler = HandlerFunc(func(*frame.Frame) error { return nil })

// Analyzer passively observes frames. Analyzers must not mutate the frame.
type Analyzer interface {
	Analyze(f *frame.Frame)
}

type AnalyzerFunc func(f *frame.Frame)

func (a AnalyzerFunc) Analyze(f *frame.Frame) {
	a(f)
}

// Tap fans a frame out to zero or more analyzers.
type Tap struct {
	mu        sync.RWMutex
	analyzers []Analyzer
}

func (t *Tap) Add(a Analyzer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.analyzers = append(t.analyzers, a)
}

// Remove detaches the first registration of a. Analyzers must be comparable.
func (t *Tap) Remove(a Analyzer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.Index(t.analyzers, a)
	if i < 0 {
		return false
	}
	t.analyzers = slices.Delete(t.analyzers, i, i+1)
	return true
}

func (t *Tap) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.analyzers)
}

func (t *Tap) Push(f *frame.Frame) {
	t.mu.RLock()
	analyzers := slices.Clone(t.analyzers)
	t.mu.RUnlock()

	for _, a := range analyzers {
		a.Analyze(f)
	}
}
