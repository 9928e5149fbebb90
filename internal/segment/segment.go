// Package segment defines the Segment contract every detector plugs into and
// the compile-time registry segments self-register with. Where a
// scanner discovered segments by walking segments/<category> and importing
// whatever it found there, this agent's segment set is fixed at compile time:
// every segment package registers itself from an init() function, and the
// registry below is simply the list of what got linked in.
package segment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// Categories is the fixed scan order segments run in, excluding
// "security" (security segments are not stagger-scheduled, they
// run inline off other segments' findings).
var Categories = []signal.Category{
	signal.CategoryPrograms,
	signal.CategoryNetwork,
	signal.CategoryBehaviour,
	signal.CategoryVM,
	signal.CategoryAuto,
	signal.CategoryScreen,
}

// Segment is one detector. Tick is called on the segment's own schedule by
// the Scheduler; it must not block longer than its own Interval and must
// return promptly when ctx is cancelled.
type Segment interface {
	Name() string
	Category() signal.Category
	Interval() time.Duration
	Tick(ctx context.Context, emit func(signal.Signal)) error
	Cleanup()
}

// Factory constructs a fresh Segment instance. Registered factories are
// invoked once, at Scheduler startup.
type Factory func() Segment

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds factory under name to the compile-time registry. Called from
// each segment package's init(); panics on a duplicate name since that can
// only happen from a programming error, never from runtime input.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("segment: duplicate registration for %q", name))
	}
	registry[name] = factory
}

// Instantiate builds one Segment per registered factory, sorted by name so
// stagger-offset assignment is deterministic across runs.
func Instantiate() []Segment {
	registryMu.Lock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	factories := make(map[string]Factory, len(registry))
	for k, v := range registry {
		factories[k] = v
	}
	registryMu.Unlock()

	sort.Strings(names)
	segments := make([]Segment, 0, len(names))
	for _, name := range names {
		segments = append(segments, factories[name]())
	}
	return segments
}

// RegisteredNames returns the sorted list of registered segment names, for
// diagnostics and tests.
func RegisteredNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resetForTest clears the registry. Only called from package-internal tests
// that need a clean slate between cases.
func resetForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]Factory{}
}
