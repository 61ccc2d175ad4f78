package metricset

import (
	"context"
	"sync"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
)

// DefaultSettle is the wait-program settle time applied after a register
// program executes, giving the signal multiplexers time to stabilize before
// the next sample.
const DefaultSettle = 500 * time.Microsecond

// cacheKey identifies a cached program by stream and set identity. The
// set is keyed by pointer, not numeric ID: the registry recycles IDs after
// Remove, and a recycled ID must never resolve to a stale program.
type cacheKey struct {
	stream uint64
	set    *Set
}

// Loader turns sets into hardware programs and submits them. Programs are
// cached per (stream, set) pair so reconfiguring back to a recent set
// reuses the program, and every program references the one wait routine
// built for the device rather than embedding its own delay.
type Loader struct {
	dev    hw.Submitter
	settle time.Duration

	waitOnce sync.Once
	wait     time.Duration

	mu    sync.Mutex
	cache map[cacheKey]*hw.Program
}

// NewLoader creates a loader for the device. settle of zero selects
// DefaultSettle.
func NewLoader(dev hw.Submitter, settle time.Duration) *Loader {
	if settle == 0 {
		settle = DefaultSettle
	}
	return &Loader{
		dev:    dev,
		settle: settle,
		cache:  make(map[cacheKey]*hw.Program),
	}
}

// waitProgram returns the shared settle routine, building it on first use.
func (l *Loader) waitProgram() time.Duration {
	l.waitOnce.Do(func() {
		l.wait = l.settle
	})
	return l.wait
}

// Load programs set onto the hardware for the given stream. ctxID selects
// the per-context save/restore path for filtered streams; zero emits a
// one-shot program on the maintenance context. The set is referenced for
// the duration of the in-flight program.
func (l *Loader) Load(ctx context.Context, streamID uint64, ctxID uint32, set *Set) error {
	key := cacheKey{stream: streamID, set: set}

	l.mu.Lock()
	prog, ok := l.cache[key]
	if !ok {
		prog = l.build(ctxID, set)
		l.cache[key] = prog
	}
	l.mu.Unlock()

	// The in-flight program holds its own reference; a set removed from
	// the registry mid-load stays valid until the hardware is done with
	// it.
	set.Acquire()
	defer set.Release()

	if err := l.dev.Submit(ctx, prog); err != nil {
		return errors.WrapTransient(err, "Loader", "Load", "program submission")
	}
	return nil
}

func (l *Loader) build(ctxID uint32, set *Set) *hw.Program {
	writes := make([]hw.RegWrite, 0,
		len(set.mux)+len(set.boolean)+len(set.flex))
	writes = append(writes, set.mux...)
	writes = append(writes, set.boolean...)
	writes = append(writes, set.flex...)

	return &hw.Program{
		Writes:    writes,
		Settle:    l.waitProgram(),
		ContextID: ctxID,
	}
}

// Forget drops a stream's cached programs. Called when the stream closes.
func (l *Loader) Forget(streamID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.cache {
		if key.stream == streamID {
			delete(l.cache, key)
		}
	}
}
