package metricset

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/counterstream/errors"
)

// Registry publishes compiled sets for lookup by numeric ID. It holds one
// reference per published set; Remove drops that reference without
// affecting streams or programs still using the set.
type Registry struct {
	platform string
	logger   *slog.Logger

	mu      sync.Mutex
	byID    map[int]*Set
	byUUID  map[uuid.UUID]int
	nextID  int
	inUse   map[int]bool // IDs alive in unpublished sets, not yet recyclable
	freeIDs []int
}

// NewRegistry creates a registry validating against the named platform's
// allow-lists.
func NewRegistry(platform string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		platform: platform,
		logger:   logger,
		byID:     make(map[int]*Set),
		byUUID:   make(map[uuid.UUID]int),
		nextID:   1,
		inUse:    make(map[int]bool),
	}
}

// Add compiles and publishes a new set. The UUID is caller-supplied; a
// duplicate fails with ErrDuplicateConfig. Any invalid register fails the
// whole add with no side effects.
func (r *Registry) Add(uuidStr string, mux, boolean, flex []Register) (int, error) {
	id, err := uuid.Parse(uuidStr)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("parse uuid %q: %w", uuidStr, err),
			"Registry", "Add", "uuid validation")
	}

	compiledMux, err := compile(r.platform, CategoryMux, mux)
	if err != nil {
		return 0, err
	}
	compiledBool, err := compile(r.platform, CategoryBoolean, boolean)
	if err != nil {
		return 0, err
	}
	compiledFlex, err := compile(r.platform, CategoryFlex, flex)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUUID[id]; exists {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateConfig, id),
			"Registry", "Add", "uuid uniqueness")
	}

	set := &Set{
		uuid:    id,
		mux:     compiledMux,
		boolean: compiledBool,
		flex:    compiledFlex,
	}
	set.id = r.allocIDLocked()
	set.released = r.recycle
	set.refs.Store(1) // the registry's own reference

	r.byID[set.id] = set
	r.byUUID[id] = set.id
	r.inUse[set.id] = true

	r.logger.Debug("metric set published",
		"uuid", id.String(),
		"id", set.id,
		"mux", len(compiledMux),
		"boolean", len(compiledBool),
		"flex", len(compiledFlex))
	return set.id, nil
}

// Remove unpublishes a set. Holders of outstanding references are
// unaffected; the set is destroyed (and its ID recycled) when the last of
// them releases.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	set, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrConfigUnknown, id),
			"Registry", "Remove", "set lookup")
	}
	delete(r.byID, id)
	delete(r.byUUID, set.uuid)
	r.mu.Unlock()

	// Drop the registry's reference outside the lock; the release hook
	// re-enters to recycle the ID.
	set.Release()
	return nil
}

// Acquire looks up a published set and takes a reference for the caller.
func (r *Registry) Acquire(id int) (*Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byID[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrConfigUnknown, id),
			"Registry", "Acquire", "set lookup")
	}
	return set.Acquire(), nil
}

// List returns the published set IDs and UUIDs.
func (r *Registry) List() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.byID))
	for id, set := range r.byID {
		out[id] = set.uuid.String()
	}
	return out
}

func (r *Registry) allocIDLocked() int {
	if n := len(r.freeIDs); n > 0 {
		id := r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
		return id
	}
	id := r.nextID
	r.nextID++
	return id
}

// recycle returns a fully released set's ID to the allocator.
func (r *Registry) recycle(s *Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[s.id] {
		delete(r.inUse, s.id)
		r.freeIDs = append(r.freeIDs, s.id)
	}
}
