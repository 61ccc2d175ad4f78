package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/metricset"
	"github.com/c360/counterstream/report"
	"github.com/c360/counterstream/ring"
)

const (
	// DefaultBufferSize is the ring size used when the open request leaves
	// it unset.
	DefaultBufferSize uint32 = 1 << 21

	// MinBufferSize bounds the ring from below; anything smaller cannot
	// absorb a normal burst between two poll ticks.
	MinBufferSize uint32 = 1 << 12

	// MaxExponent is the largest periodic-sampling exponent the hardware
	// timer supports.
	MaxExponent = 31

	// unprivilegedExponentFloor is the fastest sampling an unprivileged
	// open may request. Faster rates expose enough timing resolution to
	// observe other clients' work and are privilege-gated.
	unprivilegedExponentFloor = 5

	// DefaultPollInterval is the poll/wake timer period. It is fixed and
	// independent of the sampling rate.
	DefaultPollInterval = 5 * time.Millisecond
)

var nextStreamID atomic.Uint64

// Params describes one open request.
type Params struct {
	Group    hw.GroupID
	Format   report.FormatID
	Periodic bool
	Exponent int

	// FilterEnabled restricts delivered identities to FilterCtx.
	FilterEnabled bool
	FilterCtx     uint32

	// SetID selects the metric set programmed at enable.
	SetID int

	// Threshold is the number of buffered records that makes the stream
	// readable. Zero means one.
	Threshold int

	// BufferSize is the ring size in bytes, a power of two within platform
	// bounds. Zero selects DefaultBufferSize.
	BufferSize uint32

	// Privileged opens may sample at any rate, run unfiltered, and map
	// the ring.
	Privileged bool
}

// Deps carries the shared objects a stream operates against.
type Deps struct {
	Device   hw.Device
	Registry *metricset.Registry
	Loader   *metricset.Loader
	Logger   *slog.Logger
	Metrics  *metric.Metrics

	// PollInterval overrides DefaultPollInterval when non-zero.
	PollInterval time.Duration
}

// Stream is one open counter stream. All methods are safe for concurrent
// use; concurrent readers are serialized.
type Stream struct {
	id     uint64
	logger *slog.Logger
	m      *metric.Metrics

	dev       hw.Device
	gen       hw.Generation
	group     *hw.Group
	registry  *metricset.Registry
	loader    *metricset.Loader
	format    report.Format
	periodic  bool
	exponent  int
	filterOn  bool
	filterCtx uint32
	priv      bool
	threshold int
	pollEvery time.Duration

	ring       *ring.Buffer
	ringHandle uint32
	filter     *report.Filter
	unpin      func()

	mu    sync.Mutex
	state State
	set   *metricset.Set

	// Status conditions observed on the hardware but not yet delivered as
	// status records.
	overflowPending   bool
	reportLostPending bool

	stopPoll chan struct{}
	pollDone chan struct{}

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// Open validates params and claims the hardware resources for a new stream.
// Validation happens before any hardware resource is touched; a validation
// failure has no side effects. The stream starts in StateDisabled.
func Open(ctx context.Context, deps Deps, p Params) (*Stream, error) {
	group, ok := deps.Device.Group(p.Group)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrGroupUnknown, p.Group),
			"stream", "Open", "group lookup")
	}

	gen := deps.Device.Generation()

	format, err := report.Lookup(p.Format)
	if err != nil {
		return nil, errors.WrapInvalid(err, "stream", "Open", "format lookup")
	}
	if !slices.Contains(gen.Formats(), format.ID) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: format %s not supported on %s", errors.ErrInvalidFormat, format.Name, gen.Name()),
			"stream", "Open", "format validation")
	}

	size := p.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	if size&(size-1) != 0 || size < MinBufferSize || size > gen.MaxBufferSize() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d", errors.ErrInvalidBufferSize, size),
			"stream", "Open", "buffer size validation")
	}

	if p.Periodic {
		if p.Exponent < 0 || p.Exponent > MaxExponent {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %d", errors.ErrInvalidExponent, p.Exponent),
				"stream", "Open", "exponent validation")
		}
		if !p.Privileged && p.Exponent < unprivilegedExponentFloor {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: exponent %d below unprivileged floor %d",
					errors.ErrNotPrivileged, p.Exponent, unprivilegedExponentFloor),
				"stream", "Open", "exponent privilege check")
		}
	}

	if !p.Privileged && !p.FilterEnabled {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unfiltered streams require privilege", errors.ErrNotPrivileged),
			"stream", "Open", "filter privilege check")
	}

	threshold := p.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if uint32(threshold)*uint32(format.Size) > size {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: threshold %d exceeds ring capacity", errors.ErrInvalidProperty, threshold),
			"stream", "Open", "threshold validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metric.NewMetrics()
	}
	pollEvery := deps.PollInterval
	if pollEvery == 0 {
		pollEvery = DefaultPollInterval
	}

	set, err := deps.Registry.Acquire(p.SetID)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		id:        nextStreamID.Add(1),
		logger:    logger.With("group", string(p.Group)),
		m:         m,
		dev:       deps.Device,
		gen:       gen,
		group:     group,
		registry:  deps.Registry,
		loader:    deps.Loader,
		format:    format,
		periodic:  p.Periodic,
		exponent:  p.Exponent,
		filterOn:  p.FilterEnabled,
		filterCtx: p.FilterCtx,
		priv:      p.Privileged,
		threshold: threshold,
		pollEvery: pollEvery,
		state:     StateOpening,
		set:       set,
		wakeCh:    make(chan struct{}),
	}

	// Validation is done; from here on every acquired resource must be
	// released on failure.
	if err := group.Claim(s); err != nil {
		set.Release()
		return nil, err
	}

	if p.FilterEnabled {
		unpin, err := deps.Device.PinContext(p.FilterCtx)
		if err != nil {
			group.Release(s)
			set.Release()
			return nil, errors.Wrap(err, "stream", "Open", "context pin")
		}
		s.unpin = unpin
	}

	buf, err := ring.New(size, format, gen.TailGranularity(), logger,
		func(uint32) {
			m.TailGapEvents.WithLabelValues(string(group.ID())).Inc()
		})
	if err != nil {
		s.releaseClaims()
		return nil, err
	}
	s.ring = buf
	s.ringHandle = deps.Device.MapRing(buf.Data())
	s.filter = report.NewFilter(format, p.FilterCtx, p.FilterEnabled)

	s.mu.Lock()
	s.state = StateDisabled
	s.mu.Unlock()

	label := string(group.ID())
	m.StreamsOpen.WithLabelValues(label).Inc()
	m.StreamState.WithLabelValues(label).Set(float64(StateDisabled))

	s.logger.Info("stream opened",
		"id", s.id,
		"format", format.Name,
		"buffer_size", size,
		"filtered", p.FilterEnabled)
	return s, nil
}

func (s *Stream) releaseClaims() {
	if s.unpin != nil {
		s.unpin()
		s.unpin = nil
	}
	s.group.Release(s)
	s.set.Release()
}

// OwnerID implements hw.Owner.
func (s *Stream) OwnerID() uint64 { return s.id }

// ID returns the stream handle identity.
func (s *Stream) ID() uint64 { return s.id }

// GroupID returns the claimed group.
func (s *Stream) GroupID() hw.GroupID { return s.group.ID() }

// Format returns the record format the stream delivers.
func (s *Stream) Format() report.Format { return s.format }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetID returns the active metric set ID.
func (s *Stream) SetID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		return 0
	}
	return s.set.ID()
}

func (s *Stream) loadCtxID() uint32 {
	if s.filterOn {
		return s.filterCtx
	}
	return 0
}

func (s *Stream) collectionParams() hw.CollectionParams {
	return hw.CollectionParams{
		BufferHandle:  s.ringHandle,
		BufferSize:    s.ring.Size(),
		Format:        s.format,
		Periodic:      s.periodic,
		Exponent:      s.exponent,
		FilterEnabled: s.filterOn,
		FilterCtx:     s.filterCtx,
	}
}

// Enable arms the re-zeroed ring, programs the active set, starts
// collection and the poll timer. Enabling an enabled stream is a no-op.
func (s *Stream) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return errors.ErrStreamClosed
	case StateEnabled:
		return nil
	}

	s.ring.Reset()
	s.overflowPending = false
	s.reportLostPending = false

	if err := s.loader.Load(ctx, s.id, s.loadCtxID(), s.set); err != nil {
		return err
	}
	s.m.ConfigLoads.WithLabelValues(string(s.group.ID()), s.loadPath()).Inc()

	if err := s.gen.EnableCollection(ctx, s.group, s.collectionParams()); err != nil {
		// Best effort quiesce; the stream stays disabled rather than
		// guessing the enable landed.
		_ = s.gen.DisableCollection(ctx, s.group)
		s.m.HardwareTimeouts.WithLabelValues(string(s.group.ID()), "enable").Inc()
		return err
	}

	s.startPollerLocked()
	s.state = StateEnabled
	s.m.StreamState.WithLabelValues(string(s.group.ID())).Set(float64(StateEnabled))
	s.logger.Debug("stream enabled", "id", s.id, "set", s.set.ID())
	return nil
}

func (s *Stream) loadPath() string {
	if s.filterOn {
		return "context"
	}
	return "oneshot"
}

// Disable stops the poll timer and collection, leaving ring contents as
// they are. Disabling a disabled stream is a no-op.
func (s *Stream) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return errors.ErrStreamClosed
	case StateEnabled:
	default:
		return nil
	}

	s.stopPollerLocked()
	err := s.gen.DisableCollection(ctx, s.group)
	if err != nil {
		s.m.HardwareTimeouts.WithLabelValues(string(s.group.ID()), "disable").Inc()
	}

	// Disabled regardless: blocked readers must observe the transition.
	s.state = StateDisabled
	s.m.StreamState.WithLabelValues(string(s.group.ID())).Set(float64(StateDisabled))
	s.wake()
	return err
}

// Reconfigure swaps the active metric set, programming the new set before
// the old reference is dropped. Legal while enabled or disabled; the state
// does not change. Returns the previous set ID.
func (s *Stream) Reconfigure(ctx context.Context, setID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return 0, errors.ErrStreamClosed
	}

	next, err := s.registry.Acquire(setID)
	if err != nil {
		return 0, err
	}
	if err := s.loader.Load(ctx, s.id, s.loadCtxID(), next); err != nil {
		next.Release()
		return 0, err
	}
	s.m.ConfigLoads.WithLabelValues(string(s.group.ID()), s.loadPath()).Inc()

	prev := s.set
	s.set = next
	prevID := prev.ID()
	prev.Release()
	s.logger.Debug("stream reconfigured", "id", s.id, "set", setID, "previous_set", prevID)
	return prevID, nil
}

// SeekToEnd discards buffered but unread data, advancing the head to the
// current accepted tail.
func (s *Stream) SeekToEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return errors.ErrStreamClosed
	}

	s.ring.CheckTail(s.gen.TailPointer(s.group))
	head := s.ring.SeekToEnd()
	s.gen.AdvanceHead(s.group, head)
	return nil
}

// MapBuffer exposes the raw ring memory for zero-copy consumption. Only
// privileged streams may map; the returned slice must be treated as
// read-only.
func (s *Stream) MapBuffer() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, errors.ErrStreamClosed
	}
	if !s.priv {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: ring mapping", errors.ErrNotPrivileged),
			"stream", "MapBuffer", "privilege check")
	}
	return s.ring.Data(), nil
}

// Close tears the stream down: stops collection, releases the group claim,
// the power domain, the set reference and any pinned context, and wakes
// blocked readers. Idempotent.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}

	if s.state == StateEnabled {
		s.stopPollerLocked()
		if err := s.gen.DisableCollection(ctx, s.group); err != nil {
			s.logger.Warn("disable on close failed", "id", s.id, "error", err)
		}
	}

	s.state = StateClosed
	s.wake()

	s.loader.Forget(s.id)
	s.dev.UnmapRing(s.ringHandle)
	s.releaseClaims()
	s.set = nil

	label := string(s.group.ID())
	s.m.StreamsOpen.WithLabelValues(label).Dec()
	s.m.StreamState.WithLabelValues(label).Set(float64(StateClosed))
	s.logger.Info("stream closed", "id", s.id)
	return nil
}
