package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/counterstream/config"
	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/metricset"
	"github.com/c360/counterstream/stream"
)

// LifecycleComponent is the contract for components the service
// supervises: Initialize sets up resources without a context, Start runs
// with the service context, Stop shuts down within the timeout.
type LifecycleComponent interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// StreamInfo is the introspection view of one open stream.
type StreamInfo struct {
	ID     uint64 `json:"id"`
	Group  string `json:"group"`
	State  string `json:"state"`
	Format string `json:"format"`
	SetID  int    `json:"set_id"`
}

// Service owns the device, the metric-set registry and the open-stream
// table.
type Service struct {
	cfg     config.Config
	dev     hw.Device
	reg     *metricset.Registry
	loader  *metricset.Loader
	metrics *metric.MetricsRegistry
	logger  *slog.Logger

	mu            sync.Mutex
	streams       map[uint64]*stream.Stream
	exports       map[uint64]LifecycleComponent
	exportFactory ExportFactory
	components    []LifecycleComponent
	started       bool
	cancel        context.CancelFunc
}

// ExportFactory builds a per-stream export component. When set, the
// service attaches one to every stream it opens and stops it when the
// stream closes.
type ExportFactory func(st *stream.Stream) (LifecycleComponent, error)

// New builds a service around an initialized device.
func New(cfg config.Config, dev hw.Device, metrics *metric.MetricsRegistry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	platform := dev.Generation().Name()

	return &Service{
		cfg:     cfg,
		dev:     dev,
		reg:     metricset.NewRegistry(platform, logger),
		loader:  metricset.NewLoader(dev, cfg.Platform.Settle),
		metrics: metrics,
		logger:  logger.With("service", "counterstream"),
		streams: make(map[uint64]*stream.Stream),
		exports: make(map[uint64]LifecycleComponent),
	}
}

// SetExportFactory installs the per-stream export constructor. Must be
// called before any stream is opened.
func (s *Service) SetExportFactory(f ExportFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportFactory = f
}

// Device returns the underlying device.
func (s *Service) Device() hw.Device { return s.dev }

// Registry returns the metric-set registry.
func (s *Service) Registry() *metricset.Registry { return s.reg }

// Metrics returns the shared metrics registry.
func (s *Service) Metrics() *metric.MetricsRegistry { return s.metrics }

// Register adds a lifecycle component to supervise. Must be called before
// Start.
func (s *Service) Register(c LifecycleComponent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Start initializes every registered component and starts them under one
// errgroup. A component failing to start stops the others.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	components := make([]LifecycleComponent, len(s.components))
	copy(components, s.components)
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return errors.Wrap(err, "Service", "Start", fmt.Sprintf("initialize %s", c.Name()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			if err := c.Start(gctx); err != nil {
				return errors.Wrap(err, "Service", "Start", fmt.Sprintf("start %s", c.Name()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("service started", "components", len(components))
	return nil
}

// Stop closes every open stream and stops the components in reverse
// registration order. The first error is returned; later failures are
// logged.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	clear(s.streams)
	exports := make([]LifecycleComponent, 0, len(s.exports))
	for _, exp := range s.exports {
		exports = append(exports, exp)
	}
	clear(s.exports)
	components := make([]LifecycleComponent, len(s.components))
	copy(components, s.components)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), timeout)
	defer ctxCancel()

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Stop(timeout); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Service", "Stop", fmt.Sprintf("stop %s", c.Name()))
			} else {
				s.logger.Warn("component stop failed", "component", c.Name(), "error", err)
			}
		}
	}

	for _, exp := range exports {
		if err := exp.Stop(timeout); err != nil {
			s.logger.Warn("export stop failed", "component", exp.Name(), "error", err)
		}
	}

	for _, st := range streams {
		if err := st.Close(ctx); err != nil {
			s.logger.Warn("stream close failed", "stream", st.ID(), "error", err)
		}
	}

	s.logger.Info("service stopped")
	return firstErr
}

// OpenStream opens a stream with the service's defaults applied and tracks
// it in the stream table.
func (s *Service) OpenStream(ctx context.Context, p stream.Params) (*stream.Stream, error) {
	if p.BufferSize == 0 {
		p.BufferSize = s.cfg.Stream.DefaultBufferSize
	}

	st, err := stream.Open(ctx, stream.Deps{
		Device:       s.dev,
		Registry:     s.reg,
		Loader:       s.loader,
		Logger:       s.logger,
		Metrics:      s.metrics.Metrics(),
		PollInterval: s.cfg.Stream.PollInterval,
	}, p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	factory := s.exportFactory
	s.streams[st.ID()] = st
	s.mu.Unlock()

	if factory != nil {
		exp, err := s.attachExport(factory, st)
		if err != nil {
			s.mu.Lock()
			delete(s.streams, st.ID())
			s.mu.Unlock()
			if cerr := st.Close(ctx); cerr != nil {
				s.logger.Warn("stream close failed", "stream", st.ID(), "error", cerr)
			}
			return nil, err
		}
		s.mu.Lock()
		s.exports[st.ID()] = exp
		s.mu.Unlock()
	}
	return st, nil
}

// attachExport builds and starts the export component for a new stream.
// The component outlives the open request, so it runs off the background
// context until stopped.
func (s *Service) attachExport(factory ExportFactory, st *stream.Stream) (LifecycleComponent, error) {
	exp, err := factory(st)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "OpenStream", "build export component")
	}
	if err := exp.Initialize(); err != nil {
		return nil, errors.Wrap(err, "Service", "OpenStream", fmt.Sprintf("initialize %s", exp.Name()))
	}
	if err := exp.Start(context.Background()); err != nil {
		return nil, errors.Wrap(err, "Service", "OpenStream", fmt.Sprintf("start %s", exp.Name()))
	}
	return exp, nil
}

// Stream looks up an open stream by handle.
func (s *Service) Stream(id uint64) (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// CloseStream closes a tracked stream and removes it from the table. Any
// export component attached to the stream is stopped first.
func (s *Service) CloseStream(ctx context.Context, id uint64) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	exp := s.exports[id]
	delete(s.exports, id)
	s.mu.Unlock()

	if exp != nil {
		if err := exp.Stop(5 * time.Second); err != nil {
			s.logger.Warn("export stop failed", "stream", id, "error", err)
		}
	}

	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("unknown stream %d", id),
			"Service", "CloseStream", "stream lookup")
	}
	return st.Close(ctx)
}

// ListStreams returns the open-stream table in introspection form.
func (s *Service) ListStreams() []StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		infos = append(infos, StreamInfo{
			ID:     st.ID(),
			Group:  string(st.GroupID()),
			State:  st.State().String(),
			Format: st.Format().Name,
			SetID:  st.SetID(),
		})
	}
	return infos
}

// AddSet publishes a metric set from parsed register lists.
func (s *Service) AddSet(uuid string, mux, boolean, flex []metricset.Register) (int, error) {
	return s.reg.Add(uuid, mux, boolean, flex)
}

// AddSetDefinition publishes a metric set from its JSON definition form.
func (s *Service) AddSetDefinition(doc []byte) (int, error) {
	return s.reg.AddDefinition(doc)
}

// RemoveSet unpublishes a metric set. Streams still holding it are
// unaffected.
func (s *Service) RemoveSet(id int) error {
	return s.reg.Remove(id)
}

// ListSets returns the published sets as id -> uuid.
func (s *Service) ListSets() map[int]string {
	return s.reg.List()
}
