// Package export drains delivered counter records from an open stream and
// publishes them to NATS as binary frames, one delivery unit per message.
package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/pkg/retry"
	"github.com/c360/counterstream/stream"
)

const defaultPublishRetries = 3

// ConstructorConfig holds everything needed to construct an Exporter.
type ConstructorConfig struct {
	Name    string
	URL     string
	Subject string
	Stream  *stream.Stream

	// PublishRetries bounds retries for one transient publish failure.
	// Zero selects the default.
	PublishRetries int

	Logger  *slog.Logger
	Metrics metric.MetricsRegistrar
}

// Exporter is a lifecycle component attached to one open stream.
type Exporter struct {
	name    string
	url     string
	subject string
	stream  *stream.Stream
	retries int
	logger  *slog.Logger
	metrics metric.MetricsRegistrar

	published  prometheus.Counter
	publishErr prometheus.Counter

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	conn        *nats.Conn
	wg          sync.WaitGroup
}

// New constructs an exporter. The stream must stay open for the exporter's
// lifetime; the exporter does not own it.
func New(cfg ConstructorConfig) (*Exporter, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: nats url", errors.ErrMissingConfig),
			"Exporter", "New", "config validation")
	}
	if cfg.Subject == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: subject", errors.ErrMissingConfig),
			"Exporter", "New", "config validation")
	}
	if cfg.Stream == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream", errors.ErrMissingConfig),
			"Exporter", "New", "config validation")
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("export-%s", cfg.Stream.GroupID())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.PublishRetries
	if retries == 0 {
		retries = defaultPublishRetries
	}

	return &Exporter{
		name:    name,
		url:     cfg.URL,
		subject: cfg.Subject,
		stream:  cfg.Stream,
		retries: retries,
		logger:  logger.With("component", name),
		metrics: cfg.Metrics,
	}, nil
}

// Name implements service.LifecycleComponent.
func (e *Exporter) Name() string { return e.name }

// Initialize registers the exporter's metrics.
func (e *Exporter) Initialize() error {
	// The const label keeps descriptors distinct when several exporters
	// share one registry.
	e.published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "counterstream",
		Subsystem:   "export",
		Name:        "published_total",
		Help:        "Delivery units published to NATS",
		ConstLabels: prometheus.Labels{"exporter": e.name},
	})
	e.publishErr = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "counterstream",
		Subsystem:   "export",
		Name:        "publish_failures_total",
		Help:        "Publishes that failed after retries",
		ConstLabels: prometheus.Labels{"exporter": e.name},
	})

	if e.metrics != nil {
		if err := e.metrics.RegisterCounter(e.name, "published", e.published); err != nil {
			return err
		}
		if err := e.metrics.RegisterCounter(e.name, "publish_failures", e.publishErr); err != nil {
			return err
		}
	}
	return nil
}

// Start connects to NATS and begins draining the stream.
func (e *Exporter) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running {
		return nil
	}

	conn, err := nats.Connect(e.url,
		nats.Name(e.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return errors.WrapTransient(err, "Exporter", "Start", "nats connect")
	}
	e.conn = conn

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.drainLoop(ctx)

	e.running = true
	e.logger.Info("exporter started", "subject", e.subject, "stream", e.stream.ID())
	return nil
}

// Stop cancels the drain loop and closes the connection.
func (e *Exporter) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	e.cancel()

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		e.conn.Close()
		return errors.WrapTransient(
			fmt.Errorf("drain loop did not exit within %v", timeout),
			"Exporter", "Stop", "shutdown")
	}

	if err := e.conn.Drain(); err != nil {
		e.conn.Close()
	}
	e.logger.Info("exporter stopped")
	return nil
}

func (e *Exporter) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, err := e.stream.ReadBlocking(ctx, buf)
		switch {
		case err == nil:
		case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
			return
		case stderrors.Is(err, errors.ErrStreamClosed):
			e.logger.Info("stream closed, exporter draining out")
			return
		case stderrors.Is(err, errors.ErrNotEnabled):
			// The stream may be disabled temporarily; back off and retry.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		default:
			e.logger.Warn("read failed", "error", err)
			continue
		}

		for _, unit := range SplitUnits(buf[:n]) {
			if err := e.publish(ctx, unit); err != nil {
				e.publishErr.Inc()
				e.logger.Warn("publish failed", "error", err)
				continue
			}
			e.published.Inc()
		}
	}
}

// SplitUnits cuts one read's worth of bytes into its self-describing
// delivery units. Input not produced by a stream read is truncated at the
// first malformed header.
func SplitUnits(p []byte) [][]byte {
	var units [][]byte
	for off := 0; off+stream.UnitHeaderSize <= len(p); {
		_, size := stream.UnitHeader(p[off:])
		if size < stream.UnitHeaderSize || off+size > len(p) {
			break
		}
		units = append(units, p[off:off+size])
		off += size
	}
	return units
}

func (e *Exporter) publish(ctx context.Context, unit []byte) error {
	cfg := retry.Config{
		MaxAttempts:  e.retries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		AddJitter:    true,
	}
	return retry.Do(ctx, cfg, func() error {
		err := e.conn.Publish(e.subject, unit)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrConnectionDraining) {
			return retry.NonRetryable(err)
		}
		return errors.WrapTransient(err, "Exporter", "publish", "nats publish")
	})
}
