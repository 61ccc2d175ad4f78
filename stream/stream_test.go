package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw/sim"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/metricset"
	"github.com/c360/counterstream/report"
)

const (
	testUUID  = "11111111-2222-3333-4444-555555555555"
	testUUID2 = "66666666-7777-8888-9999-aaaaaaaaaaaa"
)

type testEnv struct {
	dev      *sim.Device
	registry *metricset.Registry
	deps     Deps
	setID    int
}

func newTestEnv(t *testing.T, opts ...sim.Option) *testEnv {
	t.Helper()

	dev := sim.New(opts...)
	registry := metricset.NewRegistry(dev.Generation().Name(), nil)

	setID, err := registry.Add(testUUID,
		[]metricset.Register{{Addr: 0xd800, Value: 0x1}},
		[]metricset.Register{{Addr: 0xd900, Value: 0x2}},
		[]metricset.Register{{Addr: 0xe200, Value: 0x3}})
	require.NoError(t, err)

	return &testEnv{
		dev:      dev,
		registry: registry,
		setID:    setID,
		deps: Deps{
			Device:       dev,
			Registry:     registry,
			Loader:       metricset.NewLoader(dev, 0),
			PollInterval: time.Millisecond,
		},
	}
}

func (e *testEnv) params() Params {
	return Params{
		Group:      "oag",
		Format:     report.FormatA12,
		Periodic:   true,
		Exponent:   10,
		SetID:      e.setID,
		BufferSize: 1 << 17,
		Privileged: true,
	}
}

func (e *testEnv) open(t *testing.T) *Stream {
	t.Helper()
	s, err := Open(context.Background(), e.deps, e.params())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func timerRecord(ctxID uint32) sim.RecordSpec {
	return sim.RecordSpec{Reason: report.ReasonTimer, CtxID: ctxID, CtxValid: true}
}

func TestOpenValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"unknown group", func(p *Params) { p.Group = "oax" }, cerrors.ErrGroupUnknown},
		{"unknown format", func(p *Params) { p.Format = 99 }, cerrors.ErrInvalidFormat},
		{"format wrong generation", func(p *Params) { p.Format = report.FormatC4B8 }, cerrors.ErrInvalidFormat},
		{"size not power of two", func(p *Params) { p.BufferSize = 1<<17 + 64 }, cerrors.ErrInvalidBufferSize},
		{"size too small", func(p *Params) { p.BufferSize = 1 << 10 }, cerrors.ErrInvalidBufferSize},
		{"size too large", func(p *Params) { p.BufferSize = 1 << 26 }, cerrors.ErrInvalidBufferSize},
		{"exponent too large", func(p *Params) { p.Exponent = 40 }, cerrors.ErrInvalidExponent},
		{"exponent negative", func(p *Params) { p.Exponent = -1 }, cerrors.ErrInvalidExponent},
		{"unprivileged fast sampling", func(p *Params) {
			p.Privileged = false
			p.FilterEnabled = true
			p.Exponent = 2
		}, cerrors.ErrNotPrivileged},
		{"unprivileged unfiltered", func(p *Params) { p.Privileged = false }, cerrors.ErrNotPrivileged},
		{"threshold beyond capacity", func(p *Params) { p.Threshold = 1 << 14 }, cerrors.ErrInvalidProperty},
		{"unknown set", func(p *Params) { p.SetID = 999 }, cerrors.ErrConfigUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := env.params()
			tt.mutate(&p)
			_, err := Open(ctx, env.deps, p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Validation failures must not touch hardware resources.
	ups, downs := env.dev.PowerTransitions()
	assert.Zero(t, ups)
	assert.Zero(t, downs)

	// The group is still claimable.
	s := env.open(t)
	assert.Equal(t, StateDisabled, s.State())
}

func TestExclusivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := Open(ctx, env.deps, env.params())
	require.NoError(t, err)

	_, err = Open(ctx, env.deps, env.params())
	require.Error(t, err)
	assert.True(t, cerrors.IsBusy(err))

	// A different group is independent.
	p := env.params()
	p.Group = "oam"
	other, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	require.NoError(t, other.Close(ctx))

	require.NoError(t, first.Close(ctx))

	second, err := Open(ctx, env.deps, env.params())
	require.NoError(t, err)
	require.NoError(t, second.Close(ctx))
}

func TestEnableDisableIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)

	require.NoError(t, s.Enable(ctx))
	assert.Equal(t, StateEnabled, s.State())
	require.NoError(t, s.Enable(ctx))
	assert.Equal(t, StateEnabled, s.State())

	require.NoError(t, s.Disable(ctx))
	assert.Equal(t, StateDisabled, s.State())
	require.NoError(t, s.Disable(ctx))
	assert.Equal(t, StateDisabled, s.State())

	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Enable(ctx), cerrors.ErrStreamClosed)
	assert.ErrorIs(t, s.Disable(ctx), cerrors.ErrStreamClosed)
}

func TestEnableHardwareTimeout(t *testing.T) {
	env := newTestEnv(t, sim.WithNoAck())
	ctx := context.Background()
	s := env.open(t)

	err := s.Enable(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrHardwareTimeout)
	assert.True(t, cerrors.IsFatal(err))
	assert.Equal(t, StateDisabled, s.State())
}

func TestReadNotEnabled(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t)

	buf := make([]byte, 1024)
	_, err := s.Read(context.Background(), buf)
	assert.ErrorIs(t, err, cerrors.ErrNotEnabled)
}

func decodeUnits(t *testing.T, p []byte) (kinds []uint32, bodies [][]byte) {
	t.Helper()
	for off := 0; off < len(p); {
		kind, size := UnitHeader(p[off:])
		require.GreaterOrEqual(t, size, UnitHeaderSize)
		require.LessOrEqual(t, off+size, len(p))
		kinds = append(kinds, kind)
		bodies = append(bodies, p[off+UnitHeaderSize:off+size])
		off += size
	}
	return kinds, bodies
}

func TestReadTornWriteScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	// Ten hardware writes advance the tail register by 640 bytes. The
	// first six land in full, the seventh lands 40 of its 64 bytes, and
	// the rest are registered but invisible (writes land in order).
	for i := 0; i < 6; i++ {
		require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	}
	complete7, ok := env.dev.WriteDeferred("oag", timerRecord(0x42), 40)
	require.True(t, ok)
	var completeRest []func()
	for i := 0; i < 3; i++ {
		c, ok := env.dev.WriteDeferred("oag", timerRecord(0x42), 0)
		require.True(t, ok)
		completeRest = append(completeRest, c)
	}

	unit := UnitHeaderSize + 64
	buf := make([]byte, 16*unit)

	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 6*unit, n)

	kinds, bodies := decodeUnits(t, buf[:n])
	require.Len(t, kinds, 6)
	for i, kind := range kinds {
		assert.Equal(t, UnitCounterRecord, kind)
		assert.Len(t, bodies[i], 64)
	}

	// The head register has been published back at the sixth record.
	assert.Equal(t, uint32(384), env.dev.Read32(0x8000+0x10))

	// Nothing more until the torn write completes.
	_, err = s.Read(ctx, buf)
	assert.ErrorIs(t, err, cerrors.ErrWouldBlock)

	complete7()
	for _, c := range completeRest {
		c()
	}

	n, err = s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 4*unit, n)
	assert.Equal(t, uint32(640), env.dev.Read32(0x8000+0x10))
}

func TestTailGapCounted(t *testing.T) {
	env := newTestEnv(t)
	m := metric.NewMetrics()
	env.deps.Metrics = m
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	gap := m.TailGapEvents.WithLabelValues("oag")
	assert.Zero(t, promtestutil.ToFloat64(gap))

	// Two register advances with nothing landed behind them: more than
	// one record of unlanded data when the tail is next checked.
	_, ok := env.dev.WriteDeferred("oag", timerRecord(0x42), 0)
	require.True(t, ok)
	_, ok = env.dev.WriteDeferred("oag", timerRecord(0x42), 0)
	require.True(t, ok)

	assert.False(t, s.Poll(), "nothing deliverable behind the gap")
	assert.Equal(t, float64(1), promtestutil.ToFloat64(gap))
}

func TestNoTornRecordDelivered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	complete, ok := env.dev.WriteDeferred("oag", timerRecord(0x42), 32)
	require.True(t, ok)

	buf := make([]byte, 1024)
	_, err := s.Read(ctx, buf)
	assert.ErrorIs(t, err, cerrors.ErrWouldBlock)

	complete()

	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize+64, n)

	kinds, bodies := decodeUnits(t, buf[:n])
	require.Len(t, kinds, 1)
	assert.Equal(t, UnitCounterRecord, kinds[0])
	assert.True(t, report.Landed(bodies[0], s.Format()))
}

func TestShortDestinationBuffer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))

	small := make([]byte, 16)
	_, err := s.Read(ctx, small)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrInvalidProperty)
}

func TestOverflowStatusRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.params()
	p.BufferSize = 1 << 12
	s, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	defer s.Close(ctx)
	require.NoError(t, s.Enable(ctx))

	// Fill the ring until the producer drops a record.
	overflowed := false
	for i := 0; i < 70; i++ {
		if !env.dev.WriteRecord("oag", timerRecord(0x42)) {
			overflowed = true
			break
		}
	}
	require.True(t, overflowed)

	// The overflow is acknowledged once as a status record; the buffered
	// data is gone with the reset.
	buf := make([]byte, 1<<13)
	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize, n)

	kinds, _ := decodeUnits(t, buf[:n])
	require.Len(t, kinds, 1)
	assert.Equal(t, UnitBufferOverflow, kinds[0])

	// Delivery resumes over the re-armed ring with no repeat notice.
	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	n, err = s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize+64, n)

	kinds, _ = decodeUnits(t, buf[:n])
	require.Len(t, kinds, 1)
	assert.Equal(t, UnitCounterRecord, kinds[0])
}

func TestReportLostStatusRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	env.dev.FlagReportLost("oag")
	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))

	buf := make([]byte, 1024)
	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize+UnitHeaderSize+64, n)

	kinds, _ := decodeUnits(t, buf[:n])
	require.Len(t, kinds, 2)
	assert.Equal(t, UnitReportLost, kinds[0])
	assert.Equal(t, UnitCounterRecord, kinds[1])
}

func TestContextFilterSquash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.params()
	p.FilterEnabled = true
	p.FilterCtx = 0x42
	s, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	defer s.Close(ctx)
	require.NoError(t, s.Enable(ctx))

	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x99)))
	require.True(t, env.dev.WriteRecord("oag", sim.RecordSpec{
		Reason: report.ReasonTimer | report.ReasonContextSwitch, CtxID: 0x99, CtxValid: true,
	}))

	buf := make([]byte, 1024)
	n, err := s.Read(ctx, buf)
	require.NoError(t, err)

	_, bodies := decodeUnits(t, buf[:n])
	require.Len(t, bodies, 3)

	format := s.Format()
	assert.Equal(t, uint32(0x42), report.ContextID(bodies[0], format))
	assert.Equal(t, report.SquashedCtxID, report.ContextID(bodies[1], format))
	assert.Equal(t, uint32(0x99), report.ContextID(bodies[2], format))
}

func TestReconfigureSurvivesRemoval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	set2, err := env.registry.Add(testUUID2,
		[]metricset.Register{{Addr: 0xd810, Value: 0x10}}, nil, nil)
	require.NoError(t, err)

	prev, err := s.Reconfigure(ctx, set2)
	require.NoError(t, err)
	assert.Equal(t, env.setID, prev)
	assert.Equal(t, set2, s.SetID())

	// Unpublishing the active set must not disturb the stream.
	require.NoError(t, env.registry.Remove(set2))
	_, err = env.registry.Acquire(set2)
	assert.ErrorIs(t, err, cerrors.ErrConfigUnknown)

	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	buf := make([]byte, 1024)
	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize+64, n)

	// Reconfiguring to a removed set fails cleanly.
	_, err = s.Reconfigure(ctx, set2)
	assert.ErrorIs(t, err, cerrors.ErrConfigUnknown)
}

func TestReconfigureUnknownSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)

	_, err := s.Reconfigure(ctx, 12345)
	assert.ErrorIs(t, err, cerrors.ErrConfigUnknown)
	assert.Equal(t, env.setID, s.SetID())
}

func TestBlockingReadWakesOnData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 1024)
		n, err := s.ReadBlocking(ctx, buf)
		done <- result{n, err}
	}()

	time.Sleep(5 * time.Millisecond)
	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, UnitHeaderSize+64, res.n)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader never woke")
	}
}

func TestBlockingReadUnblocksOnClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 1024)
		_, err := s.ReadBlocking(ctx, buf)
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Close(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cerrors.ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader never unblocked on close")
	}
	wg.Wait()
}

func TestBlockingReadCancellation(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t)
	require.NoError(t, s.Enable(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	buf := make([]byte, 1024)
	_, err := s.ReadBlocking(ctx, buf)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSeekToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.open(t)
	require.NoError(t, s.Enable(ctx))

	for i := 0; i < 5; i++ {
		require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	}

	require.NoError(t, s.SeekToEnd())

	buf := make([]byte, 1024)
	_, err := s.Read(ctx, buf)
	assert.ErrorIs(t, err, cerrors.ErrWouldBlock)

	require.True(t, env.dev.WriteRecord("oag", timerRecord(0x42)))
	n, err := s.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, UnitHeaderSize+64, n)
}

func TestMapBufferPrivilege(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s := env.open(t)
	view, err := s.MapBuffer()
	require.NoError(t, err)
	assert.Len(t, view, 1<<17)
	require.NoError(t, s.Close(ctx))

	p := env.params()
	p.Privileged = false
	p.FilterEnabled = true
	p.FilterCtx = 0x42
	unpriv, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	defer unpriv.Close(ctx)

	_, err = unpriv.MapBuffer()
	assert.ErrorIs(t, err, cerrors.ErrNotPrivileged)
}

func TestCloseReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.params()
	p.FilterEnabled = true
	p.FilterCtx = 0x42
	s, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	require.NoError(t, s.Enable(ctx))

	assert.Equal(t, 1, env.dev.PinCount(0x42))

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx)) // idempotent

	assert.Equal(t, 0, env.dev.PinCount(0x42))
	ups, downs := env.dev.PowerTransitions()
	assert.Equal(t, int64(1), ups)
	assert.Equal(t, int64(1), downs)

	group, ok := env.dev.Group("oag")
	require.True(t, ok)
	_, held := group.ExclusiveOwner()
	assert.False(t, held)

	buf := make([]byte, 64)
	_, err = s.Read(ctx, buf)
	assert.ErrorIs(t, err, cerrors.ErrStreamClosed)
}

func TestFilteredLoadUsesContextPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.params()
	p.FilterEnabled = true
	p.FilterCtx = 0x42
	s, err := Open(ctx, env.deps, p)
	require.NoError(t, err)
	defer s.Close(ctx)
	require.NoError(t, s.Enable(ctx))

	image := env.dev.ContextImage(0x42)
	require.NotEmpty(t, image)
	assert.Equal(t, uint32(0xd800), image[0].Addr)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "disabled", StateDisabled.String())
	assert.Equal(t, "enabled", StateEnabled.String())
	assert.Equal(t, "unknown", State(42).String())
}
