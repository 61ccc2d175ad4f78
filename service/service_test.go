package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/counterstream/config"
	cerrors "github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw/sim"
	"github.com/c360/counterstream/report"
	"github.com/c360/counterstream/stream"
	"github.com/c360/counterstream/testutil"
)

const testUUID = testutil.SetUUID

type fakeComponent struct {
	name string

	mu          sync.Mutex
	initialized bool
	started     bool
	stopped     bool
	startErr    error
	stopOrder   *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeComponent) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeComponent) Stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.stopOrder != nil {
		*f.stopOrder = append(*f.stopOrder, f.name)
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *sim.Device, int) {
	t.Helper()

	dev := testutil.NewDevice(t)
	svc := New(config.Config{
		Platform: config.PlatformConfig{Generation: "gen12"},
		Stream:   config.StreamConfig{PollInterval: time.Millisecond},
	}, dev, testutil.NewMetrics(t), nil)

	setID, err := svc.AddSet(testUUID, testutil.DefaultMux(), nil, nil)
	require.NoError(t, err)
	return svc, dev, setID
}

func testParams(setID int) stream.Params {
	return stream.Params{
		Group:      "oag",
		Format:     report.FormatA12,
		Periodic:   true,
		Exponent:   10,
		SetID:      setID,
		BufferSize: 1 << 17,
		Privileged: true,
	}
}

func TestOpenAndListStreams(t *testing.T) {
	svc, _, setID := newTestService(t)
	ctx := context.Background()

	st, err := svc.OpenStream(ctx, testParams(setID))
	require.NoError(t, err)

	infos := svc.ListStreams()
	require.Len(t, infos, 1)
	assert.Equal(t, st.ID(), infos[0].ID)
	assert.Equal(t, "oag", infos[0].Group)
	assert.Equal(t, "disabled", infos[0].State)
	assert.Equal(t, "A12", infos[0].Format)
	assert.Equal(t, setID, infos[0].SetID)

	got, ok := svc.Stream(st.ID())
	require.True(t, ok)
	assert.Same(t, st, got)

	require.NoError(t, svc.CloseStream(ctx, st.ID()))
	assert.Empty(t, svc.ListStreams())

	err = svc.CloseStream(ctx, st.ID())
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
}

func TestOpenStreamDefaultBufferSize(t *testing.T) {
	svc, _, setID := newTestService(t)
	ctx := context.Background()

	p := testParams(setID)
	p.BufferSize = 0
	st, err := svc.OpenStream(ctx, p)
	require.NoError(t, err)
	defer st.Close(ctx)

	view, err := st.MapBuffer()
	require.NoError(t, err)
	assert.Len(t, view, int(stream.DefaultBufferSize))
}

func TestSetManagement(t *testing.T) {
	svc, _, setID := newTestService(t)

	sets := svc.ListSets()
	assert.Equal(t, testUUID, sets[setID])

	require.NoError(t, svc.RemoveSet(setID))
	assert.Empty(t, svc.ListSets())

	err := svc.RemoveSet(setID)
	assert.ErrorIs(t, err, cerrors.ErrConfigUnknown)
}

func TestComponentLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)

	var stopOrder []string
	first := &fakeComponent{name: "first", stopOrder: &stopOrder}
	second := &fakeComponent{name: "second", stopOrder: &stopOrder}
	svc.Register(first)
	svc.Register(second)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, first.initialized)
	assert.True(t, first.started)
	assert.True(t, second.started)

	// Start is idempotent while running.
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Stop(time.Second))
	assert.True(t, first.stopped)
	assert.True(t, second.stopped)
	assert.Equal(t, []string{"second", "first"}, stopOrder)

	// Stop after stop is a no-op.
	require.NoError(t, svc.Stop(time.Second))
}

func TestComponentStartFailure(t *testing.T) {
	svc, _, _ := newTestService(t)

	bad := &fakeComponent{name: "bad", startErr: assert.AnError}
	svc.Register(bad)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStopClosesStreams(t *testing.T) {
	svc, _, setID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	st, err := svc.OpenStream(ctx, testParams(setID))
	require.NoError(t, err)
	require.NoError(t, st.Enable(ctx))

	require.NoError(t, svc.Stop(time.Second))
	assert.Equal(t, stream.StateClosed, st.State())
	assert.Empty(t, svc.ListStreams())
}

func TestExportFactoryFollowsStreamLifetime(t *testing.T) {
	svc, _, setID := newTestService(t)
	ctx := context.Background()

	var exp *fakeComponent
	svc.SetExportFactory(func(st *stream.Stream) (LifecycleComponent, error) {
		exp = &fakeComponent{name: "export-" + string(st.GroupID())}
		return exp, nil
	})

	st, err := svc.OpenStream(ctx, testParams(setID))
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.True(t, exp.initialized)
	assert.True(t, exp.started)
	assert.False(t, exp.stopped)

	require.NoError(t, svc.CloseStream(ctx, st.ID()))
	assert.True(t, exp.stopped)
	assert.Equal(t, stream.StateClosed, st.State())
}

func TestExportFactoryFailureClosesStream(t *testing.T) {
	svc, _, setID := newTestService(t)
	ctx := context.Background()

	svc.SetExportFactory(func(*stream.Stream) (LifecycleComponent, error) {
		return nil, assert.AnError
	})

	_, err := svc.OpenStream(ctx, testParams(setID))
	require.Error(t, err)
	assert.Empty(t, svc.ListStreams())

	// The half-opened stream must have released its group claim.
	svc.SetExportFactory(nil)
	st, err := svc.OpenStream(ctx, testParams(setID))
	require.NoError(t, err)
	require.NoError(t, st.Close(ctx))
}
