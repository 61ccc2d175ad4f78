// Package testutil provides shared fixtures for counterstream tests: a
// simulated device with a registered metric set, a metrics registry, and
// record writers for driving ring scenarios.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/hw/sim"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/metricset"
)

// SetUUID identifies the default metric set registered by AddDefaultSet.
const SetUUID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

// NewDevice builds a simulated gen12 device.
func NewDevice(t *testing.T, opts ...sim.Option) *sim.Device {
	t.Helper()
	return sim.New(opts...)
}

// NewMetrics builds a fresh metrics registry. Tests get their own registry
// so collector registration never collides across tests.
func NewMetrics(t *testing.T) *metric.MetricsRegistry {
	t.Helper()
	reg, err := metric.NewMetricsRegistry()
	require.NoError(t, err)
	return reg
}

// DefaultMux returns a minimal gen12 mux program within the allowlist.
func DefaultMux() []metricset.Register {
	return []metricset.Register{{Addr: 0xd800, Value: 1}}
}

// AddDefaultSet registers the default metric set and returns its handle.
func AddDefaultSet(t *testing.T, reg *metricset.Registry) int {
	t.Helper()
	id, err := reg.Add(SetUUID, DefaultMux(), nil, nil)
	require.NoError(t, err)
	return id
}

// FillRecords writes n landed records into the group's ring with
// ascending context identities starting at ctx.
func FillRecords(t *testing.T, dev *sim.Device, group hw.GroupID, ctx uint32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, dev.WriteRecord(group, sim.RecordSpec{
			CtxID:    ctx + uint32(i),
			CtxValid: true,
		}), "ring full after %d records", i)
	}
}
