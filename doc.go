// Package counterstream implements periodic hardware counter sampling as a
// stream service.
//
// A simulated counter device exposes per-group ring buffers that hardware
// fills with fixed-size counter records. The stream layer owns the read
// side: it validates open requests, programs metric-set configurations,
// compensates for the device's tail-pointer race, squashes foreign context
// identities on filtered streams, and delivers records to readers as
// framed delivery units with in-band status records for buffer overflow
// and report loss.
//
// # Packages
//
// Core:
//   - report: record layouts, header fields, context filtering
//   - ring: circular buffer bookkeeping with tail-race compensation
//   - hw: device abstraction, counter groups, generation strategies
//   - hw/sim: the simulated device used by tests and the daemon
//   - metricset: refcounted metric-set registry, validation, loading
//   - stream: open/enable/read/close stream lifecycle
//
// Service:
//   - service: device + registry + open-stream table, component lifecycle
//   - gateway: HTTP control surface and websocket record feed
//   - export: NATS record publisher attached to open streams
//   - config: YAML configuration with environment overrides
//   - metric: Prometheus metrics registry
//
// Support:
//   - errors: classified error wrapping
//   - pkg/retry: backoff retry for transient failures
//   - testutil: shared test fixtures
//
// # Binary
//
// cmd/counterstreamd runs the daemon: simulated device, stream service,
// HTTP gateway, optional NATS export.
package counterstream
