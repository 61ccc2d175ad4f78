// Package service is the engine that owns the device, the metric-set
// registry and the open-stream table, and supervises the lifecycle
// components (export, gateway) built on top of them.
package service
