// Package hw is the hardware interface boundary of CounterStream.
//
// Everything above this package (ring, metricset, stream, service) talks to
// the accelerator exclusively through the narrow interfaces defined here: a
// 32-bit register bus, a program submitter, and a per-generation strategy
// object selected once at device initialization. The package also owns the
// Group entity (one physical counter unit) including its exclusive-owner
// slot, which is mutated only through Claim and Release.
//
// The hw/sim subpackage provides a software device implementing these
// interfaces, with an asynchronous record producer that reproduces the
// hardware's tail-pointer write-visibility race for tests and the demo
// daemon.
package hw
