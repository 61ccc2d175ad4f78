// Package sim provides a software implementation of the hw.Device
// interfaces for tests and the demo daemon.
//
// The simulated device decodes the same registers the generation strategies
// program and runs a record producer per enabled group. The producer
// deliberately reproduces the hardware's tail-pointer race: WriteDeferred
// advances the tail register before the record's bytes are visible in the
// ring, leaving the sentinel words zero until the returned completion runs.
// Readers observing the ring between the register update and the completion
// see exactly what the real accelerator shows the driver, including the
// window where buffer bytes change underneath an unsynchronized reader.
package sim
