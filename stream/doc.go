// Package stream implements the counter-stream lifecycle and consumer
// surface: open validates everything before any hardware resource is
// touched, enable arms the ring and starts the poll/wake timer, and the
// read path drains whole records through the context filter into
// self-describing delivery units.
//
// A stream owns its group's exclusive slot for its whole lifetime. All
// lifecycle operations and readers are serialized by a stream-level mutex;
// the ring's pointer lock is shared with the timer path.
package stream
