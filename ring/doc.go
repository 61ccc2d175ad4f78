// Package ring implements the shared-memory circular buffer the hardware
// writes counter records into, and the tail-pointer race compensation that
// decides which of those records are safe to deliver.
//
// The hardware's tail register can advance before the bytes it points past
// are visible to the CPU; trusting it directly would intermittently deliver
// torn or zero-filled records. The reader therefore maintains its own
// accepted tail: the raw register value is first rewound to a record
// boundary, then walked backward record by record until one passes the
// sentinel landed test, and only data up to that point is exposed.
//
// Pointer state (head, accepted tail) is guarded by a short-hold mutex; the
// byte copy out to the consumer happens outside it. The head only ever
// advances by whole records, and only after the delivered records have been
// re-zeroed.
package ring
