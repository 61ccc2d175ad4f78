// Package metricset implements the counter configuration pipeline: user
// supplied (register, value) pairs are compiled against per-platform
// allow-lists into immutable, reference-counted Sets, published in a
// registry keyed by UUID, and loaded into the hardware as short register
// programs that share one precomputed wait/settle routine.
//
// A Set's lifetime is independent of its registry entry: removal only
// unpublishes it, while streams and in-flight hardware programs keep it
// alive through their references. The numeric ID is recycled only after
// the last reference drops.
package metricset
