// Package track owns the reduce stage: it shuffles candidates into
// independent spatial partitions and merges each partition into
// deduplicated event tracks.
//
// Responsibilities: partition keys and boundary coalescing, nearest-track
// linking within the sky tolerance, track lifecycle (NEW, CONFIRMED,
// EXPIRED, REJECTED), artifact policies and confidence scoring.
// Key types: EventTrack, Partition, Aggregator.
//
// A partition is owned by exactly one goroutine while it is merged; tracks
// never cross partitions, so no locking is needed inside Merge.
// No SQL or transport code belongs in this package.
package track
