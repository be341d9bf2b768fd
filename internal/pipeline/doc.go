// Package pipeline is the ingestion engine.
//
// # Flow
//
// Enqueue validates and normalizes a bundle and places it on a bounded queue.
// A full queue blocks the caller or returns ErrQueueFull, depending on the
// overflow policy. Workers take bundles off the queue and, for each one:
//
//  1. drop malformed evidence and feed the latest value to the tracker
//  2. enumerate observers: reverse index first, else the external source
//     (cached, coalesced with singleflight, bounded by the lookup semaphore)
//  3. evaluate each observer under the evaluation semaphore
//
// # Per-observer evaluation
//
// The prior decision is looked up and diffed against the bundle. No new
// evidence means no predicate call. A pair already accepted only has its
// evidence merged. Otherwise the predicate runs and the outcome is written
// through the monotonic upsert. Only the write that moves a pair into accepted
// takes a send permit and notifies. Panics and errors are contained to the
// observer they happened in.
//
// # Shutdown
//
// Cancelling Run's context stops the workers. A bundle already being processed
// keeps running for up to DrainTimeout so a persisted acceptance can still be
// announced. Bundles still queued are then drained with their own DrainTimeout.
package pipeline
