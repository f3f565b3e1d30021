// Package notifier is the in-process notification delivery engine.
//
// A Request passes a do-not-disturb gate, waits in a tiered priority queue
// (urgent, high, normal, low; FIFO within a tier), and is dispatched by a
// single loop that keeps at most MaxConcurrent requests active. Each request
// is fanned out to its delivery channels in parallel; one channel failing
// never affects another.
//
// # Lifecycle
//
//	pending -> shown -> clicked | closed | dismissed
//	pending -> (retry, linear backoff) -> failed
//	pending -> dismissed (manual, DismissAll, queue eviction)
//
// A request is shown once at least one channel accepted it. When no channel
// accepts it, it is retried up to MaxRetries attempts with RetryBackoff x n
// delay, then recorded failed. Shown requests auto-close after their
// AutoClose (or the configured default). Manual dismissal does not cancel
// that timer; the late fire is a no-op because terminal states are final.
//
// # History
//
// Every accepted request has a Record in a bounded Ledger (oldest evicted
// first) that backs History queries and Stats.
//
// # Limits
//
// There is no timeout on channel delivery: a hung channel holds its slot
// until the engine stops. Nothing survives a restart.
package notifier
