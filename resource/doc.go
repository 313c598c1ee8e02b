// Package resource governs how much physical memory allocators may hand out
// and how many background workers may run against them.
//
//   - Memory: a byte quota shared by any number of allocators (non-blocking, fail-fast)
//   - Concurrency: a bounded pool of worker slots
//
// # Memory Quotas
//
// Quotas use a weighted semaphore for the hard limit and an atomic counter for
// usage tracking. TryAcquireMemory never waits; exhaustion is reported to the
// caller, who owns the retry or reclaim policy:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 64 << 20, // 64 MiB worth of pages
//	})
//
//	if err := rc.TryAcquireMemory(4096); err != nil {
//	    // ErrMemoryLimitExceeded
//	}
//	defer rc.ReleaseMemory(4096)
//
// A nil *Controller is valid and imposes no limits.
package resource
