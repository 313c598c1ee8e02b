// Package testutil provides helpers for exercising an allocator in tests,
// benchmarks and the stress command.
//
// This package has no dependency on the allocator itself. It produces
// reproducible streams of operations; the caller applies them.
//
// # Random Numbers
//
//	rng := testutil.NewRNG(seed)
//	worker := rng.Fork(3) // independent stream for worker 3
//
// # Workloads
//
//	w := testutil.NewWorkload(rng, testutil.DefaultMix)
//	for i := 0; i < n; i++ {
//		op := w.Next(len(held))
//		switch op.Kind {
//		case testutil.OpAlloc:
//		case testutil.OpTouch, testutil.OpFree:
//			pa := held[op.Slot]
//		}
//	}
package testutil
