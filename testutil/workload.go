package testutil

import "fmt"

// OpKind is an allocator operation.
type OpKind uint8

const (
	OpAlloc OpKind = iota
	OpTouch
	OpFree
)

func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "alloc"
	case OpTouch:
		return "touch"
	case OpFree:
		return "free"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op is one step of a workload. For OpTouch and OpFree, Slot indexes the
// caller's list of held references.
type Op struct {
	Kind OpKind
	Slot int
}

// Mix weights the operations a Workload draws. Weights are relative.
type Mix struct {
	Alloc int
	Touch int
	Free  int
	// MaxHeld caps the references a worker keeps; at the cap only frees
	// are drawn. 0 means no cap.
	MaxHeld int
	// Skew biases Touch and Free towards the most recent references
	// (Zipf exponent). 0 picks uniformly.
	Skew float64
}

// DefaultMix resembles fork/exec/exit churn: mostly alloc and free, some
// sharing.
var DefaultMix = Mix{
	Alloc:   45,
	Touch:   10,
	Free:    45,
	MaxHeld: 64,
	Skew:    1.1,
}

// Validate reports whether the mix can produce a step.
func (m Mix) Validate() error {
	if m.Alloc < 0 || m.Touch < 0 || m.Free < 0 || m.MaxHeld < 0 || m.Skew < 0 {
		return fmt.Errorf("testutil: negative weight in mix %+v", m)
	}
	if m.Alloc == 0 {
		return fmt.Errorf("testutil: mix never allocates")
	}
	return nil
}

// Workload draws a reproducible stream of operations from a Mix.
type Workload struct {
	rng *RNG
	mix Mix
}

// NewWorkload returns a workload drawing from rng.
func NewWorkload(rng *RNG, mix Mix) *Workload {
	return &Workload{rng: rng, mix: mix}
}

// Next returns the next operation given the number of references the
// caller holds. The result is always applicable: Touch and Free are only
// drawn when held > 0.
func (w *Workload) Next(held int) Op {
	if held == 0 {
		return Op{Kind: OpAlloc}
	}
	if w.mix.MaxHeld > 0 && held >= w.mix.MaxHeld {
		return Op{Kind: OpFree, Slot: w.pick(held)}
	}

	n := w.rng.Intn(w.mix.Alloc + w.mix.Touch + w.mix.Free)
	switch {
	case n < w.mix.Alloc:
		return Op{Kind: OpAlloc}
	case n < w.mix.Alloc+w.mix.Touch:
		return Op{Kind: OpTouch, Slot: w.pick(held)}
	default:
		return Op{Kind: OpFree, Slot: w.pick(held)}
	}
}

// pick chooses a slot in [0, n), favouring the end of the list when skewed.
func (w *Workload) pick(n int) int {
	if w.mix.Skew == 0 {
		return w.rng.Intn(n)
	}
	return n - 1 - w.rng.Zipf(n, w.mix.Skew)
}
