package fat

import "fmt"

// An Allocator hands out cluster numbers from the data region in strictly
// increasing order. Clusters are never reused within one build, so the
// chains built over them can never form cycles.
type Allocator struct {
	next uint32
	max  uint32 // one past the highest valid cluster number
}

func NewAllocator(g *Geometry) *Allocator {
	return &Allocator{next: 2, max: g.MaxCluster() + 1}
}

// Allocate reserves n contiguously numbered clusters and returns the
// first number. A failed allocation is fatal for the build; callers must
// not retry with a smaller n, because cluster numbering has to stay
// consistent.
func (a *Allocator) Allocate(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if a.max-a.next < n {
		return 0, fmt.Errorf("allocating %d clusters (%d of %d in use): %w",
			n, a.Allocated(), a.max-2, ErrOutOfSpace)
	}
	first := a.next
	a.next += n
	return first, nil
}

// Allocated returns the number of clusters handed out so far.
func (a *Allocator) Allocated() uint32 {
	return a.next - 2
}
