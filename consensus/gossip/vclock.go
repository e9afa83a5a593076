package gossip

// VectorClock maps node IDs to logical counters. Entries are monotonically
// non-decreasing per node.
type VectorClock map[string]uint64

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	// OrderEqual - identical clocks.
	OrderEqual Ordering = iota
	// OrderBefore - the left clock happens before the right.
	OrderBefore
	// OrderAfter - the left clock happens after the right.
	OrderAfter
	// OrderConcurrent - neither dominates.
	OrderConcurrent
)

// String returns the string representation of Ordering.
func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "EQUAL"
	case OrderBefore:
		return "BEFORE"
	case OrderAfter:
		return "AFTER"
	case OrderConcurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for the given node and returns the new value.
func (vc VectorClock) Increment(nodeID string) uint64 {
	vc[nodeID]++
	return vc[nodeID]
}

// Merge takes the pointwise maximum with the remote clock.
func (vc VectorClock) Merge(remote VectorClock) {
	for nodeID, counter := range remote {
		if counter > vc[nodeID] {
			vc[nodeID] = counter
		}
	}
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, counter := range vc {
		out[nodeID] = counter
	}
	return out
}

// Compare derives the causal ordering between two clocks.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for nodeID, counter := range vc {
		if counter > other[nodeID] {
			greater = true
		} else if counter < other[nodeID] {
			less = true
		}
	}
	for nodeID, counter := range other {
		if _, seen := vc[nodeID]; !seen && counter > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	default:
		return OrderEqual
	}
}

// HappensBefore reports whether this clock causally precedes the other.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == OrderBefore
}

// Concurrent reports whether neither clock dominates the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == OrderConcurrent
}
