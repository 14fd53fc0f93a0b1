package m7dash

// changeGate holds the last emitted value for a discrete-state channel
// and lets a new value through only when it differs. The first value
// always passes.
type changeGate[T comparable] struct {
	set  bool
	last T
}

func (g *changeGate[T]) pass(v T) bool {
	if g.set && g.last == v {
		return false
	}
	g.set = true
	g.last = v
	return true
}
