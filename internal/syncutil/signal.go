package syncutil

// Signal is a coalescing wake-up: any number of Notify calls between two
// receives collapse into one.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is received from when at least one Notify happened.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
