package sigchan

// Chan is a non-blocking notification channel. Emit never blocks; a full
// channel drops the signal, which is fine because one pending signal is
// enough to wake the consumer.
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit sends a signal without blocking.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the receive side for use in select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
