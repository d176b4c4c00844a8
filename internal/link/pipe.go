package link

import (
	"sync"

	"ridelink/internal/stream"
)

// pipe carries the notifications of one connection to its single consumer.
type pipe struct {
	buf  *stream.Buffer[Notification]
	lost chan struct{}
	once sync.Once

	mu      sync.Mutex
	cause   error
	claimed bool
}

func newPipe(size int) *pipe {
	return &pipe{
		buf:  stream.NewBuffer[Notification](size),
		lost: make(chan struct{}),
	}
}

func (p *pipe) push(n Notification) {
	select {
	case <-p.lost:
		return
	default:
	}
	p.buf.Push(n)
}

func (p *pipe) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return false
	}
	p.claimed = true
	return true
}

func (p *pipe) release() {
	p.mu.Lock()
	p.claimed = false
	p.mu.Unlock()
}

// close ends the stream and returns how many undelivered notifications were
// discarded.
func (p *pipe) close(cause error) int {
	n := 0
	p.once.Do(func() {
		p.mu.Lock()
		p.cause = cause
		p.mu.Unlock()
		close(p.lost)
		n = p.buf.Drain()
	})
	return n
}

func (p *pipe) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Stream is a claimed notification stream of one connection.
type Stream struct {
	p    *pipe
	once sync.Once
}

// C delivers notifications in arrival order.
func (s *Stream) C() <-chan Notification {
	return s.p.buf.C()
}

// Done is closed when the connection ends.
func (s *Stream) Done() <-chan struct{} {
	return s.p.lost
}

// Err returns why the connection ended, or nil while it is up.
func (s *Stream) Err() error {
	return s.p.err()
}

// Dropped returns how many notifications were discarded because the consumer
// fell behind.
func (s *Stream) Dropped() uint64 {
	return s.p.buf.Dropped()
}

// Release gives the claim back so another consumer may take it.
func (s *Stream) Release() {
	s.once.Do(s.p.release)
}
