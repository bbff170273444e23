package channel

import (
	"sync"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// Pipe returns a connected pair of in-process channels. Envelopes posted on
// one side are delivered, in order, to the handler installed on the other.
// Used by tests and by same-process embedding of hub and edge.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer = b
	b.peer = a
	return a, b
}

// PipeEnd is one side of an in-process channel pair. Post enqueues onto the
// peer's inbound queue without blocking; a single delivery goroutine per
// side preserves FIFO order.
type PipeEnd struct {
	peer *PipeEnd

	mu      sync.Mutex
	queue   []*protocol.Envelope
	wake    chan struct{}
	handler Handler
	onClose func()
	started bool
	closed  bool
}

func newPipeEnd() *PipeEnd {
	return &PipeEnd{wake: make(chan struct{}, 1)}
}

// Post hands the envelope to the peer. Returns false once either side has
// closed.
func (p *PipeEnd) Post(env *protocol.Envelope) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	return p.peer.enqueue(env)
}

func (p *PipeEnd) enqueue(env *protocol.Envelope) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, env)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// OnMessage installs the handler and starts delivery, including envelopes
// queued before the handler existed.
func (p *PipeEnd) OnMessage(h Handler) {
	p.mu.Lock()
	p.handler = h
	start := !p.started && !p.closed
	p.started = true
	p.mu.Unlock()

	if start {
		go p.deliverLoop()
	}
}

// OnClose registers a callback invoked once when this end closes.
func (p *PipeEnd) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Close shuts the conduit down from this end. Both ends observe the close,
// queued but undelivered envelopes are dropped, and subsequent posts from
// either side return false.
func (p *PipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *PipeEnd) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	fn := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	if fn != nil {
		fn()
	}
}

func (p *PipeEnd) deliverLoop() {
	for range p.wake {
		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			env := p.queue[0]
			p.queue = p.queue[1:]
			h := p.handler
			p.mu.Unlock()

			if h != nil {
				h(env)
			}
		}
	}
}
