package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/churst90/accessible-trader-sub001/internal/metrics"
	"github.com/churst90/accessible-trader-sub001/internal/subscription"
)

const (
	outboxSize      = 256
	criticalTimeout = 5 * time.Second
)

// outbox is the bounded outbound queue for one connection. When the client
// cannot keep up, the oldest queued update is shed to make room for the new
// one, so a stalled client always converges on the freshest data. Critical
// frames (snapshots, acks, errors) are never shed and instead fail the
// connection when the client stays stalled past the timeout.
type outbox struct {
	ch     chan subscription.Envelope
	closed chan struct{}

	// criticalWait bounds how long a critical frame may wait for room.
	criticalWait time.Duration

	// mu serializes shedding so concurrent producers cannot pop frames out
	// from under each other's insert.
	mu sync.Mutex
}

func newOutbox() *outbox {
	return &outbox{
		ch:           make(chan subscription.Envelope, outboxSize),
		closed:       make(chan struct{}),
		criticalWait: criticalTimeout,
	}
}

// enqueue places a frame on the queue per the shed policy.
func (o *outbox) enqueue(env subscription.Envelope) error {
	if env.Critical() {
		timer := time.NewTimer(o.criticalWait)
		defer timer.Stop()
		select {
		case <-o.closed:
			return fmt.Errorf("connection closed")
		case o.ch <- env:
			return nil
		case <-timer.C:
			return fmt.Errorf("client stalled, outbound queue full for %s", o.criticalWait)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for tries := 0; ; tries++ {
		select {
		case <-o.closed:
			return fmt.Errorf("connection closed")
		case o.ch <- env:
			return nil
		default:
		}

		// Queue is entirely critical traffic; shed the incoming update
		// instead of spinning.
		if tries > outboxSize {
			metrics.OutboundDropped.Inc()
			return nil
		}

		// Full: shed the oldest queued update to make room. A popped
		// critical frame goes straight back on the queue.
		select {
		case old := <-o.ch:
			if old.Critical() {
				select {
				case o.ch <- old:
				case <-o.closed:
					return fmt.Errorf("connection closed")
				}
				continue
			}
			metrics.OutboundDropped.Inc()
		default:
			// The writer freed a slot in the meantime; retry the send.
		}
	}
}

// close wakes every blocked producer. Idempotent via the caller's once.
func (o *outbox) close() {
	close(o.closed)
}
