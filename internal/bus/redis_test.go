package bus

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPumpForwardsAndClosesOutput(t *testing.T) {
	in := make(chan *redis.Message, 1)
	out := make(chan []byte, 4)
	in <- &redis.Message{Payload: "tick"}
	close(in)

	pumpMessages(in, out, make(chan struct{}))

	payload, ok := <-out
	require.True(t, ok)
	assert.Equal(t, "tick", string(payload))
	_, ok = <-out
	assert.False(t, ok, "output must be closed once the source drains")
}

func TestPumpUnparksWhenConsumerStopsDraining(t *testing.T) {
	in := make(chan *redis.Message)
	out := make(chan []byte, 2)
	done := make(chan struct{})

	finished := make(chan struct{})
	go func() {
		pumpMessages(in, out, done)
		close(finished)
	}()

	// Fill the buffer, then hand over one more payload so the pump parks on
	// the send with nobody reading.
	for i := 0; i < cap(out); i++ {
		in <- &redis.Message{Payload: "buffered"}
	}
	in <- &redis.Message{Payload: "parked"}

	select {
	case <-finished:
		t.Fatal("pump exited before the subscription closed")
	case <-time.After(20 * time.Millisecond):
	}

	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("pump must exit when the subscription closes")
	}

	drained := 0
	for range out {
		drained++
	}
	assert.Equal(t, cap(out), drained)
}
