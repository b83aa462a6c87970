// Package bus abstracts the channel-oriented pub/sub transport carrying
// normalized upstream messages from the streaming layer to per-view
// listeners. Redis Pub/Sub backs production; an in-memory bus backs tests
// and single-process development.
package bus

import "context"

// Bus is a reliable-enough broker: publishes are fire-and-forget fan-out,
// subscriptions are independent streams per call.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a new subscription on channel. The caller owns the
	// returned subscription and must Close it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
	// Close tears down the broker connection and all subscriptions.
	Close() error
}

// Subscription is one listener's message stream. Messages is closed after
// Close or when the bus shuts down.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
