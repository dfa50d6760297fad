package broker

import (
	"context"
)

// ChannelKind names the three logical channels. Downloads and uploads get
// independent prefetch windows so slow uploads never stall downloads; the
// publish channel carries worker-initiated publishes so consumer
// flow-control cannot back-pressure handler follow-up jobs.
type ChannelKind string

const (
	ChannelDownload ChannelKind = "download"
	ChannelUpload   ChannelKind = "upload"
	ChannelPublish  ChannelKind = "publish"
)

// Channel is a logical view of the broker with its own prefetch window.
// Consumers on one channel never consume the credit of another.
type Channel struct {
	kind   ChannelKind
	broker *Broker
	tokens chan struct{}
}

// Channel opens a logical channel with the given prefetch count.
func (b *Broker) Channel(kind ChannelKind, prefetch int) *Channel {
	if prefetch <= 0 {
		prefetch = 20
	}
	return &Channel{
		kind:   kind,
		broker: b,
		tokens: make(chan struct{}, prefetch),
	}
}

// Prefetch returns the channel's prefetch capacity.
func (c *Channel) Prefetch() int {
	return cap(c.tokens)
}

// Kind returns the channel kind.
func (c *Channel) Kind() ChannelKind {
	return c.kind
}

// Publish sends a message through this channel. Publishing never consumes
// consumer credit.
func (c *Channel) Publish(queue string, body []byte, headers map[string]string) error {
	return c.broker.Publish(queue, body, headers)
}

// Consume binds handler to queue and blocks until ctx is cancelled. At most
// Prefetch() deliveries are unsettled at once across all consumers sharing
// this channel; each delivery runs on its own goroutine and must be settled
// with Ack or Nack.
func (c *Channel) Consume(ctx context.Context, queue string, handler func(*Delivery)) {
	c.broker.consumeLoop(ctx, c, queue, handler)
}

// acquire takes one prefetch token, blocking until one is free or the
// context ends. Returns false when the context is done.
func (c *Channel) acquire(ctx context.Context) bool {
	select {
	case c.tokens <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// release returns a prefetch token after a delivery settles.
func (c *Channel) release() {
	select {
	case <-c.tokens:
	default:
	}
}
