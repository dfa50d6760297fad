package broker

import (
	"time"
)

// Message header keys. Operators and the retry API depend on these names.
const (
	HeaderRetryCount     = "x-retry-count"
	HeaderFailureReason  = "x-failure-reason"
	HeaderErrorMessage   = "x-error-message"
	HeaderErrorName      = "x-error-name"
	HeaderErrorTimestamp = "x-error-timestamp"
	HeaderQueueType      = "x-queue-type"
	HeaderHTTPStatus     = "x-http-status"
	HeaderHTTPCode       = "x-http-code"
	HeaderHTTPURL        = "x-http-url"
	HeaderOriginalQueue  = "x-original-queue"
	HeaderDeathTime      = "x-death-time"
)

// StoredMessage is the wire record persisted per queue entry.
type StoredMessage struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Body          []byte            `json:"body"`
	Headers       map[string]string `json:"headers,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	VisibleAt     time.Time         `json:"visible_at"`
	DeliveryCount int               `json:"delivery_count"`
}

// Delivery is one in-flight message handed to a consumer. Exactly one of
// Ack or Nack must be called; until then the message is invisible and will
// be redelivered after the visibility timeout elapses.
type Delivery struct {
	MessageID   string
	Queue       string
	Body        []byte
	Headers     map[string]string
	Redelivered bool

	broker  *Broker
	channel *Channel
	settled bool
}

// SetHeader stages a header on the message; staged headers travel with the
// message to the DLQ on Nack(requeue=false) and persist across redelivery.
func (d *Delivery) SetHeader(key, value string) {
	if d.Headers == nil {
		d.Headers = make(map[string]string)
	}
	d.Headers[key] = value
}

// Ack removes the message from its queue.
func (d *Delivery) Ack() error {
	if d.settled {
		return nil
	}
	d.settled = true
	defer d.channel.release()
	return d.broker.ack(d)
}

// Nack settles the message negatively. With requeue the message becomes
// immediately visible again; without, it is routed to the queue's
// dead-letter queue (or dropped when none is bound).
func (d *Delivery) Nack(requeue bool) error {
	if d.settled {
		return nil
	}
	d.settled = true
	defer d.channel.release()
	return d.broker.nack(d, requeue)
}
