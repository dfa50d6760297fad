// Package broker implements a durable, AMQP-style message broker embedded on
// BadgerDB: named queues with publish/consume, ack/nack settlement,
// dead-letter routing, per-channel prefetch and visibility-timeout
// redelivery. One Broker backs all queue families of the process.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/models"
)

const (
	// DefaultReconnectDelay bounds the reopen backoff.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultVisibilityTimeout is how long a claimed message stays invisible
	// before the broker considers it abandoned and redelivers it.
	DefaultVisibilityTimeout = 5 * time.Minute
)

// QueueOptions configure a declared queue.
type QueueOptions struct {
	// DeadLetterRoutingKey names the queue that receives messages nacked
	// without requeue. Empty means rejected messages are dropped.
	DeadLetterRoutingKey string `json:"dead_letter_routing_key,omitempty"`
}

// Broker is the embedded message broker. All operations are safe for
// concurrent use.
type Broker struct {
	dir               string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	logger            arbor.ILogger

	mu     sync.RWMutex
	db     *badger.DB
	queues map[string]QueueOptions
	closed bool

	consumersMu sync.RWMutex
	consumers   map[string]int
}

// New creates a broker rooted at dir. Call Connect before use.
func New(dir string, visibilityTimeout, pollInterval time.Duration, logger arbor.ILogger) *Broker {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Broker{
		dir:               dir,
		visibilityTimeout: visibilityTimeout,
		pollInterval:      pollInterval,
		logger:            logger,
		queues:            make(map[string]QueueOptions),
		consumers:         make(map[string]int),
	}
}

// Connect opens the backing store, retrying up to maxRetries with the given
// delay between attempts. Declared queues survive restarts and are reloaded.
func (b *Broker) Connect(maxRetries int, delay time.Duration) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create broker directory: %v", models.ErrBrokerUnavailable, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		options := badger.DefaultOptions(b.dir)
		options.Logger = nil // arbor fronts all logging

		db, err := badger.Open(options)
		if err == nil {
			b.mu.Lock()
			b.db = db
			b.closed = false
			b.mu.Unlock()
			if err := b.loadQueues(); err != nil {
				return err
			}
			b.logger.Info().
				Str("dir", b.dir).
				Int("queues", len(b.queues)).
				Msg("Broker connected")
			return nil
		}

		lastErr = err
		b.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Msg("Broker connect failed, retrying")
		if attempt < maxRetries {
			time.Sleep(delay)
		}
	}

	return fmt.Errorf("%w: %v", models.ErrBrokerUnavailable, lastErr)
}

// Close shuts the broker down. Consumers drain on their contexts.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

// Connected reports whether the backing store is open.
func (b *Broker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db != nil && !b.closed
}

func (b *Broker) store() (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil || b.closed {
		return nil, models.ErrBrokerUnavailable
	}
	return b.db, nil
}

// loadQueues restores declared queue metadata after a (re)connect.
func (b *Broker) loadQueues() error {
	db, err := b.store()
	if err != nil {
		return err
	}
	queues := make(map[string]QueueOptions)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("queue:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), "queue:")
			var qo QueueOptions
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qo)
			}); err != nil {
				return err
			}
			queues[name] = qo
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load queue metadata: %w", err)
	}
	b.mu.Lock()
	b.queues = queues
	b.mu.Unlock()
	return nil
}

// DeclareQueue declares a queue. Declaring an existing queue is a no-op
// unless the options changed, in which case they are updated in place.
func (b *Broker) DeclareQueue(name string, opts QueueOptions) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	db, err := b.store()
	if err != nil {
		return err
	}

	data, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("queue:"+name), data)
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	b.mu.Lock()
	b.queues[name] = opts
	b.mu.Unlock()
	return nil
}

// BindDLQ points an existing queue's dead-letter routing at dlq.
func (b *Broker) BindDLQ(queue, dlq string) error {
	b.mu.RLock()
	opts, ok := b.queues[queue]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrQueueNotFound, queue)
	}
	opts.DeadLetterRoutingKey = dlq
	return b.DeclareQueue(queue, opts)
}

// DeleteQueue removes a queue and purges its messages. Deleting an unknown
// queue is a no-op; the purged count is returned.
func (b *Broker) DeleteQueue(name string) (int, error) {
	db, err := b.store()
	if err != nil {
		return 0, err
	}

	purged, err := b.purge(db, name)
	if err != nil {
		return 0, err
	}
	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("queue:" + name))
	}); err != nil {
		return purged, fmt.Errorf("failed to delete queue %s: %w", name, err)
	}

	b.mu.Lock()
	delete(b.queues, name)
	b.mu.Unlock()
	return purged, nil
}

// HasQueue reports whether a queue is declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[name]
	return ok
}

// QueueNames returns all declared queues, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish appends a message to a declared queue.
func (b *Broker) Publish(queue string, body []byte, headers map[string]string) error {
	if !b.HasQueue(queue) {
		return fmt.Errorf("%w: %s", models.ErrQueueNotFound, queue)
	}
	db, err := b.store()
	if err != nil {
		return err
	}

	msg := StoredMessage{
		ID:         uuid.New().String(),
		Queue:      queue,
		Body:       body,
		Headers:    headers,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}
	return b.put(db, &msg)
}

func (b *Broker) put(db *badger.DB, msg *StoredMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.Queue, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Queue, msg.VisibleAt, msg.ID), []byte{})
	})
}

// receive claims the next visible message, making it invisible for the
// visibility timeout. Returns ErrNoMessage when nothing is ready.
func (b *Broker) receive(queue string) (*StoredMessage, error) {
	db, err := b.store()
	if err != nil {
		return nil, err
	}

	var claimed StoredMessage
	err = db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := parseIndexKey(queue, key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp; nothing later is ready.
				break
			}

			item, err := txn.Get(msgKey(queue, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Dangling index entry; clean up and keep scanning.
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &claimed)
			}); err != nil {
				return err
			}

			claimed.DeliveryCount++
			claimed.VisibleAt = now.Add(b.visibilityTimeout)

			data, err := json.Marshal(&claimed)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(queue, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Set(indexKey(queue, claimed.VisibleAt, id), []byte{})
		}
		return models.ErrNoMessage
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (b *Broker) ack(d *Delivery) error {
	db, err := b.store()
	if err != nil {
		return err
	}
	return b.remove(db, d.Queue, d.MessageID)
}

func (b *Broker) nack(d *Delivery, requeue bool) error {
	db, err := b.store()
	if err != nil {
		return err
	}

	if requeue {
		return db.Update(func(txn *badger.Txn) error {
			msg, err := b.getMessageTxn(txn, d.Queue, d.MessageID)
			if err != nil {
				return err
			}
			oldIdx := indexKey(d.Queue, msg.VisibleAt, msg.ID)
			msg.VisibleAt = time.Now()
			msg.Headers = d.Headers
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(d.Queue, msg.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(oldIdx); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return txn.Set(indexKey(d.Queue, msg.VisibleAt, msg.ID), []byte{})
		})
	}

	// Dead-letter routing: copy to the bound DLQ, then drop the original.
	b.mu.RLock()
	opts, ok := b.queues[d.Queue]
	b.mu.RUnlock()
	if ok && opts.DeadLetterRoutingKey != "" && b.HasQueue(opts.DeadLetterRoutingKey) {
		headers := make(map[string]string, len(d.Headers)+2)
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[HeaderOriginalQueue] = d.Queue
		headers[HeaderDeathTime] = time.Now().UTC().Format(time.RFC3339)

		dead := StoredMessage{
			ID:         d.MessageID,
			Queue:      opts.DeadLetterRoutingKey,
			Body:       d.Body,
			Headers:    headers,
			EnqueuedAt: time.Now(),
			VisibleAt:  time.Now(),
		}
		if err := b.put(db, &dead); err != nil {
			return fmt.Errorf("failed to dead-letter message %s: %w", d.MessageID, err)
		}
		b.logger.Warn().
			Str("queue", d.Queue).
			Str("dlq", opts.DeadLetterRoutingKey).
			Str("message_id", d.MessageID).
			Msg("Message dead-lettered")
	} else {
		b.logger.Warn().
			Str("queue", d.Queue).
			Str("message_id", d.MessageID).
			Msg("Message rejected with no DLQ bound, dropping")
	}
	return b.remove(db, d.Queue, d.MessageID)
}

func (b *Broker) getMessageTxn(txn *badger.Txn, queue, id string) (*StoredMessage, error) {
	item, err := txn.Get(msgKey(queue, id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, models.ErrMessageNotFound
		}
		return nil, err
	}
	var msg StoredMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Broker) remove(db *badger.DB, queue, id string) error {
	return db.Update(func(txn *badger.Txn) error {
		msg, err := b.getMessageTxn(txn, queue, id)
		if err != nil {
			if err == models.ErrMessageNotFound {
				return nil // Already settled
			}
			return err
		}
		if err := txn.Delete(indexKey(queue, msg.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey(queue, id))
	})
}

// RemoveMessage deletes one message by ID (used by DLQ replay).
func (b *Broker) RemoveMessage(queue, id string) error {
	db, err := b.store()
	if err != nil {
		return err
	}
	return b.remove(db, queue, id)
}

// GetMessage fetches one message by ID without claiming it.
func (b *Broker) GetMessage(queue, id string) (*StoredMessage, error) {
	db, err := b.store()
	if err != nil {
		return nil, err
	}
	var msg *StoredMessage
	err = db.View(func(txn *badger.Txn) error {
		m, err := b.getMessageTxn(txn, queue, id)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Peek lists messages on a queue without claiming them, oldest first.
func (b *Broker) Peek(queue string, offset, limit int) ([]StoredMessage, error) {
	db, err := b.store()
	if err != nil {
		return nil, err
	}

	var out []StoredMessage
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("q:%s:msg:", queue))
		it := txn.NewIterator(opts)
		defer it.Close()

		var msgs []StoredMessage
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].EnqueuedAt.Before(msgs[j].EnqueuedAt)
		})
		if offset >= len(msgs) {
			return nil
		}
		end := offset + limit
		if limit <= 0 || end > len(msgs) {
			end = len(msgs)
		}
		out = msgs[offset:end]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns ready/unacked counts and the live consumer count for a queue.
func (b *Broker) Stats(queue string) (models.QueueStats, error) {
	db, err := b.store()
	if err != nil {
		return models.QueueStats{}, err
	}

	stats := models.QueueStats{Name: queue}
	now := time.Now()
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("q:%s:msg:", queue))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.VisibleAt.After(now) {
				stats.Unacked++
			} else {
				stats.Ready++
			}
		}
		return nil
	})
	if err != nil {
		return models.QueueStats{}, err
	}

	b.consumersMu.RLock()
	stats.Consumers = b.consumers[queue]
	b.consumersMu.RUnlock()
	return stats, nil
}

// Depth returns the total message count on a queue.
func (b *Broker) Depth(queue string) (int, error) {
	stats, err := b.Stats(queue)
	if err != nil {
		return 0, err
	}
	return stats.Ready + stats.Unacked, nil
}

// Purge drops all messages on a queue, returning the count.
func (b *Broker) Purge(queue string) (int, error) {
	db, err := b.store()
	if err != nil {
		return 0, err
	}
	return b.purge(db, queue)
}

func (b *Broker) purge(db *badger.DB, queue string) (int, error) {
	purged := 0
	err := db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for _, prefix := range [][]byte{
			[]byte(fmt.Sprintf("q:%s:msg:", queue)),
			indexPrefix(queue),
		} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range keys {
			if strings.Contains(string(key), ":msg:") {
				purged++
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queue, err)
	}
	return purged, nil
}

func (b *Broker) addConsumer(queue string) {
	b.consumersMu.Lock()
	b.consumers[queue]++
	b.consumersMu.Unlock()
}

func (b *Broker) removeConsumer(queue string) {
	b.consumersMu.Lock()
	if b.consumers[queue] > 0 {
		b.consumers[queue]--
	}
	b.consumersMu.Unlock()
}

// ConsumeLoop binds a handler to a queue on the given channel and blocks
// until ctx is cancelled. See Channel.Consume.
func (b *Broker) consumeLoop(ctx context.Context, ch *Channel, queue string, handler func(*Delivery)) {
	b.addConsumer(queue)
	defer b.removeConsumer(queue)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if !ch.acquire(ctx) {
					return
				}
				msg, err := b.receive(queue)
				if err != nil {
					ch.release()
					if err != models.ErrNoMessage && err != models.ErrBrokerUnavailable {
						b.logger.Warn().Err(err).Str("queue", queue).Msg("Receive failed")
					}
					break
				}
				d := &Delivery{
					MessageID:   msg.ID,
					Queue:       queue,
					Body:        msg.Body,
					Headers:     msg.Headers,
					Redelivered: msg.DeliveryCount > 1,
					broker:      b,
					channel:     ch,
				}
				if d.Headers == nil {
					d.Headers = make(map[string]string)
				}
				go handler(d)
			}
		}
	}
}

// Key helpers. Message data lives at q:{queue}:msg:{id}; a visibility index
// at q:{queue}:idx:{ts}:{id} keeps receive scans ordered and cheap.

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("q:%s:msg:%s", queue, id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("q:%s:idx:", queue))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	// Zero-padded nanos so lexical ordering matches time ordering.
	return []byte(fmt.Sprintf("q:%s:idx:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := string(indexPrefix(queue))
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
