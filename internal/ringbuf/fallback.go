package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/klauspost/compress/zstd"
)

// FallbackConsumer consumes one whole buffer-sized message per call
// from a secondary broker transport, used instead of the shared-memory
// ring when that path is unconfigured or unavailable. The
// connect/consume/reconnect shape follows the project's usual AMQP
// source, adapted to the plugin's one-message-equals-one-slot-payload
// contract.
type FallbackConsumer struct {
	url   string
	queue string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	msgs    <-chan amqp.Delivery

	backoff         []time.Duration
	backoffIdx      int
	reconnectAt     time.Time
	errored         bool
	lastReconnectAt time.Time

	zstdDec *zstd.Decoder
}

// NewFallbackConsumer builds a FallbackConsumer against the given AMQP
// URL and queue name, with the supplied bounded backoff schedule
// applied on reconnect.
func NewFallbackConsumer(url, queue string, backoff []time.Duration) *FallbackConsumer {
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	}
	return &FallbackConsumer{url: url, queue: queue, backoff: backoff}
}

// WithZstdPayloads enables transparent zstd decompression of each
// message body before it is handed to the caller's Codec, for AMQP
// producers that compress slot payloads in flight.
func (f *FallbackConsumer) WithZstdPayloads() (*FallbackConsumer, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: build zstd decoder: %w", err)
	}
	f.zstdDec = dec
	return f, nil
}

func (f *FallbackConsumer) ensureConnected() error {
	if !strings.HasPrefix(f.url, "amqp://") && !strings.HasPrefix(f.url, "amqps://") {
		return errors.New("ringbuf: fallback transport url must start with amqp:// or amqps://")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil && !f.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(f.url)
	if err != nil {
		return fmt.Errorf("ringbuf: fallback transport dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("ringbuf: fallback transport channel: %w", err)
	}

	q, err := ch.QueueDeclare(f.queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("ringbuf: fallback transport queue declare: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("ringbuf: fallback transport consume: %w", err)
	}

	f.conn, f.channel, f.msgs = conn, ch, msgs
	f.errored = false
	return nil
}

// NextMessage returns one whole ring-slot-shaped payload. On failure it
// marks the transport errored and computes the next reconnect deadline
// via the configured backoff schedule.
func (f *FallbackConsumer) NextMessage(ctx context.Context) ([]byte, error) {
	if f.errored && time.Now().Before(f.reconnectAt) {
		return nil, fmt.Errorf("ringbuf: fallback transport backing off until %s", f.reconnectAt)
	}

	if err := f.ensureConnected(); err != nil {
		f.markErrored()
		return nil, err
	}

	select {
	case d, ok := <-f.msgs:
		if !ok {
			f.markErrored()
			return nil, errors.New("ringbuf: fallback transport channel closed")
		}
		if ackErr := d.Ack(false); ackErr != nil {
			return nil, fmt.Errorf("ringbuf: fallback transport ack: %w", ackErr)
		}
		f.backoffIdx = 0

		if f.zstdDec == nil {
			return d.Body, nil
		}
		plain, err := f.zstdDec.DecodeAll(d.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("ringbuf: zstd decompress payload: %w", err)
		}
		return plain, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FallbackConsumer) markErrored() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored = true
	delay := f.backoff[f.backoffIdx]
	if f.backoffIdx < len(f.backoff)-1 {
		f.backoffIdx++
	}
	f.reconnectAt = time.Now().Add(delay)
	f.lastReconnectAt = f.reconnectAt
}

// ReconnectDeadline returns the wall-clock time the fallback transport
// will next attempt to reconnect, for combining into the ingest loop's
// poll timeout.
func (f *FallbackConsumer) ReconnectDeadline() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectAt
}

func (f *FallbackConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zstdDec != nil {
		f.zstdDec.Close()
	}
	if f.channel != nil {
		f.channel.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
