// Package notify forwards unsolicited server updates to Redis subscribers.
package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/metrics"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Event is the JSON document published for one untagged response.
type Event struct {
	ID         string    `json:"id"`
	Mailbox    string    `json:"mailbox"`
	Label      string    `json:"label"`
	Status     string    `json:"status,omitempty"`
	Number     uint32    `json:"number,omitempty"` // EXISTS/EXPUNGE/FETCH message number
	Raw        string    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent describes resp as seen in mailbox.
func NewEvent(mailbox string, resp *protocol.Response) *Event {
	ev := &Event{
		ID:         generateEventID(),
		Mailbox:    mailbox,
		Label:      resp.Label,
		Status:     string(resp.Status),
		Raw:        string(resp.Raw),
		ReceivedAt: time.Now().UTC(),
	}
	if ev.Label == "" && resp.Status != "" {
		ev.Label = string(resp.Status)
	}
	if len(resp.Fields) > 1 && resp.Fields[0].Kind == protocol.TokenNumber {
		ev.Number = uint32(resp.Fields[0].Num)
	}
	return ev
}

// publisher is the part of *redis.Client the publisher uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events on a Redis channel.
type RedisPublisher struct {
	client  publisher
	channel string
	logger  *logging.Logger
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(ctx context.Context, redisURL, channel string, logger *logging.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 4

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if lastErr = client.Ping(pingCtx).Err(); lastErr == nil {
			break
		}
		if i < 2 {
			select {
			case <-time.After(time.Duration(i+1) * time.Second):
			case <-pingCtx.Done():
			}
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	return newPublisher(client, channel, logger), nil
}

func newPublisher(client publisher, channel string, logger *logging.Logger) *RedisPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.Session().WithFields("channel", channel),
	}
}

// Publish sends ev, retrying transient errors once.
func (p *RedisPublisher) Publish(ctx context.Context, ev *Event) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	p.wg.Add(1)
	defer p.wg.Done()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.client.Publish(ctx, p.channel, data).Err()
	if err != nil && isTransientRedisError(err) {
		select {
		case <-time.After(200 * time.Millisecond):
			err = p.client.Publish(ctx, p.channel, data).Err()
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	metrics.RecordPublish(ev.Label, err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Forward publishes every response from events until the channel closes
// or ctx ends. Publish failures are logged and do not stop forwarding.
func (p *RedisPublisher) Forward(ctx context.Context, mailbox string, events <-chan *protocol.Response) {
	ctx = logging.WithMailbox(ctx, mailbox)
	for {
		select {
		case resp, ok := <-events:
			if !ok {
				return
			}
			ev := NewEvent(mailbox, resp)
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.ErrorContext(ctx, "event not published", err, "label", ev.Label)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close waits for in-flight publishes, then closes the client.
func (p *RedisPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("closing with publishes still in flight")
	}

	return p.client.Close()
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "timeout", "connection reset", "broken pipe", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func generateEventID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
