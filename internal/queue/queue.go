// Package queue carries batch requests and grading results over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/proctor/internal/batch"
)

// Default queue names
const (
	BatchQueueName  = "proctor.batches"
	ResultQueueName = "proctor.results"
)

// Message types set on the AMQP Type property of the results queue.
const (
	TypeResult = "proctor.result"
	TypeReport = "proctor.report"
)

// Names are the queues a connection declares.
type Names struct {
	Batches string
	Results string
}

// DefaultNames returns the stock queue names
func DefaultNames() Names {
	return Names{Batches: BatchQueueName, Results: ResultQueueName}
}

// BatchRequest asks a worker to grade one batch
type BatchRequest struct {
	ID string `json:"id"`
	batch.Request
	CreatedAt time.Time `json:"created_at"`
}

// BatchReport is the final state of a batch request
type BatchReport struct {
	RequestID string         `json:"request_id"`
	Snapshot  batch.Snapshot `json:"snapshot"`
	Error     string         `json:"error,omitempty"`
}

// publisher is the part of a connection producers and consumers publish
// through.
type publisher interface {
	PublishJSON(ctx context.Context, queue, msgType string, data any) error
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url        string
	names      Names
	logger     *slog.Logger
	conn       *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	closed     bool
	reconnects int
}

// NewConnection creates a new RabbitMQ connection and declares the queues.
func NewConnection(url string, names Names, logger *slog.Logger) (*Connection, error) {
	if names.Batches == "" {
		names.Batches = BatchQueueName
	}
	if names.Results == "" {
		names.Results = ResultQueueName
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{url: url, names: names, logger: logger}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Names returns the declared queue names
func (c *Connection) Names() Names {
	return c.names
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.conn, err = amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declareQueues(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	go c.handleReconnect()

	c.logger.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

func (c *Connection) declareQueues() error {
	// batches can take a while to be picked up; no TTL
	if _, err := c.channel.QueueDeclare(c.names.Batches, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare batch queue: %w", err)
	}

	_, err := c.channel.QueueDeclare(
		c.names.Results,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-message-ttl": int32(24 * time.Hour / time.Millisecond),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare results queue: %w", err)
	}
	return nil
}

// handleReconnect listens for connection close and attempts to reconnect
func (c *Connection) handleReconnect() {
	c.mu.RLock()
	notifyClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	c.mu.RUnlock()

	err, ok := <-notifyClose
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Warn("RabbitMQ connection closed, attempting to reconnect",
		"error", err,
		"reconnects", c.reconnects,
	)

	for i := 0; i < 10; i++ {
		c.reconnects++
		time.Sleep(backoff(i))

		if err := c.connect(); err != nil {
			c.logger.Error("reconnection failed", "error", err, "attempt", i+1)
			continue
		}

		c.logger.Info("reconnected to RabbitMQ", "attempts", i+1)
		return
	}

	c.logger.Error("failed to reconnect to RabbitMQ after 10 attempts")
}

// backoff doubles from one second and caps at thirty.
func backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Duration(1<<attempt) * time.Second
}

// Channel returns the current channel (thread-safe)
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a persistent JSON message of the given type.
func (c *Connection) PublishJSON(ctx context.Context, queue, msgType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	return ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         msgType,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// sanitizeURL hides the password for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	return u.Redacted()
}
