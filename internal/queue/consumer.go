package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/proctor/internal/batch"
)

// BatchHandler grades one batch request
type BatchHandler func(ctx context.Context, req *BatchRequest) (*BatchReport, error)

// Runner is the part of the engine a queue worker drives.
type Runner interface {
	Start(ctx context.Context, req batch.Request) (*batch.Session, error)
	Wait(ctx context.Context, id string) (batch.Snapshot, error)
	Stop(id string) error
}

// EngineHandler runs each request as an engine session and waits for it.
// A cancelled ctx stops the session and reports what was done.
func EngineHandler(r Runner) BatchHandler {
	return func(ctx context.Context, req *BatchRequest) (*BatchReport, error) {
		s, err := r.Start(ctx, req.Request)
		if err != nil {
			return nil, err
		}
		snap, err := r.Wait(ctx, s.ID)
		if err != nil {
			_ = r.Stop(s.ID)
			snap, err = r.Wait(context.Background(), s.ID)
			if err != nil {
				return nil, err
			}
		}
		report := &BatchReport{RequestID: req.ID, Snapshot: snap}
		if snap.Fatal != "" {
			report.Error = snap.Fatal
		}
		return report, nil
	}
}

// Consumer consumes batch requests from the queue
type Consumer struct {
	conn       *Connection
	pub        publisher
	names      Names
	handler    BatchHandler
	workers    int
	prefetch   int
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int // Number of concurrent batches
	Prefetch int // Prefetch count per worker
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  3,
		Prefetch: 1,
	}
}

// NewConsumer creates a new queue consumer
func NewConsumer(conn *Connection, handler BatchHandler, cfg ConsumerConfig) *Consumer {
	c := newConsumer(conn, conn.Names(), handler, cfg, conn.logger)
	c.conn = conn
	return c
}

func newConsumer(pub publisher, names Names, handler BatchHandler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		pub:      pub,
		names:    names,
		handler:  handler,
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		logger:   logger,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch := c.conn.Channel()

	if err := ch.Qos(c.workers*c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.names.Batches,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("starting batch queue consumer", "workers", c.workers, "prefetch", c.prefetch)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("worker stopping", "worker_id", id)
			return

		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("message channel closed", "worker_id", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage grades one request, publishes its report and acks. A
// request interrupted by shutdown is still acked; its report lists the
// unprocessed submissions.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	start := time.Now()

	var req BatchRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.logger.Error("failed to unmarshal batch request",
			"worker_id", workerID,
			"error", err,
		)
		_ = msg.Reject(false)
		return
	}

	c.logger.Info("processing batch request",
		"worker_id", workerID,
		"request_id", req.ID,
		"submissions", len(req.Submissions),
	)

	report, err := c.handler(ctx, &req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("batch request failed",
			"worker_id", workerID,
			"request_id", req.ID,
			"error", err,
			"duration", duration,
		)
		report = &BatchReport{RequestID: req.ID, Error: err.Error()}
	} else {
		c.logger.Info("batch request completed",
			"worker_id", workerID,
			"request_id", req.ID,
			"state", report.Snapshot.State,
			"duration", duration,
		)
	}

	if err := c.publishReport(context.WithoutCancel(ctx), report); err != nil {
		c.logger.Error("failed to publish report",
			"worker_id", workerID,
			"request_id", req.ID,
			"error", err,
		)
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ack message",
			"worker_id", workerID,
			"request_id", req.ID,
			"error", err,
		)
	}
}

func (c *Consumer) publishReport(ctx context.Context, report *BatchReport) error {
	return c.pub.PublishJSON(ctx, c.names.Results, TypeReport, report)
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	c.logger.Info("consumer stopped")
}

// ReportHandler handles the report of a specific request
type ReportHandler func(report *BatchReport)

// ResultHandler handles every published result
type ResultHandler func(result *batch.Result)

// ResultConsumer consumes results and reports, routing reports by request ID
type ResultConsumer struct {
	conn       *Connection
	handlers   map[string]ReportHandler
	onResult   ResultHandler
	handlersMu sync.RWMutex
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewResultConsumer creates a result consumer. onResult may be nil.
func NewResultConsumer(conn *Connection, onResult ResultHandler) *ResultConsumer {
	return &ResultConsumer{
		conn:     conn,
		handlers: make(map[string]ReportHandler),
		onResult: onResult,
		logger:   conn.logger,
	}
}

// Subscribe registers a handler for the report of a request
func (rc *ResultConsumer) Subscribe(requestID string, handler ReportHandler) {
	rc.handlersMu.Lock()
	defer rc.handlersMu.Unlock()
	rc.handlers[requestID] = handler
}

// Unsubscribe removes a handler
func (rc *ResultConsumer) Unsubscribe(requestID string) {
	rc.handlersMu.Lock()
	defer rc.handlersMu.Unlock()
	delete(rc.handlers, requestID)
}

// Start begins consuming results
func (rc *ResultConsumer) Start(ctx context.Context) error {
	ctx, rc.cancelFunc = context.WithCancel(ctx)

	msgs, err := rc.conn.Channel().Consume(
		rc.conn.Names().Results,
		"",    // consumer tag
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start result consumer: %w", err)
	}

	rc.wg.Add(1)
	go rc.consume(ctx, msgs)
	return nil
}

func (rc *ResultConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer rc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			rc.dispatch(msg.Type, msg.Body)
		}
	}
}

func (rc *ResultConsumer) dispatch(msgType string, body []byte) {
	switch msgType {
	case TypeReport:
		var report BatchReport
		if err := json.Unmarshal(body, &report); err != nil {
			rc.logger.Error("failed to unmarshal report", "error", err)
			return
		}
		rc.handlersMu.RLock()
		handler, ok := rc.handlers[report.RequestID]
		rc.handlersMu.RUnlock()
		if ok {
			handler(&report)
		}

	case TypeResult:
		if rc.onResult == nil {
			return
		}
		var result batch.Result
		if err := json.Unmarshal(body, &result); err != nil {
			rc.logger.Error("failed to unmarshal result", "error", err)
			return
		}
		rc.onResult(&result)

	default:
		rc.logger.Warn("ignoring message of unknown type", "type", msgType)
	}
}

// Stop stops the result consumer
func (rc *ResultConsumer) Stop() {
	if rc.cancelFunc != nil {
		rc.cancelFunc()
	}
	rc.wg.Wait()
}
