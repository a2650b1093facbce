package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/proctor/internal/batch"
)

// Producer publishes batch requests, results and reports
type Producer struct {
	pub    publisher
	names  Names
	logger *slog.Logger
}

// Ensure Producer implements batch.Sink
var _ batch.Sink = (*Producer)(nil)

// NewProducer creates a new queue producer
func NewProducer(conn *Connection) *Producer {
	return &Producer{pub: conn, names: conn.Names(), logger: conn.logger}
}

// PublishBatch publishes a batch request to the batch queue
func (p *Producer) PublishBatch(ctx context.Context, req *BatchRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, p.names.Batches, "", req); err != nil {
		return fmt.Errorf("failed to publish batch request: %w", err)
	}

	p.logger.Info("published batch request",
		"request_id", req.ID,
		"submissions", len(req.Submissions),
	)
	return nil
}

// Persist publishes one authoritative result to the results queue.
func (p *Producer) Persist(ctx context.Context, r batch.Result) error {
	if err := p.pub.PublishJSON(ctx, p.names.Results, TypeResult, r); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	p.logger.Debug("published result",
		"batch_id", r.BatchID,
		"chain", r.ChainKey,
		"revision", r.Revision,
	)
	return nil
}

// PublishReport publishes the final report of a batch request
func (p *Producer) PublishReport(ctx context.Context, report *BatchReport) error {
	if err := p.pub.PublishJSON(ctx, p.names.Results, TypeReport, report); err != nil {
		return fmt.Errorf("failed to publish batch report: %w", err)
	}

	p.logger.Info("published batch report",
		"request_id", report.RequestID,
		"state", report.Snapshot.State,
		"completed", report.Snapshot.Completed,
		"failed", report.Snapshot.Failed,
	)
	return nil
}
