package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"fieldforce/internal/core/id"
	"fieldforce/internal/domain/merge"
	"fieldforce/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// EventVendorMerged is the event type of the accounting sync trigger.
const EventVendorMerged = "accounting.vendor_merged"

// DefaultMaxRetries is how many failed deliveries mark a message failed.
const DefaultMaxRetries = 5

var outboxColumns = ExtractDBColumns[OutboxMessage]()

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   id.ID        `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// OutboxPublisher writes events to sys_outbox in the caller's transaction.
type OutboxPublisher struct {
	txManager *TxManager
}

var _ merge.EventPublisher = (*OutboxPublisher)(nil)

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// PublishVendorMerged enqueues the accounting sync for the surviving vendor.
// The insert runs behind a savepoint, so a failure leaves the merge transaction usable.
func (p *OutboxPublisher) PublishVendorMerged(ctx context.Context, ev merge.VendorMergedEvent) error {
	return p.publish(ctx, "vendor", ev.TargetID, EventVendorMerged, ev)
}

func (p *OutboxPublisher) publish(ctx context.Context, aggregateType string, aggregateID id.ID, eventType string, payload any) error {
	if p.txManager.GetTx(ctx) == nil {
		return errors.New("outbox publish requires transaction context")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	sql, args, err := builder().
		Insert("sys_outbox").
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "created_at").
		Values(id.New(), aggregateType, aggregateID, eventType, body, OutboxStatusPending, time.Now().UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	return p.txManager.Savepoint(ctx, func(ctx context.Context) error {
		if _, err := p.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert outbox message: %w", err)
		}
		return nil
	})
}

// OutboxHandler delivers one outbox message downstream.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxRelay moves pending messages to an OutboxHandler.
// Used by the background worker.
type OutboxRelay struct {
	txManager  *TxManager
	batchSize  int
	maxRetries int
	handler    OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, batchSize int, handler OutboxHandler) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		txManager:  txManager,
		batchSize:  batchSize,
		maxRetries: DefaultMaxRetries,
		handler:    handler,
	}
}

// ProcessBatch delivers up to batchSize due messages and returns how many succeeded.
// Rows stay locked until the batch commits, so concurrent workers skip them.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		sql, args, err := buildPendingSelect(r.batchSize)
		if err != nil {
			return fmt.Errorf("build outbox select: %w", err)
		}

		var messages []*OutboxMessage
		if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &messages, sql, args...); err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.processMessage(ctx, msg); err != nil {
				logger.Warn(ctx, "outbox delivery failed",
					"message_id", msg.ID,
					"event_type", msg.EventType,
					"retry_count", msg.RetryCount+1,
					"error", err,
				)
				continue
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func buildPendingSelect(limit int) (string, []any, error) {
	return builder().
		Select(outboxColumns...).
		From("sys_outbox").
		Where("status = ?", OutboxStatusPending).
		Where("(next_retry_at IS NULL OR next_retry_at <= NOW())").
		OrderBy("created_at").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
}

// processMessage delivers one message and records the outcome.
func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage) error {
	q := r.txManager.GetQuerier(ctx)

	if err := r.handler.Handle(ctx, msg); err != nil {
		status := OutboxStatusPending
		if msg.RetryCount+1 >= r.maxRetries {
			status = OutboxStatusFailed
		}
		_, updateErr := q.Exec(ctx, `
			UPDATE sys_outbox
			SET retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    status = $3
			WHERE id = $4
		`, err.Error(), time.Now().UTC().Add(RetryBackoff(msg.RetryCount)), status, msg.ID)
		if updateErr != nil {
			return fmt.Errorf("update failed message: %w", updateErr)
		}
		return err
	}

	_, err := q.Exec(ctx, `
		UPDATE sys_outbox
		SET status = $1, published_at = $2, last_error = NULL
		WHERE id = $3
	`, OutboxStatusPublished, time.Now().UTC(), msg.ID)
	if err != nil {
		return fmt.Errorf("mark message published: %w", err)
	}
	return nil
}

// RetryBackoff doubles from one minute per previous attempt, capped at one hour.
func RetryBackoff(retryCount int) time.Duration {
	d := time.Minute
	for i := 0; i < retryCount && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
