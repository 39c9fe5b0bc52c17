package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LLM-Grading-System/Platform-Backend/internal/repository"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const (
	defaultOutboxDispatchInterval = 1 * time.Second
	defaultOutboxDispatchBatch    = 32
	defaultOutboxRetryBase        = 500 * time.Millisecond
	defaultOutboxRetryMax         = 30 * time.Second
)

type outboxStore interface {
	ClaimPendingOutboxEvents(ctx context.Context, limit int, baseBackoff, maxBackoff time.Duration) ([]repository.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id int64, streamEntryID string) error
	MarkOutboxDispatchError(ctx context.Context, id int64, lastError string) error
	CountOutboxPending(ctx context.Context) (int64, error)
}

// OutboxDispatcher replays pending outbox rows onto their streams. Events
// committed during a broker outage sit pending until a later tick delivers
// them.
type OutboxDispatcher struct {
	store     outboxStore
	redis     StreamClient
	logger    *slog.Logger
	interval  time.Duration
	batch     int
	retryBase time.Duration
	retryMax  time.Duration
}

func NewOutboxDispatcher(store outboxStore, redisClient StreamClient, logger *slog.Logger) *OutboxDispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	intervalMs := getEnvInt("OUTBOX_DISPATCH_INTERVAL_MS", int(defaultOutboxDispatchInterval/time.Millisecond))
	if intervalMs <= 0 {
		intervalMs = int(defaultOutboxDispatchInterval / time.Millisecond)
	}

	batch := getEnvInt("OUTBOX_DISPATCH_BATCH_SIZE", defaultOutboxDispatchBatch)
	if batch <= 0 {
		batch = defaultOutboxDispatchBatch
	}

	retryBaseMs := getEnvInt("OUTBOX_RETRY_BASE_MS", int(defaultOutboxRetryBase/time.Millisecond))
	if retryBaseMs <= 0 {
		retryBaseMs = int(defaultOutboxRetryBase / time.Millisecond)
	}
	retryMaxMs := getEnvInt("OUTBOX_RETRY_MAX_MS", int(defaultOutboxRetryMax/time.Millisecond))
	if retryMaxMs <= 0 {
		retryMaxMs = int(defaultOutboxRetryMax / time.Millisecond)
	}
	if retryMaxMs < retryBaseMs {
		retryMaxMs = retryBaseMs
	}

	return &OutboxDispatcher{
		store:     store,
		redis:     redisClient,
		logger:    logger.With("component", "outbox_dispatcher"),
		interval:  time.Duration(intervalMs) * time.Millisecond,
		batch:     batch,
		retryBase: time.Duration(retryBaseMs) * time.Millisecond,
		retryMax:  time.Duration(retryMaxMs) * time.Millisecond,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.DispatchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) {
	defer d.updatePendingGauge(ctx)

	events, err := d.store.ClaimPendingOutboxEvents(ctx, d.batch, d.retryBase, d.retryMax)
	if err != nil {
		outboxDispatchedTotal.WithLabelValues("db_error").Inc()
		d.logger.Error("Claim outbox failed", "reason", "db_error", "error", err)
		return
	}

	for _, evt := range events {
		d.dispatchOne(ctx, evt)
	}
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, evt repository.OutboxEvent) {
	logger := d.logger.With(
		"submission_id", evt.SubmissionID,
		"event_type", evt.EventType,
		"outbox_id", evt.ID,
		"attempt", evt.Attempts,
		"next_retry_at", evt.NextAttemptAt,
	)

	streamKey := strings.TrimSpace(evt.StreamKey)
	if streamKey == "" {
		streamKey = defaultStreamForEventType(evt.EventType)
	}

	values := map[string]interface{}{
		"event_type": evt.EventType,
		"payload":    string(evt.Payload),
		"enqueue_ts": evt.EnqueueTS,
		"event_id":   evt.ID,
	}
	if evt.SubmissionID != "" {
		values["submission_id"] = evt.SubmissionID
	}

	entryID, err := d.redis.XAdd(ctx, BuildStreamXAddArgs(streamKey, streamMaxLen(), values))
	if err != nil {
		outboxDispatchedTotal.WithLabelValues("redis_xadd_error").Inc()
		logger.Warn("Outbox dispatch failed", "reason", "redis_xadd_error", "error", err)
		if derr := d.store.MarkOutboxDispatchError(ctx, evt.ID, truncateErr(err)); derr != nil {
			outboxDispatchedTotal.WithLabelValues("db_error").Inc()
			logger.Error("Update outbox dispatch error failed", "reason", "db_error", "error", derr)
		}
		return
	}

	if err := d.store.MarkOutboxDispatched(ctx, evt.ID, entryID); err != nil {
		outboxDispatchedTotal.WithLabelValues("db_error").Inc()
		logger.Error("Mark outbox delivered failed", "reason", "db_error", "error", err)
		return
	}

	outboxDispatchedTotal.WithLabelValues("ok").Inc()
	logger.Info("Outbox dispatched", "stream", streamKey, "stream_entry_id", entryID)
}

func (d *OutboxDispatcher) updatePendingGauge(ctx context.Context) {
	pending, err := d.store.CountOutboxPending(ctx)
	if err != nil {
		d.logger.Warn("Count outbox pending failed", "reason", "db_error", "error", err)
		return
	}
	outboxPendingGauge.Set(float64(pending))
}

func defaultStreamForEventType(eventType string) string {
	if eventType == repository.OutboxEventTypeSubmissionEvaluated {
		return getEnvString("FEEDBACK_STREAM_KEY", common.DefaultFeedbackStream)
	}
	return getEnvString("GRADING_STREAM_KEY", common.DefaultGradingStream)
}

func truncateErr(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= 512 {
		return msg
	}
	return fmt.Sprintf("%s...", msg[:509])
}
