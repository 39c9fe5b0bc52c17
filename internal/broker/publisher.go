// Package broker publishes grading and feedback events to Redis streams and
// drains the transactional outbox into them.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/internal/repository"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const (
	defaultStreamMaxLen = int64(200000)
)

// StreamClient is the slice of the Redis client publishing needs.
type StreamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
}

// Publisher emits one stream entry per event. Failures surface as
// ErrBrokerUnavailable; whether that rolls anything back is the caller's
// decision.
type Publisher struct {
	client StreamClient
	logger *slog.Logger
}

func NewPublisher(client StreamClient, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger.With("component", "event_publisher")}
}

// PublishGrading emits a "submission created" grading request.
func (p *Publisher) PublishGrading(ctx context.Context, evt model.GradingEvent) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal grading event: %w", err)
	}
	streamKey := getEnvString("GRADING_STREAM_KEY", common.DefaultGradingStream)
	return p.publish(ctx, streamKey, repository.OutboxEventTypeSubmissionCreated, evt.SubmissionID, payload)
}

// PublishFeedback emits a "post comment" request.
func (p *Publisher) PublishFeedback(ctx context.Context, evt model.FeedbackEvent) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal feedback event: %w", err)
	}
	streamKey := getEnvString("FEEDBACK_STREAM_KEY", common.DefaultFeedbackStream)
	return p.publish(ctx, streamKey, repository.OutboxEventTypeSubmissionEvaluated, "", payload)
}

func (p *Publisher) publish(ctx context.Context, streamKey, eventType, submissionID string, payload []byte) (string, error) {
	start := time.Now()
	values := map[string]interface{}{
		"event_type": eventType,
		"payload":    string(payload),
		"enqueue_ts": time.Now().UnixMilli(),
	}
	if submissionID != "" {
		values["submission_id"] = submissionID
	}

	entryID, err := p.client.XAdd(ctx, BuildStreamXAddArgs(streamKey, streamMaxLen(), values))
	if err != nil {
		publishTotal.WithLabelValues(streamKey, "error").Inc()
		p.logger.Error(
			"Stream publish failed",
			"stream", streamKey,
			"event_type", eventType,
			"submission_id", submissionID,
			"error", err,
		)
		return "", fmt.Errorf("%w: xadd %s: %v", common.ErrBrokerUnavailable, streamKey, err)
	}

	publishTotal.WithLabelValues(streamKey, "ok").Inc()
	publishLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
	p.logger.Info(
		"Stream publish success",
		"stream", streamKey,
		"event_type", eventType,
		"submission_id", submissionID,
		"stream_entry_id", entryID,
	)
	return entryID, nil
}

func streamMaxLen() int64 {
	return getEnvInt64("EVENT_STREAM_MAXLEN", defaultStreamMaxLen)
}

// BuildStreamXAddArgs trims the stream approximately so the publish path
// stays O(1) on average while bounding broker memory.
func BuildStreamXAddArgs(streamKey string, streamMaxLen int64, values map[string]interface{}) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: values,
	}
	if streamMaxLen > 0 {
		args.MaxLen = streamMaxLen
		args.Approx = true
	}
	return args
}
