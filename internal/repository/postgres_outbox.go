package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusDelivered = "delivered"

	OutboxEventTypeSubmissionCreated   = "submission.created"
	OutboxEventTypeSubmissionEvaluated = "submission.evaluated"
)

const claimPendingOutboxSQL = `
	WITH picked AS (
		SELECT id
		FROM outbox_events
		WHERE status = $1
		  AND dispatched_at IS NULL
		  AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	)
	UPDATE outbox_events AS o
	SET attempts = o.attempts + 1,
	    next_attempt_at = NOW() + (
	        LEAST(
	            $4::numeric,
	            GREATEST(
	                1::numeric,
	                LEAST(
	                    $3::numeric * POWER(2::numeric, LEAST(o.attempts, 30)),
	                    $4::numeric
	                ) * (0.9 + random() * 0.2)
	            )
	        )::BIGINT * interval '1 millisecond'
	    ),
	    updated_at = NOW()
	FROM picked
	WHERE o.id = picked.id
	RETURNING o.id, o.event_type, o.submission_id, o.stream_key, o.enqueue_ts,
	          o.payload::text, o.status, o.attempts, o.next_attempt_at, o.created_at, o.updated_at
`

// OutboxEvent is a grading or feedback event waiting for broker dispatch. A
// pending row is, on its own, enough to reconstruct and re-publish the event
// after a broker outage.
type OutboxEvent struct {
	ID            int64
	EventType     string
	SubmissionID  string
	StreamKey     string
	EnqueueTS     int64
	Payload       []byte
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DispatchedAt  *time.Time
	StreamEntryID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateSubmissionAndOutbox persists the submission record and its grading
// event atomically: either both exist afterwards or neither does.
func (db *PostgresDB) CreateSubmissionAndOutbox(
	ctx context.Context,
	submission *model.Submission,
	event *OutboxEvent,
) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	submissionSQL := `
		INSERT INTO submissions (submission_id, task_id, student_id, gh_repo_url, gh_pull_request_number, code_file_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if err := tx.QueryRow(
		ctx,
		submissionSQL,
		submission.SubmissionID,
		submission.TaskID,
		submission.StudentID,
		submission.GHRepoURL,
		submission.GHPullRequestNumber,
		submission.CodeFileName,
	).Scan(&submission.CreatedAt); err != nil {
		return fmt.Errorf("insert submission: %w", classifyPgError(err))
	}

	if err := insertOutboxEvent(ctx, tx, event, OutboxEventTypeSubmissionCreated); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// EvaluateSubmissionAndOutbox writes the verdict and the derived feedback
// event in one transaction. A missing submission aborts with no write. When
// the stored fork URL turns out to be malformed the verdict is still
// committed (matching the direct-publish path) and the URL error is returned
// with a nil event.
func (db *PostgresDB) EvaluateSubmissionAndOutbox(
	ctx context.Context,
	submissionID, grade, feedback, report string,
	streamKey string,
) (*model.Submission, *OutboxEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	query := `
		UPDATE submissions
		SET llm_grade = $2, llm_feedback = $3, llm_report = $4, evaluated_at = NOW()
		WHERE submission_id = $1
		RETURNING ` + submissionColumns
	var s model.Submission
	if err := scanSubmission(tx.QueryRow(ctx, query, submissionID, grade, feedback, report), &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: submission %s does not exist", common.ErrNotFound, submissionID)
		}
		return nil, nil, fmt.Errorf("evaluate submission: %w", err)
	}

	owner, repo, urlErr := s.ForkOwnerRepo()
	if urlErr != nil {
		// Keep the verdict, skip the event.
		if err := tx.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("commit tx: %w", err)
		}
		return &s, nil, urlErr
	}

	payload, err := json.Marshal(model.FeedbackEvent{
		Username:          owner,
		RepoName:          repo,
		PullRequestNumber: s.GHPullRequestNumber,
		Comment:           s.LLMFeedback,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal feedback event: %w", err)
	}

	event := &OutboxEvent{
		EventType:    OutboxEventTypeSubmissionEvaluated,
		SubmissionID: s.SubmissionID,
		StreamKey:    streamKey,
		EnqueueTS:    time.Now().UnixMilli(),
		Payload:      payload,
		Status:       OutboxStatusPending,
	}
	if err := insertOutboxEvent(ctx, tx, event, OutboxEventTypeSubmissionEvaluated); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	return &s, event, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, event *OutboxEvent, fallbackType string) error {
	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		eventType = fallbackType
	}
	status := strings.TrimSpace(event.Status)
	if status == "" {
		status = OutboxStatusPending
	}

	outboxSQL := `
		INSERT INTO outbox_events (
			event_type, submission_id, stream_key, enqueue_ts, payload,
			status, attempts, next_attempt_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, 0, NOW(), NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	if err := tx.QueryRow(
		ctx,
		outboxSQL,
		eventType,
		event.SubmissionID,
		event.StreamKey,
		event.EnqueueTS,
		string(event.Payload),
		status,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	event.EventType = eventType
	event.Status = status
	return nil
}

// ClaimPendingOutboxEvents claims due pending rows with row-level locking and
// advances their retry backoff.
func (db *PostgresDB) ClaimPendingOutboxEvents(
	ctx context.Context,
	limit int,
	baseBackoff time.Duration,
	maxBackoff time.Duration,
) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 32
	}
	baseMs := int64(baseBackoff / time.Millisecond)
	if baseMs <= 0 {
		baseMs = int64((500 * time.Millisecond) / time.Millisecond)
	}
	maxMs := int64(maxBackoff / time.Millisecond)
	if maxMs <= 0 {
		maxMs = int64((30 * time.Second) / time.Millisecond)
	}
	if maxMs < baseMs {
		maxMs = baseMs
	}

	rows, err := db.pool.Query(ctx, claimPendingOutboxSQL, OutboxStatusPending, limit, baseMs, maxMs)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	events := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		var evt OutboxEvent
		var payloadText string
		if err := rows.Scan(
			&evt.ID,
			&evt.EventType,
			&evt.SubmissionID,
			&evt.StreamKey,
			&evt.EnqueueTS,
			&payloadText,
			&evt.Status,
			&evt.Attempts,
			&evt.NextAttemptAt,
			&evt.CreatedAt,
			&evt.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		evt.Payload = []byte(payloadText)
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (db *PostgresDB) MarkOutboxDispatched(ctx context.Context, id int64, streamEntryID string) error {
	query := `
		UPDATE outbox_events
		SET status = $2,
		    last_error = NULL,
		    dispatched_at = NOW(),
		    stream_entry_id = $3,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := db.pool.Exec(ctx, query, id, OutboxStatusDelivered, streamEntryID); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

func (db *PostgresDB) MarkOutboxDispatchError(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE outbox_events
		SET status = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND dispatched_at IS NULL
	`
	if _, err := db.pool.Exec(ctx, query, id, OutboxStatusPending, lastError); err != nil {
		return fmt.Errorf("mark outbox dispatch error: %w", err)
	}
	return nil
}

func (db *PostgresDB) CountOutboxPending(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(1)
		FROM outbox_events
		WHERE status = $1
		  AND dispatched_at IS NULL
	`
	var count int64
	if err := db.pool.QueryRow(ctx, query, OutboxStatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbox pending: %w", err)
	}
	return count, nil
}

// ListOutboxBySubmissionID returns all events recorded for one submission,
// for operators checking whether anything is stuck undelivered.
func (db *PostgresDB) ListOutboxBySubmissionID(ctx context.Context, submissionID string) ([]OutboxEvent, error) {
	query := `
		SELECT id, event_type, submission_id, stream_key, enqueue_ts,
		       payload::text, status, attempts, next_attempt_at, COALESCE(last_error, ''),
		       dispatched_at, COALESCE(stream_entry_id, ''), created_at, updated_at
		FROM outbox_events
		WHERE submission_id = $1
		ORDER BY id
	`
	rows, err := db.pool.Query(ctx, query, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var evt OutboxEvent
		var payloadText string
		if err := rows.Scan(
			&evt.ID,
			&evt.EventType,
			&evt.SubmissionID,
			&evt.StreamKey,
			&evt.EnqueueTS,
			&payloadText,
			&evt.Status,
			&evt.Attempts,
			&evt.NextAttemptAt,
			&evt.LastError,
			&evt.DispatchedAt,
			&evt.StreamEntryID,
			&evt.CreatedAt,
			&evt.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		evt.Payload = []byte(payloadText)
		events = append(events, evt)
	}
	return events, rows.Err()
}
