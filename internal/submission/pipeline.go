package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/internal/repository"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// Stage names one transition of the pipeline state machine. Each transition
// is a single external call; the first failure aborts the run with a
// StageError and nothing done earlier is compensated.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageBundled   Stage = "bundled"
	StageStored    Stage = "stored"
	StageRecorded  Stage = "recorded"
	StagePublished Stage = "published"

	StageEvaluationReceived Stage = "evaluation_received"
	StagePersisted          Stage = "persisted"
	StageFeedbackPublished  Stage = "feedback_published"
)

// StageError annotates a failure with the transition it aborted. Unwrap
// keeps the underlying sentinel visible to errors.Is.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// SubmissionStore is the durable submission registry, plus the transactional
// record+outbox variants used when outbox delivery is enabled.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s *model.Submission) error
	CreateSubmissionAndOutbox(ctx context.Context, s *model.Submission, event *repository.OutboxEvent) error
	EvaluateSubmission(ctx context.Context, submissionID, grade, feedback, report string) (*model.Submission, error)
	EvaluateSubmissionAndOutbox(ctx context.Context, submissionID, grade, feedback, report, streamKey string) (*model.Submission, *repository.OutboxEvent, error)
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
	ListSubmissions(ctx context.Context) ([]model.Submission, error)
}

// ObjectStore persists artifact archives.
type ObjectStore interface {
	UploadArtifact(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error
}

// BrokerPublisher emits grading and feedback events directly to the broker.
type BrokerPublisher interface {
	PublishGrading(ctx context.Context, evt model.GradingEvent) (string, error)
	PublishFeedback(ctx context.Context, evt model.FeedbackEvent) (string, error)
}

// InflightLocker guards against the same pull request being submitted twice
// concurrently. May be nil, in which case dedupe is skipped.
type InflightLocker interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// IntakeRequest is one inbound submission: fork coordinates plus the three
// uploaded artifact files.
type IntakeRequest struct {
	Owner             string
	Repo              string
	PullRequestNumber int
	Files             []NamedFile
}

func (r *IntakeRequest) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("%w: missing fork owner", common.ErrInvalidInput)
	}
	if r.Repo == "" {
		return fmt.Errorf("%w: missing fork repository name", common.ErrInvalidInput)
	}
	if r.PullRequestNumber <= 0 {
		return fmt.Errorf("%w: missing or non-positive pull request number", common.ErrInvalidInput)
	}
	if len(r.Files) == 0 {
		return fmt.Errorf("%w: no artifact files uploaded", common.ErrInvalidInput)
	}
	for _, f := range r.Files {
		if f.Name == "" {
			return fmt.Errorf("%w: artifact file without a name", common.ErrInvalidInput)
		}
	}
	return nil
}

// Pipeline coordinates the intake and evaluation paths across GitHub, the
// object store, the submission registry and the broker. One Intake or
// Evaluate call is one independent unit of work; safety under concurrency
// comes from the backing store, not from locks here.
type Pipeline struct {
	matcher *Matcher
	store   SubmissionStore
	objects ObjectStore
	broker  BrokerPublisher
	locks   InflightLocker
	logger  *slog.Logger
}

func NewPipeline(
	matcher *Matcher,
	store SubmissionStore,
	objects ObjectStore,
	broker BrokerPublisher,
	locks InflightLocker,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		matcher: matcher,
		store:   store,
		objects: objects,
		broker:  broker,
		locks:   locks,
		logger:  logger.With("component", "submission_pipeline"),
	}
}

func outboxEnabled() bool {
	return getEnvBool("OUTBOX_ENABLED", true)
}

func gradingStreamKey() string {
	return getEnvString("GRADING_STREAM_KEY", common.DefaultGradingStream)
}

func feedbackStreamKey() string {
	return getEnvString("FEEDBACK_STREAM_KEY", common.DefaultFeedbackStream)
}

// Intake runs Received → Validated → Bundled → Stored → Recorded →
// Published. An artifact already stored when a later stage fails is left in
// place; that window is accepted, not hidden.
func (p *Pipeline) Intake(ctx context.Context, req IntakeRequest) (*model.Submission, error) {
	logger := p.logger.With("owner", req.Owner, "repo", req.Repo, "pull_request", req.PullRequestNumber)

	if err := req.validate(); err != nil {
		return nil, stageErr(StageReceived, err)
	}

	release, err := p.acquireInflight(ctx, logger, req)
	if err != nil {
		return nil, stageErr(StageReceived, err)
	}
	defer release()

	match, err := p.matcher.Resolve(ctx, req.Owner, req.Repo)
	if err != nil {
		return nil, stageErr(StageValidated, err)
	}
	logger = logger.With("task_id", match.Task.TaskID, "student_id", match.Student.StudentID)

	archive, err := BundleArtifacts(req.Files)
	if err != nil {
		return nil, stageErr(StageBundled, err)
	}

	artifactKey := NewArtifactKey()
	if err := p.objects.UploadArtifact(ctx, artifactKey, bytes.NewReader(archive), int64(len(archive))); err != nil {
		return nil, stageErr(StageStored, err)
	}

	sub := &model.Submission{
		SubmissionID:        uuid.New().String(),
		TaskID:              match.Task.TaskID,
		StudentID:           match.Student.StudentID,
		GHRepoURL:           match.ForkURL,
		GHPullRequestNumber: req.PullRequestNumber,
		CodeFileName:        artifactKey,
	}
	logger = logger.With("submission_id", sub.SubmissionID)

	gradingPayload, err := json.Marshal(model.GradingEvent{
		SubmissionID: sub.SubmissionID,
		TaskID:       sub.TaskID,
		CodeFileName: sub.CodeFileName,
	})
	if err != nil {
		return nil, stageErr(StageRecorded, fmt.Errorf("marshal grading event: %w", err))
	}

	if outboxEnabled() {
		event := &repository.OutboxEvent{
			EventType:    repository.OutboxEventTypeSubmissionCreated,
			SubmissionID: sub.SubmissionID,
			StreamKey:    gradingStreamKey(),
			EnqueueTS:    time.Now().UnixMilli(),
			Payload:      gradingPayload,
			Status:       repository.OutboxStatusPending,
		}
		if err := p.store.CreateSubmissionAndOutbox(ctx, sub, event); err != nil {
			return nil, stageErr(StageRecorded, err)
		}
		logger.Info("Submission recorded", "delivery", "outbox", "outbox_id", event.ID, "artifact_key", artifactKey)
		return sub, nil
	}

	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		return nil, stageErr(StageRecorded, err)
	}
	entryID, err := p.broker.PublishGrading(ctx, model.GradingEvent{
		SubmissionID: sub.SubmissionID,
		TaskID:       sub.TaskID,
		CodeFileName: sub.CodeFileName,
	})
	if err != nil {
		// The record already committed: the submission is gradeable but
		// unnotified until an operator replays it.
		logger.Error("Grading event publish failed after record commit", "error", err)
		return sub, stageErr(StagePublished, err)
	}
	logger.Info("Submission recorded", "delivery", "direct", "stream_entry_id", entryID, "artifact_key", artifactKey)
	return sub, nil
}

// Evaluate runs EvaluationReceived → Persisted → FeedbackPublished.
func (p *Pipeline) Evaluate(ctx context.Context, submissionID, grade, feedback, report string) (*model.Submission, *model.FeedbackEvent, error) {
	logger := p.logger.With("submission_id", submissionID)

	if submissionID == "" {
		return nil, nil, stageErr(StageEvaluationReceived, fmt.Errorf("%w: missing submission id", common.ErrInvalidInput))
	}

	if outboxEnabled() {
		sub, event, err := p.store.EvaluateSubmissionAndOutbox(ctx, submissionID, grade, feedback, report, feedbackStreamKey())
		if err != nil {
			return sub, nil, stageErr(StagePersisted, err)
		}
		feedbackEvt, err := decodeFeedbackEvent(event.Payload)
		if err != nil {
			return sub, nil, stageErr(StagePersisted, err)
		}
		logger.Info("Verdict recorded", "delivery", "outbox", "outbox_id", event.ID, "grade", grade)
		return sub, feedbackEvt, nil
	}

	sub, err := p.store.EvaluateSubmission(ctx, submissionID, grade, feedback, report)
	if err != nil {
		return nil, nil, stageErr(StagePersisted, err)
	}

	owner, repo, err := sub.ForkOwnerRepo()
	if err != nil {
		return sub, nil, stageErr(StagePersisted, err)
	}
	evt := model.FeedbackEvent{
		Username:          owner,
		RepoName:          repo,
		PullRequestNumber: sub.GHPullRequestNumber,
		Comment:           sub.LLMFeedback,
	}
	entryID, err := p.broker.PublishFeedback(ctx, evt)
	if err != nil {
		logger.Error("Feedback event publish failed after verdict commit", "error", err)
		return sub, nil, stageErr(StageFeedbackPublished, err)
	}
	logger.Info("Verdict recorded", "delivery", "direct", "stream_entry_id", entryID, "grade", grade)
	return sub, &evt, nil
}

// acquireInflight takes the per-pull-request dedupe key. Dedupe degrades to
// open when Redis misbehaves; a duplicate in-flight request is a conflict.
func (p *Pipeline) acquireInflight(ctx context.Context, logger *slog.Logger, req IntakeRequest) (func(), error) {
	if p.locks == nil {
		return func() {}, nil
	}
	key := common.InflightKeyPrefix + req.Owner + "/" + req.Repo + "#" + strconv.Itoa(req.PullRequestNumber)
	ttl := time.Duration(getEnvInt("INTAKE_INFLIGHT_TTL_SEC", 600)) * time.Second

	ok, err := p.locks.SetNX(ctx, key, "1", ttl)
	if err != nil {
		logger.Warn("Inflight SetNX failed, dedupe skipped", "error", err)
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: submission for %s/%s#%d is already being processed", common.ErrConflict, req.Owner, req.Repo, req.PullRequestNumber)
	}
	return func() {
		if err := p.locks.Del(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("Inflight key release failed", "key", key, "error", err)
		}
	}, nil
}

func decodeFeedbackEvent(payload []byte) (*model.FeedbackEvent, error) {
	var evt model.FeedbackEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode feedback event payload: %w", err)
	}
	return &evt, nil
}
