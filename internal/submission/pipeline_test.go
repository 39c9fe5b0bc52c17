package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/internal/repository"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

type memStore struct {
	mu          sync.Mutex
	submissions map[string]*model.Submission
	outbox      []repository.OutboxEvent

	createErr error

	createCalls        int
	createOutboxCalls  int
	evalCalls          int
	evalOutboxCalls    int
	lastOutboxStream string
}

func newMemStore() *memStore {
	return &memStore{submissions: make(map[string]*model.Submission)}
}

func (m *memStore) CreateSubmission(ctx context.Context, s *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.submissions[s.SubmissionID] = &cp
	return nil
}

func (m *memStore) CreateSubmissionAndOutbox(ctx context.Context, s *model.Submission, event *repository.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOutboxCalls++
	if m.createErr != nil {
		return m.createErr
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.submissions[s.SubmissionID] = &cp
	event.ID = int64(len(m.outbox) + 1)
	m.outbox = append(m.outbox, *event)
	return nil
}

func (m *memStore) EvaluateSubmission(ctx context.Context, submissionID, grade, feedback, report string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalCalls++
	s, ok := m.submissions[submissionID]
	if !ok {
		return nil, fmt.Errorf("%w: submission %s does not exist", common.ErrNotFound, submissionID)
	}
	now := time.Now()
	s.LLMGrade = grade
	s.LLMFeedback = feedback
	s.LLMReport = report
	s.EvaluatedAt = &now
	cp := *s
	return &cp, nil
}

func (m *memStore) EvaluateSubmissionAndOutbox(ctx context.Context, submissionID, grade, feedback, report, streamKey string) (*model.Submission, *repository.OutboxEvent, error) {
	m.mu.Lock()
	m.evalOutboxCalls++
	m.lastOutboxStream = streamKey
	m.mu.Unlock()

	s, err := m.EvaluateSubmission(ctx, submissionID, grade, feedback, report)
	if err != nil {
		return nil, nil, err
	}
	owner, repo, err := s.ForkOwnerRepo()
	if err != nil {
		return s, nil, err
	}
	payload, _ := json.Marshal(model.FeedbackEvent{
		Username:          owner,
		RepoName:          repo,
		PullRequestNumber: s.GHPullRequestNumber,
		Comment:           s.LLMFeedback,
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	event := repository.OutboxEvent{
		ID:           int64(len(m.outbox) + 1),
		EventType:    repository.OutboxEventTypeSubmissionEvaluated,
		SubmissionID: s.SubmissionID,
		StreamKey:    streamKey,
		Payload:      payload,
		Status:       repository.OutboxStatusPending,
	}
	m.outbox = append(m.outbox, event)
	return s, &event, nil
}

func (m *memStore) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[submissionID]
	if !ok {
		return nil, fmt.Errorf("%w: submission %s does not exist", common.ErrNotFound, submissionID)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSubmissions(ctx context.Context) ([]model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Submission, 0, len(m.submissions))
	for _, s := range m.submissions {
		out = append(out, *s)
	}
	return out, nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) UploadArtifact(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = data
	return nil
}

type memBroker struct {
	mu       sync.Mutex
	grading  []model.GradingEvent
	feedback []model.FeedbackEvent
	err      error
}

func (m *memBroker) PublishGrading(ctx context.Context, evt model.GradingEvent) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grading = append(m.grading, evt)
	return "1700000000000-0", nil
}

func (m *memBroker) PublishFeedback(ctx context.Context, evt model.FeedbackEvent) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, evt)
	return "1700000000001-0", nil
}

type memLocker struct {
	mu       sync.Mutex
	held     map[string]struct{}
	setErr   error
	acquired []string
	released []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]struct{})}
}

func (m *memLocker) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return false, m.setErr
	}
	if _, exists := m.held[key]; exists {
		return false, nil
	}
	m.held[key] = struct{}{}
	m.acquired = append(m.acquired, key)
	return true, nil
}

func (m *memLocker) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.held, k)
		m.released = append(m.released, k)
	}
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memStore
	objects  *memObjects
	broker   *memBroker
	locker   *memLocker
}

func newPipelineFixture(t *testing.T, forge *stubForge) *pipelineFixture {
	t.Helper()
	store := newMemStore()
	objects := newMemObjects()
	brokerClient := &memBroker{}
	locker := newMemLocker()
	matcher := NewMatcher(
		forge,
		&stubTasks{task: &model.Task{TaskID: "task-1"}},
		&stubStudents{student: &model.Student{StudentID: "student-1", GHUsername: "octocat"}},
	)
	return &pipelineFixture{
		pipeline: NewPipeline(matcher, store, objects, brokerClient, locker, nil),
		store:    store,
		objects:  objects,
		broker:   brokerClient,
		locker:   locker,
	}
}

func validRequest() IntakeRequest {
	return IntakeRequest{
		Owner:             "octocat",
		Repo:              "task-sorting",
		PullRequestNumber: 3,
		Files: []NamedFile{
			{Name: "autotests.log", Data: []byte("12 passed")},
			{Name: "linters.log", Data: []byte("clean")},
			{Name: "solution.py", Data: []byte("print('hello')")},
		},
	}
}

func TestPipeline_Intake_DirectMode_AllStages(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	sub, err := f.pipeline.Intake(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.SubmissionID == "" {
		t.Fatalf("expected generated submission id")
	}
	if sub.TaskID != "task-1" || sub.StudentID != "student-1" {
		t.Fatalf("expected resolved task and student, got %+v", sub)
	}
	if sub.GHRepoURL != "https://github.com/octocat/task-sorting" {
		t.Fatalf("expected fork url stored, got %s", sub.GHRepoURL)
	}
	if _, ok := f.objects.objects[sub.CodeFileName]; !ok {
		t.Fatalf("expected artifact stored under %s", sub.CodeFileName)
	}
	if f.store.createCalls != 1 {
		t.Fatalf("expected one record insert, got %d", f.store.createCalls)
	}
	if len(f.broker.grading) != 1 {
		t.Fatalf("expected one grading event, got %d", len(f.broker.grading))
	}
	if got := f.broker.grading[0]; got.SubmissionID != sub.SubmissionID || got.CodeFileName != sub.CodeFileName {
		t.Fatalf("grading event mismatch: %+v", got)
	}
	if len(f.locker.released) != 1 {
		t.Fatalf("expected inflight key released, got %v", f.locker.released)
	}
}

func TestPipeline_Intake_ValidationFailure_NothingHappens(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	req := validRequest()
	req.PullRequestNumber = 0

	_, err := f.pipeline.Intake(context.Background(), req)
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageReceived {
		t.Fatalf("expected failure at received stage, got %v", err)
	}
	if len(f.objects.objects) != 0 || f.store.createCalls != 0 || len(f.broker.grading) != 0 {
		t.Fatalf("expected no side effects after validation failure")
	}
}

func TestPipeline_Intake_NotAFork_NoSideEffects(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	repo := forkRepo()
	repo.Parent = nil
	f := newPipelineFixture(t, &stubForge{repo: repo})

	_, err := f.pipeline.Intake(context.Background(), validRequest())
	if !errors.Is(err, common.ErrNotAFork) {
		t.Fatalf("expected ErrNotAFork, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageValidated {
		t.Fatalf("expected failure at validated stage, got %v", err)
	}
	if len(f.objects.objects) != 0 || f.store.createCalls != 0 {
		t.Fatalf("expected no side effects after fork rejection")
	}
}

func TestPipeline_Intake_StorageDown_NoRecordNoEvent(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	f.objects.err = fmt.Errorf("%w: put object: connection refused", common.ErrStorageUnavailable)

	_, err := f.pipeline.Intake(context.Background(), validRequest())
	if !errors.Is(err, common.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageStored {
		t.Fatalf("expected failure at stored stage, got %v", err)
	}
	if f.store.createCalls != 0 || len(f.broker.grading) != 0 {
		t.Fatalf("expected no record and no event after storage failure")
	}
}

func TestPipeline_Intake_PublishFailsAfterCommit_RecordSurvives(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	f.broker.err = fmt.Errorf("%w: xadd: broken pipe", common.ErrBrokerUnavailable)

	sub, err := f.pipeline.Intake(context.Background(), validRequest())
	if !errors.Is(err, common.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePublished {
		t.Fatalf("expected failure at published stage, got %v", err)
	}
	if sub == nil {
		t.Fatalf("expected the committed submission returned alongside the error")
	}
	if _, getErr := f.store.GetSubmission(context.Background(), sub.SubmissionID); getErr != nil {
		t.Fatalf("expected record kept after publish failure: %v", getErr)
	}
}

func TestPipeline_Intake_DuplicateInflight_Conflict(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	key := common.InflightKeyPrefix + "octocat/task-sorting#3"
	f.locker.held[key] = struct{}{}

	_, err := f.pipeline.Intake(context.Background(), validRequest())
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if f.store.createCalls != 0 {
		t.Fatalf("expected no record for duplicate in-flight request")
	}
}

func TestPipeline_Intake_LockerDown_DegradesOpen(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	f.locker.setErr = errors.New("redis down")

	if _, err := f.pipeline.Intake(context.Background(), validRequest()); err != nil {
		t.Fatalf("expected dedupe to degrade open, got %v", err)
	}
	if f.store.createCalls != 1 {
		t.Fatalf("expected submission recorded despite locker outage")
	}
}

func TestPipeline_Intake_OutboxMode_TransactionalRecord(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "true")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	sub, err := f.pipeline.Intake(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.store.createOutboxCalls != 1 || f.store.createCalls != 0 {
		t.Fatalf("expected transactional create, got outbox=%d direct=%d", f.store.createOutboxCalls, f.store.createCalls)
	}
	if len(f.broker.grading) != 0 {
		t.Fatalf("expected no direct publish in outbox mode")
	}
	if len(f.store.outbox) != 1 {
		t.Fatalf("expected one pending outbox row")
	}
	evt := f.store.outbox[0]
	if evt.SubmissionID != sub.SubmissionID || evt.EventType != repository.OutboxEventTypeSubmissionCreated {
		t.Fatalf("outbox row mismatch: %+v", evt)
	}
	var payload model.GradingEvent
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("outbox payload not a grading event: %v", err)
	}
	if payload.CodeFileName != sub.CodeFileName {
		t.Fatalf("payload artifact key mismatch: %+v", payload)
	}
}

func seedSubmission(t *testing.T, f *pipelineFixture) *model.Submission {
	t.Helper()
	sub, err := f.pipeline.Intake(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("seed intake failed: %v", err)
	}
	return sub
}

func TestPipeline_Evaluate_DirectMode_FeedbackEvent(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	seeded := seedSubmission(t, f)

	sub, evt, err := f.pipeline.Evaluate(context.Background(), seeded.SubmissionID, "9", "well done", `{"criteria":[]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.EvaluatedAt == nil || sub.LLMGrade != "9" {
		t.Fatalf("expected persisted verdict, got %+v", sub)
	}
	if evt == nil || evt.Username != "octocat" || evt.RepoName != "task-sorting" || evt.PullRequestNumber != 3 {
		t.Fatalf("feedback event mismatch: %+v", evt)
	}
	if evt.Comment != "well done" {
		t.Fatalf("expected feedback text in comment, got %q", evt.Comment)
	}
	if len(f.broker.feedback) != 1 {
		t.Fatalf("expected one published feedback event")
	}
}

func TestPipeline_Evaluate_UnknownSubmission_NoPublish(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	_, _, err := f.pipeline.Evaluate(context.Background(), "no-such-id", "9", "well done", "{}")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(f.broker.feedback) != 0 {
		t.Fatalf("expected no feedback event for unknown submission")
	}
}

func TestPipeline_Evaluate_MalformedStoredURL_VerdictKeptEventSkipped(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "false")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	seeded := seedSubmission(t, f)
	f.store.submissions[seeded.SubmissionID].GHRepoURL = "not a url"

	sub, _, err := f.pipeline.Evaluate(context.Background(), seeded.SubmissionID, "9", "well done", "{}")
	if !errors.Is(err, common.ErrMalformedRepoURL) {
		t.Fatalf("expected ErrMalformedRepoURL, got %v", err)
	}
	if sub == nil || sub.EvaluatedAt == nil {
		t.Fatalf("expected verdict committed before url failure")
	}
	if len(f.broker.feedback) != 0 {
		t.Fatalf("expected no feedback event for malformed url")
	}
}

func TestPipeline_Evaluate_OutboxMode_DecodedEventReturned(t *testing.T) {
	t.Setenv("OUTBOX_ENABLED", "true")
	t.Setenv("FEEDBACK_STREAM_KEY", "grading:comments")

	f := newPipelineFixture(t, &stubForge{repo: forkRepo()})
	seeded := seedSubmission(t, f)

	sub, evt, err := f.pipeline.Evaluate(context.Background(), seeded.SubmissionID, "7", "needs tests", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.store.evalOutboxCalls != 1 {
		t.Fatalf("expected transactional evaluate, got %d", f.store.evalOutboxCalls)
	}
	if f.store.lastOutboxStream != "grading:comments" {
		t.Fatalf("expected feedback stream key passed through, got %s", f.store.lastOutboxStream)
	}
	if sub.LLMGrade != "7" {
		t.Fatalf("expected persisted grade, got %s", sub.LLMGrade)
	}
	if evt == nil || evt.Comment != "needs tests" || evt.Username != "octocat" {
		t.Fatalf("decoded feedback event mismatch: %+v", evt)
	}
	if len(f.broker.feedback) != 0 {
		t.Fatalf("expected no direct publish in outbox mode")
	}
}
