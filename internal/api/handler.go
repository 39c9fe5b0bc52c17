package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/internal/repository"
	"github.com/LLM-Grading-System/Platform-Backend/internal/submission"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const defaultMaxIntakeBodyBytes int64 = 8 << 20 // three log/code files plus multipart framing

// artifactParts are the multipart field names the grading bot uploads.
var artifactParts = []string{"autotests_log", "linters_log", "code"}

type submissionReader interface {
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
	ListSubmissions(ctx context.Context) ([]model.Submission, error)
}

type artifactOpener interface {
	OpenArtifact(ctx context.Context, objectName string) (io.ReadCloser, error)
}

type outboxReader interface {
	ListOutboxBySubmissionID(ctx context.Context, submissionID string) ([]repository.OutboxEvent, error)
}

// Handler serves the submission HTTP surface.
type Handler struct {
	pipeline *submission.Pipeline
	store    submissionReader
	objects  artifactOpener
	outbox   outboxReader
}

func NewHandler(pipeline *submission.Pipeline, store submissionReader, objects artifactOpener, outbox outboxReader) *Handler {
	return &Handler{pipeline: pipeline, store: store, objects: objects, outbox: outbox}
}

// SubmissionResponse is the wire representation of a submission record.
// Timestamps are unix seconds; evaluated_at is null until a verdict lands.
type SubmissionResponse struct {
	SubmissionID        string          `json:"submission_id"`
	TaskID              string          `json:"task_id"`
	StudentID           string          `json:"student_id"`
	GHRepoURL           string          `json:"gh_repo_url"`
	GHPullRequestNumber int             `json:"gh_pull_request_number"`
	CodeFileName        string          `json:"code_file_name"`
	LLMGrade            string          `json:"llm_grade"`
	LLMFeedback         string          `json:"llm_feedback"`
	LLMReport           json.RawMessage `json:"llm_report"`
	CreatedAt           int64           `json:"created_at"`
	EvaluatedAt         *int64          `json:"evaluated_at"`
}

func toSubmissionResponse(s *model.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		SubmissionID:        s.SubmissionID,
		TaskID:              s.TaskID,
		StudentID:           s.StudentID,
		GHRepoURL:           s.GHRepoURL,
		GHPullRequestNumber: s.GHPullRequestNumber,
		CodeFileName:        s.CodeFileName,
		LLMGrade:            s.LLMGrade,
		LLMFeedback:         s.LLMFeedback,
		CreatedAt:           s.CreatedAt.Unix(),
	}
	if s.LLMReport != "" && json.Valid([]byte(s.LLMReport)) {
		resp.LLMReport = json.RawMessage(s.LLMReport)
	} else {
		raw, _ := json.Marshal(s.LLMReport)
		resp.LLMReport = raw
	}
	if s.EvaluatedAt != nil {
		ts := s.EvaluatedAt.Unix()
		resp.EvaluatedAt = &ts
	}
	return resp
}

// EvaluateRequest carries the verdict produced by the grading worker.
type EvaluateRequest struct {
	LLMGrade    string          `json:"llm_grade" binding:"required"`
	LLMFeedback string          `json:"llm_feedback" binding:"required"`
	LLMReport   json.RawMessage `json:"llm_report"`
}

// HandleCreateSubmission accepts one pull-request submission: three uploaded
// artifact files plus fork coordinates in X-GitHub-* headers.
func (h *Handler) HandleCreateSubmission(c *gin.Context) {
	ctx := c.Request.Context()
	reqID := GetRequestID(c)
	logger := slog.With("request_id", reqID, "ip", c.ClientIP(), "path", c.FullPath())

	maxBodyBytes := getEnvInt64("INTAKE_BODY_MAX_BYTES", defaultMaxIntakeBodyBytes)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	owner := c.GetHeader("X-GitHub-Owner")
	repo := c.GetHeader("X-GitHub-Repository")
	prRaw := c.GetHeader("X-GitHub-Pull-Request-Number")
	prNumber, err := strconv.Atoi(prRaw)
	if prRaw != "" && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-GitHub-Pull-Request-Number must be an integer", "code": "INVALID_PARAM"})
		return
	}

	files := make([]submission.NamedFile, 0, len(artifactParts))
	for _, part := range artifactParts {
		fileHeader, err := c.FormFile(part)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "code": "BODY_TOO_LARGE"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart file: " + part, "code": "INVALID_PARAM"})
			return
		}
		data, err := readMultipartFile(fileHeader)
		if err != nil {
			logger.Warn("Reading uploaded file failed", "part", part, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable multipart file: " + part, "code": "INVALID_PARAM"})
			return
		}
		name := fileHeader.Filename
		if name == "" {
			name = part
		}
		files = append(files, submission.NamedFile{Name: name, Data: data})
	}

	sub, err := h.pipeline.Intake(ctx, submission.IntakeRequest{
		Owner:             owner,
		Repo:              repo,
		PullRequestNumber: prNumber,
		Files:             files,
	})
	if err != nil {
		SubmissionTotal.WithLabelValues("error").Inc()
		h.respondError(c, logger, err)
		return
	}

	SubmissionTotal.WithLabelValues("ok").Inc()
	logger.Info("Submission accepted", "submission_id", sub.SubmissionID)
	c.JSON(http.StatusCreated, gin.H{"submission_id": sub.SubmissionID})
}

// HandleListSubmissions returns every submission record, oldest first.
func (h *Handler) HandleListSubmissions(c *gin.Context) {
	subs, err := h.store.ListSubmissions(c.Request.Context())
	if err != nil {
		h.respondError(c, slog.Default(), err)
		return
	}
	resp := make([]SubmissionResponse, 0, len(subs))
	for i := range subs {
		resp = append(resp, toSubmissionResponse(&subs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) HandleGetSubmission(c *gin.Context) {
	sub, err := h.store.GetSubmission(c.Request.Context(), c.Param("submission_id"))
	if err != nil {
		h.respondError(c, slog.Default(), err)
		return
	}
	c.JSON(http.StatusOK, toSubmissionResponse(sub))
}

// HandleEvaluateSubmission persists a verdict and emits the feedback event.
func (h *Handler) HandleEvaluateSubmission(c *gin.Context) {
	reqID := GetRequestID(c)
	logger := slog.With("request_id", reqID, "submission_id", c.Param("submission_id"))

	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error(), "code": "BAD_REQUEST"})
		return
	}

	report := "{}"
	if len(req.LLMReport) > 0 {
		report = string(req.LLMReport)
	}

	sub, _, err := h.pipeline.Evaluate(c.Request.Context(), c.Param("submission_id"), req.LLMGrade, req.LLMFeedback, report)
	if err != nil {
		EvaluationTotal.WithLabelValues("error").Inc()
		// A committed verdict with a failed event is still a committed
		// verdict; surface the failure but keep the record visible.
		if sub != nil && (errors.Is(err, common.ErrBrokerUnavailable) || errors.Is(err, common.ErrMalformedRepoURL)) {
			logger.Error("Feedback delivery failed after verdict commit", "error", err)
		}
		h.respondError(c, logger, err)
		return
	}

	EvaluationTotal.WithLabelValues("ok").Inc()
	logger.Info("Verdict accepted", "grade", req.LLMGrade)
	c.JSON(http.StatusOK, toSubmissionResponse(sub))
}

// HandleDownloadArtifact streams the stored artifact archive.
func (h *Handler) HandleDownloadArtifact(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.GetSubmission(ctx, c.Param("submission_id"))
	if err != nil {
		h.respondError(c, slog.Default(), err)
		return
	}

	reader, err := h.objects.OpenArtifact(ctx, sub.CodeFileName)
	if err != nil {
		h.respondError(c, slog.Default(), err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", `attachment; filename="`+sub.CodeFileName+`"`)
	c.Header("Content-Type", common.ArtifactMIMEType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		slog.Warn("Artifact stream aborted", "submission_id", sub.SubmissionID, "error", err)
	}
}

// HandleListOutboxEvents shows the delivery ledger for one submission, so an
// operator can tell whether its events ever reached the broker.
func (h *Handler) HandleListOutboxEvents(c *gin.Context) {
	events, err := h.outbox.ListOutboxBySubmissionID(c.Request.Context(), c.Param("submission_id"))
	if err != nil {
		h.respondError(c, slog.Default(), err)
		return
	}

	type outboxResponse struct {
		ID            int64  `json:"id"`
		EventType     string `json:"event_type"`
		StreamKey     string `json:"stream_key"`
		Status        string `json:"status"`
		Attempts      int    `json:"attempts"`
		LastError     string `json:"last_error,omitempty"`
		StreamEntryID string `json:"stream_entry_id,omitempty"`
		DispatchedAt  *int64 `json:"dispatched_at"`
		CreatedAt     int64  `json:"created_at"`
	}
	resp := make([]outboxResponse, 0, len(events))
	for _, evt := range events {
		item := outboxResponse{
			ID:            evt.ID,
			EventType:     evt.EventType,
			StreamKey:     evt.StreamKey,
			Status:        evt.Status,
			Attempts:      evt.Attempts,
			LastError:     evt.LastError,
			StreamEntryID: evt.StreamEntryID,
			CreatedAt:     evt.CreatedAt.Unix(),
		}
		if evt.DispatchedAt != nil {
			ts := evt.DispatchedAt.Unix()
			item.DispatchedAt = &ts
		}
		resp = append(resp, item)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleHealth reports liveness only; dependency probes stay out of it so a
// broker outage does not flap the whole service.
func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_PARAM"})
	case errors.Is(err, common.ErrNotAFork):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "NOT_A_FORK"})
	case errors.Is(err, common.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "TASK_NOT_FOUND"})
	case errors.Is(err, common.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "STUDENT_NOT_FOUND"})
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "NOT_FOUND"})
	case errors.Is(err, common.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "CONFLICT"})
	case errors.Is(err, common.ErrRepositoryUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "GITHUB_UNAVAILABLE"})
	case errors.Is(err, common.ErrStorageUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "STORAGE_UNAVAILABLE"})
	case errors.Is(err, common.ErrBrokerUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "BROKER_UNAVAILABLE"})
	case errors.Is(err, common.ErrMalformedRepoURL):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "MALFORMED_REPO_URL"})
	default:
		logger.Error("Request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
	}
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
