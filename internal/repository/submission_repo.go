package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const submissionColumns = `
	submission_id, task_id, student_id, gh_repo_url, gh_pull_request_number,
	code_file_name, llm_grade, llm_feedback, llm_report, evaluated_at, created_at
`

// CreateSubmission inserts a new unevaluated submission and fills in the
// generated creation timestamp. Task and student references are enforced by
// foreign keys; violations surface as ErrInvalidInput.
func (db *PostgresDB) CreateSubmission(ctx context.Context, s *model.Submission) error {
	query := `
		INSERT INTO submissions (submission_id, task_id, student_id, gh_repo_url, gh_pull_request_number, code_file_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := db.pool.QueryRow(ctx, query,
		s.SubmissionID, s.TaskID, s.StudentID, s.GHRepoURL, s.GHPullRequestNumber, s.CodeFileName,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", classifyPgError(err))
	}
	return nil
}

// ListSubmissions returns every submission. Ordering is stable within one
// call only; callers must not rely on anything stronger.
func (db *PostgresDB) ListSubmissions(ctx context.Context) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at, submission_id`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var submissions []model.Submission
	for rows.Next() {
		var s model.Submission
		if err := scanSubmission(rows, &s); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

// GetSubmission fetches one submission by id.
func (db *PostgresDB) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE submission_id = $1`
	var s model.Submission
	err := scanSubmission(db.pool.QueryRow(ctx, query, submissionID), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: submission %s does not exist", common.ErrNotFound, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &s, nil
}

// EvaluateSubmission writes the verdict fields and stamps evaluated_at in one
// statement; a missing row performs no write and reports ErrNotFound.
// Re-evaluating overwrites the prior verdict (last write wins).
func (db *PostgresDB) EvaluateSubmission(ctx context.Context, submissionID, grade, feedback, report string) (*model.Submission, error) {
	query := `
		UPDATE submissions
		SET llm_grade = $2, llm_feedback = $3, llm_report = $4, evaluated_at = NOW()
		WHERE submission_id = $1
		RETURNING ` + submissionColumns
	var s model.Submission
	err := scanSubmission(db.pool.QueryRow(ctx, query, submissionID, grade, feedback, report), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: submission %s does not exist", common.ErrNotFound, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluate submission: %w", err)
	}
	return &s, nil
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanSubmission(row pgRow, s *model.Submission) error {
	return row.Scan(
		&s.SubmissionID, &s.TaskID, &s.StudentID, &s.GHRepoURL, &s.GHPullRequestNumber,
		&s.CodeFileName, &s.LLMGrade, &s.LLMFeedback, &s.LLMReport, &s.EvaluatedAt, &s.CreatedAt,
	)
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", common.ErrInvalidInput, pgErr.Detail)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", common.ErrConflict, pgErr.Detail)
		}
	}
	return err
}
