package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// GetStudentByGitHubUsername resolves a student by the linked GitHub handle.
// Registration and profile linking are owned by the bot service.
func (db *PostgresDB) GetStudentByGitHubUsername(ctx context.Context, username string) (*model.Student, error) {
	query := `
		SELECT student_id, tg_user_id, tg_username, COALESCE(gh_username, ''), registered_at
		FROM students
		WHERE gh_username = $1
	`
	var s model.Student
	err := db.pool.QueryRow(ctx, query, username).Scan(
		&s.StudentID, &s.TGUserID, &s.TGUsername, &s.GHUsername, &s.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no student linked to GitHub profile %s", common.ErrStudentNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get student by github username: %w", err)
	}
	return &s, nil
}
