package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// GetTaskByRepoURL looks up the task whose canonical repository URL equals
// the given upstream URL. Tasks are owned by the instructor CRUD service;
// this core only reads them.
func (db *PostgresDB) GetTaskByRepoURL(ctx context.Context, repoURL string) (*model.Task, error) {
	query := `
		SELECT task_id, name, system_instructions, ideas, gh_repo_url, level, tags, is_draft
		FROM tasks
		WHERE gh_repo_url = $1
	`
	var t model.Task
	err := db.pool.QueryRow(ctx, query, repoURL).Scan(
		&t.TaskID, &t.Name, &t.SystemInstructions, &t.Ideas, &t.GHRepoURL, &t.Level, &t.Tags, &t.IsDraft,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no task registered for repository %s", common.ErrTaskNotFound, repoURL)
	}
	if err != nil {
		return nil, fmt.Errorf("get task by repo url: %w", err)
	}
	return &t, nil
}
