package submission

import (
	"context"
	"fmt"

	"github.com/LLM-Grading-System/Platform-Backend/internal/github"
	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// RepositoryFetcher reads fork metadata from the code-hosting platform.
type RepositoryFetcher interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
}

// TaskRegistry resolves tasks by their canonical repository URL.
type TaskRegistry interface {
	GetTaskByRepoURL(ctx context.Context, repoURL string) (*model.Task, error)
}

// StudentRegistry resolves students by their linked GitHub handle.
type StudentRegistry interface {
	GetStudentByGitHubUsername(ctx context.Context, username string) (*model.Student, error)
}

// Match is the outcome of fork validation: the task the fork derives from,
// the student who owns it, and both repository URLs. ForkURL is the
// student's own fork, the one stored on the submission.
type Match struct {
	Task        *model.Task
	Student     *model.Student
	ForkURL     string
	UpstreamURL string
}

// Matcher validates an inbound fork against GitHub and resolves the
// {task, student} pair it belongs to.
type Matcher struct {
	forge    RepositoryFetcher
	tasks    TaskRegistry
	students StudentRegistry
}

func NewMatcher(forge RepositoryFetcher, tasks TaskRegistry, students StudentRegistry) *Matcher {
	return &Matcher{forge: forge, tasks: tasks, students: students}
}

// Resolve performs one synchronous GitHub read and two registry lookups.
// No retries here: a transient platform error is the caller's problem.
func (m *Matcher) Resolve(ctx context.Context, owner, repo string) (*Match, error) {
	metadata, err := m.forge.GetRepository(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if metadata.Parent == nil {
		return nil, fmt.Errorf("%w: %s/%s has no parent repository", common.ErrNotAFork, owner, repo)
	}

	task, err := m.tasks.GetTaskByRepoURL(ctx, metadata.Parent.SvnURL)
	if err != nil {
		return nil, err
	}
	student, err := m.students.GetStudentByGitHubUsername(ctx, owner)
	if err != nil {
		return nil, err
	}

	return &Match{
		Task:        task,
		Student:     student,
		ForkURL:     metadata.SvnURL,
		UpstreamURL: metadata.Parent.SvnURL,
	}, nil
}
