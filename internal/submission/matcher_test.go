package submission

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/LLM-Grading-System/Platform-Backend/internal/github"
	"github.com/LLM-Grading-System/Platform-Backend/internal/model"
	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

type stubForge struct {
	repo *github.Repository
	err  error
}

func (s *stubForge) GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	return s.repo, s.err
}

type stubTasks struct {
	task *model.Task
	err  error

	lastRepoURL string
}

func (s *stubTasks) GetTaskByRepoURL(ctx context.Context, repoURL string) (*model.Task, error) {
	s.lastRepoURL = repoURL
	return s.task, s.err
}

type stubStudents struct {
	student *model.Student
	err     error

	lastUsername string
}

func (s *stubStudents) GetStudentByGitHubUsername(ctx context.Context, username string) (*model.Student, error) {
	s.lastUsername = username
	return s.student, s.err
}

func forkRepo() *github.Repository {
	return &github.Repository{
		FullName: "octocat/task-sorting",
		SvnURL:   "https://github.com/octocat/task-sorting",
		Parent: &github.Repository{
			FullName: "course-org/task-sorting",
			SvnURL:   "https://github.com/course-org/task-sorting",
		},
	}
}

func TestMatcher_Resolve_Success(t *testing.T) {
	tasks := &stubTasks{task: &model.Task{TaskID: "task-1"}}
	students := &stubStudents{student: &model.Student{StudentID: "student-1"}}
	m := NewMatcher(&stubForge{repo: forkRepo()}, tasks, students)

	match, err := m.Resolve(context.Background(), "octocat", "task-sorting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Task.TaskID != "task-1" || match.Student.StudentID != "student-1" {
		t.Fatalf("unexpected match: %+v", match)
	}
	if match.ForkURL != "https://github.com/octocat/task-sorting" {
		t.Fatalf("expected fork url, got %s", match.ForkURL)
	}
	if match.UpstreamURL != "https://github.com/course-org/task-sorting" {
		t.Fatalf("expected upstream url, got %s", match.UpstreamURL)
	}
	if tasks.lastRepoURL != match.UpstreamURL {
		t.Fatalf("task lookup must use the parent url, used %s", tasks.lastRepoURL)
	}
	if students.lastUsername != "octocat" {
		t.Fatalf("student lookup must use the fork owner, used %s", students.lastUsername)
	}
}

func TestMatcher_Resolve_NotAFork(t *testing.T) {
	repo := forkRepo()
	repo.Parent = nil
	m := NewMatcher(
		&stubForge{repo: repo},
		&stubTasks{task: &model.Task{TaskID: "task-1"}},
		&stubStudents{student: &model.Student{StudentID: "student-1"}},
	)

	_, err := m.Resolve(context.Background(), "octocat", "task-sorting")
	if !errors.Is(err, common.ErrNotAFork) {
		t.Fatalf("expected ErrNotAFork, got %v", err)
	}
}

func TestMatcher_Resolve_NoTaskRegistered(t *testing.T) {
	m := NewMatcher(
		&stubForge{repo: forkRepo()},
		&stubTasks{err: fmt.Errorf("%w: nothing for that url", common.ErrTaskNotFound)},
		&stubStudents{student: &model.Student{StudentID: "student-1"}},
	)

	_, err := m.Resolve(context.Background(), "octocat", "task-sorting")
	if !errors.Is(err, common.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMatcher_Resolve_NoStudentLinked(t *testing.T) {
	m := NewMatcher(
		&stubForge{repo: forkRepo()},
		&stubTasks{task: &model.Task{TaskID: "task-1"}},
		&stubStudents{err: fmt.Errorf("%w: unknown handle", common.ErrStudentNotFound)},
	)

	_, err := m.Resolve(context.Background(), "octocat", "task-sorting")
	if !errors.Is(err, common.ErrStudentNotFound) {
		t.Fatalf("expected ErrStudentNotFound, got %v", err)
	}
}

func TestMatcher_Resolve_PlatformUnavailable(t *testing.T) {
	m := NewMatcher(
		&stubForge{err: fmt.Errorf("%w: 503 upstream", common.ErrRepositoryUnavailable)},
		&stubTasks{},
		&stubStudents{},
	)

	_, err := m.Resolve(context.Background(), "octocat", "task-sorting")
	if !errors.Is(err, common.ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
}
