package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// Task is a graded assignment backed by one canonical GitHub repository.
// Tasks are owned by the instructor-facing CRUD service; this core only
// reads them to match incoming forks.
type Task struct {
	TaskID             string `json:"task_id"`
	Name               string `json:"name"`
	SystemInstructions string `json:"system_instructions"`
	Ideas              string `json:"ideas"`
	GHRepoURL          string `json:"gh_repo_url"`
	Level              string `json:"level"`
	Tags               string `json:"tags"`
	IsDraft            bool   `json:"is_draft"`
}

// Student is a registered course participant. Read-only here; registration
// and GitHub profile linking happen in the bot service.
type Student struct {
	StudentID    string    `json:"student_id"`
	TGUserID     int64     `json:"tg_user_id"`
	TGUsername   string    `json:"tg_username"`
	GHUsername   string    `json:"gh_username"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Submission is the durable record of one pull-request submission. Created
// unevaluated by the intake path; verdict fields and EvaluatedAt are filled
// in by the evaluation path.
type Submission struct {
	SubmissionID        string     `json:"submission_id"`
	TaskID              string     `json:"task_id"`
	StudentID           string     `json:"student_id"`
	GHRepoURL           string     `json:"gh_repo_url"`
	GHPullRequestNumber int        `json:"gh_pull_request_number"`
	CodeFileName        string     `json:"code_file_name"`
	LLMGrade            string     `json:"llm_grade"`
	LLMFeedback         string     `json:"llm_feedback"`
	LLMReport           string     `json:"llm_report"`
	CreatedAt           time.Time  `json:"created_at"`
	EvaluatedAt         *time.Time `json:"evaluated_at,omitempty"`
}

// ForkOwnerRepo recovers {owner, repo} from the stored fork URL. The URL must
// have the shape https://host/owner/repo; anything else fails with
// ErrMalformedRepoURL instead of being indexed blindly.
func (s *Submission) ForkOwnerRepo() (string, string, error) {
	parsed, err := url.Parse(s.GHRepoURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", common.ErrMalformedRepoURL, s.GHRepoURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %q: missing scheme or host", common.ErrMalformedRepoURL, s.GHRepoURL)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("%w: %q: want exactly /owner/repo path", common.ErrMalformedRepoURL, s.GHRepoURL)
	}
	return segments[0], segments[1], nil
}

// GradingEvent asks the external grading worker to evaluate one submission.
type GradingEvent struct {
	SubmissionID string `json:"submission_id"`
	TaskID       string `json:"task_id"`
	CodeFileName string `json:"code_filename"`
}

// FeedbackEvent asks the external comment worker to post the verdict back to
// the pull request.
type FeedbackEvent struct {
	Username          string `json:"username"`
	RepoName          string `json:"repo_name"`
	PullRequestNumber int    `json:"pull_request_number"`
	Comment           string `json:"comment"`
}
