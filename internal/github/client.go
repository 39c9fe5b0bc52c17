// Package github is a minimal read-only client for the GitHub REST API,
// covering the single repository lookup the intake pipeline needs.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultTimeoutMs = 10000
)

// Repository is the subset of GET /repos/{owner}/{repo} the pipeline reads.
// A nil Parent means the repository is not a fork.
type Repository struct {
	FullName string      `json:"full_name"`
	SvnURL   string      `json:"svn_url"`
	Parent   *Repository `json:"parent,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// Client performs synchronous GitHub reads with a hard timeout and no
// retries; a transient failure is surfaced to the caller, who decides
// whether the user retries the whole submission.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	group      singleflight.Group
}

func NewClient() *Client {
	timeoutMs := defaultTimeoutMs
	if v, ok := os.LookupEnv("GITHUB_TIMEOUT_MS"); ok {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			timeoutMs = i
		}
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(os.Getenv("GITHUB_API_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL:    baseURL,
		token:      strings.TrimSpace(os.Getenv("GITHUB_TOKEN")),
	}
}

// GetRepository fetches fork metadata by owner and short name. Concurrent
// calls for the same owner/repo are coalesced into one upstream request.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	key := owner + "/" + repo
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetchRepository(ctx, owner, repo)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Repository), nil
}

func (c *Client) fetchRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRepositoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		message := apiErr.Message
		if message == "" {
			message = resp.Status
		}
		// The platform's own message travels verbatim to the caller.
		return nil, fmt.Errorf("%w: %s", common.ErrRepositoryUnavailable, message)
	}

	var repository Repository
	if err := json.NewDecoder(resp.Body).Decode(&repository); err != nil {
		return nil, fmt.Errorf("%w: decode repository metadata: %v", common.ErrRepositoryUnavailable, err)
	}
	return &repository, nil
}
