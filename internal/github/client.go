// Package github implements the transport client for the GitHub REST
// API: fetching ledger comments, resolving PR contributor roles, and
// publishing credit comments.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/consilium-dev/consilium/internal/config"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

const (
	// perPage is the maximum page size the GitHub API allows
	perPage = 100

	// consiliumMarker cheaply pre-filters comment bodies before parsing
	consiliumMarker = "CONSILIUM:BEGIN"

	apiVersion = "2022-11-28"
)

// Client talks to the GitHub REST API for one repository
type Client struct {
	config     *config.GitHubConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new GitHub API client
func NewClient(cfg *config.GitHubConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"GitHub token required", "set GITHUB_TOKEN or github.token")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"GitHub owner and repo are required")
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  utils.GetLogger(),
	}, nil
}

// SetMetrics attaches a metrics recorder to the client
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// issueComment is the subset of the GitHub comment object this client reads
type issueComment struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	HTMLURL   string `json:"html_url"`
	IssueURL  string `json:"issue_url"`
}

// FetchRecords fetches all ledger comments from the repository, sorted
// ascending by comment ID. When sinceCommentID is non-zero only comments
// with a higher ID are returned. Comments whose body does not parse as
// an entry payload are omitted, not errors.
func (c *Client) FetchRecords(ctx context.Context, sinceCommentID int64) ([]models.CommentRecord, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/comments", c.config.Owner, c.config.Repo)
	params := url.Values{}
	params.Set("sort", "created")
	params.Set("direction", "asc")

	pages, err := c.getPaginated(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	var records []models.CommentRecord
	for _, raw := range pages {
		var comment issueComment
		if err := json.Unmarshal(raw, &comment); err != nil {
			continue
		}
		if sinceCommentID != 0 && comment.ID <= sinceCommentID {
			continue
		}
		if !strings.Contains(comment.Body, consiliumMarker) {
			continue
		}

		entry := models.ParseComment(comment.Body)
		if entry == nil {
			continue
		}
		entry.CommentID = comment.ID

		records = append(records, models.CommentRecord{
			CommentID: comment.ID,
			PRNumber:  prNumberFromIssueURL(comment.IssueURL),
			CreatedAt: comment.CreatedAt,
			URL:       comment.HTMLURL,
			Entry:     entry,
		})
	}

	// Comment IDs are monotonically assigned; sorting by ID restores
	// chronological order across pages.
	sort.Slice(records, func(i, j int) bool {
		return records[i].CommentID < records[j].CommentID
	})

	return records, nil
}

// FindEntryComment finds an existing ledger comment on a PR matching the
// given source URL. Returns nil if none exists.
func (c *Client) FindEntryComment(ctx context.Context, prNumber int, sourceURL string) (*models.Entry, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.config.Owner, c.config.Repo, prNumber)

	pages, err := c.getPaginated(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	for _, raw := range pages {
		var comment issueComment
		if err := json.Unmarshal(raw, &comment); err != nil {
			continue
		}
		entry := models.ParseComment(comment.Body)
		if entry != nil && entry.Source == sourceURL {
			entry.CommentID = comment.ID
			return entry, nil
		}
	}

	return nil, nil
}

// PostComment posts a comment on a PR or issue and returns the comment ID
func (c *Client) PostComment(ctx context.Context, issueNumber int, body string) (int64, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.config.Owner, c.config.Repo, issueNumber)

	respBody, err := c.do(ctx, http.MethodPost, endpoint, nil, map[string]string{"body": body})
	if err != nil {
		return 0, err
	}

	var comment issueComment
	if err := json.Unmarshal(respBody, &comment); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeTransport,
			"Failed to decode comment response", err.Error())
	}

	return comment.ID, nil
}

// PublishEntry posts a rendered credit comment for the entry and returns
// the new comment ID.
func (c *Client) PublishEntry(ctx context.Context, entry *models.Entry) (int64, error) {
	return c.PostComment(ctx, entry.PRNumber, entry.CommentBody())
}

func prNumberFromIssueURL(issueURL string) int {
	// issue_url looks like https://api.github.com/repos/owner/repo/issues/42
	idx := strings.LastIndex(issueURL, "/")
	if idx < 0 {
		return 0
	}
	num, err := strconv.Atoi(issueURL[idx+1:])
	if err != nil {
		return 0
	}
	return num
}

// getPaginated fetches every page of a list endpoint
func (c *Client) getPaginated(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("per_page", strconv.Itoa(perPage))

	var results []json.RawMessage
	for page := 1; ; page++ {
		params.Set("page", strconv.Itoa(page))

		body, err := c.do(ctx, http.MethodGet, endpoint, params, nil)
		if err != nil {
			return nil, err
		}

		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeTransport,
				"Failed to decode GitHub response", err.Error())
		}
		if len(items) == 0 {
			break
		}

		results = append(results, items...)

		if len(items) < perPage {
			break
		}
	}

	return results, nil
}

// do performs one API request with rate-limit handling. A 403 caused by
// an exhausted rate limit is retried exactly once after a bounded wait;
// any wait beyond the configured maximum fails instead of blocking.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, payload interface{}) ([]byte, error) {
	body, status, headers, err := c.doOnce(ctx, method, endpoint, params, payload)
	if err != nil {
		return nil, err
	}

	if status == http.StatusForbidden && headers.Get("X-RateLimit-Remaining") == "0" {
		if err := c.waitForRateLimit(ctx, headers); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RecordRateLimitRetry()
		}
		body, status, _, err = c.doOnce(ctx, method, endpoint, params, payload)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, utils.NewAppError(utils.ErrCodeTransport,
			fmt.Sprintf("GitHub API error: %s %s", method, endpoint),
			fmt.Sprintf("status %d: %s", status, truncateBody(body)))
	}

	return body, nil
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, params url.Values, payload interface{}) ([]byte, int, http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, nil, utils.NewAppError(utils.ErrCodeTransport, "Request canceled", err.Error())
	}

	reqURL := c.config.APIBaseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to encode request", err.Error())
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, 0, nil, utils.NewAppError(utils.ErrCodeTransport, "Failed to build request", err.Error())
	}

	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordGitHubRequest(method, "error", duration)
		}
		if isTimeout(err) {
			return nil, 0, nil, utils.NewAppError(utils.ErrCodeTimeout,
				"GitHub API timeout - try again later", err.Error())
		}
		return nil, 0, nil, utils.NewAppError(utils.ErrCodeTransport, "GitHub API request failed", err.Error())
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordGitHubRequest(method, strconv.Itoa(resp.StatusCode), duration)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, utils.NewAppError(utils.ErrCodeTransport, "Failed to read response", err.Error())
	}

	return data, resp.StatusCode, resp.Header, nil
}

// waitForRateLimit sleeps until the advertised rate-limit reset, up to
// the configured maximum.
func (c *Client) waitForRateLimit(ctx context.Context, headers http.Header) error {
	reset, err := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeTransport, "Rate limited",
			"missing X-RateLimit-Reset header")
	}

	wait := time.Until(time.Unix(reset, 0)) + time.Second
	if wait < 0 {
		wait = 0
	}
	if wait > c.config.MaxRateLimitWait {
		return utils.NewAppError(utils.ErrCodeTransport, "Rate limited",
			fmt.Sprintf("reset in %s exceeds maximum wait %s", wait, c.config.MaxRateLimitWait))
	}

	c.logger.WithField("wait", wait.String()).Warn("GitHub rate limit hit, waiting for reset")

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return utils.NewAppError(utils.ErrCodeTransport, "Request canceled", ctx.Err().Error())
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
