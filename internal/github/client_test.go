package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consilium-dev/consilium/internal/config"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(&config.GitHubConfig{
		Token:            "test-token",
		Owner:            "octo",
		Repo:             "ledger",
		APIBaseURL:       baseURL,
		RequestTimeout:   5 * time.Second,
		MaxRateLimitWait: 2 * time.Second,
		RequestsPerSec:   100,
	})
	require.NoError(t, err)
	return c
}

func sealedEntry(t *testing.T, prNumber int, prevHash string) *models.Entry {
	t.Helper()
	entry := &models.Entry{
		Version:      models.SchemaVersion,
		Kind:         models.KindCreditMint,
		PRNumber:     prNumber,
		Outcome:      models.OutcomePRMerged,
		Source:       fmt.Sprintf("https://github.com/octo/ledger/pull/%d", prNumber),
		Distribution: map[string]float64{"alice": 50.0, "bob": 50.0},
		Timestamp:    "2024-01-15T10:30:00Z",
		PrevHash:     prevHash,
	}
	entry.Seal()
	return entry
}

func commentJSON(id int64, prNumber int, body string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"body":       body,
		"created_at": "2024-01-15T10:31:00Z",
		"html_url":   fmt.Sprintf("https://github.com/octo/ledger/pull/%d#issuecomment-%d", prNumber, id),
		"issue_url":  fmt.Sprintf("https://api.github.com/repos/octo/ledger/issues/%d", prNumber),
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&config.GitHubConfig{Owner: "octo", Repo: "ledger"})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeConfiguration, utils.ErrorCode(err))

	_, err = NewClient(&config.GitHubConfig{Token: "t"})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeConfiguration, utils.ErrorCode(err))
}

func TestFetchRecordsFiltersNonLedgerComments(t *testing.T) {
	entry := sealedEntry(t, 7, models.GenesisHash)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github.v3+json", r.Header.Get("Accept"))

		comments := []map[string]interface{}{
			commentJSON(1, 7, "LGTM!"),
			commentJSON(2, 7, entry.CommentBody()),
			commentJSON(3, 7, "CONSILIUM:BEGIN\n```json\nnot json\n```\nCONSILIUM:END"),
		}
		json.NewEncoder(w).Encode(comments)
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].CommentID)
	assert.Equal(t, 7, records[0].PRNumber)
	assert.Equal(t, entry.Hash, records[0].Entry.Hash)
	assert.Equal(t, int64(2), records[0].Entry.CommentID)
}

func TestFetchRecordsHonorsCursor(t *testing.T) {
	older := sealedEntry(t, 1, models.GenesisHash)
	newer := sealedEntry(t, 2, older.Hash)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		comments := []map[string]interface{}{
			commentJSON(100, 1, older.CommentBody()),
			commentJSON(200, 2, newer.CommentBody()),
		}
		json.NewEncoder(w).Encode(comments)
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, int64(200), records[0].CommentID)
}

func TestFetchRecordsPaginates(t *testing.T) {
	entry := sealedEntry(t, 1, models.GenesisHash)
	body := entry.CommentBody()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))

		var comments []map[string]interface{}
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 1; i <= 100; i++ {
				comments = append(comments, commentJSON(int64(i), 1, body))
			}
		case "2":
			comments = append(comments,
				commentJSON(101, 1, body),
				commentJSON(102, 1, body))
		}
		json.NewEncoder(w).Encode(comments)
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, requests) // a short page ends pagination
	assert.Len(t, records, 102)
	assert.Equal(t, int64(1), records[0].CommentID)
	assert.Equal(t, int64(102), records[101].CommentID)
}

func TestRateLimitRetriesOnce(t *testing.T) {
	entry := sealedEntry(t, 1, models.GenesisHash)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(-10*time.Second).Unix()))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			commentJSON(1, 1, entry.CommentBody()),
		})
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
	assert.Len(t, records, 1)
}

func TestRateLimitBoundedWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeTransport, utils.ErrorCode(err))
	assert.Contains(t, err.Error(), "exceeds maximum wait")
}

func TestForbiddenWithoutRateLimitIsNotRetried(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).FetchRecords(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeTransport, utils.ErrorCode(err))
	assert.Equal(t, 1, requests)
}

func TestTimeoutIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.httpClient.Timeout = 50 * time.Millisecond

	_, err := c.FetchRecords(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeTimeout, utils.ErrorCode(err))
}

func TestPostComment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/octo/ledger/issues/9/comments", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "hello", payload["body"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"id": 4242})
	}))
	defer server.Close()

	id, err := newTestClient(t, server.URL).PostComment(context.Background(), 9, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id)
}

func TestFindEntryComment(t *testing.T) {
	entry := sealedEntry(t, 5, models.GenesisHash)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/ledger/issues/5/comments", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			commentJSON(1, 5, "just chatting"),
			commentJSON(2, 5, entry.CommentBody()),
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	found, err := c.FindEntryComment(context.Background(), 5, entry.Source)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, entry.Hash, found.Hash)
	assert.Equal(t, int64(2), found.CommentID)

	found, err = c.FindEntryComment(context.Background(), 5, "https://github.com/octo/ledger/pull/999")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGetPRInfoResolvesRoles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/ledger/pulls/12":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"number":    12,
				"title":     "Add retry logic",
				"html_url":  "https://github.com/octo/ledger/pull/12",
				"merged":    true,
				"merged_at": "2024-01-15T12:00:00Z",
				"user":      map[string]string{"login": "alice"},
			})
		case "/repos/octo/ledger/pulls/12/reviews":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				// bob approves then requests changes: reviewer, not approver
				{"state": "APPROVED", "user": map[string]string{"login": "bob"}},
				{"state": "CHANGES_REQUESTED", "user": map[string]string{"login": "bob"}},
				// carol comments then approves: approver
				{"state": "COMMENTED", "user": map[string]string{"login": "carol"}},
				{"state": "APPROVED", "user": map[string]string{"login": "carol"}},
				// self-review is ignored
				{"state": "APPROVED", "user": map[string]string{"login": "alice"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	info, err := newTestClient(t, server.URL).GetPRInfo(context.Background(), 12)
	require.NoError(t, err)

	assert.Equal(t, 12, info.Number)
	assert.Equal(t, "alice", info.Author)
	assert.Equal(t, []string{"bob", "carol"}, info.Reviewers)
	assert.Equal(t, []string{"carol"}, info.Approvers)
	assert.True(t, info.Merged)
}
