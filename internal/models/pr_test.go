package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookPayloadMergedPR(t *testing.T) {
	payload := []byte(`{
		"action": "closed",
		"pull_request": {
			"number": 42,
			"title": "Add feature",
			"merged": true,
			"merged_at": "2024-01-15T10:30:00Z",
			"html_url": "https://github.com/owner/repo/pull/42",
			"user": {"login": "alice"}
		},
		"repository": {"full_name": "owner/repo"}
	}`)

	info := ParseWebhookPayload(payload)
	require.NotNil(t, info)

	assert.Equal(t, 42, info.Number)
	assert.Equal(t, "alice", info.Author)
	assert.Equal(t, "owner", info.RepoOwner)
	assert.Equal(t, "repo", info.RepoName)
	assert.Equal(t, "owner/repo", info.RepoFullName())
	assert.True(t, info.Merged)
	assert.Empty(t, info.Reviewers, "webhook payloads carry no review data")
	assert.Empty(t, info.Approvers)
}

func TestParseWebhookPayloadIgnoresOtherEvents(t *testing.T) {
	cases := map[string]string{
		"not json":       `{{{`,
		"no PR":          `{"action": "closed", "repository": {"full_name": "owner/repo"}}`,
		"closed unmerged": `{"action": "closed", "pull_request": {"number": 1, "merged": false, "user": {"login": "a"}}, "repository": {"full_name": "owner/repo"}}`,
		"opened":         `{"action": "opened", "pull_request": {"number": 1, "merged": false, "user": {"login": "a"}}, "repository": {"full_name": "owner/repo"}}`,
		"bad repo name":  `{"action": "closed", "pull_request": {"number": 1, "merged": true, "user": {"login": "a"}}, "repository": {"full_name": "ownerrepo"}}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, ParseWebhookPayload([]byte(payload)))
		})
	}
}
