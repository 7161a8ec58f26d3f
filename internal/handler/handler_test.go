package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consilium-dev/consilium/internal/credit"
	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// fakeGitHub fakes the three API calls the handler makes
type fakeGitHub struct {
	prInfo        *models.PRInfo
	prInfoErr     error
	existingEntry *models.Entry
	findErr       error
	publishID     int64
	publishErr    error
	published     []*models.Entry
}

func (f *fakeGitHub) GetPRInfo(ctx context.Context, prNumber int) (*models.PRInfo, error) {
	if f.prInfoErr != nil {
		return nil, f.prInfoErr
	}
	return f.prInfo, nil
}

func (f *fakeGitHub) FindEntryComment(ctx context.Context, prNumber int, sourceURL string) (*models.Entry, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.existingEntry, nil
}

func (f *fakeGitHub) PublishEntry(ctx context.Context, entry *models.Entry) (int64, error) {
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	f.published = append(f.published, entry)
	return f.publishID, nil
}

func testPRInfo(number int) *models.PRInfo {
	return &models.PRInfo{
		Number:    number,
		Title:     "Improve retries",
		Author:    "alice",
		Reviewers: []string{"bob"},
		Approvers: []string{"bob"},
		URL:       fmt.Sprintf("https://github.com/octo/ledger/pull/%d", number),
		RepoOwner: "octo",
		RepoName:  "ledger",
		Merged:    true,
	}
}

func newTestHandler(t *testing.T, client GitHubAPI) (*Handler, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(t.TempDir())
	calculator, err := credit.NewCalculator(nil)
	require.NoError(t, err)
	h, err := New(client, l, calculator)
	require.NoError(t, err)
	return h, l
}

func mergedPRPayload(number int) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "closed",
		"pull_request": {
			"number": %d,
			"title": "Improve retries",
			"merged": true,
			"html_url": "https://github.com/octo/ledger/pull/%d",
			"user": {"login": "alice"}
		},
		"repository": {"full_name": "octo/ledger"}
	}`, number, number))
}

func TestProcessWebhookMintsCredit(t *testing.T) {
	client := &fakeGitHub{prInfo: testPRInfo(12), publishID: 777}
	h, l := newTestHandler(t, client)

	result := h.ProcessWebhook(context.Background(), mergedPRPayload(12))

	require.True(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Equal(t, 12, result.PRNumber)
	assert.Equal(t, int64(777), result.CommentID)
	require.NotNil(t, result.Entry)

	// author 50 + reviewer share handled, bob holds both roles
	assert.Equal(t, map[string]float64{"alice": 50.0, "bob": 50.0}, result.Entry.Distribution)

	// Comment was published before the local append
	require.Len(t, client.published, 1)
	assert.Equal(t, 1, l.EntryCount())
	assert.Equal(t, map[string]float64{"alice": 50.0, "bob": 50.0}, l.Balances())

	persisted, err := l.GetEntry(1)
	require.NoError(t, err)
	assert.Equal(t, int64(777), persisted.CommentID)
}

func TestProcessWebhookSkipsNonMergeEvents(t *testing.T) {
	h, l := newTestHandler(t, &fakeGitHub{})

	for _, payload := range []string{
		`{"action": "opened", "pull_request": {"number": 1}}`,
		`{"action": "closed", "pull_request": {"number": 1, "merged": false}}`,
		`{"zen": "Design for failure."}`,
	} {
		result := h.ProcessWebhook(context.Background(), []byte(payload))
		assert.True(t, result.Success)
		assert.True(t, result.Skipped)
		assert.Equal(t, "Not a merged PR event", result.SkipReason)
	}

	assert.Equal(t, 0, l.EntryCount())
}

func TestProcessPRSkipsAlreadyProcessed(t *testing.T) {
	client := &fakeGitHub{prInfo: testPRInfo(5), publishID: 100}
	h, l := newTestHandler(t, client)

	first := h.ProcessPR(context.Background(), testPRInfo(5))
	require.True(t, first.Success)
	require.False(t, first.Skipped)

	second := h.ProcessPR(context.Background(), testPRInfo(5))
	assert.True(t, second.Success)
	assert.True(t, second.Skipped)
	assert.Contains(t, second.SkipReason, "already processed")

	assert.Equal(t, 1, l.EntryCount())
	require.Len(t, client.published, 1)
}

func TestProcessPRAdoptsExistingComment(t *testing.T) {
	prInfo := testPRInfo(8)

	existing := &models.Entry{
		Version:      models.SchemaVersion,
		Kind:         models.KindCreditMint,
		PRNumber:     8,
		Outcome:      models.OutcomePRMerged,
		Source:       prInfo.URL,
		Distribution: map[string]float64{"alice": 100.0},
		Timestamp:    "2024-01-15T10:30:00Z",
		PrevHash:     models.GenesisHash,
		CommentID:    321,
	}
	existing.Seal()

	client := &fakeGitHub{existingEntry: existing}
	h, l := newTestHandler(t, client)

	result := h.ProcessPR(context.Background(), prInfo)

	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "already has ledger comment 321")

	// The orphaned upstream comment was adopted locally, nothing re-posted
	assert.Empty(t, client.published)
	assert.Equal(t, 1, l.EntryCount())
	assert.Equal(t, map[string]float64{"alice": 100.0}, l.Balances())
}

func TestProcessPRExistingCommentOutOfSync(t *testing.T) {
	prInfo := testPRInfo(8)

	existing := &models.Entry{
		Version:      models.SchemaVersion,
		Kind:         models.KindCreditMint,
		PRNumber:     8,
		Outcome:      models.OutcomePRMerged,
		Source:       prInfo.URL,
		Distribution: map[string]float64{"alice": 100.0},
		Timestamp:    "2024-01-15T10:30:00Z",
		PrevHash:     "deadbeef", // does not match the local head
		CommentID:    321,
	}
	existing.Seal()

	h, l := newTestHandler(t, &fakeGitHub{existingEntry: existing})

	result := h.ProcessPR(context.Background(), prInfo)

	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "Run rebuild")
	assert.Equal(t, 0, l.EntryCount())
}

func TestProcessPRPublishFailure(t *testing.T) {
	client := &fakeGitHub{
		prInfo:     testPRInfo(3),
		publishErr: utils.NewAppError(utils.ErrCodeTransport, "GitHub API error"),
	}
	h, l := newTestHandler(t, client)

	result := h.ProcessPR(context.Background(), testPRInfo(3))

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "failed to publish credit comment")

	// Publish failed, so nothing may reach the ledger
	assert.Equal(t, 0, l.EntryCount())
}

func TestProcessWebhookPRInfoFailure(t *testing.T) {
	client := &fakeGitHub{
		prInfoErr: utils.NewAppError(utils.ErrCodeTimeout, "GitHub API timeout - try again later"),
	}
	h, _ := newTestHandler(t, client)

	result := h.ProcessWebhook(context.Background(), mergedPRPayload(4))

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "failed to fetch PR info")
}

func TestLeaderboardOrdering(t *testing.T) {
	client := &fakeGitHub{publishID: 1}
	h, l := newTestHandler(t, client)

	entry := l.CreateEntry(1, models.OutcomePRMerged, "https://github.com/octo/ledger/pull/1",
		map[string]float64{"carol": 30.0, "alice": 50.0, "bob": 30.0, "dave": 80.0})
	_, err := l.Append(entry)
	require.NoError(t, err)

	rows := h.Leaderboard(3)
	require.Len(t, rows, 3)
	assert.Equal(t, LeaderboardRow{Identity: "dave", Credit: 80.0}, rows[0])
	assert.Equal(t, LeaderboardRow{Identity: "alice", Credit: 50.0}, rows[1])
	// ties break alphabetically
	assert.Equal(t, LeaderboardRow{Identity: "bob", Credit: 30.0}, rows[2])
}

func TestVerifyIntegrity(t *testing.T) {
	h, l := newTestHandler(t, &fakeGitHub{})

	require.NoError(t, h.VerifyIntegrity())

	entry := l.CreateEntry(1, models.OutcomePRMerged, "https://github.com/octo/ledger/pull/1",
		map[string]float64{"alice": 100.0})
	_, err := l.Append(entry)
	require.NoError(t, err)
	require.NoError(t, h.VerifyIntegrity())
}
