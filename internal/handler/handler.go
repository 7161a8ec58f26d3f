// Package handler orchestrates the credit pipeline: a merged PR event
// becomes a distribution, a published comment, and a ledger entry.
package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/consilium-dev/consilium/internal/credit"
	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// GitHubAPI is what the handler needs from the GitHub client
type GitHubAPI interface {
	GetPRInfo(ctx context.Context, prNumber int) (*models.PRInfo, error)
	FindEntryComment(ctx context.Context, prNumber int, sourceURL string) (*models.Entry, error)
	PublishEntry(ctx context.Context, entry *models.Entry) (int64, error)
}

// ProcessResult is the outcome of processing one PR event
type ProcessResult struct {
	Success    bool           `json:"success"`
	PRNumber   int            `json:"pr_number,omitempty"`
	Entry      *models.Entry  `json:"entry,omitempty"`
	CommentID  int64          `json:"comment_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// LeaderboardRow is one identity's position by cumulative credit
type LeaderboardRow struct {
	Identity string  `json:"identity"`
	Credit   float64 `json:"credit"`
}

// Handler processes PR merge events and mints credit distributions
type Handler struct {
	client     GitHubAPI
	ledger     *ledger.Ledger
	calculator *credit.Calculator
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// New creates a handler over the given collaborators
func New(client GitHubAPI, l *ledger.Ledger, calculator *credit.Calculator) (*Handler, error) {
	if err := l.Init(); err != nil {
		return nil, err
	}
	return &Handler{
		client:     client,
		ledger:     l,
		calculator: calculator,
		logger:     utils.GetLogger(),
	}, nil
}

// SetMetrics attaches a metrics recorder
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ProcessWebhook processes a GitHub webhook payload. Events that are
// not merged-PR closures are skipped, not failures.
func (h *Handler) ProcessWebhook(ctx context.Context, payload []byte) *ProcessResult {
	basicInfo := models.ParseWebhookPayload(payload)
	if basicInfo == nil {
		return &ProcessResult{
			Success:    true,
			Skipped:    true,
			SkipReason: "Not a merged PR event",
		}
	}

	// Webhook payloads carry no review data; fetch the full picture
	prInfo, err := h.client.GetPRInfo(ctx, basicInfo.Number)
	if err != nil {
		return &ProcessResult{
			Success:  false,
			PRNumber: basicInfo.Number,
			Error:    fmt.Sprintf("failed to fetch PR info: %v", err),
		}
	}

	return h.ProcessPR(ctx, prInfo)
}

// ProcessPR processes a merged PR and distributes credit: dedupe by
// source, publish the entry comment upstream, then append locally.
func (h *Handler) ProcessPR(ctx context.Context, prInfo *models.PRInfo) *ProcessResult {
	if existing, err := h.ledger.FindBySource(prInfo.URL); err != nil {
		return h.fail(prInfo.Number, fmt.Sprintf("failed to scan ledger: %v", err))
	} else if existing != nil {
		return h.skip(prInfo.Number, fmt.Sprintf("PR %d already processed", prInfo.Number))
	}

	// An upstream comment may already exist (e.g. a previous run crashed
	// between posting and appending); never post a duplicate.
	existingEntry, err := h.client.FindEntryComment(ctx, prInfo.Number, prInfo.URL)
	if err != nil {
		return h.fail(prInfo.Number, fmt.Sprintf("failed to check existing comments: %v", err))
	}

	if existingEntry != nil {
		return h.adoptExisting(prInfo, existingEntry)
	}

	distribution, err := h.calculator.PRMerged(prInfo.Author, prInfo.Reviewers, prInfo.Approvers)
	if err != nil {
		return h.fail(prInfo.Number, fmt.Sprintf("failed to calculate distribution: %v", err))
	}

	entry := h.ledger.CreateEntry(prInfo.Number, models.OutcomePRMerged, prInfo.URL, distribution)

	commentID, err := h.client.PublishEntry(ctx, entry)
	if err != nil {
		return h.fail(prInfo.Number, fmt.Sprintf("failed to publish credit comment: %v", err))
	}
	entry.CommentID = commentID

	if _, err := h.ledger.Append(entry); err != nil {
		if h.metrics != nil {
			h.metrics.RecordAppendFailure(utils.ErrorCode(err))
		}
		return h.fail(prInfo.Number, fmt.Sprintf("comment %d posted but append failed: %v", commentID, err))
	}

	if h.metrics != nil {
		h.metrics.RecordAppend(entry.TotalCredit(), h.ledger.EntryCount())
	}

	h.logger.WithFields(logrus.Fields{
		"pr":         prInfo.Number,
		"comment_id": commentID,
		"hash":       entry.ShortHash(),
	}).Info("Credit distribution minted")

	return &ProcessResult{
		Success:   true,
		PRNumber:  prInfo.Number,
		Entry:     entry,
		CommentID: commentID,
	}
}

// adoptExisting syncs the ledger with an already-posted comment when the
// chain head lines up; otherwise the operator must run a rebuild.
func (h *Handler) adoptExisting(prInfo *models.PRInfo, existingEntry *models.Entry) *ProcessResult {
	if h.ledger.HeadHash() != existingEntry.PrevHash {
		return h.skip(prInfo.Number, fmt.Sprintf(
			"PR %d already has ledger comment %d; local ledger out of sync. Run rebuild.",
			prInfo.Number, existingEntry.CommentID))
	}

	if _, err := h.ledger.Append(existingEntry); err != nil {
		return h.skip(prInfo.Number, fmt.Sprintf(
			"PR %d already has ledger comment %d; ledger append failed (%v). Run rebuild.",
			prInfo.Number, existingEntry.CommentID, err))
	}

	if h.metrics != nil {
		h.metrics.RecordAppend(existingEntry.TotalCredit(), h.ledger.EntryCount())
	}

	return h.skip(prInfo.Number, fmt.Sprintf(
		"PR %d already has ledger comment %d", prInfo.Number, existingEntry.CommentID))
}

// Balances returns current credit balances for all identities
func (h *Handler) Balances() map[string]float64 {
	return h.ledger.Balances()
}

// Leaderboard returns the top identities by cumulative credit
func (h *Handler) Leaderboard(limit int) []LeaderboardRow {
	balances := h.ledger.Balances()

	rows := make([]LeaderboardRow, 0, len(balances))
	for identity, amount := range balances {
		rows = append(rows, LeaderboardRow{Identity: identity, Credit: amount})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Credit != rows[j].Credit {
			return rows[i].Credit > rows[j].Credit
		}
		return rows[i].Identity < rows[j].Identity
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// VerifyIntegrity verifies the local chain
func (h *Handler) VerifyIntegrity() error {
	err := h.ledger.VerifyChain()
	if h.metrics != nil {
		h.metrics.RecordVerification(err == nil)
	}
	return err
}

func (h *Handler) skip(prNumber int, reason string) *ProcessResult {
	h.logger.WithFields(logrus.Fields{"pr": prNumber, "reason": reason}).Info("PR event skipped")
	return &ProcessResult{
		Success:    true,
		PRNumber:   prNumber,
		Skipped:    true,
		SkipReason: reason,
	}
}

func (h *Handler) fail(prNumber int, message string) *ProcessResult {
	h.logger.WithFields(logrus.Fields{"pr": prNumber, "error": message}).Error("PR event failed")
	return &ProcessResult{
		Success:  false,
		PRNumber: prNumber,
		Error:    message,
	}
}
