package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// AuditResult is the outcome of one audit: valid iff no discrepancies.
// The discrepancy list is always complete, never truncated at the first
// finding.
type AuditResult struct {
	Valid         bool     `json:"valid"`
	Discrepancies []string `json:"discrepancies"`
}

// Auditor performs a read-only, bidirectional comparison of the local
// ledger against the full upstream comment set. Neither side is mutated.
type Auditor struct {
	ledger  *ledger.Ledger
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewAuditor creates an auditor over the given ledger and fetcher
func NewAuditor(l *ledger.Ledger, fetcher Fetcher) *Auditor {
	return &Auditor{
		ledger:  l,
		fetcher: fetcher,
		logger:  utils.GetLogger(),
	}
}

// SetMetrics attaches a metrics recorder
func (a *Auditor) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Run audits the local ledger against GitHub. The local chain is
// verified first; an internally inconsistent chain cannot be compared
// meaningfully, so that failure is reported as the sole discrepancy.
func (a *Auditor) Run(ctx context.Context) *AuditResult {
	result := &AuditResult{Discrepancies: []string{}}

	if err := a.ledger.VerifyChain(); err != nil {
		result.Discrepancies = append(result.Discrepancies,
			fmt.Sprintf("Local chain invalid: %v", err))
		return a.finish(result)
	}

	records, err := a.fetcher.FetchRecords(ctx, 0)
	if err != nil {
		result.Discrepancies = append(result.Discrepancies, err.Error())
		return a.finish(result)
	}

	upstream := make(map[int64]*models.Entry, len(records))
	for _, record := range records {
		upstream[record.CommentID] = record.Entry
	}

	matched := make(map[int64]bool, len(upstream))

	it := a.ledger.Entries()
	for it.Next() {
		entry := it.Entry()

		if entry.CommentID == 0 {
			result.Discrepancies = append(result.Discrepancies,
				fmt.Sprintf("Entry %s: missing comment_id", entry.ShortHash()))
			continue
		}

		upstreamEntry, ok := upstream[entry.CommentID]
		if !ok {
			result.Discrepancies = append(result.Discrepancies,
				fmt.Sprintf("Entry %s: comment_id %d not found on GitHub",
					entry.ShortHash(), entry.CommentID))
			continue
		}
		matched[entry.CommentID] = true

		// Full hash comparison, not the truncated display form
		if entry.Hash != upstreamEntry.Hash {
			result.Discrepancies = append(result.Discrepancies,
				fmt.Sprintf("Entry %s: hash mismatch with GitHub (local=%s, github=%s)",
					entry.ShortHash(), entry.ShortHash(), upstreamEntry.ShortHash()))
		}
	}
	if err := it.Err(); err != nil {
		result.Discrepancies = append(result.Discrepancies,
			fmt.Sprintf("Failed to read local entries: %v", err))
		return a.finish(result)
	}

	// Upstream comments with no local counterpart, in stable ID order
	var unmatched []int64
	for commentID := range upstream {
		if !matched[commentID] {
			unmatched = append(unmatched, commentID)
		}
	}
	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i] < unmatched[j] })
	for _, commentID := range unmatched {
		result.Discrepancies = append(result.Discrepancies,
			fmt.Sprintf("GitHub comment %d not in local ledger (hash=%s)",
				commentID, upstream[commentID].ShortHash()))
	}

	return a.finish(result)
}

func (a *Auditor) finish(result *AuditResult) *AuditResult {
	result.Valid = len(result.Discrepancies) == 0

	if a.metrics != nil {
		a.metrics.RecordAuditRun(result.Valid, len(result.Discrepancies))
	}

	a.logger.WithFields(logrus.Fields{
		"valid":         result.Valid,
		"discrepancies": len(result.Discrepancies),
	}).Info("Audit finished")

	return result
}
