// Package reconcile replays the authoritative GitHub comment stream
// into the local ledger and audits the two against each other.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// Fetcher is the contract the engine requires from the transport client:
// the ordered-ascending ledger comment stream, optionally bounded below
// by a comment ID cursor. Non-parseable comments are omitted upstream,
// never signaled as errors.
type Fetcher interface {
	FetchRecords(ctx context.Context, sinceCommentID int64) ([]models.CommentRecord, error)
}

// Result summarizes one reconciliation run. Success means no hard
// errors; a run with only warnings (e.g. everything already applied)
// is still a success.
type Result struct {
	Found    int      `json:"entries_found"`
	Added    int      `json:"entries_added"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
	Success  bool     `json:"success"`
}

// Reconciler brings the local ledger up to date with the upstream
// comment stream without ever violating the ledger's invariants.
type Reconciler struct {
	ledger  *ledger.Ledger
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewReconciler creates a reconciler over the given ledger and fetcher
func NewReconciler(l *ledger.Ledger, fetcher Fetcher) *Reconciler {
	return &Reconciler{
		ledger:  l,
		fetcher: fetcher,
		logger:  utils.GetLogger(),
	}
}

// SetMetrics attaches a metrics recorder
func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Run replays the upstream stream into the ledger, in ascending comment
// ID order. Incremental runs start after the highest comment ID already
// recorded locally; otherwise the full stream is fetched.
//
// Per-record failures are collected, never raised: one bad comment does
// not block the rest. Note that appends are strictly sequential, so once
// a chain-break stalls the head, every later record in the same run
// reports the same broken link against the same stale head; each is
// still reported individually for diagnosability.
func (r *Reconciler) Run(ctx context.Context, incremental bool) *Result {
	result := &Result{
		Warnings: []string{},
		Errors:   []string{},
	}

	if err := r.ledger.Init(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ledger init failed: %v", err))
		return r.finish(result)
	}

	var sinceCommentID int64
	if incremental {
		last, err := r.ledger.LastCommentID()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to determine cursor: %v", err))
			return r.finish(result)
		}
		sinceCommentID = last
	}

	records, err := r.fetcher.FetchRecords(ctx, sinceCommentID)
	if err != nil {
		// Transport failure before any records: short-circuit the run
		result.Errors = append(result.Errors, err.Error())
		return r.finish(result)
	}

	result.Found = len(records)

	for _, record := range records {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors,
				fmt.Sprintf("reconciliation canceled: %v", ctx.Err()))
			return r.finish(result)
		default:
		}

		r.processRecord(record, result)
	}

	return r.finish(result)
}

func (r *Reconciler) processRecord(record models.CommentRecord, result *Result) {
	entry := record.Entry

	// Already applied under this comment ID
	existing, err := r.ledger.FindByCommentID(record.CommentID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("comment %d: %v", record.CommentID, err))
		return
	}
	if existing != nil {
		r.recordMetric("already_applied")
		return
	}

	// Same source under a different comment ID: a re-post, not new credit
	existingBySource, err := r.ledger.FindBySource(entry.Source)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("comment %d: %v", record.CommentID, err))
		return
	}
	if existingBySource != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"Duplicate source %s: existing comment_id=%d, new comment_id=%d",
			entry.Source, existingBySource.CommentID, record.CommentID))
		r.recordMetric("duplicate_source")
		return
	}

	if !entry.Verify() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("comment %d: hash verification failed", record.CommentID))
		r.recordMetric("integrity_error")
		return
	}

	headHash := r.ledger.HeadHash()
	if entry.PrevHash != headHash {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"comment %d: chain broken (expected prev_hash=%s, got %s)",
			record.CommentID, headHash, entry.PrevHash))
		r.recordMetric("chain_broken")
		return
	}

	entry.CommentID = record.CommentID
	if _, err := r.ledger.Append(entry); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("comment %d: %v", record.CommentID, err))
		r.recordMetric("append_failed")
		return
	}

	result.Added++
	r.recordMetric("added")
}

func (r *Reconciler) finish(result *Result) *Result {
	result.Success = len(result.Errors) == 0

	if r.metrics != nil {
		r.metrics.RecordReconcileRun(result.Success)
		r.metrics.ChainEntries.Set(float64(r.ledger.EntryCount()))
	}

	r.logger.WithFields(logrus.Fields{
		"found":    result.Found,
		"added":    result.Added,
		"warnings": len(result.Warnings),
		"errors":   len(result.Errors),
		"success":  result.Success,
	}).Info("Reconciliation run finished")

	return result
}

func (r *Reconciler) recordMetric(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordReconcileRecord(outcome)
	}
}
