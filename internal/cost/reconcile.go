package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/gympulse/voicekiosk/internal/models"
)

// UsageFetcher is the provider usage-report collaborator. Reports are keyed
// by time bucket, not by session id. found=false means the provider has not
// published data for that bucket yet; the bucket is skipped, never fabricated.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, bucketStart, bucketEnd time.Time) (costMicroUSD int64, found bool, err error)
}

// BucketFailure records one bucket whose report could not be fetched. The
// bucket is retried on the next run; failures never abort the whole sweep.
type BucketFailure struct {
	BucketStart time.Time `json:"bucket_start"`
	Error       string    `json:"error"`
}

// Report summarises one reconciliation run.
type Report struct {
	From                    time.Time       `json:"from"`
	To                      time.Time       `json:"to"`
	SessionsUpdated         int             `json:"sessions_updated"`
	BucketsSkipped          int             `json:"buckets_skipped"`
	TotalReconciledMicroUSD int64           `json:"total_reconciled_micro_usd"`
	FailedBuckets           []BucketFailure `json:"failed_buckets,omitempty"`
}

// Reconcile pulls the provider's usage report bucket by bucket over
// [from, to) and writes authoritative costs onto the affected ledgers.
//
// Each bucket's reported cost is apportioned across the sessions that
// started inside that bucket, pro-rata by estimated cost (equal split when
// every estimate is zero). Apportionment uses a cumulative-quotient scheme so
// the per-session shares sum exactly to the bucket total.
func (e *Engine) Reconcile(ctx context.Context, from, to time.Time) (*Report, error) {
	if e.fetcher == nil {
		return nil, fmt.Errorf("cost: no usage fetcher configured")
	}
	if !to.After(from) {
		return nil, fmt.Errorf("cost: reconcile range is empty")
	}

	report := &Report{From: from, To: to}
	for start := from.Truncate(e.bucket); start.Before(to); start = start.Add(e.bucket) {
		end := start.Add(e.bucket)

		reported, found, err := e.fetcher.FetchUsage(ctx, start, end)
		if err != nil {
			report.FailedBuckets = append(report.FailedBuckets, BucketFailure{
				BucketStart: start,
				Error:       err.Error(),
			})
			continue
		}
		if !found {
			report.BucketsSkipped++
			continue
		}

		updated, total, err := e.reconcileBucket(start, end, reported)
		if err != nil {
			report.FailedBuckets = append(report.FailedBuckets, BucketFailure{
				BucketStart: start,
				Error:       err.Error(),
			})
			continue
		}
		report.SessionsUpdated += updated
		report.TotalReconciledMicroUSD += total
	}
	return report, nil
}

// reconcileBucket apportions one bucket's reported cost and writes it.
func (e *Engine) reconcileBucket(start, end time.Time, reported int64) (int, int64, error) {
	var sessions []models.Session
	if err := e.db.Where("started_at >= ? AND started_at < ?", start, end).
		Order("started_at ASC").Find(&sessions).Error; err != nil {
		return 0, 0, fmt.Errorf("load sessions: %w", err)
	}
	if len(sessions) == 0 {
		return 0, 0, nil
	}

	ledgers := make([]models.CostLedgerEntry, 0, len(sessions))
	var sumEst int64
	for _, s := range sessions {
		var entry models.CostLedgerEntry
		if err := e.db.Where("session_id = ?", s.ID).First(&entry).Error; err != nil {
			continue
		}
		ledgers = append(ledgers, entry)
		sumEst += entry.EstimatedMicroUSD
	}
	if len(ledgers) == 0 {
		return 0, 0, nil
	}

	now := time.Now()
	updated := 0
	var written int64
	var cumWeight, cumAssigned int64
	for i := range ledgers {
		weight := ledgers[i].EstimatedMicroUSD
		if sumEst == 0 {
			weight = 1
		}
		cumWeight += weight
		denom := sumEst
		if denom == 0 {
			denom = int64(len(ledgers))
		}
		share := reported*cumWeight/denom - cumAssigned
		cumAssigned += share

		res := e.db.Model(&models.CostLedgerEntry{}).
			Where("session_id = ?", ledgers[i].SessionID).
			Updates(map[string]interface{}{
				"reconciled_micro_usd": share,
				"reconciled_at":        now,
			})
		if res.Error != nil {
			return updated, written, fmt.Errorf("write ledger %s: %w", ledgers[i].SessionID, res.Error)
		}
		if res.RowsAffected > 0 {
			updated++
			written += share
		}
	}
	return updated, written, nil
}
