package models

import "time"

// CostLedgerEntry is the running cost state for one session, split by token
// category. All monetary columns are int64 micro-dollars; conversion to
// display dollars happens only at the API boundary.
//
// ReconciledMicroUSD, once set, is authoritative: the estimate path never
// touches it, and only a later reconciliation run may replace it.
type CostLedgerEntry struct {
	SessionID string `gorm:"primaryKey;size:64"`

	InputTextTokens   int64
	OutputTextTokens  int64
	InputAudioTokens  int64
	OutputAudioTokens int64

	InputTextMicroUSD   int64
	OutputTextMicroUSD  int64
	InputAudioMicroUSD  int64
	OutputAudioMicroUSD int64

	EstimatedMicroUSD int64
	FinalizedAt       *time.Time

	ReconciledMicroUSD *int64
	ReconciledAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
