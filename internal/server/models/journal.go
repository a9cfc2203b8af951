package models

import "time"

// RunRecord summarizes one reconciliation run.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Planned    int
	Applied    int
	Failed     int
	Conflicts  int
	Errors     int
}

// ConflictRecord is an ownership conflict left for manual review.
type ConflictRecord struct {
	RunID     string
	OwnerKind string
	OwnerID   string
	ImageID   string
	ClaimedBy string
	Reason    string
}
