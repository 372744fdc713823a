package repository

import (
	"context"
	"time"
)

// TransactionRecord is one pipeline completion: the request and the
// response it produced (spec §6 "transaction log records").
type TransactionRecord struct {
	TraceID        string
	AcquirerID     string
	TerminalID     string
	STAN           string
	MTI            string
	ProcessingCode string
	Amount         string
	ResponseCode   string
	RequestedAt    time.Time
	CompletedAt    time.Time
}

// TransactionLogger persists one record per pipeline completion.
type TransactionLogger interface {
	LogTransaction(ctx context.Context, rec TransactionRecord) error
}

// DuplicateEntry is one fingerprint snapshotted for restart survival of
// the duplicate detector (spec §4.8, SPEC_FULL "duplicate-detector
// snapshots (optional, for restart survival)").
type DuplicateEntry struct {
	Key       string
	ExpiresAt time.Time
}

// DuplicateSnapshotStore optionally persists the duplicate detector's
// live fingerprint set so a restarted process does not reopen the
// duplicate window.
type DuplicateSnapshotStore interface {
	SaveSnapshot(ctx context.Context, entries []DuplicateEntry) error
	LoadSnapshot(ctx context.Context) ([]DuplicateEntry, error)
}

// BlacklistStore answers whether an account, card, or terminal key is
// blacklisted (spec §7 "Blacklisted").
type BlacklistStore interface {
	IsBlacklisted(ctx context.Context, key string) (bool, error)
}

// LimitUsage is an account's cumulative usage for the windows the limit
// check stage enforces (spec §4.9 "daily-cumulative, monthly-cumulative,
// and count limits").
type LimitUsage struct {
	DailyAmount   int64
	DailyCount    int
	MonthlyAmount int64
	MonthlyCount  int
}

// LimitCounterStore tracks and updates per-account usage counters.
type LimitCounterStore interface {
	Usage(ctx context.Context, accountID string, now time.Time) (LimitUsage, error)
	RecordUsage(ctx context.Context, accountID string, amount int64, at time.Time) error
}
