package stages

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/repository"
)

// AccountLimits bounds one account's activity (spec §4.9 "per-account
// single-transaction, daily-cumulative, monthly-cumulative, and count
// limits"). A zero field means "no limit" for that dimension.
type AccountLimits struct {
	SingleTransactionMax int64
	DailyAmountMax       int64
	MonthlyAmountMax     int64
	DailyCountMax        int
}

// LimitCheck enforces AccountLimits against a LimitCounterStore,
// recording usage for transactions it admits.
type LimitCheck struct {
	Store        repository.LimitCounterStore
	Limits       AccountLimits
	AccountField string
	AmountField  string
	Now          func() time.Time
}

// NewLimitCheck returns a LimitCheck reading the account id from
// accountField and the transaction amount from amountField (typically
// F102 and F4).
func NewLimitCheck(store repository.LimitCounterStore, limits AccountLimits, accountField, amountField string) *LimitCheck {
	return &LimitCheck{Store: store, Limits: limits, AccountField: accountField, AmountField: amountField, Now: time.Now}
}

func (l *LimitCheck) Name() string { return "limit_check" }

func (l *LimitCheck) Handle(ctx context.Context, pctx *pipeline.Context) error {
	accountID, ok := pctx.Request.Get(l.AccountField)
	if !ok {
		return nil
	}
	amountStr, ok := pctx.Request.Get(l.AmountField)
	if !ok {
		return nil
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return pipeline.Wrap(pipeline.KindValidation, fmt.Errorf("amount field %s: %w", l.AmountField, err))
	}

	now := l.Now()
	if l.Limits.SingleTransactionMax > 0 && amount > l.Limits.SingleTransactionMax {
		pctx.LimitResult = &pipeline.LimitResult{Exceeded: true, Reason: "single-transaction limit"}
		return newLimitError("single-transaction limit exceeded")
	}

	usage, err := l.Store.Usage(ctx, accountID, now)
	if err != nil {
		return pipeline.Wrap(pipeline.KindSystemError, fmt.Errorf("limit usage lookup: %w", err))
	}

	switch {
	case l.Limits.DailyCountMax > 0 && usage.DailyCount+1 > l.Limits.DailyCountMax:
		pctx.LimitResult = &pipeline.LimitResult{Exceeded: true, Reason: "daily frequency limit"}
		return newFrequencyLimitError("daily frequency limit exceeded")
	case l.Limits.DailyAmountMax > 0 && usage.DailyAmount+amount > l.Limits.DailyAmountMax:
		pctx.LimitResult = &pipeline.LimitResult{Exceeded: true, Reason: "daily cumulative limit"}
		return newLimitError("daily cumulative limit exceeded")
	case l.Limits.MonthlyAmountMax > 0 && usage.MonthlyAmount+amount > l.Limits.MonthlyAmountMax:
		pctx.LimitResult = &pipeline.LimitResult{Exceeded: true, Reason: "monthly cumulative limit"}
		return newLimitError("monthly cumulative limit exceeded")
	}

	if err := l.Store.RecordUsage(ctx, accountID, amount, now); err != nil {
		return pipeline.Wrap(pipeline.KindSystemError, fmt.Errorf("limit usage record: %w", err))
	}
	pctx.LimitResult = &pipeline.LimitResult{Exceeded: false}
	return nil
}

func newLimitError(message string) *pipeline.PipelineError {
	return pipeline.NewError(pipeline.KindLimitExceeded, message)
}

func newFrequencyLimitError(message string) *pipeline.PipelineError {
	pe := pipeline.NewError(pipeline.KindLimitExceeded, message)
	pe.Subkind = "frequency"
	return pe
}
