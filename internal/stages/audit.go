package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/repository"
)

// Auditor is the AUDIT handler: it persists one TransactionRecord per
// completed pipeline run, win or lose (spec §6 "transaction log
// records"). It never aborts the pipeline; a log write failure is only
// logged, since AUDIT already runs detached from the transaction
// deadline and has no response left to influence.
type Auditor struct {
	Logger repository.TransactionLogger
	log    *slog.Logger
}

// NewAuditor returns an Auditor persisting records through logger.
func NewAuditor(logger repository.TransactionLogger, slogger *slog.Logger) *Auditor {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Auditor{Logger: logger, log: slogger.With(slog.String("component", "audit"))}
}

func (a *Auditor) Name() string { return "audit" }

func (a *Auditor) Handle(ctx context.Context, pctx *pipeline.Context) error {
	if a.Logger == nil || pctx.Request == nil {
		return nil
	}

	now := time.Now()
	rec := repository.TransactionRecord{
		TraceID:     pctx.TraceID,
		RequestedAt: now.Add(-pctx.Elapsed()),
		CompletedAt: now,
	}
	if acquirer, ok := pctx.Request.Get(fieldAcquiringInstitution); ok {
		rec.AcquirerID = acquirer
	}
	if terminal, ok := pctx.Request.Get(fieldTerminalID); ok {
		rec.TerminalID = terminal
	}
	if stan, ok := pctx.Request.Get(fieldSTANField); ok {
		rec.STAN = stan
	}
	rec.MTI = pctx.Request.MTI
	if pc, ok := pctx.Request.Get("3"); ok {
		rec.ProcessingCode = pc
	}
	if amount, ok := pctx.Request.Get(fieldAmount); ok {
		rec.Amount = amount
	}
	if pctx.Response != nil {
		if rc, ok := pctx.Response.Get("39"); ok {
			rec.ResponseCode = rc
		}
	}

	if err := a.Logger.LogTransaction(ctx, rec); err != nil {
		a.log.Warn("failed to persist transaction record",
			slog.String("trace_id", pctx.TraceID), slog.Any("error", err))
	}
	return nil
}
