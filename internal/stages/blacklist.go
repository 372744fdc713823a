package stages

import (
	"context"
	"fmt"

	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/repository"
)

// BlacklistCheck rejects a transaction whose configured field (typically
// F2, the PAN) matches a BlacklistStore entry (spec §7 "Blacklisted").
type BlacklistCheck struct {
	Store   repository.BlacklistStore
	FieldID string
}

func (b *BlacklistCheck) Name() string { return "blacklist_check" }

func (b *BlacklistCheck) Handle(ctx context.Context, pctx *pipeline.Context) error {
	key, ok := pctx.Request.Get(b.FieldID)
	if !ok {
		return nil
	}
	blocked, err := b.Store.IsBlacklisted(ctx, key)
	if err != nil {
		return pipeline.Wrap(pipeline.KindSystemError, fmt.Errorf("blacklist lookup: %w", err))
	}
	if blocked {
		return pipeline.NewError(pipeline.KindBlacklisted, "field "+b.FieldID+" is blacklisted")
	}
	return nil
}
