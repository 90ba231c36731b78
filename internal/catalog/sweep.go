package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/sua-org/aibox-bus/internal/core"
)

// ObjectChecker é a parte do blob store que o sweep precisa.
type ObjectChecker interface {
	Exists(ctx context.Context, bucket, objectPath string) (bool, error)
}

type SweepResult struct {
	Available int
	Failed    int
	Errors    int
	// Skipped são intenções recentes demais, possivelmente com upload em andamento.
	Skipped int
}

// Sweep resolve intenções pending: objeto presente vira available, ausente vira failed.
// Só toca linhas sem alteração há pelo menos minAge (o timeout de upload do gravador).
func (c *Catalog) Sweep(ctx context.Context, store ObjectChecker, minAge time.Duration) (SweepResult, error) {
	var res SweepResult
	all, err := c.Chunks(ctx, ChunkFilter{State: core.ChunkPending})
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}
	pending := all
	if minAge > 0 {
		pending, err = c.Chunks(ctx, ChunkFilter{State: core.ChunkPending, UpdatedBefore: c.now().Add(-minAge)})
		if err != nil {
			return res, fmt.Errorf("list pending: %w", err)
		}
	}
	res.Skipped = len(all) - len(pending)
	for _, rec := range pending {
		ok, err := store.Exists(ctx, rec.Bucket, rec.ObjectPath)
		if err != nil {
			c.logger.Warn("sweep: falha ao verificar objeto", "chunk", rec.ID, "err", err)
			res.Errors++
			continue
		}
		if ok {
			err = c.CommitChunk(ctx, rec.ID, -1)
			res.Available++
		} else {
			err = c.FailChunk(ctx, rec.ID, "object missing after restart")
			res.Failed++
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
