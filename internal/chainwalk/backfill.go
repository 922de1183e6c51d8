package chainwalk

import (
	"context"
	"fmt"

	"github.com/liquid-covenants/marketd/internal/marketstore"
)

// Store is the part of marketstore.Store the backfill writes through.
type Store interface {
	PoolInfo(ctx context.Context, id marketstore.PoolID) (marketstore.PoolInfo, error)
	LatestPoolSnapshotResume(ctx context.Context, id marketstore.PoolID) (marketstore.ResumePoint, bool, error)
	InsertPoolSnapshot(ctx context.Context, snap marketstore.PoolSnapshot) (bool, error)
	IngestAMMPool(ctx context.Context, in marketstore.PoolIngest) (marketstore.PoolID, error)
}

type BackfillResult struct {
	PoolID   marketstore.PoolID `json:"pool_id"`
	Resumed  bool               `json:"resumed"`
	Walked   int                `json:"walked"`
	Inserted int                `json:"inserted"`
	IssuedLP uint64             `json:"issued_lp"`
}

// Backfill extends a pool's stored snapshot history to the chain tip. It
// resumes after the newest stored snapshot, or walks from the creation
// transaction when the pool has none, and records the final LP supply on the
// pool row.
func (w *Walker) Backfill(ctx context.Context, store Store, id marketstore.PoolID) (BackfillResult, error) {
	info, err := store.PoolInfo(ctx, id)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("chainwalk: pool %s: %w", id, err)
	}
	resume, resumed, err := store.LatestPoolSnapshotResume(ctx, id)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("chainwalk: resume point for %s: %w", id, err)
	}

	res := BackfillResult{PoolID: id, Resumed: resumed, IssuedLP: info.IssuedLP}
	var snaps []marketstore.PoolSnapshot
	switch {
	case resumed:
		res.IssuedLP = resume.IssuedLP
		snaps, err = w.FromResume(ctx, info.Params, resume)
	case info.CreationTxid != nil:
		snaps, err = w.FromCreation(ctx, info.Params, *info.CreationTxid)
	default:
		return BackfillResult{}, fmt.Errorf("%w: pool %s", ErrNoStartingPoint, id)
	}
	if err != nil {
		return BackfillResult{}, err
	}

	res.Walked = len(snaps)
	for _, snap := range snaps {
		inserted, err := store.InsertPoolSnapshot(ctx, snap)
		if err != nil {
			return res, fmt.Errorf("chainwalk: insert snapshot %s: %w", snap.Txid, err)
		}
		if inserted {
			res.Inserted++
		}
		res.IssuedLP = snap.IssuedLP
	}

	if res.IssuedLP != info.IssuedLP {
		if _, err := store.IngestAMMPool(ctx, marketstore.PoolIngest{Params: info.Params, IssuedLP: res.IssuedLP}); err != nil {
			return res, fmt.Errorf("chainwalk: update issued lp for %s: %w", id, err)
		}
	}
	w.log.Info("pool backfill complete",
		"pool", id.String(),
		"resumed", resumed,
		"walked", res.Walked,
		"inserted", res.Inserted,
		"issued_lp", res.IssuedLP,
	)
	return res, nil
}
