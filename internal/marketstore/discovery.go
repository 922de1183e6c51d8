package marketstore

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Read hooks used by the discovery service and the pool backfill.

type PoolInfo struct {
	ID           PoolID
	Params       PoolParams
	Status       PoolStatus
	IssuedLP     uint64
	MarketID     *MarketID
	CreationTxid *chainhash.Hash
}

func (s *Store) PoolInfo(ctx context.Context, id PoolID) (PoolInfo, error) {
	p, err := s.GetAMMPool(ctx, id)
	if err != nil {
		return PoolInfo{}, err
	}
	return PoolInfo{
		ID:           p.ID,
		Params:       p.Params,
		Status:       p.Status,
		IssuedLP:     p.IssuedLP,
		MarketID:     p.MarketID,
		CreationTxid: p.CreationTxid,
	}, nil
}

// ResumePoint is where a chain walk continues from: the last reconstructed
// pool transaction and the LP supply after it.
type ResumePoint struct {
	Txid        chainhash.Hash
	IssuedLP    uint64
	BlockHeight uint32
}

// LatestPoolSnapshotResume returns the resume point of the newest snapshot,
// or false when the pool has none.
func (s *Store) LatestPoolSnapshotResume(ctx context.Context, id PoolID) (ResumePoint, bool, error) {
	snap, err := s.LatestPoolSnapshot(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ResumePoint{}, false, nil
	}
	if err != nil {
		return ResumePoint{}, false, err
	}
	return ResumePoint{Txid: snap.Txid, IssuedLP: snap.IssuedLP, BlockHeight: snap.BlockHeight}, true, nil
}

func (s *Store) PoolIDForMarket(ctx context.Context, id MarketID) (PoolID, bool, error) {
	p, err := s.PoolForMarket(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return PoolID{}, false, nil
	}
	if err != nil {
		return PoolID{}, false, err
	}
	return p.ID, true, nil
}

type MarketScripts struct {
	ID      MarketID
	State   MarketState
	Scripts [numMarketStates][]byte
}

func (s *Store) AllMarketScripts(ctx context.Context) ([]MarketScripts, error) {
	markets, err := s.ListMarkets(ctx, MarketFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]MarketScripts, 0, len(markets))
	for _, m := range markets {
		out = append(out, MarketScripts{ID: m.ID, State: m.State, Scripts: m.Scripts})
	}
	return out, nil
}

type PoolWatch struct {
	ID             PoolID
	Status         PoolStatus
	IssuedLP       uint64
	CovenantScript []byte
}

func (s *Store) AllPoolWatchInfo(ctx context.Context) ([]PoolWatch, error) {
	pools, err := s.ListAMMPools(ctx, PoolFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]PoolWatch, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolWatch{ID: p.ID, Status: p.Status, IssuedLP: p.IssuedLP, CovenantScript: p.CovenantScript})
	}
	return out, nil
}

type AnnouncementKind string

const (
	AnnouncementMarket AnnouncementKind = "market"
	AnnouncementOrder  AnnouncementKind = "order"
	AnnouncementPool   AnnouncementKind = "pool"
)

type Announcement struct {
	Kind    AnnouncementKind
	EventID string
	JSON    string
}

// AllAnnouncements returns every stored discovery event, used to republish
// what this node knows about.
func (s *Store) AllAnnouncements(ctx context.Context) ([]Announcement, error) {
	var out []Announcement
	add := func(kind AnnouncementKind, meta Metadata) {
		if meta.AnnouncementID == "" && meta.AnnouncementJSON == "" {
			return
		}
		out = append(out, Announcement{Kind: kind, EventID: meta.AnnouncementID, JSON: meta.AnnouncementJSON})
	}
	err := s.backend.View(ctx, func(tx Tx) error {
		markets, err := tx.ListMarkets(ctx, MarketFilter{})
		if err != nil {
			return err
		}
		for _, m := range markets {
			add(AnnouncementMarket, m.Metadata)
		}
		orders, err := tx.ListMakerOrders(ctx, OrderFilter{})
		if err != nil {
			return err
		}
		for _, o := range orders {
			add(AnnouncementOrder, o.Metadata)
		}
		pools, err := tx.ListAMMPools(ctx, PoolFilter{})
		if err != nil {
			return err
		}
		for _, p := range pools {
			add(AnnouncementPool, p.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
