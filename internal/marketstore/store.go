// Package marketstore persists markets, maker orders, AMM pools, their
// tracked covenant outputs and pool state snapshots.
package marketstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
)

var (
	ErrNotFound      = errors.New("marketstore: not found")
	ErrConflict      = errors.New("marketstore: already exists")
	ErrDataIntegrity = errors.New("marketstore: data integrity")
	ErrInvalidParams = errors.New("marketstore: invalid params")
	ErrInvalidConfig = errors.New("marketstore: invalid config")
	ErrReadOnly      = errors.New("marketstore: write in read-only transaction")
)

type CompiledMarket struct {
	Fingerprint [32]byte
	Scripts     [numMarketStates][]byte
}

// CompiledOrder always carries the fingerprint. Scripts are only set when
// both the maker key and the nonce were supplied.
type CompiledOrder struct {
	Fingerprint        [32]byte
	CovenantScript     []byte
	MakerReceiveScript []byte
}

type CompiledPool struct {
	Fingerprint [32]byte
	Script      []byte
}

// Compiler turns contract parameters into covenant fingerprints and scripts.
type Compiler interface {
	CompileMarket(ctx context.Context, p MarketParams) (CompiledMarket, error)
	CompileOrder(ctx context.Context, p OrderParams, makerPubkey, nonce *[32]byte) (CompiledOrder, error)
	CompilePool(ctx context.Context, p PoolParams, issuedLP uint64) (CompiledPool, error)
}

// Tx is one transactional scope over the store's rows. Get and Find methods
// return ErrNotFound for missing rows; Insert methods return ErrConflict when
// the key already exists.
type Tx interface {
	GetMarket(ctx context.Context, id MarketID) (Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]Market, error)
	InsertMarket(ctx context.Context, m Market) error
	UpdateMarket(ctx context.Context, m Market) error

	GetMakerOrder(ctx context.Context, id OrderID) (MakerOrder, error)
	FindMakerOrder(ctx context.Context, fingerprint [32]byte, makerPubkey *[32]byte) (MakerOrder, error)
	ListMakerOrders(ctx context.Context, f OrderFilter) ([]MakerOrder, error)
	InsertMakerOrder(ctx context.Context, o MakerOrder) (OrderID, error)
	UpdateMakerOrder(ctx context.Context, o MakerOrder) error

	GetAMMPool(ctx context.Context, id PoolID) (AmmPool, error)
	ListAMMPools(ctx context.Context, f PoolFilter) ([]AmmPool, error)
	InsertAMMPool(ctx context.Context, p AmmPool) error
	UpdateAMMPool(ctx context.Context, p AmmPool) error

	// InsertPoolSnapshot ignores a snapshot whose (pool, txid) is already stored
	// and reports whether a row was written.
	InsertPoolSnapshot(ctx context.Context, s PoolSnapshot) (bool, error)
	LatestPoolSnapshot(ctx context.Context, id PoolID) (PoolSnapshot, error)
	// PoolSnapshots lists in insertion order; limit <= 0 means all.
	PoolSnapshots(ctx context.Context, id PoolID, limit int) ([]PoolSnapshot, error)

	// InsertUTXO ignores an outpoint that is already tracked and reports
	// whether a row was written.
	InsertUTXO(ctx context.Context, u UTXO) (bool, error)
	ListUTXOs(ctx context.Context, f UTXOFilter) ([]UTXO, error)
	MarkSpent(ctx context.Context, op chain.Outpoint, spendingTxid chainhash.Hash, height uint32) error

	SyncedHeight(ctx context.Context) (uint32, error)
	SetSyncedHeight(ctx context.Context, height uint32) error
}

// Backend runs functions inside a transaction. Update commits when fn returns
// nil and discards every write otherwise.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// Store holds the ingest, query and maintenance operations on top of a
// Backend.
type Store struct {
	backend  Backend
	compiler Compiler
}

func New(backend Backend, compiler Compiler) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if compiler == nil {
		return nil, fmt.Errorf("%w: nil compiler", ErrInvalidConfig)
	}
	return &Store{backend: backend, compiler: compiler}, nil
}

// Update exposes a raw transactional scope. The sync engine runs one round
// per call.
func (s *Store) Update(ctx context.Context, fn func(Tx) error) error {
	return s.backend.Update(ctx, fn)
}

func (s *Store) View(ctx context.Context, fn func(Tx) error) error {
	return s.backend.View(ctx, fn)
}

func (s *Store) Compiler() Compiler { return s.compiler }

// IngestMarket records a discovered market. A market seen before is left
// untouched apart from filling in missing announcement fields.
func (s *Store) IngestMarket(ctx context.Context, params MarketParams, meta Metadata) (MarketID, error) {
	id := params.ID()
	err := s.backend.Update(ctx, func(tx Tx) error {
		m, err := tx.GetMarket(ctx, id)
		if err == nil {
			if backfillAnnouncement(&m.Metadata, meta) {
				return tx.UpdateMarket(ctx, m)
			}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		compiled, err := s.compiler.CompileMarket(ctx, params)
		if err != nil {
			return fmt.Errorf("marketstore: compile market %s: %w", id, err)
		}
		return tx.InsertMarket(ctx, Market{
			ID:          id,
			Params:      params,
			State:       MarketDormant,
			Fingerprint: compiled.Fingerprint,
			Scripts:     compiled.Scripts,
			Metadata:    meta,
		})
	})
	if err != nil {
		return MarketID{}, err
	}
	return id, nil
}

type OrderIngest struct {
	Params      OrderParams
	MakerPubkey *[32]byte
	Nonce       *[32]byte
	MarketID    *MarketID
	Metadata    Metadata
}

// IngestMakerOrder records a discovered maker order, identified by its
// covenant fingerprint and maker key. Re-ingest never erases a stored nonce.
func (s *Store) IngestMakerOrder(ctx context.Context, in OrderIngest) (OrderID, error) {
	if !in.Params.Direction.Valid() {
		return 0, fmt.Errorf("%w: order direction %d", ErrInvalidParams, in.Params.Direction)
	}
	compiled, err := s.compiler.CompileOrder(ctx, in.Params, in.MakerPubkey, in.Nonce)
	if err != nil {
		return 0, fmt.Errorf("marketstore: compile order: %w", err)
	}

	var id OrderID
	err = s.backend.Update(ctx, func(tx Tx) error {
		o, err := tx.FindMakerOrder(ctx, compiled.Fingerprint, in.MakerPubkey)
		if err == nil {
			id = o.ID
			changed := backfillAnnouncement(&o.Metadata, in.Metadata)
			if o.Nonce == nil && in.Nonce != nil {
				nonce := *in.Nonce
				o.Nonce = &nonce
				o.CovenantScript = compiled.CovenantScript
				o.MakerReceiveScript = compiled.MakerReceiveScript
				changed = true
			}
			if o.MarketID == nil && in.MarketID != nil {
				mid := *in.MarketID
				o.MarketID = &mid
				changed = true
			}
			if changed {
				return tx.UpdateMakerOrder(ctx, o)
			}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		id, err = tx.InsertMakerOrder(ctx, MakerOrder{
			Params:             in.Params,
			Status:             OrderPending,
			Fingerprint:        compiled.Fingerprint,
			MakerPubkey:        in.MakerPubkey,
			Nonce:              in.Nonce,
			CovenantScript:     compiled.CovenantScript,
			MakerReceiveScript: compiled.MakerReceiveScript,
			MarketID:           in.MarketID,
			Metadata:           in.Metadata,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

type PoolIngest struct {
	Params       PoolParams
	IssuedLP     uint64
	MarketID     *MarketID
	CreationTxid *chainhash.Hash
	Metadata     Metadata
}

// IngestAMMPool records a pool. A repeat sighting moves the pool to the
// announced LP supply and its recompiled script.
func (s *Store) IngestAMMPool(ctx context.Context, in PoolIngest) (PoolID, error) {
	id := in.Params.ID()
	compiled, err := s.compiler.CompilePool(ctx, in.Params, in.IssuedLP)
	if err != nil {
		return PoolID{}, fmt.Errorf("marketstore: compile pool %s: %w", id, err)
	}

	err = s.backend.Update(ctx, func(tx Tx) error {
		p, err := tx.GetAMMPool(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return tx.InsertAMMPool(ctx, AmmPool{
				ID:             id,
				Params:         in.Params,
				Status:         PoolActive,
				Fingerprint:    compiled.Fingerprint,
				IssuedLP:       in.IssuedLP,
				CovenantScript: compiled.Script,
				MarketID:       in.MarketID,
				CreationTxid:   in.CreationTxid,
				Metadata:       in.Metadata,
			})
		}
		if err != nil {
			return err
		}

		p.IssuedLP = in.IssuedLP
		p.CovenantScript = compiled.Script
		if p.MarketID == nil && in.MarketID != nil {
			mid := *in.MarketID
			p.MarketID = &mid
		}
		if p.CreationTxid == nil && in.CreationTxid != nil {
			txid := *in.CreationTxid
			p.CreationTxid = &txid
		}
		backfillAnnouncement(&p.Metadata, in.Metadata)
		return tx.UpdateAMMPool(ctx, p)
	})
	if err != nil {
		return PoolID{}, err
	}
	return id, nil
}

// backfillAnnouncement copies announcement fields into dst where dst has
// none and reports whether anything changed.
func backfillAnnouncement(dst *Metadata, src Metadata) bool {
	changed := false
	if dst.AnnouncementID == "" && src.AnnouncementID != "" {
		dst.AnnouncementID = src.AnnouncementID
		changed = true
	}
	if dst.AnnouncementJSON == "" && src.AnnouncementJSON != "" {
		dst.AnnouncementJSON = src.AnnouncementJSON
		changed = true
	}
	return changed
}

func (s *Store) GetMarket(ctx context.Context, id MarketID) (Market, error) {
	var m Market
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		m, err = tx.GetMarket(ctx, id)
		return err
	})
	return m, err
}

func (s *Store) ListMarkets(ctx context.Context, f MarketFilter) ([]Market, error) {
	var out []Market
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListMarkets(ctx, f)
		return err
	})
	return out, err
}

func (s *Store) GetMakerOrder(ctx context.Context, id OrderID) (MakerOrder, error) {
	var o MakerOrder
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		o, err = tx.GetMakerOrder(ctx, id)
		return err
	})
	return o, err
}

func (s *Store) ListMakerOrders(ctx context.Context, f OrderFilter) ([]MakerOrder, error) {
	var out []MakerOrder
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListMakerOrders(ctx, f)
		return err
	})
	return out, err
}

// MarketUTXOs lists the outputs tracked for a market, optionally restricted
// to one state's script.
func (s *Store) MarketUTXOs(ctx context.Context, id MarketID, state *MarketState, unspentOnly bool) ([]UTXO, error) {
	return s.listUTXOs(ctx, UTXOFilter{Market: &id, MarketState: state, UnspentOnly: unspentOnly})
}

func (s *Store) OrderUTXOs(ctx context.Context, id OrderID, unspentOnly bool) ([]UTXO, error) {
	return s.listUTXOs(ctx, UTXOFilter{Order: &id, UnspentOnly: unspentOnly})
}

func (s *Store) listUTXOs(ctx context.Context, f UTXOFilter) ([]UTXO, error) {
	var out []UTXO
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListUTXOs(ctx, f)
		return err
	})
	return out, err
}

func (s *Store) GetAMMPool(ctx context.Context, id PoolID) (AmmPool, error) {
	var p AmmPool
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetAMMPool(ctx, id)
		return err
	})
	return p, err
}

func (s *Store) ListAMMPools(ctx context.Context, f PoolFilter) ([]AmmPool, error) {
	var out []AmmPool
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListAMMPools(ctx, f)
		return err
	})
	return out, err
}

// PoolForMarket returns the pool linked to a market, preferring an Active
// one when several exist.
func (s *Store) PoolForMarket(ctx context.Context, id MarketID) (AmmPool, error) {
	pools, err := s.ListAMMPools(ctx, PoolFilter{MarketID: &id})
	if err != nil {
		return AmmPool{}, err
	}
	if len(pools) == 0 {
		return AmmPool{}, ErrNotFound
	}
	for _, p := range pools {
		if p.Status == PoolActive {
			return p, nil
		}
	}
	return pools[0], nil
}

func (s *Store) LatestPoolSnapshot(ctx context.Context, id PoolID) (PoolSnapshot, error) {
	var snap PoolSnapshot
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		snap, err = tx.LatestPoolSnapshot(ctx, id)
		return err
	})
	return snap, err
}

func (s *Store) PoolSnapshots(ctx context.Context, id PoolID, limit int) ([]PoolSnapshot, error) {
	var out []PoolSnapshot
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.PoolSnapshots(ctx, id, limit)
		return err
	})
	return out, err
}

func (s *Store) InsertPoolSnapshot(ctx context.Context, snap PoolSnapshot) (bool, error) {
	var inserted bool
	err := s.backend.Update(ctx, func(tx Tx) error {
		if _, err := tx.GetAMMPool(ctx, snap.PoolID); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertPoolSnapshot(ctx, snap)
		return err
	})
	return inserted, err
}

// AddMarketUTXO tracks an output of a market's covenant for the given state.
// Adding a tracked outpoint again is a no-op.
func (s *Store) AddMarketUTXO(ctx context.Context, id MarketID, state MarketState, u UTXO) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: market state %d", ErrInvalidParams, state)
	}
	u.Market, u.MarketState, u.Order = &id, state, nil
	var inserted bool
	err := s.backend.Update(ctx, func(tx Tx) error {
		if _, err := tx.GetMarket(ctx, id); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertUTXO(ctx, u)
		return err
	})
	return inserted, err
}

func (s *Store) AddOrderUTXO(ctx context.Context, id OrderID, u UTXO) (bool, error) {
	u.Market, u.MarketState, u.Order = nil, 0, &id
	var inserted bool
	err := s.backend.Update(ctx, func(tx Tx) error {
		if _, err := tx.GetMakerOrder(ctx, id); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertUTXO(ctx, u)
		return err
	})
	return inserted, err
}

// MarkSpent records the spend of a tracked output. Repeated calls overwrite
// the spending txid and height.
func (s *Store) MarkSpent(ctx context.Context, op chain.Outpoint, spendingTxid chainhash.Hash, height uint32) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.MarkSpent(ctx, op, spendingTxid, height)
	})
}

// CancelMakerOrder moves an order to Cancelled. Cancelled is terminal and is
// never changed by sync.
func (s *Store) CancelMakerOrder(ctx context.Context, id OrderID) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		o, err := tx.GetMakerOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Status == OrderCancelled {
			return nil
		}
		o.Status = OrderCancelled
		return tx.UpdateMakerOrder(ctx, o)
	})
}

func (s *Store) SetPoolStatus(ctx context.Context, id PoolID, status PoolStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: pool status %d", ErrInvalidParams, status)
	}
	return s.backend.Update(ctx, func(tx Tx) error {
		p, err := tx.GetAMMPool(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == status {
			return nil
		}
		p.Status = status
		return tx.UpdateAMMPool(ctx, p)
	})
}

func (s *Store) SyncedHeight(ctx context.Context) (uint32, error) {
	var h uint32
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		h, err = tx.SyncedHeight(ctx)
		return err
	})
	return h, err
}
