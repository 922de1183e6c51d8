// Package chainsync reconciles the store with the chain in atomic rounds:
// discover covenant outputs, detect spends, then derive market states and
// order statuses from what is still unspent.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/liquidtx"
	"github.com/liquid-covenants/marketd/internal/marketstore"
)

var (
	ErrInvalidConfig         = errors.New("chainsync: invalid config")
	ErrChainSource           = errors.New("chainsync: chain source")
	ErrConflictingResolution = errors.New("chainsync: conflicting resolution")
)

// Store is the transactional scope a round runs in.
type Store interface {
	Update(ctx context.Context, fn func(marketstore.Tx) error) error
}

type Engine struct {
	store  Store
	source chain.Source
	log    *slog.Logger
}

func New(store Store, source chain.Source, log *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: nil chain source", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, source: source, log: log}, nil
}

type MarketChange struct {
	MarketID marketstore.MarketID    `json:"market_id"`
	Old      marketstore.MarketState `json:"old"`
	New      marketstore.MarketState `json:"new"`
}

type OrderChange struct {
	OrderID marketstore.OrderID     `json:"order_id"`
	Old     marketstore.OrderStatus `json:"old"`
	New     marketstore.OrderStatus `json:"new"`
}

// Report summarizes one committed round.
type Report struct {
	BlockHeight   uint32         `json:"block_height"`
	NewUTXOs      int            `json:"new_utxos"`
	SpentUTXOs    int            `json:"spent_utxos"`
	MarketChanges []MarketChange `json:"market_changes"`
	OrderChanges  []OrderChange  `json:"order_changes"`
}

// Sync runs one round inside a single store transaction. Any error rolls the
// whole round back, including the synced height.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	var rep Report
	err := e.store.Update(ctx, func(tx marketstore.Tx) error {
		r := &round{ctx: ctx, tx: tx, source: e.source, log: e.log}
		if err := r.run(); err != nil {
			return err
		}
		rep = r.rep
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	e.log.Info("sync round committed",
		"height", rep.BlockHeight,
		"new_utxos", rep.NewUTXOs,
		"spent_utxos", rep.SpentUTXOs,
		"market_changes", len(rep.MarketChanges),
		"order_changes", len(rep.OrderChanges),
	)
	return rep, nil
}

type round struct {
	ctx    context.Context
	tx     marketstore.Tx
	source chain.Source
	log    *slog.Logger
	rep    Report
}

func (r *round) run() error {
	height, err := r.source.BestBlockHeight(r.ctx)
	if err != nil {
		return fmt.Errorf("%w: best block height: %w", ErrChainSource, err)
	}
	r.rep.BlockHeight = height

	if err := r.discoverMarketUTXOs(); err != nil {
		return err
	}
	if err := r.discoverOrderUTXOs(); err != nil {
		return err
	}
	if err := r.detectSpends(height); err != nil {
		return err
	}
	if err := r.deriveMarketStates(); err != nil {
		return err
	}
	if err := r.deriveOrderStatuses(); err != nil {
		return err
	}
	return r.tx.SetSyncedHeight(r.ctx, height)
}

func (r *round) discoverMarketUTXOs() error {
	markets, err := r.tx.ListMarkets(r.ctx, marketstore.MarketFilter{})
	if err != nil {
		return err
	}
	for _, m := range markets {
		inspected := make(map[chainhash.Hash]bool)
		for _, st := range marketstore.MarketStates {
			script := m.Scripts[st]
			if len(script) == 0 {
				continue
			}
			unspent, err := r.source.ListUnspent(r.ctx, script)
			if err != nil {
				return fmt.Errorf("%w: list unspent for market %s %s: %w", ErrChainSource, m.ID, st, err)
			}
			for _, u := range unspent {
				id := m.ID
				row := utxoRow(u, script)
				row.Market, row.MarketState = &id, st
				if err := r.insert(row); err != nil {
					return err
				}

				if m.Issuance.Complete() || inspected[u.Txid] {
					continue
				}
				inspected[u.Txid] = true
				found, err := r.extractIssuance(&m, u.Txid)
				if err != nil {
					return err
				}
				if found {
					if err := r.tx.UpdateMarket(r.ctx, m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// extractIssuance looks for the market's YES/NO reissuance tokens among the
// issuance inputs of txid and records entropy and blinding nonce for each
// side found.
func (r *round) extractIssuance(m *marketstore.Market, txid chainhash.Hash) (bool, error) {
	raw, err := r.source.GetTransaction(r.ctx, txid)
	if err != nil {
		return false, fmt.Errorf("%w: get transaction %s: %w", ErrChainSource, txid, err)
	}
	if raw == nil {
		return false, nil
	}
	tx, err := liquidtx.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("%w: transaction %s: %w", ErrChainSource, txid, err)
	}
	issuances, err := liquidtx.Issuances(tx)
	if err != nil {
		return false, fmt.Errorf("%w: transaction %s: %w", ErrChainSource, txid, err)
	}

	found := false
	for _, iss := range issuances {
		if m.Issuance.YesEntropy == nil {
			ok, err := iss.Controls(m.Params.YesReissuanceToken)
			if err != nil {
				return false, err
			}
			if ok {
				entropy, nonce := iss.Entropy, iss.BlindingNonce
				m.Issuance.YesEntropy, m.Issuance.YesBlindingNonce = &entropy, &nonce
				found = true
			}
		}
		if m.Issuance.NoEntropy == nil {
			ok, err := iss.Controls(m.Params.NoReissuanceToken)
			if err != nil {
				return false, err
			}
			if ok {
				entropy, nonce := iss.Entropy, iss.BlindingNonce
				m.Issuance.NoEntropy, m.Issuance.NoBlindingNonce = &entropy, &nonce
				found = true
			}
		}
	}
	if found {
		r.log.Debug("recovered issuance entropy", "market", m.ID.String(), "txid", txid.String(),
			"yes", m.Issuance.YesEntropy != nil, "no", m.Issuance.NoEntropy != nil)
	}
	return found, nil
}

func (r *round) discoverOrderUTXOs() error {
	orders, err := r.tx.ListMakerOrders(r.ctx, marketstore.OrderFilter{HasScript: true})
	if err != nil {
		return err
	}
	for _, o := range orders {
		unspent, err := r.source.ListUnspent(r.ctx, o.CovenantScript)
		if err != nil {
			return fmt.Errorf("%w: list unspent for order %d: %w", ErrChainSource, o.ID, err)
		}
		for _, u := range unspent {
			id := o.ID
			row := utxoRow(u, o.CovenantScript)
			row.Order = &id
			if err := r.insert(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *round) insert(row marketstore.UTXO) error {
	inserted, err := r.tx.InsertUTXO(r.ctx, row)
	if err != nil {
		return err
	}
	if inserted {
		r.rep.NewUTXOs++
	}
	return nil
}

func utxoRow(u chain.Unspent, script []byte) marketstore.UTXO {
	return marketstore.UTXO{
		Outpoint:     u.Outpoint,
		AssetID:      u.AssetID,
		Value:        u.Value,
		ScriptPubKey: script,
		RawOutput:    u.RawOutput,
		BlockHeight:  u.BlockHeight,
	}
}

// detectSpends marks every tracked output the chain reports as spent. The
// round's tip height is recorded as the spend height.
func (r *round) detectSpends(height uint32) error {
	unspent, err := r.tx.ListUTXOs(r.ctx, marketstore.UTXOFilter{UnspentOnly: true})
	if err != nil {
		return err
	}
	for _, u := range unspent {
		spender, err := r.source.IsSpent(r.ctx, u.Outpoint)
		if err != nil {
			return fmt.Errorf("%w: is spent %s: %w", ErrChainSource, u.Outpoint, err)
		}
		if spender == nil {
			continue
		}
		if err := r.tx.MarkSpent(r.ctx, u.Outpoint, *spender, height); err != nil {
			return err
		}
		r.rep.SpentUTXOs++
	}
	return nil
}

func (r *round) deriveMarketStates() error {
	unspent, err := r.tx.ListUTXOs(r.ctx, marketstore.UTXOFilter{UnspentOnly: true})
	if err != nil {
		return err
	}
	live := make(map[marketstore.MarketID]map[marketstore.MarketState]bool)
	for _, u := range unspent {
		if u.Market == nil {
			continue
		}
		tags := live[*u.Market]
		if tags == nil {
			tags = make(map[marketstore.MarketState]bool)
			live[*u.Market] = tags
		}
		tags[u.MarketState] = true
	}

	markets, err := r.tx.ListMarkets(r.ctx, marketstore.MarketFilter{})
	if err != nil {
		return err
	}
	for _, m := range markets {
		next, err := DeriveMarketState(m.State, live[m.ID])
		if err != nil {
			return fmt.Errorf("market %s: %w", m.ID, err)
		}
		if strayResolution(m.State, live[m.ID]) {
			r.log.Warn("ignoring live output at opposite resolution script", "market", m.ID.String(), "state", m.State.String())
		}
		if next == m.State {
			continue
		}
		r.rep.MarketChanges = append(r.rep.MarketChanges, MarketChange{MarketID: m.ID, Old: m.State, New: next})
		r.log.Info("market state changed", "market", m.ID.String(), "old", m.State.String(), "new", next.String())
		m.State = next
		if err := r.tx.UpdateMarket(r.ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// DeriveMarketState returns a market's state given the states whose scripts
// currently hold unspent outputs. No live outputs keeps the current state and
// the highest live state wins otherwise. A resolved market keeps its
// resolution whatever else is live, except that live outputs at both resolved
// scripts are an error.
func DeriveMarketState(current marketstore.MarketState, live map[marketstore.MarketState]bool) (marketstore.MarketState, error) {
	if live[marketstore.MarketResolvedYes] && live[marketstore.MarketResolvedNo] {
		return current, fmt.Errorf("%w: live outputs at both resolved scripts", ErrConflictingResolution)
	}
	next, seen := current, false
	for _, st := range marketstore.MarketStates {
		if live[st] {
			next, seen = st, true
		}
	}
	if !seen {
		return current, nil
	}
	// Covenant scripts are public, so a stray payment to the other resolved
	// script cannot overturn a recorded resolution.
	if current.Resolved() {
		return current, nil
	}
	return next, nil
}

// strayResolution reports whether a resolved market has live outputs at the
// opposite resolved script.
func strayResolution(current marketstore.MarketState, live map[marketstore.MarketState]bool) bool {
	switch current {
	case marketstore.MarketResolvedYes:
		return live[marketstore.MarketResolvedNo]
	case marketstore.MarketResolvedNo:
		return live[marketstore.MarketResolvedYes]
	default:
		return false
	}
}

func (r *round) deriveOrderStatuses() error {
	all, err := r.tx.ListUTXOs(r.ctx, marketstore.UTXOFilter{})
	if err != nil {
		return err
	}
	type counts struct{ total, unspent int }
	byOrder := make(map[marketstore.OrderID]counts)
	for _, u := range all {
		if u.Order == nil {
			continue
		}
		c := byOrder[*u.Order]
		c.total++
		if !u.Spent {
			c.unspent++
		}
		byOrder[*u.Order] = c
	}

	orders, err := r.tx.ListMakerOrders(r.ctx, marketstore.OrderFilter{HasScript: true})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Status == marketstore.OrderCancelled {
			continue
		}
		c := byOrder[o.ID]
		next := DeriveOrderStatus(c.total, c.unspent)
		if next == o.Status {
			continue
		}
		r.rep.OrderChanges = append(r.rep.OrderChanges, OrderChange{OrderID: o.ID, Old: o.Status, New: next})
		r.log.Info("order status changed", "order", int64(o.ID), "old", o.Status.String(), "new", next.String())
		o.Status = next
		if err := r.tx.UpdateMakerOrder(r.ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// DeriveOrderStatus maps tracked output counts to an order status.
func DeriveOrderStatus(total, unspent int) marketstore.OrderStatus {
	switch {
	case total == 0:
		return marketstore.OrderPending
	case unspent == total:
		return marketstore.OrderActive
	case unspent == 0:
		return marketstore.OrderFullyFilled
	default:
		return marketstore.OrderPartiallyFilled
	}
}
