// Package chainwalk rebuilds an AMM pool's snapshot history by following its
// covenant outputs from transaction to transaction.
package chainwalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/amm"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/liquidtx"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	"github.com/vulpemventures/go-elements/transaction"
)

// Pool transactions keep the three reserves at vouts 0..2 and the LP
// reissuance token at vout 3. A withdrawal burns LP at vout 4.
const (
	covenantOutputs = 4
	reserveOutputs  = 3
	burnVout        = 4
)

var (
	ErrInvalidConfig   = errors.New("chainwalk: invalid config")
	ErrNoLPIssuance    = errors.New("chainwalk: creation tx has no LP issuance")
	ErrTxNotFound      = errors.New("chainwalk: transaction not found")
	ErrCycle           = errors.New("chainwalk: transaction revisited")
	ErrNoStartingPoint = errors.New("chainwalk: no creation txid or snapshot")
)

type Compiler interface {
	CompilePool(ctx context.Context, p marketstore.PoolParams, issuedLP uint64) (marketstore.CompiledPool, error)
}

type Walker struct {
	source   chain.HistorySource
	compiler Compiler
	log      *slog.Logger
}

func New(source chain.HistorySource, compiler Compiler, log *slog.Logger) (*Walker, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil history source", ErrInvalidConfig)
	}
	if compiler == nil {
		return nil, fmt.Errorf("%w: nil compiler", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Walker{source: source, compiler: compiler, log: log}, nil
}

// FromCreation walks from the pool's creation transaction. The creation
// transaction itself is the first snapshot.
func (w *Walker) FromCreation(ctx context.Context, params marketstore.PoolParams, creation chainhash.Hash) ([]marketstore.PoolSnapshot, error) {
	tx, err := w.fetch(ctx, creation)
	if err != nil {
		return nil, err
	}
	reserves, err := parseReserves(tx, params)
	if err != nil {
		return nil, fmt.Errorf("creation %s: %w", creation, err)
	}
	issued, ok, err := issuedAmount(tx, false)
	if err != nil {
		return nil, fmt.Errorf("creation %s: %w", creation, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLPIssuance, creation)
	}

	history, err := w.history(ctx, params, issued)
	if err != nil {
		return nil, err
	}
	first := marketstore.PoolSnapshot{
		PoolID:      params.ID(),
		Txid:        creation,
		Reserves:    reserves,
		IssuedLP:    issued,
		BlockHeight: heightOf(history, creation),
	}
	rest, err := w.follow(ctx, params, creation, issued, history)
	if err != nil {
		return nil, err
	}
	return append([]marketstore.PoolSnapshot{first}, rest...), nil
}

// FromResume continues after an already stored snapshot. No snapshot is
// produced for the resume point.
func (w *Walker) FromResume(ctx context.Context, params marketstore.PoolParams, resume marketstore.ResumePoint) ([]marketstore.PoolSnapshot, error) {
	history, err := w.history(ctx, params, resume.IssuedLP)
	if err != nil {
		return nil, err
	}
	return w.follow(ctx, params, resume.Txid, resume.IssuedLP, history)
}

func (w *Walker) follow(
	ctx context.Context,
	params marketstore.PoolParams,
	txid chainhash.Hash,
	issued uint64,
	history []chain.HistoryEntry,
) ([]marketstore.PoolSnapshot, error) {
	poolID := params.ID()
	visited := map[chainhash.Hash]bool{txid: true}
	var out []marketstore.PoolSnapshot
	for {
		next, nextTx, entry, found, err := w.spender(ctx, txid, history)
		if err != nil {
			return nil, err
		}
		if !found {
			w.log.Debug("chain walk reached tip", "pool", poolID.String(), "txid", txid.String(), "hops", len(out))
			return out, nil
		}
		if visited[next] {
			return nil, fmt.Errorf("%w: %s", ErrCycle, next)
		}
		visited[next] = true

		reserves, err := parseReserves(nextTx, params)
		if err != nil {
			return nil, fmt.Errorf("hop %s: %w", next, err)
		}
		issued, err = nextIssuedLP(nextTx, params, issued)
		if err != nil {
			return nil, fmt.Errorf("hop %s: %w", next, err)
		}
		out = append(out, marketstore.PoolSnapshot{
			PoolID:      poolID,
			Txid:        next,
			Reserves:    reserves,
			IssuedLP:    issued,
			BlockHeight: confirmedHeight(entry.Height),
		})

		txid = next
		if history, err = w.history(ctx, params, issued); err != nil {
			return nil, err
		}
	}
}

// spender finds the history entry that spends one of txid's covenant outputs.
func (w *Walker) spender(ctx context.Context, txid chainhash.Hash, history []chain.HistoryEntry) (chainhash.Hash, *transaction.Transaction, chain.HistoryEntry, bool, error) {
	for _, entry := range history {
		if entry.Txid == txid {
			continue
		}
		tx, err := w.fetch(ctx, entry.Txid)
		if err != nil {
			return chainhash.Hash{}, nil, chain.HistoryEntry{}, false, err
		}
		if spendsCovenant(tx, txid) {
			return entry.Txid, tx, entry, true, nil
		}
	}
	return chainhash.Hash{}, nil, chain.HistoryEntry{}, false, nil
}

// history lists the transactions touching the pool script for issued LP.
func (w *Walker) history(ctx context.Context, params marketstore.PoolParams, issued uint64) ([]chain.HistoryEntry, error) {
	compiled, err := w.compiler.CompilePool(ctx, params, issued)
	if err != nil {
		return nil, fmt.Errorf("chainwalk: compile pool at lp %d: %w", issued, err)
	}
	history, err := w.source.ScriptHistory(ctx, compiled.Script)
	if err != nil {
		return nil, fmt.Errorf("chainwalk: script history at lp %d: %w", issued, err)
	}
	return history, nil
}

func (w *Walker) fetch(ctx context.Context, txid chainhash.Hash) (*transaction.Transaction, error) {
	raw, err := w.source.GetTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("chainwalk: get transaction %s: %w", txid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	return liquidtx.Decode(raw)
}

func spendsCovenant(tx *transaction.Transaction, prev chainhash.Hash) bool {
	for _, in := range tx.Inputs {
		if in == nil || in.Index >= covenantOutputs {
			continue
		}
		h, err := chainhash.NewHash(in.Hash)
		if err == nil && *h == prev {
			return true
		}
	}
	return false
}

func parseReserves(tx *transaction.Transaction, params marketstore.PoolParams) (amm.Reserves, error) {
	if len(tx.Outputs) < reserveOutputs {
		return amm.Reserves{}, fmt.Errorf("%w: %d outputs", liquidtx.ErrMissingOutput, len(tx.Outputs))
	}
	var r amm.Reserves
	var err error
	if r.Yes, err = liquidtx.ExplicitOutput(tx, 0, params.YesAssetID); err != nil {
		return amm.Reserves{}, err
	}
	if r.No, err = liquidtx.ExplicitOutput(tx, 1, params.NoAssetID); err != nil {
		return amm.Reserves{}, err
	}
	if r.LBTC, err = liquidtx.ExplicitOutput(tx, 2, params.LBTCAssetID); err != nil {
		return amm.Reserves{}, err
	}
	return r, nil
}

// issuedAmount returns the first explicit non-zero issuance amount in tx,
// considering only reissuances when reissuanceOnly is set.
func issuedAmount(tx *transaction.Transaction, reissuanceOnly bool) (uint64, bool, error) {
	issuances, err := liquidtx.Issuances(tx)
	if err != nil {
		return 0, false, err
	}
	for _, iss := range issuances {
		if reissuanceOnly && !iss.Reissuance {
			continue
		}
		if iss.AmountExplicit && iss.Amount > 0 {
			return iss.Amount, true, nil
		}
	}
	return 0, false, nil
}

// nextIssuedLP applies a hop to the LP supply: a reissuance mints, a burn
// output withdraws, anything else is a swap. Fresh issuances riding along in
// a hop mint some other asset and are ignored.
func nextIssuedLP(tx *transaction.Transaction, params marketstore.PoolParams, issued uint64) (uint64, error) {
	minted, ok, err := issuedAmount(tx, true)
	if err != nil {
		return 0, err
	}
	if ok {
		if issued+minted < issued {
			return 0, fmt.Errorf("chainwalk: lp supply overflow: %d + %d", issued, minted)
		}
		return issued + minted, nil
	}
	if len(tx.Outputs) > burnVout {
		out := tx.Outputs[burnVout]
		if len(out.Script) == 0 {
			asset, assetOK := liquidtx.ExplicitAsset(out.Asset)
			value, valueOK := liquidtx.ExplicitValue(out.Value)
			if assetOK && valueOK && asset == params.LPAssetID {
				if value >= issued {
					return 0, nil
				}
				return issued - value, nil
			}
		}
	}
	return issued, nil
}

func heightOf(history []chain.HistoryEntry, txid chainhash.Hash) uint32 {
	for _, e := range history {
		if e.Txid == txid {
			return confirmedHeight(e.Height)
		}
	}
	return 0
}

// confirmedHeight maps mempool entries to height 0.
func confirmedHeight(h int64) uint32 {
	if h <= 0 || h > int64(^uint32(0)) {
		return 0
	}
	return uint32(h)
}
