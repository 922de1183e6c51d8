package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/blobstore"
)

// CachedSource serves raw transactions from a blob store before falling back
// to the wrapped source. Raw transactions are keyed by txid and never change, so
// entries are written once and never invalidated.
type CachedSource struct {
	HistorySource

	blobs blobstore.Store
	log   *slog.Logger
}

func NewCachedSource(src HistorySource, blobs blobstore.Store, log *slog.Logger) (*CachedSource, error) {
	if src == nil {
		return nil, errors.New("chain: nil source")
	}
	if blobs == nil {
		return nil, errors.New("chain: nil blob store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedSource{HistorySource: src, blobs: blobs, log: log}, nil
}

// ListUnspent reads creating transactions through the cache when the wrapped
// source supports it.
func (c *CachedSource) ListUnspent(ctx context.Context, script []byte) ([]Unspent, error) {
	if f, ok := c.HistorySource.(UnspentFetcher); ok {
		return f.ListUnspentVia(ctx, script, c.GetTransaction)
	}
	return c.HistorySource.ListUnspent(ctx, script)
}

func (c *CachedSource) GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	key := rawTxKey(txid)
	cached, err := c.blobs.Get(ctx, key)
	switch {
	case err == nil:
		return cached, nil
	case errors.Is(err, blobstore.ErrNotFound):
	default:
		// A broken cache must not stall sync; the chain is authoritative.
		c.log.Warn("tx cache read failed", "txid", txid.String(), "err", err)
	}

	raw, err := c.HistorySource.GetTransaction(ctx, txid)
	if err != nil || raw == nil {
		return raw, err
	}
	if err := c.blobs.Put(ctx, key, raw); err != nil {
		c.log.Warn("tx cache write failed", "txid", txid.String(), "err", err)
	}
	return raw, nil
}

func rawTxKey(txid chainhash.Hash) string {
	return fmt.Sprintf("tx/%s", txid.String())
}
