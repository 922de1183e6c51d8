// Package chain defines the read-only view of the ledger consumed by the sync
// engine and the chain walk.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrInvalidAssetID = errors.New("chain: invalid asset id")

// AssetID is an Elements asset id in internal (serialized) byte order.
type AssetID [32]byte

// String renders the id in display order, as explorers and wallets show it.
func (a AssetID) String() string {
	var rev [32]byte
	for i := range a {
		rev[i] = a[31-i]
	}
	return hex.EncodeToString(rev[:])
}

// ParseAssetID parses a display-order hex asset id.
func ParseAssetID(s string) (AssetID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return AssetID{}, fmt.Errorf("%w: %v", ErrInvalidAssetID, err)
	}
	if len(b) != 32 {
		return AssetID{}, fmt.Errorf("%w: got %d bytes", ErrInvalidAssetID, len(b))
	}
	var out AssetID
	for i := range b {
		out[i] = b[31-i]
	}
	return out, nil
}

type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Vout)
}

// Unspent is an output currently paying to a watched script.
type Unspent struct {
	Outpoint
	Value   uint64
	AssetID AssetID
	// RawOutput is the consensus serialization of the output.
	RawOutput []byte
	// BlockHeight is nil while the creating transaction is unconfirmed.
	BlockHeight *uint32
}

// HistoryEntry is one transaction touching a script. Height <= 0 means mempool.
type HistoryEntry struct {
	Txid   chainhash.Hash
	Height int64
}

// Source is the capability the sync engine needs from a chain backend.
// Implementations enforce their own timeouts and surface them as errors.
type Source interface {
	BestBlockHeight(ctx context.Context) (uint32, error)
	ListUnspent(ctx context.Context, script []byte) ([]Unspent, error)
	// IsSpent returns the spending txid, or nil while the outpoint is unspent.
	IsSpent(ctx context.Context, op Outpoint) (*chainhash.Hash, error)
	// GetTransaction returns the raw transaction, or nil when it is unknown.
	GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error)
}

// HistorySource additionally lists every transaction touching a script.
type HistorySource interface {
	Source
	ScriptHistory(ctx context.Context, script []byte) ([]HistoryEntry, error)
}

// TxFetcher returns a raw transaction, or nil when it is unknown.
type TxFetcher func(ctx context.Context, txid chainhash.Hash) ([]byte, error)

// UnspentFetcher is implemented by sources that read creating transactions
// to fill Unspent.RawOutput. ListUnspentVia takes those transactions from
// fetch instead of the source's own GetTransaction.
type UnspentFetcher interface {
	ListUnspentVia(ctx context.Context, script []byte, fetch TxFetcher) ([]Unspent, error)
}
