// Package liquidtxtest builds serialized Elements transactions for tests.
package liquidtxtest

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/liquidtx"
	"github.com/vulpemventures/go-elements/transaction"
)

type Issuance struct {
	// BlindingNonce is zero for a new issuance.
	BlindingNonce [32]byte
	// Entropy is the contract hash for a new issuance and the asset entropy
	// for a reissuance.
	Entropy [32]byte
	Amount  uint64
}

type Input struct {
	Prev     chain.Outpoint
	Issuance *Issuance
}

type Output struct {
	Asset  chain.AssetID
	Value  uint64
	Script []byte
	// Confidential replaces the explicit value with a dummy commitment.
	Confidential bool
}

// Build serializes a version-2 transaction and returns it with its txid.
func Build(t testing.TB, inputs []Input, outputs []Output) ([]byte, chainhash.Hash) {
	t.Helper()

	tx := transaction.NewTx(2)
	for _, in := range inputs {
		prev := in.Prev.Txid
		ti := transaction.NewTxInput(prev[:], in.Prev.Vout)
		if in.Issuance != nil {
			amount := []byte{0x00}
			if in.Issuance.Amount > 0 {
				amount = liquidtx.EncodeExplicitValue(in.Issuance.Amount)
			}
			nonce := in.Issuance.BlindingNonce
			entropy := in.Issuance.Entropy
			ti.Issuance = &transaction.TxIssuance{
				AssetBlindingNonce: nonce[:],
				AssetEntropy:       entropy[:],
				AssetAmount:        amount,
				TokenAmount:        []byte{0x00},
			}
		}
		tx.AddInput(ti)
	}
	for _, o := range outputs {
		value := liquidtx.EncodeExplicitValue(o.Value)
		if o.Confidential {
			value = append([]byte{0x08}, make([]byte, 32)...)
			value[32] = 0x01
		}
		out := transaction.NewTxOutput(liquidtx.EncodeExplicitAsset(o.Asset), value, o.Script)
		out.Nonce = []byte{0x00}
		tx.AddOutput(out)
	}

	raw, err := tx.Serialize()
	if err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return raw, tx.TxHash()
}

// Hash returns a deterministic 32-byte value filled with b.
func Hash(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// Asset returns a deterministic asset id filled with b.
func Asset(b byte) chain.AssetID {
	var a chain.AssetID
	for i := range a {
		a[i] = b
	}
	return a
}
