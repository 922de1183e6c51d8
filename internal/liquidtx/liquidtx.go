// Package liquidtx decodes the parts of Elements transactions the state
// derivation relies on: explicit values and assets, issuance inputs and the
// consensus serialization of single outputs.
package liquidtx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	explicitPrefix    = 0x01
	explicitValueLen  = 9
	explicitAssetLen  = 33
	confidentialNull  = 0x00
	reissuanceFlagExp = 0
	reissuanceFlagCT  = 1
)

var (
	ErrDecode        = errors.New("liquidtx: decode transaction")
	ErrConfidential  = errors.New("liquidtx: confidential field")
	ErrAssetMismatch = errors.New("liquidtx: asset mismatch")
	ErrMissingOutput = errors.New("liquidtx: missing output")
)

// Decode parses a raw Elements transaction.
func Decode(raw []byte) (*transaction.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrDecode)
	}
	tx, err := transaction.NewTxFromBuffer(bytes.NewBuffer(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return tx, nil
}

// ExplicitValue returns the plaintext amount of a 9-byte explicit value.
func ExplicitValue(v []byte) (uint64, bool) {
	if len(v) != explicitValueLen || v[0] != explicitPrefix {
		return 0, false
	}
	return binary.BigEndian.Uint64(v[1:]), true
}

// EncodeExplicitValue is the inverse of ExplicitValue.
func EncodeExplicitValue(amount uint64) []byte {
	out := make([]byte, explicitValueLen)
	out[0] = explicitPrefix
	binary.BigEndian.PutUint64(out[1:], amount)
	return out
}

// ExplicitAsset returns the asset id of a 33-byte explicit asset field.
func ExplicitAsset(a []byte) (chain.AssetID, bool) {
	if len(a) != explicitAssetLen || a[0] != explicitPrefix {
		return chain.AssetID{}, false
	}
	var id chain.AssetID
	copy(id[:], a[1:])
	return id, true
}

func EncodeExplicitAsset(id chain.AssetID) []byte {
	return append([]byte{explicitPrefix}, id[:]...)
}

// ExplicitOutput returns the explicit value of output index vout, requiring
// that it carries asset want.
func ExplicitOutput(tx *transaction.Transaction, vout int, want chain.AssetID) (uint64, error) {
	if vout < 0 || vout >= len(tx.Outputs) {
		return 0, fmt.Errorf("%w: vout %d of %d", ErrMissingOutput, vout, len(tx.Outputs))
	}
	out := tx.Outputs[vout]
	asset, ok := ExplicitAsset(out.Asset)
	if !ok {
		return 0, fmt.Errorf("%w: asset of vout %d", ErrConfidential, vout)
	}
	if asset != want {
		return 0, fmt.Errorf("%w: vout %d has %s want %s", ErrAssetMismatch, vout, asset, want)
	}
	value, ok := ExplicitValue(out.Value)
	if !ok {
		return 0, fmt.Errorf("%w: value of vout %d", ErrConfidential, vout)
	}
	return value, nil
}

// SerializeOutput returns the consensus encoding of an output without its
// witness (range and surjection proofs).
func SerializeOutput(out *transaction.TxOutput) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(nullIfEmpty(out.Asset))
	buf.Write(nullIfEmpty(out.Value))
	buf.Write(nullIfEmpty(out.Nonce))
	if err := wire.WriteVarBytes(&buf, 0, out.Script); err != nil {
		return nil, fmt.Errorf("liquidtx: serialize script: %w", err)
	}
	return buf.Bytes(), nil
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte{confidentialNull}
	}
	return b
}

// Issuance describes one issuance or reissuance carried by an input.
type Issuance struct {
	InputIndex int
	// Entropy is the asset entropy, derived from the prevout and contract hash
	// for new issuances and copied from the input for reissuances.
	Entropy [32]byte
	// BlindingNonce is zero for new issuances.
	BlindingNonce [32]byte
	Reissuance    bool
	// Amount is the explicit issued amount; zero when null or confidential.
	Amount         uint64
	AmountExplicit bool
	// ConfidentialAmount reports a committed issuance amount.
	ConfidentialAmount bool
}

// Issuances lists the issuance inputs of tx in input order.
func Issuances(tx *transaction.Transaction) ([]Issuance, error) {
	var out []Issuance
	for i, in := range tx.Inputs {
		if in == nil || in.Issuance == nil {
			continue
		}
		iss := in.Issuance
		if len(iss.AssetBlindingNonce) != 32 || len(iss.AssetEntropy) != 32 {
			return nil, fmt.Errorf("%w: input %d issuance field length", ErrDecode, i)
		}
		rec := Issuance{InputIndex: i}
		copy(rec.BlindingNonce[:], iss.AssetBlindingNonce)
		rec.Reissuance = rec.BlindingNonce != [32]byte{}

		if rec.Reissuance {
			copy(rec.Entropy[:], iss.AssetEntropy)
		} else {
			entropy, err := transaction.ComputeEntropy(in.Hash, in.Index, iss.AssetEntropy)
			if err != nil {
				return nil, fmt.Errorf("liquidtx: input %d entropy: %w", i, err)
			}
			copy(rec.Entropy[:], entropy)
		}

		if v, ok := ExplicitValue(iss.AssetAmount); ok {
			rec.Amount = v
			rec.AmountExplicit = true
		} else if len(iss.AssetAmount) > 1 {
			rec.ConfidentialAmount = true
		}
		out = append(out, rec)
	}
	return out, nil
}

// TokenCandidates returns the reissuance-token ids the issuance may control.
// A new issuance fixes the confidential flag from its amount; reissuance
// inputs do not reveal how the original issuance was made, so both ids are
// returned.
func (i Issuance) TokenCandidates() ([]chain.AssetID, error) {
	flags := []uint{reissuanceFlagExp, reissuanceFlagCT}
	if !i.Reissuance {
		flags = []uint{reissuanceFlagExp}
		if i.ConfidentialAmount {
			flags = []uint{reissuanceFlagCT}
		}
	}
	out := make([]chain.AssetID, 0, len(flags))
	for _, flag := range flags {
		token, err := transaction.ComputeReissuanceToken(i.Entropy[:], flag)
		if err != nil {
			return nil, fmt.Errorf("liquidtx: reissuance token: %w", err)
		}
		var id chain.AssetID
		copy(id[:], token)
		out = append(out, id)
	}
	return out, nil
}

// Controls reports whether the issuance spends or creates the given
// reissuance token.
func (i Issuance) Controls(token chain.AssetID) (bool, error) {
	candidates, err := i.TokenCandidates()
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		if c == token {
			return true, nil
		}
	}
	return false, nil
}
