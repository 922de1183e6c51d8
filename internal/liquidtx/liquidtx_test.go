package liquidtx_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/liquidtx"
	"github.com/liquid-covenants/marketd/internal/liquidtx/liquidtxtest"
	"github.com/vulpemventures/go-elements/transaction"
)

func TestExplicitValueRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []uint64{0, 1, 546, 21_000_000 * 100_000_000, ^uint64(0)} {
		enc := liquidtx.EncodeExplicitValue(v)
		got, ok := liquidtx.ExplicitValue(enc)
		if !ok || got != v {
			t.Fatalf("value %d: got %d ok=%v", v, got, ok)
		}
	}
	if _, ok := liquidtx.ExplicitValue([]byte{0x08, 1, 2}); ok {
		t.Fatalf("commitment decoded as explicit")
	}
	if _, ok := liquidtx.ExplicitAsset(append([]byte{0x0a}, make([]byte, 32)...)); ok {
		t.Fatalf("asset commitment decoded as explicit")
	}
}

func TestExplicitOutput(t *testing.T) {
	t.Parallel()

	yes := liquidtxtest.Asset(0x11)
	no := liquidtxtest.Asset(0x22)
	raw, txid := liquidtxtest.Build(t,
		[]liquidtxtest.Input{{Prev: chain.Outpoint{Txid: liquidtxtest.Hash(0x01), Vout: 3}}},
		[]liquidtxtest.Output{
			{Asset: yes, Value: 5000, Script: []byte{0x51}},
			{Asset: no, Value: 7000, Script: []byte{0x51}, Confidential: true},
		},
	)
	tx, err := liquidtx.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tx.TxHash() != txid {
		t.Fatalf("txid mismatch")
	}

	v, err := liquidtx.ExplicitOutput(tx, 0, yes)
	if err != nil || v != 5000 {
		t.Fatalf("vout 0: got %d %v", v, err)
	}
	if _, err := liquidtx.ExplicitOutput(tx, 0, no); !errors.Is(err, liquidtx.ErrAssetMismatch) {
		t.Fatalf("asset mismatch: got %v", err)
	}
	if _, err := liquidtx.ExplicitOutput(tx, 1, no); !errors.Is(err, liquidtx.ErrConfidential) {
		t.Fatalf("confidential: got %v", err)
	}
	if _, err := liquidtx.ExplicitOutput(tx, 2, no); !errors.Is(err, liquidtx.ErrMissingOutput) {
		t.Fatalf("missing: got %v", err)
	}

	ser, err := liquidtx.SerializeOutput(tx.Outputs[0])
	if err != nil {
		t.Fatalf("SerializeOutput: %v", err)
	}
	// asset(33) + value(9) + null nonce(1) + varint(1) + script(1)
	if len(ser) != 45 {
		t.Fatalf("serialized length: got %d", len(ser))
	}
	if !bytes.Equal(ser[:33], liquidtx.EncodeExplicitAsset(yes)) {
		t.Fatalf("serialized asset prefix mismatch")
	}
}

func TestIssuances_ReissuanceTokenMatch(t *testing.T) {
	t.Parallel()

	var entropy, nonce [32]byte
	entropy[0], nonce[0] = 0xe1, 0xb1
	token, err := transaction.ComputeReissuanceToken(entropy[:], 0)
	if err != nil {
		t.Fatalf("ComputeReissuanceToken: %v", err)
	}
	var want chain.AssetID
	copy(want[:], token)

	raw, _ := liquidtxtest.Build(t,
		[]liquidtxtest.Input{
			{Prev: chain.Outpoint{Txid: liquidtxtest.Hash(0x02), Vout: 0}},
			{Prev: chain.Outpoint{Txid: liquidtxtest.Hash(0x03), Vout: 1}, Issuance: &liquidtxtest.Issuance{
				BlindingNonce: nonce,
				Entropy:       entropy,
				Amount:        1_000,
			}},
		},
		[]liquidtxtest.Output{{Asset: liquidtxtest.Asset(0x33), Value: 1, Script: []byte{0x51}}},
	)
	tx, err := liquidtx.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	iss, err := liquidtx.Issuances(tx)
	if err != nil {
		t.Fatalf("Issuances: %v", err)
	}
	if len(iss) != 1 {
		t.Fatalf("issuances: got %d", len(iss))
	}
	got := iss[0]
	if got.InputIndex != 1 || !got.Reissuance || got.Entropy != entropy || got.BlindingNonce != nonce {
		t.Fatalf("issuance: %+v", got)
	}
	if !got.AmountExplicit || got.Amount != 1_000 {
		t.Fatalf("amount: %+v", got)
	}
	ok, err := got.Controls(want)
	if err != nil || !ok {
		t.Fatalf("Controls: %v %v", ok, err)
	}
	ok, err = got.Controls(liquidtxtest.Asset(0x44))
	if err != nil || ok {
		t.Fatalf("Controls unrelated: %v %v", ok, err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := liquidtx.Decode(nil); !errors.Is(err, liquidtx.ErrDecode) {
		t.Fatalf("nil: got %v", err)
	}
	if _, err := liquidtx.Decode([]byte{0x02, 0x00}); !errors.Is(err, liquidtx.ErrDecode) {
		t.Fatalf("truncated: got %v", err)
	}
}
