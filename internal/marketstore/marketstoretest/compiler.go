// Package marketstoretest provides a deterministic covenant compiler for
// tests.
package marketstoretest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/marketstore"
)

// Compiler derives scripts by hashing the parameters. Scripts are 34-byte
// witness v0 programs so they look like real covenant outputs.
type Compiler struct {
	mu          sync.Mutex
	marketCalls int
	orderCalls  int
	poolCalls   int

	// Err, when set, is returned by every call.
	Err error
}

func (c *Compiler) MarketCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marketCalls
}

func (c *Compiler) OrderCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderCalls
}

func (c *Compiler) PoolCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolCalls
}

func (c *Compiler) CompileMarket(_ context.Context, p marketstore.MarketParams) (marketstore.CompiledMarket, error) {
	c.mu.Lock()
	c.marketCalls++
	c.mu.Unlock()
	if c.Err != nil {
		return marketstore.CompiledMarket{}, c.Err
	}
	out := marketstore.CompiledMarket{Fingerprint: MarketFingerprint(p)}
	for _, s := range marketstore.MarketStates {
		out.Scripts[s] = MarketScript(p, s)
	}
	return out, nil
}

func (c *Compiler) CompileOrder(_ context.Context, p marketstore.OrderParams, makerPubkey, nonce *[32]byte) (marketstore.CompiledOrder, error) {
	c.mu.Lock()
	c.orderCalls++
	c.mu.Unlock()
	if c.Err != nil {
		return marketstore.CompiledOrder{}, c.Err
	}
	out := marketstore.CompiledOrder{Fingerprint: OrderFingerprint(p)}
	if makerPubkey != nil && nonce != nil {
		out.CovenantScript = OrderScript(p, *makerPubkey, *nonce)
		out.MakerReceiveScript = program(append([]byte("receive"), makerPubkey[:]...))
	}
	return out, nil
}

func (c *Compiler) CompilePool(_ context.Context, p marketstore.PoolParams, issuedLP uint64) (marketstore.CompiledPool, error) {
	c.mu.Lock()
	c.poolCalls++
	c.mu.Unlock()
	if c.Err != nil {
		return marketstore.CompiledPool{}, c.Err
	}
	id := p.ID()
	return marketstore.CompiledPool{
		Fingerprint: chainhash.HashH(append([]byte("pool"), id[:]...)),
		Script:      PoolScript(p, issuedLP),
	}, nil
}

func MarketFingerprint(p marketstore.MarketParams) [32]byte {
	id := p.ID()
	return chainhash.HashH(append([]byte("market"), id[:]...))
}

func MarketScript(p marketstore.MarketParams, s marketstore.MarketState) []byte {
	id := p.ID()
	return program(append(id[:], byte(s)))
}

func OrderFingerprint(p marketstore.OrderParams) [32]byte {
	buf := append([]byte("order"), p.BaseAssetID[:]...)
	buf = append(buf, p.QuoteAssetID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.Price)
	buf = binary.BigEndian.AppendUint64(buf, p.MinFillLots)
	buf = binary.BigEndian.AppendUint64(buf, p.MinRemainderLots)
	buf = append(buf, byte(p.Direction))
	buf = append(buf, p.MakerReceiveSPKHash[:]...)
	buf = append(buf, p.CosignerPubkey[:]...)
	return chainhash.HashH(buf)
}

func OrderScript(p marketstore.OrderParams, makerPubkey, nonce [32]byte) []byte {
	fp := OrderFingerprint(p)
	buf := append(fp[:], makerPubkey[:]...)
	return program(append(buf, nonce[:]...))
}

func PoolScript(p marketstore.PoolParams, issuedLP uint64) []byte {
	id := p.ID()
	return program(binary.BigEndian.AppendUint64(id[:], issuedLP))
}

func program(b []byte) []byte {
	h := chainhash.HashB(b)
	return append([]byte{0x00, 0x20}, h...)
}
