package marketstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
)

// MemoryBackend keeps all rows in memory. Update runs fn against a copy of
// the state and swaps it in only on success.
type MemoryBackend struct {
	mu sync.Mutex
	st *memState
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{st: newMemState()}
}

type memState struct {
	markets     map[MarketID]Market
	marketOrder []MarketID

	orders      map[OrderID]MakerOrder
	orderOrder  []OrderID
	nextOrderID OrderID

	pools     map[PoolID]AmmPool
	poolOrder []PoolID

	snapshots map[PoolID][]PoolSnapshot
	nextSeq   int64

	utxos     map[chain.Outpoint]UTXO
	utxoOrder []chain.Outpoint

	syncedHeight uint32
}

func newMemState() *memState {
	return &memState{
		markets:   make(map[MarketID]Market),
		orders:    make(map[OrderID]MakerOrder),
		pools:     make(map[PoolID]AmmPool),
		snapshots: make(map[PoolID][]PoolSnapshot),
		utxos:     make(map[chain.Outpoint]UTXO),
	}
}

// clone copies the containers. Row values are replaced, never mutated in
// place, so they can be shared between the copies.
func (st *memState) clone() *memState {
	out := &memState{
		markets:      make(map[MarketID]Market, len(st.markets)),
		marketOrder:  append([]MarketID(nil), st.marketOrder...),
		orders:       make(map[OrderID]MakerOrder, len(st.orders)),
		orderOrder:   append([]OrderID(nil), st.orderOrder...),
		nextOrderID:  st.nextOrderID,
		pools:        make(map[PoolID]AmmPool, len(st.pools)),
		poolOrder:    append([]PoolID(nil), st.poolOrder...),
		snapshots:    make(map[PoolID][]PoolSnapshot, len(st.snapshots)),
		nextSeq:      st.nextSeq,
		utxos:        make(map[chain.Outpoint]UTXO, len(st.utxos)),
		utxoOrder:    append([]chain.Outpoint(nil), st.utxoOrder...),
		syncedHeight: st.syncedHeight,
	}
	for k, v := range st.markets {
		out.markets[k] = v
	}
	for k, v := range st.orders {
		out.orders[k] = v
	}
	for k, v := range st.pools {
		out.pools[k] = v
	}
	for k, v := range st.snapshots {
		out.snapshots[k] = append([]PoolSnapshot(nil), v...)
	}
	for k, v := range st.utxos {
		out.utxos[k] = v
	}
	return out
}

func (b *MemoryBackend) Update(ctx context.Context, fn func(Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := b.st.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	b.st = next
	return nil
}

func (b *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{st: b.st, readOnly: true})
}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) GetMarket(_ context.Context, id MarketID) (Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return Market{}, ErrNotFound
	}
	return copyMarket(m), nil
}

func (t *memTx) ListMarkets(_ context.Context, f MarketFilter) ([]Market, error) {
	var out []Market
	for _, id := range t.st.marketOrder {
		m := t.st.markets[id]
		if !f.match(m) {
			continue
		}
		out = append(out, copyMarket(m))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertMarket(_ context.Context, m Market) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.st.markets[m.ID]; ok {
		return ErrConflict
	}
	t.st.markets[m.ID] = copyMarket(m)
	t.st.marketOrder = append(t.st.marketOrder, m.ID)
	return nil
}

func (t *memTx) UpdateMarket(_ context.Context, m Market) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.st.markets[m.ID]; !ok {
		return ErrNotFound
	}
	t.st.markets[m.ID] = copyMarket(m)
	return nil
}

func (t *memTx) GetMakerOrder(_ context.Context, id OrderID) (MakerOrder, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return MakerOrder{}, ErrNotFound
	}
	return copyOrder(o), nil
}

func (t *memTx) FindMakerOrder(_ context.Context, fingerprint [32]byte, makerPubkey *[32]byte) (MakerOrder, error) {
	for _, id := range t.st.orderOrder {
		o := t.st.orders[id]
		if o.Fingerprint == fingerprint && equal32(o.MakerPubkey, makerPubkey) {
			return copyOrder(o), nil
		}
	}
	return MakerOrder{}, ErrNotFound
}

func (t *memTx) ListMakerOrders(_ context.Context, f OrderFilter) ([]MakerOrder, error) {
	var out []MakerOrder
	for _, id := range t.st.orderOrder {
		o := t.st.orders[id]
		if !f.match(o) {
			continue
		}
		out = append(out, copyOrder(o))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertMakerOrder(ctx context.Context, o MakerOrder) (OrderID, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	if _, err := t.FindMakerOrder(ctx, o.Fingerprint, o.MakerPubkey); err == nil {
		return 0, ErrConflict
	}
	t.st.nextOrderID++
	o.ID = t.st.nextOrderID
	t.st.orders[o.ID] = copyOrder(o)
	t.st.orderOrder = append(t.st.orderOrder, o.ID)
	return o.ID, nil
}

func (t *memTx) UpdateMakerOrder(_ context.Context, o MakerOrder) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.st.orders[o.ID]; !ok {
		return ErrNotFound
	}
	t.st.orders[o.ID] = copyOrder(o)
	return nil
}

func (t *memTx) GetAMMPool(_ context.Context, id PoolID) (AmmPool, error) {
	p, ok := t.st.pools[id]
	if !ok {
		return AmmPool{}, ErrNotFound
	}
	return copyPool(p), nil
}

func (t *memTx) ListAMMPools(_ context.Context, f PoolFilter) ([]AmmPool, error) {
	var out []AmmPool
	for _, id := range t.st.poolOrder {
		p := t.st.pools[id]
		if !f.match(p) {
			continue
		}
		out = append(out, copyPool(p))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertAMMPool(_ context.Context, p AmmPool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.st.pools[p.ID]; ok {
		return ErrConflict
	}
	t.st.pools[p.ID] = copyPool(p)
	t.st.poolOrder = append(t.st.poolOrder, p.ID)
	return nil
}

func (t *memTx) UpdateAMMPool(_ context.Context, p AmmPool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.st.pools[p.ID]; !ok {
		return ErrNotFound
	}
	t.st.pools[p.ID] = copyPool(p)
	return nil
}

func (t *memTx) InsertPoolSnapshot(_ context.Context, s PoolSnapshot) (bool, error) {
	if t.readOnly {
		return false, ErrReadOnly
	}
	for _, existing := range t.st.snapshots[s.PoolID] {
		if existing.Txid == s.Txid {
			return false, nil
		}
	}
	t.st.nextSeq++
	s.Seq = t.st.nextSeq
	t.st.snapshots[s.PoolID] = append(t.st.snapshots[s.PoolID], s)
	return true, nil
}

func (t *memTx) LatestPoolSnapshot(_ context.Context, id PoolID) (PoolSnapshot, error) {
	snaps := t.st.snapshots[id]
	if len(snaps) == 0 {
		return PoolSnapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

func (t *memTx) PoolSnapshots(_ context.Context, id PoolID, limit int) ([]PoolSnapshot, error) {
	snaps := t.st.snapshots[id]
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return append([]PoolSnapshot(nil), snaps...), nil
}

func (t *memTx) InsertUTXO(_ context.Context, u UTXO) (bool, error) {
	if t.readOnly {
		return false, ErrReadOnly
	}
	if (u.Market == nil) == (u.Order == nil) {
		return false, fmt.Errorf("%w: utxo must belong to one market or order", ErrDataIntegrity)
	}
	if u.Market != nil && !u.MarketState.Valid() {
		return false, fmt.Errorf("%w: market state %d", ErrDataIntegrity, u.MarketState)
	}
	if _, ok := t.st.utxos[u.Outpoint]; ok {
		return false, nil
	}
	t.st.utxos[u.Outpoint] = copyUTXO(u)
	t.st.utxoOrder = append(t.st.utxoOrder, u.Outpoint)
	return true, nil
}

func (t *memTx) ListUTXOs(_ context.Context, f UTXOFilter) ([]UTXO, error) {
	var out []UTXO
	for _, op := range t.st.utxoOrder {
		u := t.st.utxos[op]
		if f.match(u) {
			out = append(out, copyUTXO(u))
		}
	}
	return out, nil
}

func (t *memTx) MarkSpent(_ context.Context, op chain.Outpoint, spendingTxid chainhash.Hash, height uint32) error {
	if t.readOnly {
		return ErrReadOnly
	}
	u, ok := t.st.utxos[op]
	if !ok {
		return ErrNotFound
	}
	u.Spent = true
	u.SpendingTxid = &spendingTxid
	u.SpentHeight = &height
	t.st.utxos[op] = u
	return nil
}

func (t *memTx) SyncedHeight(context.Context) (uint32, error) {
	return t.st.syncedHeight, nil
}

func (t *memTx) SetSyncedHeight(_ context.Context, height uint32) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.st.syncedHeight = height
	return nil
}

func equal32(a, b *[32]byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func clone32(v *[32]byte) *[32]byte {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyMetadata(m Metadata) Metadata {
	m.CreatorPubkey = cloneBytes(m.CreatorPubkey)
	return m
}

func copyMarket(m Market) Market {
	for i := range m.Scripts {
		m.Scripts[i] = cloneBytes(m.Scripts[i])
	}
	m.Issuance = Issuance{
		YesEntropy:       clone32(m.Issuance.YesEntropy),
		YesBlindingNonce: clone32(m.Issuance.YesBlindingNonce),
		NoEntropy:        clone32(m.Issuance.NoEntropy),
		NoBlindingNonce:  clone32(m.Issuance.NoBlindingNonce),
	}
	m.Metadata = copyMetadata(m.Metadata)
	return m
}

func copyOrder(o MakerOrder) MakerOrder {
	o.MakerPubkey = clone32(o.MakerPubkey)
	o.Nonce = clone32(o.Nonce)
	o.CovenantScript = cloneBytes(o.CovenantScript)
	o.MakerReceiveScript = cloneBytes(o.MakerReceiveScript)
	if o.MarketID != nil {
		id := *o.MarketID
		o.MarketID = &id
	}
	o.Metadata = copyMetadata(o.Metadata)
	return o
}

func copyPool(p AmmPool) AmmPool {
	p.CovenantScript = cloneBytes(p.CovenantScript)
	if p.MarketID != nil {
		id := *p.MarketID
		p.MarketID = &id
	}
	if p.CreationTxid != nil {
		txid := *p.CreationTxid
		p.CreationTxid = &txid
	}
	p.Metadata = copyMetadata(p.Metadata)
	return p
}

func copyUTXO(u UTXO) UTXO {
	u.ScriptPubKey = cloneBytes(u.ScriptPubKey)
	u.RawOutput = cloneBytes(u.RawOutput)
	if u.Market != nil {
		id := *u.Market
		u.Market = &id
	}
	if u.Order != nil {
		id := *u.Order
		u.Order = &id
	}
	if u.BlockHeight != nil {
		h := *u.BlockHeight
		u.BlockHeight = &h
	}
	if u.SpendingTxid != nil {
		txid := *u.SpendingTxid
		u.SpendingTxid = &txid
	}
	if u.SpentHeight != nil {
		h := *u.SpentHeight
		u.SpentHeight = &h
	}
	return u
}
