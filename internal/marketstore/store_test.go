package marketstore_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/amm"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	"github.com/liquid-covenants/marketd/internal/marketstore/marketstoretest"
)

func newStore(t *testing.T) (*marketstore.Store, *marketstoretest.Compiler) {
	t.Helper()
	c := &marketstoretest.Compiler{}
	s, err := marketstore.New(marketstore.NewMemoryBackend(), c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, c
}

func fill(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func asset(b byte) chain.AssetID { return chain.AssetID(fill(b)) }

func marketParams(expiry uint32) marketstore.MarketParams {
	return marketstore.MarketParams{
		OraclePubkey:       fill(0x0a),
		CollateralAssetID:  asset(0x01),
		YesAssetID:         asset(0x02),
		NoAssetID:          asset(0x03),
		YesReissuanceToken: asset(0x04),
		NoReissuanceToken:  asset(0x05),
		CollateralPerToken: 100_000,
		ExpiryTime:         expiry,
	}
}

func orderParams(price uint64, dir marketstore.OrderDirection) marketstore.OrderParams {
	return marketstore.OrderParams{
		BaseAssetID:         asset(0x02),
		QuoteAssetID:        asset(0x01),
		Price:               price,
		MinFillLots:         1,
		MinRemainderLots:    1,
		Direction:           dir,
		MakerReceiveSPKHash: fill(0x0b),
		CosignerPubkey:      fill(0x0c),
	}
}

func poolParams(fee uint64) marketstore.PoolParams {
	return marketstore.PoolParams{
		YesAssetID:        asset(0x02),
		NoAssetID:         asset(0x03),
		LBTCAssetID:       asset(0x01),
		LPAssetID:         asset(0x06),
		LPReissuanceToken: asset(0x07),
		FeeBps:            fee,
		CosignerPubkey:    fill(0x0c),
	}
}

func utxo(txidByte byte, vout uint32) marketstore.UTXO {
	return marketstore.UTXO{
		Outpoint:     chain.Outpoint{Txid: chainhash.Hash(fill(txidByte)), Vout: vout},
		AssetID:      asset(0x01),
		Value:        1_000,
		ScriptPubKey: []byte{0x51},
		RawOutput:    []byte{0x01, 0x02},
	}
}

func TestMarketParamsIDIsStable(t *testing.T) {
	t.Parallel()

	a := marketParams(1_700_000_000)
	b := marketParams(1_700_000_000)
	if a.ID() != b.ID() {
		t.Fatalf("equal params hash differently")
	}
	b.ExpiryTime++
	if a.ID() == b.ID() {
		t.Fatalf("expiry not part of id")
	}
	p := poolParams(30)
	q := poolParams(31)
	if p.ID() == q.ID() {
		t.Fatalf("fee not part of pool id")
	}
}

func TestIngestMarket_IdempotentAndBackfillsAnnouncement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, c := newStore(t)
	params := marketParams(1_700_000_000)

	id, err := s.IngestMarket(ctx, params, marketstore.Metadata{Question: "Will it rain?"})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}
	if id != params.ID() {
		t.Fatalf("id: got %s want %s", id, params.ID())
	}

	again, err := s.IngestMarket(ctx, params, marketstore.Metadata{AnnouncementID: "ev1", AnnouncementJSON: `{"id":"ev1"}`})
	if err != nil {
		t.Fatalf("IngestMarket again: %v", err)
	}
	if again != id {
		t.Fatalf("re-ingest id: got %s want %s", again, id)
	}
	if got := c.MarketCalls(); got != 1 {
		t.Fatalf("compile calls: got %d want 1", got)
	}

	if _, err := s.IngestMarket(ctx, params, marketstore.Metadata{AnnouncementID: "ev2"}); err != nil {
		t.Fatalf("IngestMarket third: %v", err)
	}

	m, err := s.GetMarket(ctx, id)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.State != marketstore.MarketDormant {
		t.Fatalf("state: got %v want dormant", m.State)
	}
	if m.Metadata.Question != "Will it rain?" {
		t.Fatalf("question: got %q", m.Metadata.Question)
	}
	if m.Metadata.AnnouncementID != "ev1" || m.Metadata.AnnouncementJSON != `{"id":"ev1"}` {
		t.Fatalf("announcement: got %+v", m.Metadata)
	}
	for _, st := range marketstore.MarketStates {
		if !bytes.Equal(m.Scripts[st], marketstoretest.MarketScript(params, st)) {
			t.Fatalf("script for %v mismatch", st)
		}
	}
	if m.Fingerprint != marketstoretest.MarketFingerprint(params) {
		t.Fatalf("fingerprint mismatch")
	}
}

func TestIngestMarket_CompileFailureStoresNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &marketstoretest.Compiler{Err: errors.New("compiler offline")}
	s, err := marketstore.New(marketstore.NewMemoryBackend(), c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params := marketParams(1)
	if _, err := s.IngestMarket(ctx, params, marketstore.Metadata{}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := s.GetMarket(ctx, params.ID()); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestMakerOrder_NeverErasesNonce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	params := orderParams(5_000, marketstore.SellBase)
	maker := fill(0x21)
	nonce := fill(0x31)

	id, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params, MakerPubkey: &maker, Nonce: &nonce})
	if err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}
	again, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params, MakerPubkey: &maker})
	if err != nil {
		t.Fatalf("IngestMakerOrder again: %v", err)
	}
	if again != id {
		t.Fatalf("re-ingest id: got %d want %d", again, id)
	}

	o, err := s.GetMakerOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetMakerOrder: %v", err)
	}
	if o.Nonce == nil || *o.Nonce != nonce {
		t.Fatalf("nonce erased: got %v", o.Nonce)
	}
	if !bytes.Equal(o.CovenantScript, marketstoretest.OrderScript(params, maker, nonce)) {
		t.Fatalf("covenant script lost")
	}
	if o.Status != marketstore.OrderPending {
		t.Fatalf("status: got %v want pending", o.Status)
	}
}

func TestIngestMakerOrder_BackfillsNonceAndIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	params := orderParams(5_000, marketstore.SellBase)
	maker := fill(0x21)
	other := fill(0x22)
	nonce := fill(0x31)

	id, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params, MakerPubkey: &maker})
	if err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}
	o, err := s.GetMakerOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetMakerOrder: %v", err)
	}
	if o.Nonce != nil || o.CovenantScript != nil {
		t.Fatalf("unexpected script without nonce: %+v", o)
	}

	if _, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params, MakerPubkey: &maker, Nonce: &nonce, Metadata: marketstore.Metadata{AnnouncementID: "ev"}}); err != nil {
		t.Fatalf("IngestMakerOrder with nonce: %v", err)
	}
	o, err = s.GetMakerOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetMakerOrder: %v", err)
	}
	if o.Nonce == nil || *o.Nonce != nonce || len(o.CovenantScript) == 0 || len(o.MakerReceiveScript) == 0 {
		t.Fatalf("nonce not back-filled: %+v", o)
	}
	if o.Metadata.AnnouncementID != "ev" {
		t.Fatalf("announcement not back-filled")
	}

	otherID, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params, MakerPubkey: &other})
	if err != nil {
		t.Fatalf("IngestMakerOrder other maker: %v", err)
	}
	anonID, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params})
	if err != nil {
		t.Fatalf("IngestMakerOrder no maker: %v", err)
	}
	anonAgain, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: params})
	if err != nil {
		t.Fatalf("IngestMakerOrder no maker again: %v", err)
	}
	if otherID == id || anonID == id || anonID == otherID || anonAgain != anonID {
		t.Fatalf("identity: ids %d %d %d %d", id, otherID, anonID, anonAgain)
	}
}

func TestIngestMakerOrder_RejectsUnknownDirection(t *testing.T) {
	t.Parallel()

	s, c := newStore(t)
	_, err := s.IngestMakerOrder(context.Background(), marketstore.OrderIngest{Params: orderParams(1, marketstore.OrderDirection(7))})
	if !errors.Is(err, marketstore.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if c.OrderCalls() != 0 {
		t.Fatalf("compiled an invalid order")
	}
}

func TestIngestAMMPool_RepeatUpdatesLPAndBackfills(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	params := poolParams(30)
	mid := marketParams(1).ID()
	other := marketParams(2).ID()
	creation := chainhash.Hash(fill(0x44))

	id, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: params, IssuedLP: 1_000})
	if err != nil {
		t.Fatalf("IngestAMMPool: %v", err)
	}
	if id != params.ID() {
		t.Fatalf("pool id mismatch")
	}
	if _, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: params, IssuedLP: 1_500, MarketID: &mid, CreationTxid: &creation}); err != nil {
		t.Fatalf("IngestAMMPool again: %v", err)
	}
	if _, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: params, IssuedLP: 1_400, MarketID: &other}); err != nil {
		t.Fatalf("IngestAMMPool third: %v", err)
	}

	p, err := s.GetAMMPool(ctx, id)
	if err != nil {
		t.Fatalf("GetAMMPool: %v", err)
	}
	if p.Status != marketstore.PoolActive {
		t.Fatalf("status: got %v", p.Status)
	}
	if p.IssuedLP != 1_400 {
		t.Fatalf("issued LP: got %d want 1400", p.IssuedLP)
	}
	if !bytes.Equal(p.CovenantScript, marketstoretest.PoolScript(params, 1_400)) {
		t.Fatalf("script not recompiled")
	}
	if p.MarketID == nil || *p.MarketID != mid {
		t.Fatalf("market link overwritten: %v", p.MarketID)
	}
	if p.CreationTxid == nil || *p.CreationTxid != creation {
		t.Fatalf("creation txid: %v", p.CreationTxid)
	}
}

func TestUTXOOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	mid, err := s.IngestMarket(ctx, marketParams(1), marketstore.Metadata{})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}

	u := utxo(0x91, 0)
	ok, err := s.AddMarketUTXO(ctx, mid, marketstore.MarketUnresolved, u)
	if err != nil || !ok {
		t.Fatalf("AddMarketUTXO: %v %v", ok, err)
	}
	ok, err = s.AddMarketUTXO(ctx, mid, marketstore.MarketUnresolved, u)
	if err != nil || ok {
		t.Fatalf("AddMarketUTXO repeat: %v %v", ok, err)
	}
	if _, err := s.AddMarketUTXO(ctx, mid, marketstore.MarketDormant, utxo(0x92, 1)); err != nil {
		t.Fatalf("AddMarketUTXO dormant: %v", err)
	}
	if _, err := s.AddMarketUTXO(ctx, marketParams(9).ID(), marketstore.MarketDormant, utxo(0x93, 0)); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("unknown market: got %v", err)
	}

	state := marketstore.MarketUnresolved
	got, err := s.MarketUTXOs(ctx, mid, &state, false)
	if err != nil {
		t.Fatalf("MarketUTXOs: %v", err)
	}
	if len(got) != 1 || got[0].Outpoint != u.Outpoint {
		t.Fatalf("MarketUTXOs: got %+v", got)
	}

	first := chainhash.Hash(fill(0xa1))
	second := chainhash.Hash(fill(0xa2))
	if err := s.MarkSpent(ctx, u.Outpoint, first, 100); err != nil {
		t.Fatalf("MarkSpent: %v", err)
	}
	if err := s.MarkSpent(ctx, u.Outpoint, second, 101); err != nil {
		t.Fatalf("MarkSpent again: %v", err)
	}
	all, err := s.MarketUTXOs(ctx, mid, nil, false)
	if err != nil {
		t.Fatalf("MarketUTXOs: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("MarketUTXOs all: got %d", len(all))
	}
	spent := all[0]
	if !spent.Spent || spent.SpendingTxid == nil || *spent.SpendingTxid != second || spent.SpentHeight == nil || *spent.SpentHeight != 101 {
		t.Fatalf("last write did not win: %+v", spent)
	}
	unspent, err := s.MarketUTXOs(ctx, mid, nil, true)
	if err != nil {
		t.Fatalf("MarketUTXOs unspent: %v", err)
	}
	if len(unspent) != 1 || unspent[0].Outpoint.Txid != chainhash.Hash(fill(0x92)) {
		t.Fatalf("unspent: got %+v", unspent)
	}

	if err := s.MarkSpent(ctx, chain.Outpoint{Vout: 9}, first, 1); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("MarkSpent unknown: got %v", err)
	}
}

func TestOrderUTXOs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	id, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: orderParams(1, marketstore.SellQuote)})
	if err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}
	if _, err := s.AddOrderUTXO(ctx, id, utxo(0x71, 2)); err != nil {
		t.Fatalf("AddOrderUTXO: %v", err)
	}
	if _, err := s.AddOrderUTXO(ctx, id+100, utxo(0x72, 2)); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("unknown order: got %v", err)
	}
	got, err := s.OrderUTXOs(ctx, id, false)
	if err != nil {
		t.Fatalf("OrderUTXOs: %v", err)
	}
	if len(got) != 1 || got[0].Order == nil || *got[0].Order != id || got[0].Market != nil {
		t.Fatalf("OrderUTXOs: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	for _, expiry := range []uint32{100, 200, 300} {
		if _, err := s.IngestMarket(ctx, marketParams(expiry), marketstore.Metadata{}); err != nil {
			t.Fatalf("IngestMarket: %v", err)
		}
	}
	after := uint32(150)
	markets, err := s.ListMarkets(ctx, marketstore.MarketFilter{ExpiresAfter: &after})
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("ExpiresAfter: got %d want 2", len(markets))
	}
	markets, err = s.ListMarkets(ctx, marketstore.MarketFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListMarkets limit: %v", err)
	}
	if len(markets) != 1 || markets[0].Params.ExpiryTime != 100 {
		t.Fatalf("Limit: got %+v", markets)
	}
	resolved := marketstore.MarketResolvedYes
	markets, err = s.ListMarkets(ctx, marketstore.MarketFilter{State: &resolved})
	if err != nil {
		t.Fatalf("ListMarkets state: %v", err)
	}
	if len(markets) != 0 {
		t.Fatalf("State filter: got %d", len(markets))
	}

	for _, price := range []uint64{10, 20, 30} {
		if _, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: orderParams(price, marketstore.SellBase)}); err != nil {
			t.Fatalf("IngestMakerOrder: %v", err)
		}
	}
	if _, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: orderParams(20, marketstore.SellQuote)}); err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}

	tests := []struct {
		name string
		f    marketstore.OrderFilter
		want int
	}{
		{name: "all", f: marketstore.OrderFilter{}, want: 4},
		{name: "min price", f: marketstore.OrderFilter{MinPrice: ptr(uint64(20))}, want: 3},
		{name: "price range", f: marketstore.OrderFilter{MinPrice: ptr(uint64(15)), MaxPrice: ptr(uint64(25))}, want: 2},
		{name: "direction", f: marketstore.OrderFilter{Direction: ptr(marketstore.SellQuote)}, want: 1},
		{name: "has script", f: marketstore.OrderFilter{HasScript: true}, want: 0},
		{name: "limit", f: marketstore.OrderFilter{Limit: 3}, want: 3},
	}
	for _, tc := range tests {
		got, err := s.ListMakerOrders(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, len(got), tc.want)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func TestPoolForMarket_PrefersActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	mid := marketParams(1).ID()

	if _, err := s.PoolForMarket(ctx, mid); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok, err := s.PoolIDForMarket(ctx, mid); err != nil || ok {
		t.Fatalf("PoolIDForMarket: %v %v", ok, err)
	}

	closedID, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: poolParams(30), IssuedLP: 10, MarketID: &mid})
	if err != nil {
		t.Fatalf("IngestAMMPool: %v", err)
	}
	if err := s.SetPoolStatus(ctx, closedID, marketstore.PoolClosed); err != nil {
		t.Fatalf("SetPoolStatus: %v", err)
	}
	p, err := s.PoolForMarket(ctx, mid)
	if err != nil || p.ID != closedID {
		t.Fatalf("only pool: got %v %v", p.ID, err)
	}

	activeID, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: poolParams(50), IssuedLP: 10, MarketID: &mid})
	if err != nil {
		t.Fatalf("IngestAMMPool: %v", err)
	}
	p, err = s.PoolForMarket(ctx, mid)
	if err != nil {
		t.Fatalf("PoolForMarket: %v", err)
	}
	if p.ID != activeID {
		t.Fatalf("preferred %s want active %s", p.ID, activeID)
	}
	got, ok, err := s.PoolIDForMarket(ctx, mid)
	if err != nil || !ok || got != activeID {
		t.Fatalf("PoolIDForMarket: %v %v %v", got, ok, err)
	}

	if err := s.SetPoolStatus(ctx, activeID, marketstore.PoolStatus(9)); !errors.Is(err, marketstore.ErrInvalidParams) {
		t.Fatalf("invalid status: got %v", err)
	}
}

func TestPoolSnapshots_InsertOrIgnoreAndLatest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	id, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: poolParams(30), IssuedLP: 1_000})
	if err != nil {
		t.Fatalf("IngestAMMPool: %v", err)
	}

	if _, ok, err := s.LatestPoolSnapshotResume(ctx, id); err != nil || ok {
		t.Fatalf("resume on empty: %v %v", ok, err)
	}

	snap := func(b byte, yes, lp uint64, height uint32) marketstore.PoolSnapshot {
		return marketstore.PoolSnapshot{
			PoolID:      id,
			Txid:        chainhash.Hash(fill(b)),
			Reserves:    amm.Reserves{Yes: yes, No: yes, LBTC: yes},
			IssuedLP:    lp,
			BlockHeight: height,
		}
	}
	for _, tc := range []struct {
		snap marketstore.PoolSnapshot
		want bool
	}{
		{snap(0x01, 100, 1_000, 10), true},
		{snap(0x02, 110, 1_100, 11), true},
		{snap(0x01, 999, 9_999, 99), false},
		{snap(0x03, 105, 1_100, 12), true},
	} {
		ok, err := s.InsertPoolSnapshot(ctx, tc.snap)
		if err != nil {
			t.Fatalf("InsertPoolSnapshot: %v", err)
		}
		if ok != tc.want {
			t.Fatalf("InsertPoolSnapshot %s: got %v want %v", tc.snap.Txid, ok, tc.want)
		}
	}

	latest, err := s.LatestPoolSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LatestPoolSnapshot: %v", err)
	}
	if latest.Txid != chainhash.Hash(fill(0x03)) || latest.Reserves.Yes != 105 {
		t.Fatalf("latest: %+v", latest)
	}
	all, err := s.PoolSnapshots(ctx, id, 0)
	if err != nil {
		t.Fatalf("PoolSnapshots: %v", err)
	}
	if len(all) != 3 || all[0].Reserves.Yes != 100 {
		t.Fatalf("snapshots: %+v", all)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("sequence not increasing: %d then %d", all[i-1].Seq, all[i].Seq)
		}
	}

	resume, ok, err := s.LatestPoolSnapshotResume(ctx, id)
	if err != nil || !ok {
		t.Fatalf("LatestPoolSnapshotResume: %v %v", ok, err)
	}
	if resume.Txid != latest.Txid || resume.IssuedLP != 1_100 {
		t.Fatalf("resume: %+v", resume)
	}

	if _, err := s.InsertPoolSnapshot(ctx, marketstore.PoolSnapshot{PoolID: poolParams(99).ID()}); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("snapshot for unknown pool: got %v", err)
	}
}

func TestInsertUTXO_RequiresOneOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	mid, err := s.IngestMarket(ctx, marketParams(1), marketstore.Metadata{})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}
	oid := marketstore.OrderID(7)

	neither := utxo(0x56, 0)
	both := utxo(0x57, 0)
	both.Market, both.Order = &mid, &oid
	badState := utxo(0x58, 0)
	badState.Market, badState.MarketState = &mid, marketstore.MarketState(9)

	tests := []struct {
		name string
		u    marketstore.UTXO
	}{
		{name: "neither", u: neither},
		{name: "both", u: both},
		{name: "invalid market state", u: badState},
	}
	for _, tc := range tests {
		err := s.Update(ctx, func(tx marketstore.Tx) error {
			_, err := tx.InsertUTXO(ctx, tc.u)
			return err
		})
		if !errors.Is(err, marketstore.ErrDataIntegrity) {
			t.Fatalf("%s: expected ErrDataIntegrity, got %v", tc.name, err)
		}
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	mid, err := s.IngestMarket(ctx, marketParams(1), marketstore.Metadata{})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}

	boom := errors.New("boom")
	err = s.Update(ctx, func(tx marketstore.Tx) error {
		m, err := tx.GetMarket(ctx, mid)
		if err != nil {
			return err
		}
		m.State = marketstore.MarketUnresolved
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		u := utxo(0x55, 0)
		u.Market = &mid
		if _, err := tx.InsertUTXO(ctx, u); err != nil {
			return err
		}
		if err := tx.SetSyncedHeight(ctx, 500); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update: got %v", err)
	}

	m, err := s.GetMarket(ctx, mid)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.State != marketstore.MarketDormant {
		t.Fatalf("state leaked from failed update: %v", m.State)
	}
	h, err := s.SyncedHeight(ctx)
	if err != nil || h != 0 {
		t.Fatalf("synced height leaked: %d %v", h, err)
	}
	err = s.View(ctx, func(tx marketstore.Tx) error {
		got, err := tx.ListUTXOs(ctx, marketstore.UTXOFilter{})
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Errorf("utxo leaked from failed update")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestView_RejectsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	err := s.View(ctx, func(tx marketstore.Tx) error {
		return tx.SetSyncedHeight(ctx, 1)
	})
	if !errors.Is(err, marketstore.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestCancelMakerOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	id, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: orderParams(1, marketstore.SellBase)})
	if err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}
	if err := s.CancelMakerOrder(ctx, id); err != nil {
		t.Fatalf("CancelMakerOrder: %v", err)
	}
	if err := s.CancelMakerOrder(ctx, id); err != nil {
		t.Fatalf("CancelMakerOrder again: %v", err)
	}
	o, err := s.GetMakerOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetMakerOrder: %v", err)
	}
	if o.Status != marketstore.OrderCancelled {
		t.Fatalf("status: got %v", o.Status)
	}
	if err := s.CancelMakerOrder(ctx, id+1); !errors.Is(err, marketstore.ErrNotFound) {
		t.Fatalf("unknown order: got %v", err)
	}
}

func TestDiscoveryHooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	params := marketParams(1)
	mid, err := s.IngestMarket(ctx, params, marketstore.Metadata{AnnouncementID: "m1", AnnouncementJSON: "{}"})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}
	if _, err := s.IngestMakerOrder(ctx, marketstore.OrderIngest{Params: orderParams(1, marketstore.SellBase)}); err != nil {
		t.Fatalf("IngestMakerOrder: %v", err)
	}
	pid, err := s.IngestAMMPool(ctx, marketstore.PoolIngest{Params: poolParams(30), IssuedLP: 7, MarketID: &mid, Metadata: marketstore.Metadata{AnnouncementID: "p1"}})
	if err != nil {
		t.Fatalf("IngestAMMPool: %v", err)
	}

	scripts, err := s.AllMarketScripts(ctx)
	if err != nil {
		t.Fatalf("AllMarketScripts: %v", err)
	}
	if len(scripts) != 1 || scripts[0].ID != mid || !bytes.Equal(scripts[0].Scripts[marketstore.MarketResolvedNo], marketstoretest.MarketScript(params, marketstore.MarketResolvedNo)) {
		t.Fatalf("AllMarketScripts: %+v", scripts)
	}

	watch, err := s.AllPoolWatchInfo(ctx)
	if err != nil {
		t.Fatalf("AllPoolWatchInfo: %v", err)
	}
	if len(watch) != 1 || watch[0].ID != pid || watch[0].IssuedLP != 7 {
		t.Fatalf("AllPoolWatchInfo: %+v", watch)
	}

	info, err := s.PoolInfo(ctx, pid)
	if err != nil {
		t.Fatalf("PoolInfo: %v", err)
	}
	if info.MarketID == nil || *info.MarketID != mid || info.Params.FeeBps != 30 {
		t.Fatalf("PoolInfo: %+v", info)
	}

	anns, err := s.AllAnnouncements(ctx)
	if err != nil {
		t.Fatalf("AllAnnouncements: %v", err)
	}
	if len(anns) != 2 {
		t.Fatalf("AllAnnouncements: got %d want 2", len(anns))
	}
	if anns[0].Kind != marketstore.AnnouncementMarket || anns[0].EventID != "m1" {
		t.Fatalf("first announcement: %+v", anns[0])
	}
	if anns[1].Kind != marketstore.AnnouncementPool || anns[1].EventID != "p1" {
		t.Fatalf("second announcement: %+v", anns[1])
	}
}

func TestReturnedRowsAreCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)
	mid, err := s.IngestMarket(ctx, marketParams(1), marketstore.Metadata{})
	if err != nil {
		t.Fatalf("IngestMarket: %v", err)
	}
	m, err := s.GetMarket(ctx, mid)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	m.Scripts[0][0] = 0xff

	reload, err := s.GetMarket(ctx, mid)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if reload.Scripts[0][0] == 0xff {
		t.Fatalf("stored script mutated through returned row")
	}
}
