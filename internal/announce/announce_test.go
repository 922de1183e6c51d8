package announce_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/liquid-covenants/marketd/internal/announce"
	"github.com/liquid-covenants/marketd/internal/liquidtx/liquidtxtest"
	"github.com/liquid-covenants/marketd/internal/marketstore"
	"github.com/liquid-covenants/marketd/internal/marketstore/marketstoretest"
)

// x coordinate of the secp256k1 generator, a valid BIP-340 key.
const (
	genX     = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	notOnKey = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
)

func asset(b byte) string { return liquidtxtest.Asset(b).String() }

func newHandler(t *testing.T) (*announce.Handler, *marketstore.Store) {
	t.Helper()
	store, err := marketstore.New(marketstore.NewMemoryBackend(), &marketstoretest.Compiler{})
	if err != nil {
		t.Fatalf("marketstore.New: %v", err)
	}
	h, err := announce.NewHandler(store, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, store
}

func marshal(t *testing.T, env announce.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func marketBody() *announce.MarketV1 {
	return &announce.MarketV1{
		OraclePubkey:       genX,
		CollateralAssetID:  asset(0x01),
		YesAssetID:         asset(0x02),
		NoAssetID:          asset(0x03),
		YesReissuanceToken: asset(0x04),
		NoReissuanceToken:  asset(0x05),
		CollateralPerToken: 100_000,
		ExpiryTime:         1_800_000,
		Question:           "Will it rain?",
		CreatorPubkey:      genX,
	}
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	if _, err := announce.NewHandler(nil, nil); !errors.Is(err, announce.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHandle_MarketThenBackfill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newHandler(t)

	res, err := h.Handle(ctx, marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: marketBody()}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Kind != marketstore.AnnouncementMarket || len(res.ID) != 64 {
		t.Fatalf("result: %+v", res)
	}

	markets, err := store.ListMarkets(ctx, marketstore.MarketFilter{})
	if err != nil || len(markets) != 1 {
		t.Fatalf("ListMarkets: %d %v", len(markets), err)
	}
	m := markets[0]
	if m.ID.String() != res.ID || m.Params.CollateralPerToken != 100_000 || m.Params.YesAssetID != liquidtxtest.Asset(0x02) {
		t.Fatalf("market: %+v", m.Params)
	}
	if m.Metadata.Question != "Will it rain?" || len(m.Metadata.CreatorPubkey) != 32 {
		t.Fatalf("metadata: %+v", m.Metadata)
	}
	if m.Metadata.AnnouncementID != "" {
		t.Fatalf("announcement id set without event")
	}

	event := json.RawMessage(`{"kind":30078,"id":"abc"}`)
	if _, err := h.Handle(ctx, marshal(t, announce.Envelope{Version: announce.VersionMarket, EventID: "abc", Event: event, Market: marketBody()})); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	got, err := store.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Metadata.AnnouncementID != "abc" || got.Metadata.AnnouncementJSON != string(event) {
		t.Fatalf("announcement not back-filled: %+v", got.Metadata)
	}
}

func TestHandle_Order(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newHandler(t)
	mid := strings.Repeat("ab", 32)
	body := &announce.OrderV1{
		BaseAssetID:         asset(0x02),
		QuoteAssetID:        asset(0x01),
		Price:               55,
		MinFillLots:         1,
		Direction:           "SELL_QUOTE",
		MakerReceiveSPKHash: strings.Repeat("11", 32),
		MakerPubkey:         genX,
		Nonce:               strings.Repeat("22", 32),
		MarketID:            mid,
	}
	res, err := h.Handle(ctx, marshal(t, announce.Envelope{Version: announce.VersionOrder, EventID: "ev-order", Order: body}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Kind != marketstore.AnnouncementOrder || res.ID != "1" {
		t.Fatalf("result: %+v", res)
	}

	o, err := store.GetMakerOrder(ctx, 1)
	if err != nil {
		t.Fatalf("GetMakerOrder: %v", err)
	}
	if o.Params.Direction != marketstore.SellQuote || o.Params.Price != 55 {
		t.Fatalf("params: %+v", o.Params)
	}
	if o.MakerPubkey == nil || o.Nonce == nil || len(o.CovenantScript) == 0 {
		t.Fatalf("maker data not stored: %+v", o)
	}
	if o.MarketID == nil || o.MarketID.String() != mid {
		t.Fatalf("market link: %v", o.MarketID)
	}
	if o.Metadata.AnnouncementID != "ev-order" {
		t.Fatalf("announcement id: %q", o.Metadata.AnnouncementID)
	}
}

func TestHandle_Pool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, store := newHandler(t)
	creation := liquidtxtest.Hash(0x42)
	body := &announce.PoolV1{
		YesAssetID:        asset(0x02),
		NoAssetID:         asset(0x03),
		LBTCAssetID:       asset(0x01),
		LPAssetID:         asset(0x06),
		LPReissuanceToken: asset(0x07),
		FeeBps:            30,
		CosignerPubkey:    genX,
		IssuedLP:          1_000,
		CreationTxid:      creation.String(),
	}
	res, err := h.Handle(ctx, marshal(t, announce.Envelope{Version: announce.VersionPool, Pool: body}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	pools, err := store.ListAMMPools(ctx, marketstore.PoolFilter{})
	if err != nil || len(pools) != 1 {
		t.Fatalf("ListAMMPools: %d %v", len(pools), err)
	}
	p := pools[0]
	if p.ID.String() != res.ID || p.IssuedLP != 1_000 || p.Params.FeeBps != 30 {
		t.Fatalf("pool: %+v", p)
	}
	if p.CreationTxid == nil || *p.CreationTxid != creation {
		t.Fatalf("creation txid: %v", p.CreationTxid)
	}
}

func TestHandle_Rejects(t *testing.T) {
	t.Parallel()

	badOracle := marketBody()
	badOracle.OraclePubkey = notOnKey
	shortOracle := marketBody()
	shortOracle.OraclePubkey = "abcd"
	sameSides := marketBody()
	sameSides.NoAssetID = sameSides.YesAssetID
	zeroCollateral := marketBody()
	zeroCollateral.CollateralPerToken = 0

	order := func(mut func(*announce.OrderV1)) *announce.OrderV1 {
		o := &announce.OrderV1{
			BaseAssetID:         asset(0x02),
			QuoteAssetID:        asset(0x01),
			Price:               1,
			Direction:           "sell_base",
			MakerReceiveSPKHash: strings.Repeat("11", 32),
		}
		mut(o)
		return o
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "not json", payload: []byte("{")},
		{name: "unknown version", payload: []byte(`{"version":"market.announce.v9","market":{}}`)},
		{name: "missing body", payload: []byte(`{"version":"order.announce.v1"}`)},
		{name: "oracle off curve", payload: marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: badOracle})},
		{name: "short oracle", payload: marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: shortOracle})},
		{name: "yes equals no", payload: marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: sameSides})},
		{name: "zero collateral", payload: marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: zeroCollateral})},
		{name: "bad direction", payload: marshal(t, announce.Envelope{Version: announce.VersionOrder, Order: order(func(o *announce.OrderV1) { o.Direction = "buy" })})},
		{name: "zero price", payload: marshal(t, announce.Envelope{Version: announce.VersionOrder, Order: order(func(o *announce.OrderV1) { o.Price = 0 })})},
		{name: "bad maker", payload: marshal(t, announce.Envelope{Version: announce.VersionOrder, Order: order(func(o *announce.OrderV1) { o.MakerPubkey = notOnKey })})},
		{name: "bad asset", payload: marshal(t, announce.Envelope{Version: announce.VersionOrder, Order: order(func(o *announce.OrderV1) { o.BaseAssetID = "zz" })})},
		{name: "fee too high", payload: marshal(t, announce.Envelope{Version: announce.VersionPool, Pool: &announce.PoolV1{
			YesAssetID: asset(2), NoAssetID: asset(3), LBTCAssetID: asset(1), LPAssetID: asset(6), LPReissuanceToken: asset(7), FeeBps: 10_000,
		}})},
		{name: "bad creation txid", payload: marshal(t, announce.Envelope{Version: announce.VersionPool, Pool: &announce.PoolV1{
			YesAssetID: asset(2), NoAssetID: asset(3), LBTCAssetID: asset(1), LPAssetID: asset(6), LPReissuanceToken: asset(7), CreationTxid: "1234",
		}})},
	}
	for _, tc := range tests {
		h, store := newHandler(t)
		if _, err := h.Handle(context.Background(), tc.payload); !errors.Is(err, announce.ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", tc.name, err)
		}
		markets, _ := store.ListMarkets(context.Background(), marketstore.MarketFilter{})
		orders, _ := store.ListMakerOrders(context.Background(), marketstore.OrderFilter{})
		pools, _ := store.ListAMMPools(context.Background(), marketstore.PoolFilter{})
		if len(markets)+len(orders)+len(pools) != 0 {
			t.Fatalf("%s: rejected envelope stored an entity", tc.name)
		}
	}
}

func TestHandle_StoreErrorPassesThrough(t *testing.T) {
	t.Parallel()

	store, err := marketstore.New(marketstore.NewMemoryBackend(), &marketstoretest.Compiler{Err: errors.New("compiler down")})
	if err != nil {
		t.Fatalf("marketstore.New: %v", err)
	}
	h, err := announce.NewHandler(store, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	_, err = h.Handle(context.Background(), marshal(t, announce.Envelope{Version: announce.VersionMarket, Market: marketBody()}))
	if err == nil || errors.Is(err, announce.ErrInvalidEnvelope) || !strings.Contains(err.Error(), "compiler down") {
		t.Fatalf("expected store error, got %v", err)
	}
}
