// Package announce decodes versioned discovery envelopes for markets, maker
// orders and pools and feeds them to the store's ingest operations.
package announce

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/marketstore"
)

const (
	VersionMarket = "market.announce.v1"
	VersionOrder  = "order.announce.v1"
	VersionPool   = "pool.announce.v1"
)

const maxFeeBps = 10_000

var (
	ErrInvalidConfig   = errors.New("announce: invalid config")
	ErrInvalidEnvelope = errors.New("announce: invalid envelope")
)

type Envelope struct {
	Version string `json:"version"`
	// EventID and Event identify and carry the raw discovery event.
	EventID string          `json:"eventId,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`

	Market *MarketV1 `json:"market,omitempty"`
	Order  *OrderV1  `json:"order,omitempty"`
	Pool   *PoolV1   `json:"pool,omitempty"`
}

// Asset ids are display-order hex; keys and hashes are plain hex.
type MarketV1 struct {
	OraclePubkey       string `json:"oraclePubkey"`
	CollateralAssetID  string `json:"collateralAssetId"`
	YesAssetID         string `json:"yesAssetId"`
	NoAssetID          string `json:"noAssetId"`
	YesReissuanceToken string `json:"yesReissuanceToken"`
	NoReissuanceToken  string `json:"noReissuanceToken"`
	CollateralPerToken uint64 `json:"collateralPerToken"`
	ExpiryTime         uint32 `json:"expiryTime"`

	Question         string `json:"question,omitempty"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	ResolutionSource string `json:"resolutionSource,omitempty"`
	CreatorPubkey    string `json:"creatorPubkey,omitempty"`
}

type OrderV1 struct {
	BaseAssetID         string `json:"baseAssetId"`
	QuoteAssetID        string `json:"quoteAssetId"`
	Price               uint64 `json:"price"`
	MinFillLots         uint64 `json:"minFillLots"`
	MinRemainderLots    uint64 `json:"minRemainderLots"`
	Direction           string `json:"direction"`
	MakerReceiveSPKHash string `json:"makerReceiveSpkHash"`
	CosignerPubkey      string `json:"cosignerPubkey,omitempty"`

	MakerPubkey string `json:"makerPubkey,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	MarketID    string `json:"marketId,omitempty"`
}

type PoolV1 struct {
	YesAssetID        string `json:"yesAssetId"`
	NoAssetID         string `json:"noAssetId"`
	LBTCAssetID       string `json:"lbtcAssetId"`
	LPAssetID         string `json:"lpAssetId"`
	LPReissuanceToken string `json:"lpReissuanceToken"`
	FeeBps            uint64 `json:"feeBps"`
	CosignerPubkey    string `json:"cosignerPubkey,omitempty"`
	IssuedLP          uint64 `json:"issuedLp"`

	MarketID     string `json:"marketId,omitempty"`
	CreationTxid string `json:"creationTxid,omitempty"`
}

// Ingester is the subset of marketstore.Store announcements are applied to.
type Ingester interface {
	IngestMarket(ctx context.Context, params marketstore.MarketParams, meta marketstore.Metadata) (marketstore.MarketID, error)
	IngestMakerOrder(ctx context.Context, in marketstore.OrderIngest) (marketstore.OrderID, error)
	IngestAMMPool(ctx context.Context, in marketstore.PoolIngest) (marketstore.PoolID, error)
}

type Handler struct {
	ingest Ingester
	log    *slog.Logger
}

func NewHandler(ingest Ingester, log *slog.Logger) (*Handler, error) {
	if ingest == nil {
		return nil, fmt.Errorf("%w: nil ingester", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ingest: ingest, log: log}, nil
}

type Result struct {
	Kind marketstore.AnnouncementKind
	// ID is the market or pool id in hex, or the decimal order id.
	ID string
}

// Handle decodes one envelope and ingests the entity it announces. Decoding
// and validation failures wrap ErrInvalidEnvelope; store failures are
// returned as is.
func (h *Handler) Handle(ctx context.Context, payload []byte) (Result, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	meta := marketstore.Metadata{AnnouncementID: strings.TrimSpace(env.EventID)}
	if len(env.Event) > 0 {
		meta.AnnouncementJSON = string(env.Event)
	}

	switch strings.TrimSpace(env.Version) {
	case VersionMarket:
		if env.Market == nil {
			return Result{}, fmt.Errorf("%w: %s without market body", ErrInvalidEnvelope, env.Version)
		}
		params, err := env.Market.params(&meta)
		if err != nil {
			return Result{}, err
		}
		id, err := h.ingest.IngestMarket(ctx, params, meta)
		if err != nil {
			return Result{}, err
		}
		h.log.Info("market announced", "market", id.String(), "event", meta.AnnouncementID)
		return Result{Kind: marketstore.AnnouncementMarket, ID: id.String()}, nil

	case VersionOrder:
		if env.Order == nil {
			return Result{}, fmt.Errorf("%w: %s without order body", ErrInvalidEnvelope, env.Version)
		}
		in, err := env.Order.ingest()
		if err != nil {
			return Result{}, err
		}
		in.Metadata = meta
		id, err := h.ingest.IngestMakerOrder(ctx, in)
		if err != nil {
			return Result{}, err
		}
		h.log.Info("order announced", "order", int64(id), "event", meta.AnnouncementID)
		return Result{Kind: marketstore.AnnouncementOrder, ID: fmt.Sprintf("%d", id)}, nil

	case VersionPool:
		if env.Pool == nil {
			return Result{}, fmt.Errorf("%w: %s without pool body", ErrInvalidEnvelope, env.Version)
		}
		in, err := env.Pool.ingest()
		if err != nil {
			return Result{}, err
		}
		in.Metadata = meta
		id, err := h.ingest.IngestAMMPool(ctx, in)
		if err != nil {
			return Result{}, err
		}
		h.log.Info("pool announced", "pool", id.String(), "issued_lp", in.IssuedLP, "event", meta.AnnouncementID)
		return Result{Kind: marketstore.AnnouncementPool, ID: id.String()}, nil

	default:
		return Result{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, env.Version)
	}
}

func (m *MarketV1) params(meta *marketstore.Metadata) (marketstore.MarketParams, error) {
	var (
		p   marketstore.MarketParams
		err error
	)
	if p.OraclePubkey, err = parseXOnly("oraclePubkey", m.OraclePubkey); err != nil {
		return p, err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *chain.AssetID
	}{
		{"collateralAssetId", m.CollateralAssetID, &p.CollateralAssetID},
		{"yesAssetId", m.YesAssetID, &p.YesAssetID},
		{"noAssetId", m.NoAssetID, &p.NoAssetID},
		{"yesReissuanceToken", m.YesReissuanceToken, &p.YesReissuanceToken},
		{"noReissuanceToken", m.NoReissuanceToken, &p.NoReissuanceToken},
	} {
		if *f.dst, err = parseAsset(f.name, f.raw); err != nil {
			return p, err
		}
	}
	if p.YesAssetID == p.NoAssetID {
		return p, fmt.Errorf("%w: yes and no assets are equal", ErrInvalidEnvelope)
	}
	if m.CollateralPerToken == 0 {
		return p, fmt.Errorf("%w: collateralPerToken must be > 0", ErrInvalidEnvelope)
	}
	p.CollateralPerToken = m.CollateralPerToken
	p.ExpiryTime = m.ExpiryTime

	meta.Question = m.Question
	meta.Description = m.Description
	meta.Category = m.Category
	meta.ResolutionSource = m.ResolutionSource
	if strings.TrimSpace(m.CreatorPubkey) != "" {
		creator, err := parseXOnly("creatorPubkey", m.CreatorPubkey)
		if err != nil {
			return p, err
		}
		meta.CreatorPubkey = creator[:]
	}
	return p, nil
}

func (o *OrderV1) ingest() (marketstore.OrderIngest, error) {
	var (
		in  marketstore.OrderIngest
		err error
	)
	p := &in.Params
	if p.BaseAssetID, err = parseAsset("baseAssetId", o.BaseAssetID); err != nil {
		return in, err
	}
	if p.QuoteAssetID, err = parseAsset("quoteAssetId", o.QuoteAssetID); err != nil {
		return in, err
	}
	if p.BaseAssetID == p.QuoteAssetID {
		return in, fmt.Errorf("%w: base and quote assets are equal", ErrInvalidEnvelope)
	}
	if o.Price == 0 {
		return in, fmt.Errorf("%w: price must be > 0", ErrInvalidEnvelope)
	}
	p.Price = o.Price
	p.MinFillLots = o.MinFillLots
	p.MinRemainderLots = o.MinRemainderLots
	if p.Direction, err = parseDirection(o.Direction); err != nil {
		return in, err
	}
	if p.MakerReceiveSPKHash, err = parse32("makerReceiveSpkHash", o.MakerReceiveSPKHash); err != nil {
		return in, err
	}
	if p.CosignerPubkey, err = parseOptionalXOnly("cosignerPubkey", o.CosignerPubkey); err != nil {
		return in, err
	}

	if strings.TrimSpace(o.MakerPubkey) != "" {
		maker, err := parseXOnly("makerPubkey", o.MakerPubkey)
		if err != nil {
			return in, err
		}
		in.MakerPubkey = &maker
	}
	if strings.TrimSpace(o.Nonce) != "" {
		nonce, err := parse32("nonce", o.Nonce)
		if err != nil {
			return in, err
		}
		in.Nonce = &nonce
	}
	if in.MarketID, err = parseOptionalMarketID(o.MarketID); err != nil {
		return in, err
	}
	return in, nil
}

func (p *PoolV1) ingest() (marketstore.PoolIngest, error) {
	var (
		in  marketstore.PoolIngest
		err error
	)
	for _, f := range []struct {
		name string
		raw  string
		dst  *chain.AssetID
	}{
		{"yesAssetId", p.YesAssetID, &in.Params.YesAssetID},
		{"noAssetId", p.NoAssetID, &in.Params.NoAssetID},
		{"lbtcAssetId", p.LBTCAssetID, &in.Params.LBTCAssetID},
		{"lpAssetId", p.LPAssetID, &in.Params.LPAssetID},
		{"lpReissuanceToken", p.LPReissuanceToken, &in.Params.LPReissuanceToken},
	} {
		if *f.dst, err = parseAsset(f.name, f.raw); err != nil {
			return in, err
		}
	}
	if p.FeeBps >= maxFeeBps {
		return in, fmt.Errorf("%w: feeBps %d must be < %d", ErrInvalidEnvelope, p.FeeBps, maxFeeBps)
	}
	in.Params.FeeBps = p.FeeBps
	if in.Params.CosignerPubkey, err = parseOptionalXOnly("cosignerPubkey", p.CosignerPubkey); err != nil {
		return in, err
	}
	in.IssuedLP = p.IssuedLP
	if in.MarketID, err = parseOptionalMarketID(p.MarketID); err != nil {
		return in, err
	}
	if s := strings.TrimSpace(p.CreationTxid); s != "" {
		txid, err := chainhash.NewHashFromStr(s)
		if err != nil || len(s) != 2*chainhash.HashSize {
			return in, fmt.Errorf("%w: creationTxid %q", ErrInvalidEnvelope, s)
		}
		in.CreationTxid = txid
	}
	return in, nil
}

func parseDirection(s string) (marketstore.OrderDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case marketstore.SellBase.String():
		return marketstore.SellBase, nil
	case marketstore.SellQuote.String():
		return marketstore.SellQuote, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidEnvelope, s)
	}
}

func parseAsset(field, s string) (chain.AssetID, error) {
	id, err := chain.ParseAssetID(strings.TrimSpace(s))
	if err != nil {
		return chain.AssetID{}, fmt.Errorf("%w: %s: %w", ErrInvalidEnvelope, field, err)
	}
	return id, nil
}

func parse32(field, s string) ([32]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, field, err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: %s must be 32 bytes, got %d", ErrInvalidEnvelope, field, len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

// parseXOnly requires a valid BIP-340 x-only public key.
func parseXOnly(field, s string) ([32]byte, error) {
	key, err := parse32(field, s)
	if err != nil {
		return key, err
	}
	if _, err := schnorr.ParsePubKey(key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, field, err)
	}
	return key, nil
}

func parseOptionalXOnly(field, s string) ([32]byte, error) {
	if strings.TrimSpace(s) == "" {
		return [32]byte{}, nil
	}
	return parseXOnly(field, s)
}

func parseOptionalMarketID(s string) (*marketstore.MarketID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	b, err := parse32("marketId", s)
	if err != nil {
		return nil, err
	}
	id := marketstore.MarketID(b)
	return &id, nil
}
