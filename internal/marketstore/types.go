package marketstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/amm"
	"github.com/liquid-covenants/marketd/internal/chain"
)

type MarketID [32]byte

func (id MarketID) String() string { return hex.EncodeToString(id[:]) }

func (id MarketID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

type PoolID [32]byte

func (id PoolID) String() string { return hex.EncodeToString(id[:]) }

func (id PoolID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// OrderID is the row id assigned to a maker order on first insert.
type OrderID int64

// MarketState is the lifecycle stage of a market covenant. The numeric order
// is meaningful: a later stage has a larger value.
type MarketState uint8

const (
	MarketDormant MarketState = iota
	MarketUnresolved
	MarketResolvedYes
	MarketResolvedNo
)

// MarketStates lists every state in ascending order.
var MarketStates = [...]MarketState{MarketDormant, MarketUnresolved, MarketResolvedYes, MarketResolvedNo}

const numMarketStates = len(MarketStates)

func (s MarketState) String() string {
	switch s {
	case MarketDormant:
		return "dormant"
	case MarketUnresolved:
		return "unresolved"
	case MarketResolvedYes:
		return "resolved_yes"
	case MarketResolvedNo:
		return "resolved_no"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s MarketState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s MarketState) Resolved() bool {
	return s == MarketResolvedYes || s == MarketResolvedNo
}

type OrderStatus uint8

const (
	OrderPending OrderStatus = iota
	OrderActive
	OrderPartiallyFilled
	OrderFullyFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderActive:
		return "active"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFullyFilled:
		return "fully_filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type OrderDirection uint8

const (
	SellBase OrderDirection = iota
	SellQuote
)

func (d OrderDirection) String() string {
	switch d {
	case SellBase:
		return "sell_base"
	case SellQuote:
		return "sell_quote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

type PoolStatus uint8

const (
	PoolActive PoolStatus = iota
	PoolInactive
	PoolClosed
)

func (s PoolStatus) String() string {
	switch s {
	case PoolActive:
		return "active"
	case PoolInactive:
		return "inactive"
	case PoolClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarketParams are the contract parameters a market covenant is compiled from.
type MarketParams struct {
	OraclePubkey       [32]byte
	CollateralAssetID  chain.AssetID
	YesAssetID         chain.AssetID
	NoAssetID          chain.AssetID
	YesReissuanceToken chain.AssetID
	NoReissuanceToken  chain.AssetID
	CollateralPerToken uint64
	ExpiryTime         uint32
}

// ID is the SHA-256 of the canonical parameter encoding.
func (p MarketParams) ID() MarketID {
	buf := make([]byte, 0, 6*32+8+4)
	buf = append(buf, p.OraclePubkey[:]...)
	buf = append(buf, p.CollateralAssetID[:]...)
	buf = append(buf, p.YesAssetID[:]...)
	buf = append(buf, p.NoAssetID[:]...)
	buf = append(buf, p.YesReissuanceToken[:]...)
	buf = append(buf, p.NoReissuanceToken[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.CollateralPerToken)
	buf = binary.BigEndian.AppendUint32(buf, p.ExpiryTime)
	return MarketID(chainhash.HashH(buf))
}

// Metadata is discovery information attached to an entity. Announcement
// fields are the raw discovery event that introduced the entity.
type Metadata struct {
	Question         string
	Description      string
	Category         string
	ResolutionSource string
	CreatorPubkey    []byte

	AnnouncementID   string
	AnnouncementJSON string
}

// Issuance holds the token issuance data recovered from chain, per side.
type Issuance struct {
	YesEntropy       *[32]byte
	YesBlindingNonce *[32]byte
	NoEntropy        *[32]byte
	NoBlindingNonce  *[32]byte
}

func (i Issuance) Complete() bool {
	return i.YesEntropy != nil && i.NoEntropy != nil
}

type Market struct {
	ID          MarketID
	Params      MarketParams
	State       MarketState
	Fingerprint [32]byte
	// Scripts holds the covenant script for each MarketState.
	Scripts  [numMarketStates][]byte
	Issuance Issuance
	Metadata Metadata
}

// StateForScript returns the state whose covenant script equals script.
func (m Market) StateForScript(script []byte) (MarketState, bool) {
	for _, s := range MarketStates {
		if string(m.Scripts[s]) == string(script) {
			return s, true
		}
	}
	return 0, false
}

type OrderParams struct {
	BaseAssetID         chain.AssetID
	QuoteAssetID        chain.AssetID
	Price               uint64
	MinFillLots         uint64
	MinRemainderLots    uint64
	Direction           OrderDirection
	MakerReceiveSPKHash [32]byte
	CosignerPubkey      [32]byte
}

type MakerOrder struct {
	ID          OrderID
	Params      OrderParams
	Status      OrderStatus
	Fingerprint [32]byte

	MakerPubkey        *[32]byte
	Nonce              *[32]byte
	CovenantScript     []byte
	MakerReceiveScript []byte

	MarketID *MarketID
	Metadata Metadata
}

type PoolParams struct {
	YesAssetID        chain.AssetID
	NoAssetID         chain.AssetID
	LBTCAssetID       chain.AssetID
	LPAssetID         chain.AssetID
	LPReissuanceToken chain.AssetID
	FeeBps            uint64
	CosignerPubkey    [32]byte
}

func (p PoolParams) ID() PoolID {
	buf := make([]byte, 0, 6*32+8)
	buf = append(buf, p.YesAssetID[:]...)
	buf = append(buf, p.NoAssetID[:]...)
	buf = append(buf, p.LBTCAssetID[:]...)
	buf = append(buf, p.LPAssetID[:]...)
	buf = append(buf, p.LPReissuanceToken[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.FeeBps)
	buf = append(buf, p.CosignerPubkey[:]...)
	return PoolID(chainhash.HashH(buf))
}

// AmmPool is a pool's identity and current covenant. Reserves are only kept in
// snapshots.
type AmmPool struct {
	ID          PoolID
	Params      PoolParams
	Status      PoolStatus
	Fingerprint [32]byte
	IssuedLP    uint64
	// CovenantScript depends on IssuedLP and changes on every mint or burn.
	CovenantScript []byte

	MarketID     *MarketID
	CreationTxid *chainhash.Hash
	Metadata     Metadata
}

type PoolSnapshot struct {
	PoolID      PoolID
	Txid        chainhash.Hash
	Reserves    amm.Reserves
	IssuedLP    uint64
	BlockHeight uint32
	// Seq is the insertion order; the greatest Seq of a pool is its current state.
	Seq int64
}

// UTXO is a tracked covenant output. Exactly one of Market or Order is set.
type UTXO struct {
	chain.Outpoint
	AssetID             chain.AssetID
	Value               uint64
	ScriptPubKey        []byte
	RawOutput           []byte
	AssetBlindingFactor [32]byte
	ValueBlindingFactor [32]byte

	Market      *MarketID
	MarketState MarketState
	Order       *OrderID

	BlockHeight  *uint32
	Spent        bool
	SpendingTxid *chainhash.Hash
	SpentHeight  *uint32
}

type MarketFilter struct {
	State             *MarketState
	OraclePubkey      *[32]byte
	CollateralAssetID *chain.AssetID
	ExpiresAfter      *uint32
	ExpiresBefore     *uint32
	Limit             int
}

type OrderFilter struct {
	BaseAssetID  *chain.AssetID
	QuoteAssetID *chain.AssetID
	Direction    *OrderDirection
	Status       *OrderStatus
	MinPrice     *uint64
	MaxPrice     *uint64
	MakerPubkey  *[32]byte
	MarketID     *MarketID
	// HasScript restricts to orders whose covenant script is known.
	HasScript bool
	Limit     int
}

type PoolFilter struct {
	Status   *PoolStatus
	MarketID *MarketID
	Limit    int
}

type UTXOFilter struct {
	Market      *MarketID
	MarketState *MarketState
	Order       *OrderID
	UnspentOnly bool
}

func (f MarketFilter) match(m Market) bool {
	switch {
	case f.State != nil && m.State != *f.State:
		return false
	case f.OraclePubkey != nil && m.Params.OraclePubkey != *f.OraclePubkey:
		return false
	case f.CollateralAssetID != nil && m.Params.CollateralAssetID != *f.CollateralAssetID:
		return false
	case f.ExpiresAfter != nil && m.Params.ExpiryTime <= *f.ExpiresAfter:
		return false
	case f.ExpiresBefore != nil && m.Params.ExpiryTime >= *f.ExpiresBefore:
		return false
	}
	return true
}

func (f OrderFilter) match(o MakerOrder) bool {
	switch {
	case f.BaseAssetID != nil && o.Params.BaseAssetID != *f.BaseAssetID:
		return false
	case f.QuoteAssetID != nil && o.Params.QuoteAssetID != *f.QuoteAssetID:
		return false
	case f.Direction != nil && o.Params.Direction != *f.Direction:
		return false
	case f.Status != nil && o.Status != *f.Status:
		return false
	case f.MinPrice != nil && o.Params.Price < *f.MinPrice:
		return false
	case f.MaxPrice != nil && o.Params.Price > *f.MaxPrice:
		return false
	case f.MakerPubkey != nil && (o.MakerPubkey == nil || *o.MakerPubkey != *f.MakerPubkey):
		return false
	case f.MarketID != nil && (o.MarketID == nil || *o.MarketID != *f.MarketID):
		return false
	case f.HasScript && len(o.CovenantScript) == 0:
		return false
	}
	return true
}

func (f PoolFilter) match(p AmmPool) bool {
	switch {
	case f.Status != nil && p.Status != *f.Status:
		return false
	case f.MarketID != nil && (p.MarketID == nil || *p.MarketID != *f.MarketID):
		return false
	}
	return true
}

func (f UTXOFilter) match(u UTXO) bool {
	switch {
	case f.Market != nil && (u.Market == nil || *u.Market != *f.Market):
		return false
	case f.MarketState != nil && (u.Market == nil || u.MarketState != *f.MarketState):
		return false
	case f.Order != nil && (u.Order == nil || *u.Order != *f.Order):
		return false
	case f.UnspentOnly && u.Spent:
		return false
	}
	return true
}
