package marketstore

import (
	"fmt"
	"math"
)

// Row conversion helpers shared by the storage backends. Every failure wraps
// ErrDataIntegrity so callers can tell a corrupt row from a backend error.

func (s MarketState) Valid() bool    { return s <= MarketResolvedNo }
func (s OrderStatus) Valid() bool    { return s <= OrderCancelled }
func (d OrderDirection) Valid() bool { return d <= SellQuote }
func (s PoolStatus) Valid() bool     { return s <= PoolClosed }

func MarketStateFromDB(v int16) (MarketState, error) {
	if v < 0 || !MarketState(v).Valid() {
		return 0, fmt.Errorf("%w: unknown market state %d", ErrDataIntegrity, v)
	}
	return MarketState(v), nil
}

func OrderStatusFromDB(v int16) (OrderStatus, error) {
	if v < 0 || !OrderStatus(v).Valid() {
		return 0, fmt.Errorf("%w: unknown order status %d", ErrDataIntegrity, v)
	}
	return OrderStatus(v), nil
}

func OrderDirectionFromDB(v int16) (OrderDirection, error) {
	if v < 0 || !OrderDirection(v).Valid() {
		return 0, fmt.Errorf("%w: unknown order direction %d", ErrDataIntegrity, v)
	}
	return OrderDirection(v), nil
}

func PoolStatusFromDB(v int16) (PoolStatus, error) {
	if v < 0 || !PoolStatus(v).Valid() {
		return 0, fmt.Errorf("%w: unknown pool status %d", ErrDataIntegrity, v)
	}
	return PoolStatus(v), nil
}

// To32 copies a stored 32-byte field.
func To32(field string, b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("%w: %s has %d bytes, want 32", ErrDataIntegrity, field, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// To32Ptr is To32 for nullable columns; a NULL column yields nil.
func To32Ptr(field string, b []byte) (*[32]byte, error) {
	if b == nil {
		return nil, nil
	}
	out, err := To32(field, b)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Bytes32 is the column value of an optional 32-byte field.
func Bytes32(v *[32]byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte(nil), v[:]...)
}

func Uint64FromDB(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %s %d", ErrDataIntegrity, field, v)
	}
	return uint64(v), nil
}

func Uint64ToDB(field string, v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s %d exceeds storage range", ErrDataIntegrity, field, v)
	}
	return int64(v), nil
}

func Uint32FromDB(field string, v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrDataIntegrity, field, v)
	}
	return uint32(v), nil
}
