// Package amm implements the constant-product reserve math for three-asset
// prediction market pools (YES, NO, L-BTC). Every function is pure: inputs are
// never mutated and failed computations return no partial result.
package amm

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// FeeDenominator is the basis-point scale of fees (10000 bps = 100%).
const FeeDenominator = 10_000

var (
	ErrZeroReserve     = errors.New("amm: zero reserve")
	ErrZeroInput       = errors.New("amm: zero input")
	ErrZeroOutput      = errors.New("amm: zero output")
	ErrInsufficient    = errors.New("amm: output would deplete reserve")
	ErrInvalidFee      = errors.New("amm: invalid fee")
	ErrOverflow        = errors.New("amm: overflow")
	ErrZeroIssuedLP    = errors.New("amm: zero issued lp")
	ErrBurnTooLarge    = errors.New("amm: lp burn must leave at least one unit issued")
	ErrProductDecrease = errors.New("amm: new reserve product below old")
)

// Reserves is the reserve triple held by a pool's covenant outputs.
type Reserves struct {
	Yes  uint64 `json:"yes"`
	No   uint64 `json:"no"`
	LBTC uint64 `json:"lbtc"`
}

// Pair selects two of the three reserves. The first named asset is side A.
type Pair uint8

const (
	PairYesNo Pair = iota
	PairYesLBTC
	PairNoLBTC
)

func (p Pair) String() string {
	switch p {
	case PairYesNo:
		return "yes_no"
	case PairYesLBTC:
		return "yes_lbtc"
	case PairNoLBTC:
		return "no_lbtc"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// sides returns pointers to the A and B reserves of pair inside r.
func (p Pair) sides(r *Reserves) (*uint64, *uint64, error) {
	switch p {
	case PairYesNo:
		return &r.Yes, &r.No, nil
	case PairYesLBTC:
		return &r.Yes, &r.LBTC, nil
	case PairNoLBTC:
		return &r.No, &r.LBTC, nil
	default:
		return nil, nil, fmt.Errorf("amm: unknown pair %d", uint8(p))
	}
}

// SwapResult is the outcome of a swap. Amount is the computed side: the output
// for exact-input swaps and the required input for exact-output swaps.
type SwapResult struct {
	Amount      uint64
	NewReserves Reserves
	// PriceImpact is the relative drop of the output-per-input spot price caused
	// by the trade. Display only.
	PriceImpact float64
}

// SwapExactInput sells deltaIn of one side of pair and returns the amount of the
// other side released. sellA selects whether side A is deposited.
func SwapExactInput(r Reserves, pair Pair, deltaIn uint64, feeBps uint64, sellA bool) (SwapResult, error) {
	next := r
	a, b, err := pair.sides(&next)
	if err != nil {
		return SwapResult{}, err
	}
	in, out := a, b
	if !sellA {
		in, out = b, a
	}
	if *in == 0 || *out == 0 {
		return SwapResult{}, ErrZeroReserve
	}
	if deltaIn == 0 {
		return SwapResult{}, ErrZeroInput
	}
	if feeBps >= FeeDenominator {
		return SwapResult{}, fmt.Errorf("%w: %d bps", ErrInvalidFee, feeBps)
	}

	eff := effectiveInput(deltaIn, feeBps)

	// out = rOut*eff / (rIn+eff)
	num := new(uint256.Int).Mul(uint256.NewInt(*out), eff)
	den := new(uint256.Int).Add(uint256.NewInt(*in), eff)
	q := new(uint256.Int).Div(num, den)
	if q.IsZero() {
		return SwapResult{}, ErrZeroOutput
	}
	if !q.IsUint64() || q.Uint64() >= *out {
		return SwapResult{}, ErrInsufficient
	}
	deltaOut := q.Uint64()

	before := spot(*in, *out)
	newIn, carry := addUint64(*in, deltaIn)
	if carry {
		return SwapResult{}, fmt.Errorf("%w: input reserve", ErrOverflow)
	}
	*in = newIn
	*out -= deltaOut

	return SwapResult{
		Amount:      deltaOut,
		NewReserves: next,
		PriceImpact: impact(before, spot(*in, *out)),
	}, nil
}

// SwapExactOutput returns the smallest input that releases at least deltaOut of
// the other side of pair. Feeding the result into SwapExactInput never yields
// less than deltaOut.
func SwapExactOutput(r Reserves, pair Pair, deltaOut uint64, feeBps uint64, sellA bool) (SwapResult, error) {
	next := r
	a, b, err := pair.sides(&next)
	if err != nil {
		return SwapResult{}, err
	}
	in, out := a, b
	if !sellA {
		in, out = b, a
	}
	if *in == 0 || *out == 0 {
		return SwapResult{}, ErrZeroReserve
	}
	if deltaOut == 0 {
		return SwapResult{}, ErrZeroOutput
	}
	if deltaOut >= *out {
		return SwapResult{}, ErrInsufficient
	}
	if feeBps >= FeeDenominator {
		return SwapResult{}, fmt.Errorf("%w: %d bps", ErrInvalidFee, feeBps)
	}

	// Smallest post-fee input reaching the target: ceil(rIn*deltaOut / (rOut-deltaOut)).
	effMin := ceilDiv(
		new(uint256.Int).Mul(uint256.NewInt(*in), uint256.NewInt(deltaOut)),
		uint256.NewInt(*out-deltaOut),
	)
	// Smallest gross input whose floor-rounded fee deduction still reaches effMin.
	gross := ceilDiv(
		new(uint256.Int).Mul(effMin, uint256.NewInt(FeeDenominator)),
		uint256.NewInt(FeeDenominator-feeBps),
	)
	if !gross.IsUint64() {
		return SwapResult{}, fmt.Errorf("%w: required input", ErrOverflow)
	}
	deltaIn := gross.Uint64()

	before := spot(*in, *out)
	newIn, carry := addUint64(*in, deltaIn)
	if carry {
		return SwapResult{}, fmt.Errorf("%w: input reserve", ErrOverflow)
	}
	*in = newIn
	*out -= deltaOut

	return SwapResult{
		Amount:      deltaIn,
		NewReserves: next,
		PriceImpact: impact(before, spot(*in, *out)),
	}, nil
}

// LPProportionalWithdraw returns floor(reserve*lpBurn/issuedLP) of each reserve.
// At least one LP unit must remain issued.
func LPProportionalWithdraw(r Reserves, issuedLP, lpBurn uint64) (Reserves, error) {
	if issuedLP == 0 {
		return Reserves{}, ErrZeroIssuedLP
	}
	if lpBurn >= issuedLP {
		return Reserves{}, fmt.Errorf("%w: burn %d issued %d", ErrBurnTooLarge, lpBurn, issuedLP)
	}
	share := func(reserve uint64) uint64 {
		q := new(uint256.Int).Mul(uint256.NewInt(reserve), uint256.NewInt(lpBurn))
		q.Div(q, uint256.NewInt(issuedLP))
		// lpBurn < issuedLP keeps the quotient below reserve.
		return q.Uint64()
	}
	return Reserves{
		Yes:  share(r.Yes),
		No:   share(r.No),
		LBTC: share(r.LBTC),
	}, nil
}

// SpotPrice is the price of side A in units of side B. Display only; returns 0
// when the A reserve is empty.
func SpotPrice(r Reserves, pair Pair) float64 {
	a, b, err := pair.sides(&r)
	if err != nil {
		return 0
	}
	return spot(*a, *b)
}

// ImpliedYesProbability is no/(yes+no), the YES price implied by the outcome
// reserves. Returns 0 on empty reserves.
func ImpliedYesProbability(r Reserves) float64 {
	total := float64(r.Yes) + float64(r.No)
	if total == 0 {
		return 0
	}
	return float64(r.No) / total
}

func effectiveInput(deltaIn, feeBps uint64) *uint256.Int {
	eff := new(uint256.Int).Mul(uint256.NewInt(deltaIn), uint256.NewInt(FeeDenominator-feeBps))
	return eff.Div(eff, uint256.NewInt(FeeDenominator))
}

func ceilDiv(num, den *uint256.Int) *uint256.Int {
	q := new(uint256.Int).Div(num, den)
	if rem := new(uint256.Int).Mod(num, den); !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

func addUint64(a, b uint64) (uint64, bool) {
	s := a + b
	return s, s < a
}

func spot(denominator, numerator uint64) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

func impact(before, after float64) float64 {
	if before == 0 {
		return 0
	}
	return (before - after) / before
}
