package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// bundlers reject operations whose tip is below what they can profit from
	MinPriorityFee = big.NewInt(2_000_000_000)
	// floor for high base fee chains like Base
	MinMaxFee = big.NewInt(20_000_000_000)

	tipBufferPercent = big.NewInt(13)
)

// FeeReader is the part of ethclient.Client used to suggest fees.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) from the node's tip suggestion
// and the latest base fee.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	maxFee, tip := FromBaseFee(header.BaseFee, tipCap)
	return maxFee, tip, nil
}

// FromBaseFee applies the pricing rule to a known base fee and tip. A nil baseFee means a
// legacy chain, where the tip doubles as the max fee.
func FromBaseFee(baseFee, tipCap *big.Int) (*big.Int, *big.Int) {
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, tipBufferPercent)
	tip := new(big.Int).Add(tipCap, buffer)
	if tip.Cmp(MinPriorityFee) < 0 {
		tip = new(big.Int).Set(MinPriorityFee)
	}

	if baseFee == nil {
		return new(big.Int).Set(tip), tip
	}

	// 2x base fee survives a full block of base fee growth
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	if maxFee.Cmp(MinMaxFee) < 0 {
		maxFee = new(big.Int).Set(MinMaxFee)
	}
	return maxFee, tip
}
