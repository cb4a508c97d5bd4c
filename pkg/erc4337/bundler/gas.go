package bundler

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// GasEstimation is the eth_estimateUserOperationGas answer. MaxFeePerGas and
// MaxPriorityFeePerGas are nil when the bundler did not suggest fees.
type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Apply returns a copy of op with the estimated limits, and any suggested fees, written in.
func (g *GasEstimation) Apply(op userop.UserOperation) userop.UserOperation {
	out := op.Copy()
	out.CallGasLimit = new(big.Int).Set(g.CallGasLimit)
	out.VerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit)
	out.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas)
	if g.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(g.MaxFeePerGas)
	}
	if g.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = new(big.Int).Set(g.MaxPriorityFeePerGas)
	}
	return out
}

type gasEstimationResult struct {
	PreVerificationGas   *jsonrpc.Quantity `json:"preVerificationGas"`
	VerificationGasLimit *jsonrpc.Quantity `json:"verificationGasLimit"`
	// older bundlers name it verificationGas
	VerificationGas      *jsonrpc.Quantity `json:"verificationGas"`
	CallGasLimit         *jsonrpc.Quantity `json:"callGasLimit"`
	MaxFeePerGas         *jsonrpc.Quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *jsonrpc.Quantity `json:"maxPriorityFeePerGas"`
}

func (r gasEstimationResult) toEstimation() (*GasEstimation, error) {
	verification := r.VerificationGasLimit
	if verification == nil {
		verification = r.VerificationGas
	}
	if r.PreVerificationGas == nil || verification == nil || r.CallGasLimit == nil {
		return nil, errors.New("estimate is missing a gas limit")
	}

	return &GasEstimation{
		PreVerificationGas:   r.PreVerificationGas.Big(),
		VerificationGasLimit: verification.Big(),
		CallGasLimit:         r.CallGasLimit.Big(),
		MaxFeePerGas:         r.MaxFeePerGas.Big(),
		MaxPriorityFeePerGas: r.MaxPriorityFeePerGas.Big(),
	}, nil
}

// FeeTier names one of the vendor gas price tiers.
type FeeTier string

const (
	FeeTierSlow     FeeTier = "slow"
	FeeTierStandard FeeTier = "standard"
	FeeTierFast     FeeTier = "fast"
)

type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type GasPrices struct {
	Slow     GasPrice
	Standard GasPrice
	Fast     GasPrice
}

// Tier returns the prices for t. An empty tier means standard.
func (p *GasPrices) Tier(t FeeTier) (GasPrice, error) {
	switch t {
	case FeeTierSlow:
		return p.Slow, nil
	case FeeTierStandard, "":
		return p.Standard, nil
	case FeeTierFast:
		return p.Fast, nil
	}
	return GasPrice{}, fmt.Errorf("bundler: unknown fee tier %q", t)
}

type gasPriceResult struct {
	MaxFeePerGas         *jsonrpc.Quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *jsonrpc.Quantity `json:"maxPriorityFeePerGas"`
}

type gasPricesResult struct {
	Slow     gasPriceResult `json:"slow"`
	Standard gasPriceResult `json:"standard"`
	Fast     gasPriceResult `json:"fast"`
}

func (r gasPricesResult) toGasPrices() (*GasPrices, error) {
	prices := &GasPrices{}
	tiers := []struct {
		name string
		in   gasPriceResult
		out  *GasPrice
	}{
		{"slow", r.Slow, &prices.Slow},
		{"standard", r.Standard, &prices.Standard},
		{"fast", r.Fast, &prices.Fast},
	}

	for _, tier := range tiers {
		if tier.in.MaxFeePerGas == nil || tier.in.MaxPriorityFeePerGas == nil {
			return nil, fmt.Errorf("%s tier is incomplete", tier.name)
		}
		*tier.out = GasPrice{
			MaxFeePerGas:         tier.in.MaxFeePerGas.Big(),
			MaxPriorityFeePerGas: tier.in.MaxPriorityFeePerGas.Big(),
		}
	}
	return prices, nil
}
