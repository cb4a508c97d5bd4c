package preset

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

const nativeDecimals = 18

// CostEstimate is the worst case a user pays for an operation, shown before confirming.
type CostEstimate struct {
	UserOperation userop.UserOperation
	GasLimit      *big.Int
	MaxFeePerGas  *big.Int
	// Wei is MaxFeePerGas * GasLimit plus Premium.
	Wei *big.Int
	// Premium is the extra cost of the paymaster's larger gas budget.
	Premium   *big.Int
	Native    decimal.Decimal
	Sponsored bool
}

// EstimateCost builds an estimated operation without signing it. With a paymaster and a
// policy, the premium of the paymaster's revised gas limits is added.
func (b *Builder) EstimateCost(ctx context.Context, acct *SmartAccount, calls []userop.Call, policyID string) (*CostEstimate, error) {
	op, err := b.BuildUserOperation(ctx, acct, calls, BuildOptions{})
	if err != nil {
		return nil, err
	}

	premium := new(big.Int)
	sponsored := false
	if b.paymaster != nil && (policyID != "" || b.cfg.SponsorshipPolicyID != "") {
		if policyID == "" {
			policyID = b.cfg.SponsorshipPolicyID
		}
		resp, err := b.paymaster.GetPaymasterAndData(ctx, op, policyID)
		switch {
		case err == nil:
			premium = resp.Premium(op)
			sponsored = true
		case errors.Is(err, paymaster.ErrSponsorshipDenied):
			b.logger.Debug("cost estimate without sponsorship", "reason", err)
		default:
			return nil, err
		}
	}

	wei := new(big.Int).Add(op.MaxCost(), premium)
	return &CostEstimate{
		UserOperation: op,
		GasLimit:      op.TotalGas(),
		MaxFeePerGas:  new(big.Int).Set(op.MaxFeePerGas),
		Wei:           wei,
		Premium:       premium,
		Native:        decimal.NewFromBigInt(wei, -nativeDecimals),
		Sponsored:     sponsored,
	}, nil
}
