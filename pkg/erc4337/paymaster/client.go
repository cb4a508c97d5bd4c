// Package paymaster obtains gas sponsorship for a UserOperation before it is signed.
package paymaster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const sponsorMethod = "pm_sponsorUserOperation"

var ErrUnsupportedToken = errors.New("paymaster: token not accepted on this chain")

// PaymasterDataResponse is a sponsorship quote. Gas fields are nil unless the paymaster
// revised them.
type PaymasterDataResponse struct {
	PaymasterAndData     []byte
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// Apply returns a copy of op carrying the sponsorship. op is not modified.
func (r *PaymasterDataResponse) Apply(op userop.UserOperation) userop.UserOperation {
	out := op.Copy()
	out.PaymasterAndData = append([]byte{}, r.PaymasterAndData...)
	if r.PreVerificationGas != nil {
		out.PreVerificationGas = new(big.Int).Set(r.PreVerificationGas)
	}
	if r.VerificationGasLimit != nil {
		out.VerificationGasLimit = new(big.Int).Set(r.VerificationGasLimit)
	}
	if r.CallGasLimit != nil {
		out.CallGasLimit = new(big.Int).Set(r.CallGasLimit)
	}
	return out
}

// Premium is the extra worst case native cost the revised gas limits add to op, priced at
// op.MaxFeePerGas. It is never negative.
func (r *PaymasterDataResponse) Premium(op userop.UserOperation) *big.Int {
	delta := new(big.Int).Sub(r.Apply(op).TotalGas(), op.TotalGas())
	if delta.Sign() <= 0 || op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return delta.Mul(delta, op.MaxFeePerGas)
}

// sponsorResult accepts both the v0.6 paymasterAndData shape and the split
// paymaster/paymasterData shape some providers answer with.
type sponsorResult struct {
	PaymasterAndData     string            `json:"paymasterAndData"`
	Paymaster            string            `json:"paymaster"`
	PaymasterData        string            `json:"paymasterData"`
	PreVerificationGas   *jsonrpc.Quantity `json:"preVerificationGas"`
	VerificationGasLimit *jsonrpc.Quantity `json:"verificationGasLimit"`
	CallGasLimit         *jsonrpc.Quantity `json:"callGasLimit"`
}

func (s *sponsorResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.PaymasterAndData)
	}
	type plain sponsorResult
	return json.Unmarshal(data, (*plain)(s))
}

func (s *sponsorResult) toResponse() (*PaymasterDataResponse, error) {
	var pad []byte
	switch {
	case s.PaymasterAndData != "":
		b, err := userop.DecodeData(s.PaymasterAndData)
		if err != nil {
			return nil, fmt.Errorf("decode paymasterAndData: %w", err)
		}
		pad = b
	case s.Paymaster != "":
		if !common.IsHexAddress(s.Paymaster) {
			return nil, fmt.Errorf("invalid paymaster %q", s.Paymaster)
		}
		data, err := userop.DecodeData(s.PaymasterData)
		if err != nil {
			return nil, fmt.Errorf("decode paymasterData: %w", err)
		}
		pad = append(common.HexToAddress(s.Paymaster).Bytes(), data...)
	}

	if len(pad) < common.AddressLength {
		return nil, errors.New("sponsorship carries no paymaster address")
	}
	return &PaymasterDataResponse{
		PaymasterAndData:     pad,
		PreVerificationGas:   s.PreVerificationGas.Big(),
		VerificationGasLimit: s.VerificationGasLimit.Big(),
		CallGasLimit:         s.CallGasLimit.Big(),
	}, nil
}

type PaymasterClient struct {
	rpc        *jsonrpc.Client
	entryPoint common.Address
	chainID    *big.Int
	catalog    Catalog
	logger     logger.Logger
}

// NewPaymasterClient builds a client for one chain. The chain id selects the reference data
// the catalog serves.
func NewPaymasterClient(cfg jsonrpc.Config, entryPoint common.Address, chainID *big.Int, log logger.Logger) (*PaymasterClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("paymaster: url is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("paymaster: chain id is required")
	}

	log = logger.EnsureLogger(log)
	return &PaymasterClient{
		rpc:        jsonrpc.NewClient(cfg, log),
		entryPoint: entryPoint,
		chainID:    new(big.Int).Set(chainID),
		catalog:    DefaultCatalog(),
		logger:     log,
	}, nil
}

// SetCatalog replaces the reference data source.
func (pc *PaymasterClient) SetCatalog(c Catalog) {
	pc.catalog = c
}

func (pc *PaymasterClient) SetObserver(o jsonrpc.Observer) {
	pc.rpc.SetObserver(o)
}

// GetPaymasterAndData asks the paymaster to sponsor op. policyID scopes the sponsorship
// rules and may be empty.
func (pc *PaymasterClient) GetPaymasterAndData(ctx context.Context, op userop.UserOperation, policyID string) (*PaymasterDataResponse, error) {
	var sponsorCtx map[string]any
	if policyID != "" {
		sponsorCtx = map[string]any{"sponsorshipPolicyId": policyID}
	}
	return pc.sponsor(ctx, op, sponsorCtx)
}

// GetERC20PaymasterData asks the paymaster to charge its fee in token instead of native currency.
func (pc *PaymasterClient) GetERC20PaymasterData(ctx context.Context, op userop.UserOperation, token common.Address) (*PaymasterDataResponse, error) {
	tokens, err := pc.AcceptedTokens(ctx)
	if err != nil {
		return nil, err
	}
	if !lo.ContainsBy(tokens, func(t Token) bool { return t.Address == token }) {
		return nil, fmt.Errorf("%w: %s on chain %s", ErrUnsupportedToken, token.Hex(), pc.chainID)
	}
	return pc.sponsor(ctx, op, map[string]any{"token": token.Hex()})
}

func (pc *PaymasterClient) sponsor(ctx context.Context, op userop.UserOperation, sponsorCtx map[string]any) (*PaymasterDataResponse, error) {
	params := []any{op.ToWireForEstimation(), pc.entryPoint.Hex()}
	if sponsorCtx != nil {
		params = append(params, sponsorCtx)
	}

	var raw sponsorResult
	if err := pc.rpc.Call(ctx, sponsorMethod, &raw, params...); err != nil {
		if denied := asDenied(err); denied != nil {
			pc.logger.Info("sponsorship denied", "sender", op.Sender.Hex(), "reason", denied.Reason)
			return nil, denied
		}
		return nil, err
	}

	resp, err := raw.toResponse()
	if err != nil {
		return nil, &jsonrpc.ProtocolError{Method: sponsorMethod, Msg: err.Error()}
	}

	pm, _ := userop.UserOperation{PaymasterAndData: resp.PaymasterAndData}.Paymaster()
	pc.logger.Debug("sponsorship granted", "sender", op.Sender.Hex(), "paymaster", pm.Hex())
	return resp, nil
}

// SponsorUserOperation returns a sponsored copy of op.
func (pc *PaymasterClient) SponsorUserOperation(ctx context.Context, op userop.UserOperation, policyID string) (userop.UserOperation, error) {
	resp, err := pc.GetPaymasterAndData(ctx, op, policyID)
	if err != nil {
		return userop.UserOperation{}, err
	}
	return resp.Apply(op), nil
}

// CanSponsor reports whether the paymaster would sponsor op. A denial is false, nil; other
// failures are returned.
func (pc *PaymasterClient) CanSponsor(ctx context.Context, op userop.UserOperation, policyID string) (bool, error) {
	_, err := pc.GetPaymasterAndData(ctx, op, policyID)
	if errors.Is(err, ErrSponsorshipDenied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AcceptedTokens lists the ERC-20 tokens the paymaster takes as fee on this chain.
func (pc *PaymasterClient) AcceptedTokens(ctx context.Context) ([]Token, error) {
	return pc.catalog.AcceptedTokens(ctx, pc.chainID)
}

func (pc *PaymasterClient) SponsorshipPolicies(ctx context.Context) ([]Policy, error) {
	return pc.catalog.SponsorshipPolicies(ctx, pc.chainID)
}
