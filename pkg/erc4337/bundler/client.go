// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

var (
	ErrUnsupportedEntryPoint = errors.New("bundler: entrypoint not supported by bundler")
	ErrChainIDMismatch       = errors.New("bundler: chain id mismatch")
)

// BundlerClient is a client for an EIP-4337 bundler RPC endpoint bound to one EntryPoint.
type BundlerClient struct {
	rpc        *jsonrpc.Client
	entryPoint common.Address
	logger     logger.Logger
}

// NewBundlerClient creates a BundlerClient for the endpoint in cfg.
func NewBundlerClient(cfg jsonrpc.Config, entryPoint common.Address, log logger.Logger) (*BundlerClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("bundler: url is required")
	}
	if entryPoint == (common.Address{}) {
		return nil, errors.New("bundler: entrypoint address is required")
	}

	log = logger.EnsureLogger(log)
	return &BundlerClient{
		rpc:        jsonrpc.NewClient(cfg, log),
		entryPoint: entryPoint,
		logger:     log,
	}, nil
}

func (bc *BundlerClient) EntryPoint() common.Address {
	return bc.entryPoint
}

// SetObserver forwards every RPC outcome to o.
func (bc *BundlerClient) SetObserver(o jsonrpc.Observer) {
	bc.rpc.SetObserver(o)
}

// SendUserOperation submits a signed operation and returns the userOpHash the bundler assigned.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.SignedUserOperation) (string, error) {
	if op == nil {
		return "", errors.New("bundler: nil user operation")
	}

	var hash string
	err := bc.rpc.Call(ctx, "eth_sendUserOperation", &hash, op.ToWire(), bc.entryPoint.Hex())
	if err != nil {
		bc.logger.Warn("eth_sendUserOperation failed", "sender", op.Sender(), "nonce", op.NonceString(), "error", err)
		return "", err
	}

	if b, err := hexutil.Decode(hash); err != nil || len(b) != common.HashLength {
		return "", &jsonrpc.ProtocolError{Method: "eth_sendUserOperation", Msg: fmt.Sprintf("result %q is not a 32 byte hash", hash)}
	}

	bc.logger.Info("user operation submitted", "sender", op.Sender(), "nonce", op.NonceString(), "userOpHash", hash)
	return hash, nil
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The operation is sent with the placeholder signature so account validation runs without
// reverting. Fee fields the bundler omits stay nil in the result.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op userop.UserOperation) (*GasEstimation, error) {
	var result gasEstimationResult
	err := bc.rpc.Call(ctx, "eth_estimateUserOperationGas", &result, op.ToWireForEstimation(), bc.entryPoint.Hex())
	if err != nil {
		return nil, err
	}

	estimate, err := result.toEstimation()
	if err != nil {
		return nil, &jsonrpc.ProtocolError{Method: "eth_estimateUserOperationGas", Msg: err.Error()}
	}

	bc.logger.Debug("gas estimated",
		"sender", op.Sender.Hex(),
		"callGasLimit", estimate.CallGasLimit,
		"verificationGasLimit", estimate.VerificationGasLimit,
		"preVerificationGas", estimate.PreVerificationGas)
	return estimate, nil
}

// GetUserOperationReceipt returns nil, nil while the operation is still pending.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash string) (*UserOperationReceipt, error) {
	var receipt UserOperationReceipt
	found, err := bc.rpc.CallNullable(ctx, "eth_getUserOperationReceipt", &receipt, hash)
	if err != nil || !found {
		return nil, err
	}
	return &receipt, nil
}

// GetUserOperationByHash returns nil, nil when the bundler does not know hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash string) (*UserOperationByHash, error) {
	var result UserOperationByHash
	found, err := bc.rpc.CallNullable(ctx, "eth_getUserOperationByHash", &result, hash)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var raw []string
	if err := bc.rpc.Call(ctx, "eth_supportedEntryPoints", &raw); err != nil {
		return nil, err
	}

	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		if !common.IsHexAddress(s) {
			return nil, &jsonrpc.ProtocolError{Method: "eth_supportedEntryPoints", Msg: fmt.Sprintf("invalid address %q", s)}
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// EnsureEntryPointSupported fails with ErrUnsupportedEntryPoint when the bundler does not
// accept the configured EntryPoint.
func (bc *BundlerClient) EnsureEntryPointSupported(ctx context.Context) error {
	supported, err := bc.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	if !lo.Contains(supported, bc.entryPoint) {
		return fmt.Errorf("%w: %s not in %v", ErrUnsupportedEntryPoint, bc.entryPoint.Hex(),
			lo.Map(supported, func(a common.Address, _ int) string { return a.Hex() }))
	}
	return nil
}

func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id jsonrpc.Quantity
	if err := bc.rpc.Call(ctx, "eth_chainId", &id); err != nil {
		return nil, err
	}
	return id.Big(), nil
}

// EnsureChainID cross-checks the bundler's network against the configured one.
func (bc *BundlerClient) EnsureChainID(ctx context.Context, expected *big.Int) error {
	got, err := bc.ChainID(ctx)
	if err != nil {
		return err
	}
	if expected == nil || got.Cmp(expected) != 0 {
		return fmt.Errorf("%w: bundler reports %s, configured %s", ErrChainIDMismatch, got, expected)
	}
	return nil
}

// GetUserOperationStatus calls the pimlico status extension.
func (bc *BundlerClient) GetUserOperationStatus(ctx context.Context, hash string) (*UserOperationStatus, error) {
	var raw statusResult
	if err := bc.rpc.Call(ctx, "pimlico_getUserOperationStatus", &raw, hash); err != nil {
		return nil, err
	}

	status, err := ParseStatus(raw.Status)
	if err != nil {
		return nil, &jsonrpc.ProtocolError{Method: "pimlico_getUserOperationStatus", Msg: err.Error()}
	}
	return &UserOperationStatus{
		UserOpHash:      hash,
		Status:          status,
		TransactionHash: raw.TransactionHash,
	}, nil
}

// GetUserOperationGasPrice returns the slow, standard and fast fee tiers.
func (bc *BundlerClient) GetUserOperationGasPrice(ctx context.Context) (*GasPrices, error) {
	var raw gasPricesResult
	if err := bc.rpc.Call(ctx, "pimlico_getUserOperationGasPrice", &raw); err != nil {
		return nil, err
	}

	prices, err := raw.toGasPrices()
	if err != nil {
		return nil, &jsonrpc.ProtocolError{Method: "pimlico_getUserOperationGasPrice", Msg: err.Error()}
	}
	return prices, nil
}
