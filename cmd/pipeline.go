package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// pipeline is everything a command needs, built from the config file.
type pipeline struct {
	cfg       *config.Config
	chainID   *big.Int
	chain     *ethclient.Client
	bundler   *bundler.BundlerClient
	paymaster *paymaster.PaymasterClient
	builder   *preset.Builder
}

func loadPipeline(ctx context.Context) (*pipeline, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}

	chain, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.EthRpcUrl, err)
	}

	chainID := cfg.ChainID
	if chainID == nil {
		if chainID, err = chain.ChainID(ctx); err != nil {
			chain.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}

	p := &pipeline{cfg: cfg, chainID: chainID, chain: chain}
	if p.bundler, err = bundler.NewBundlerClient(cfg.Bundler, cfg.EntryPointAddress, cfg.Logger); err != nil {
		chain.Close()
		return nil, err
	}
	if cfg.Paymaster != nil {
		if p.paymaster, err = paymaster.NewPaymasterClient(*cfg.Paymaster, cfg.EntryPointAddress, chainID, cfg.Logger); err != nil {
			chain.Close()
			return nil, err
		}
	}

	if p.builder, err = preset.NewBuilder(builderConfig(cfg, chainID), chain, p.bundler, p.paymaster, cfg.Logger); err != nil {
		chain.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) Close() {
	p.chain.Close()
}

func builderConfig(cfg *config.Config, chainID *big.Int) preset.BuilderConfig {
	return preset.BuilderConfig{
		ChainID:             chainID,
		EntryPoint:          cfg.EntryPointAddress,
		Factory:             cfg.FactoryAddress,
		Scheme:              cfg.SignatureScheme,
		FeeTier:             cfg.FeeTier,
		SubmitRetries:       cfg.SubmitRetries,
		PollInterval:        cfg.PollInterval,
		WaitTimeout:         cfg.WaitTimeout,
		SponsorshipPolicyID: cfg.SponsorshipPolicyID,
		FallbackToSelfPay:   cfg.FallbackToSelfPay,
		VerifyBundler:       cfg.VerifyBundler,
	}
}

// owner resolves --owner, defaulting to the controller key's address.
func (p *pipeline) owner(flag string) (common.Address, error) {
	if flag != "" {
		if !common.IsHexAddress(flag) {
			return common.Address{}, fmt.Errorf("invalid owner address %q", flag)
		}
		return common.HexToAddress(flag), nil
	}
	if p.cfg.ControllerPrivateKey == nil {
		return common.Address{}, fmt.Errorf("--owner is required when no controller key is configured")
	}
	return crypto.PubkeyToAddress(p.cfg.ControllerPrivateKey.PublicKey), nil
}

// parseCall reads "to[,value[,data]]", value in wei.
func parseCall(s string) (userop.Call, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return userop.Call{}, fmt.Errorf("call %q: expected to[,value[,data]]", s)
	}

	to := strings.TrimSpace(parts[0])
	if !common.IsHexAddress(to) {
		return userop.Call{}, fmt.Errorf("call %q: invalid target address", s)
	}
	call := userop.Call{To: common.HexToAddress(to), Value: new(big.Int)}

	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		v, ok := new(big.Int).SetString(strings.TrimSpace(parts[1]), 0)
		if !ok || v.Sign() < 0 {
			return userop.Call{}, fmt.Errorf("call %q: invalid value", s)
		}
		call.Value = v
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		data, err := hexutil.Decode(strings.TrimSpace(parts[2]))
		if err != nil {
			return userop.Call{}, fmt.Errorf("call %q: data: %w", s, err)
		}
		call.Data = data
	}
	return call, nil
}

func parseCalls(flags []string) ([]userop.Call, error) {
	if len(flags) == 0 {
		return nil, fmt.Errorf("at least one --call is required")
	}
	calls := make([]userop.Call, 0, len(flags))
	for _, f := range flags {
		call, err := parseCall(f)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func parseSalt(s string) (*big.Int, error) {
	salt, ok := new(big.Int).SetString(s, 0)
	if !ok || salt.Sign() < 0 {
		return nil, fmt.Errorf("invalid salt %q", s)
	}
	return salt, nil
}

func hexAddresses(addrs []common.Address) []string {
	return lo.Map(addrs, func(a common.Address, _ int) string { return a.Hex() })
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
