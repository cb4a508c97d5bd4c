package preset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

var (
	// Placeholder gas limits written before estimation. They are what a SkipEstimation build
	// carries unless a paymaster revises them.
	DEFAULT_CALL_GAS_LIMIT         = big.NewInt(200000)
	DEFAULT_VERIFICATION_GAS_LIMIT = big.NewInt(1000000)
	DEFAULT_PREVERIFICATION_GAS    = big.NewInt(50000)

	// factory execution plus proxy deployment plus validateUserOp of a fresh account
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3000000)

	DefaultRetryBackoff = 500 * time.Millisecond
)

var (
	// ErrNonceRejected means the bundler refused the operation because of its nonce. The
	// operation must be rebuilt; resubmitting the same signed operation cannot succeed.
	ErrNonceRejected = errors.New("preset: bundler rejected the operation nonce, rebuild required")
	ErrNoPaymaster   = errors.New("preset: no paymaster configured")
	ErrNoCalls       = aa.ErrNoCalls
)

// ChainClient is the node access the builder needs. *ethclient.Client satisfies it.
type ChainClient interface {
	aa.ChainReader
	eip1559.FeeReader
}

type BuilderConfig struct {
	ChainID    *big.Int
	EntryPoint common.Address
	Factory    common.Address

	// Scheme must match what the account's validateUserOp recovers.
	Scheme  signer.Scheme
	FeeTier bundler.FeeTier

	// SubmitRetries is how many times Submit resends the same signed operation after a
	// retryable failure. Zero sends it exactly once.
	SubmitRetries int
	RetryBackoff  time.Duration

	PollInterval time.Duration
	WaitTimeout  time.Duration

	SponsorshipPolicyID string
	// FallbackToSelfPay sends the operation unsponsored when the paymaster declines it.
	FallbackToSelfPay bool
	// VerifyBundler checks supported entry points and chain id once before the first submit.
	VerifyBundler bool
}

// SmartAccount is a counterfactual account bound to an owner and salt.
type SmartAccount struct {
	Owner    common.Address
	Address  common.Address
	Salt     *big.Int
	Deployed bool
	ChainID  *big.Int
}

type BuildOptions struct {
	// SkipEstimation keeps the placeholder gas limits, for when a paymaster re-simulates.
	SkipEstimation bool
	FeeTier        bundler.FeeTier
	NonceKey       *big.Int
	// Nonce pins the nonce instead of reading it from the EntryPoint.
	Nonce *big.Int
}

type ExecuteOptions struct {
	Build BuildOptions
	// Sponsor asks the configured paymaster to cover gas, under PolicyID or the default policy.
	Sponsor  bool
	PolicyID string
	// PayWithToken uses ERC-20 paymaster mode with this token.
	PayWithToken *common.Address
}

// Builder runs the build, estimate, sponsor, sign and submit pipeline for smart accounts.
type Builder struct {
	cfg       BuilderConfig
	chain     ChainClient
	bundler   *bundler.BundlerClient
	paymaster *paymaster.PaymasterClient

	nonces    *bundler.NonceManager
	addresses *aa.AddressCache
	tracker   *Tracker
	metrics   metrics.Recorder
	logger    logger.Logger

	verifyMu sync.Mutex
	verified bool
}

// NewBuilder wires the pipeline. pm may be nil when no paymaster is used.
func NewBuilder(cfg BuilderConfig, chain ChainClient, bc *bundler.BundlerClient, pm *paymaster.PaymasterClient, log logger.Logger) (*Builder, error) {
	if chain == nil || bc == nil {
		return nil, errors.New("preset: chain client and bundler are required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("preset: chain id is required")
	}
	if cfg.EntryPoint == (common.Address{}) {
		cfg.EntryPoint = bc.EntryPoint()
	}
	if cfg.EntryPoint != bc.EntryPoint() {
		return nil, fmt.Errorf("preset: bundler is bound to entrypoint %s, config says %s", bc.EntryPoint().Hex(), cfg.EntryPoint.Hex())
	}
	if cfg.Factory == (common.Address{}) {
		cfg.Factory = aa.DefaultFactoryAddress
	}
	if cfg.Scheme == "" {
		cfg.Scheme = signer.SchemePersonalMessage
	}
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = bundler.DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = bundler.DefaultWaitTimeout
	}

	log = logger.EnsureLogger(log)
	b := &Builder{
		cfg:       cfg,
		chain:     chain,
		bundler:   bc,
		paymaster: pm,
		metrics:   metrics.Noop{},
		logger:    log,
	}
	b.nonces = bundler.NewNonceManager(b.GetNonce, log)
	return b, nil
}

// SetAddressCache memoizes ComputeAddress results in cache.
func (b *Builder) SetAddressCache(cache *aa.AddressCache) {
	b.addresses = cache
}

// SetMetrics reports pipeline outcomes and every bundler/paymaster RPC to rec.
func (b *Builder) SetMetrics(rec metrics.Recorder) {
	b.metrics = rec
	b.bundler.SetObserver(rec)
	if b.paymaster != nil {
		b.paymaster.SetObserver(rec)
	}
}

func (b *Builder) Metrics() metrics.Recorder {
	return b.metrics
}

// SetTracker journals every successful submission in t.
func (b *Builder) SetTracker(t *Tracker) {
	b.tracker = t
}

func (b *Builder) Config() BuilderConfig {
	return b.cfg
}

func (b *Builder) ComputeAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error) {
	if b.addresses != nil {
		return b.addresses.ComputeAddress(ctx, b.chain, b.cfg.Factory, owner, salt)
	}
	return aa.ComputeAddress(ctx, b.chain, b.cfg.Factory, owner, salt)
}

func (b *Builder) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	return aa.IsDeployed(ctx, b.chain, addr)
}

// GetInitCode returns the deployment instruction for (owner, salt), or empty bytes once the
// account exists.
func (b *Builder) GetInitCode(ctx context.Context, owner common.Address, salt *big.Int) ([]byte, error) {
	addr, err := b.ComputeAddress(ctx, owner, salt)
	if err != nil {
		return nil, err
	}
	deployed, err := b.IsDeployed(ctx, addr)
	if err != nil {
		return nil, err
	}
	if deployed {
		return []byte{}, nil
	}
	return aa.GetInitCode(b.cfg.Factory, owner, salt)
}

// GetNonce reads the EntryPoint nonce of account under key. It has nothing to do with the
// owner's transaction nonce.
func (b *Builder) GetNonce(ctx context.Context, account common.Address, key *big.Int) (*big.Int, error) {
	return aa.GetNonce(ctx, b.chain, b.cfg.EntryPoint, account, key)
}

func (b *Builder) CreateSmartAccount(ctx context.Context, owner common.Address, salt *big.Int) (*SmartAccount, error) {
	if salt == nil {
		salt = big.NewInt(0)
	}
	addr, err := b.ComputeAddress(ctx, owner, salt)
	if err != nil {
		return nil, err
	}
	deployed, err := b.IsDeployed(ctx, addr)
	if err != nil {
		return nil, err
	}

	return &SmartAccount{
		Owner:    owner,
		Address:  addr,
		Salt:     new(big.Int).Set(salt),
		Deployed: deployed,
		ChainID:  new(big.Int).Set(b.cfg.ChainID),
	}, nil
}

// Refresh re-reads whether the account has been deployed since it was created.
func (b *Builder) Refresh(ctx context.Context, acct *SmartAccount) error {
	deployed, err := b.IsDeployed(ctx, acct.Address)
	if err != nil {
		return err
	}
	acct.Deployed = deployed
	return nil
}

// BuildUserOperation assembles an unsigned operation for calls. Unless SkipEstimation is set
// the gas limits and any fee fields the bundler returns replace the placeholders.
func (b *Builder) BuildUserOperation(ctx context.Context, acct *SmartAccount, calls []userop.Call, opts BuildOptions) (userop.UserOperation, error) {
	callData, err := aa.PackCallData(calls)
	if err != nil {
		return userop.UserOperation{}, err
	}

	deployed, err := b.IsDeployed(ctx, acct.Address)
	if err != nil {
		return userop.UserOperation{}, err
	}
	initCode := []byte{}
	verificationGas := DEFAULT_VERIFICATION_GAS_LIMIT
	if !deployed {
		if initCode, err = aa.GetInitCode(b.cfg.Factory, acct.Owner, acct.Salt); err != nil {
			return userop.UserOperation{}, err
		}
		verificationGas = DEPLOYMENT_VERIFICATION_GAS_LIMIT
	}

	maxFee, tip, err := b.suggestFees(ctx, opts.FeeTier)
	if err != nil {
		return userop.UserOperation{}, fmt.Errorf("preset: fee suggestion: %w", err)
	}

	nonce := opts.Nonce
	if nonce == nil {
		if nonce, err = b.nonces.Next(ctx, acct.Address, opts.NonceKey); err != nil {
			return userop.UserOperation{}, fmt.Errorf("preset: nonce: %w", err)
		}
	}

	op := userop.UserOperation{
		Sender:               acct.Address,
		Nonce:                new(big.Int).Set(nonce),
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         new(big.Int).Set(DEFAULT_CALL_GAS_LIMIT),
		VerificationGasLimit: new(big.Int).Set(verificationGas),
		PreVerificationGas:   new(big.Int).Set(DEFAULT_PREVERIFICATION_GAS),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		PaymasterAndData:     []byte{},
	}

	b.logger.Debug("user operation built",
		"sender", op.Sender.Hex(),
		"nonce", op.Nonce,
		"deploying", !deployed,
		"calls", len(calls),
	)

	if opts.SkipEstimation {
		return op, nil
	}
	return b.estimate(ctx, op)
}

func (b *Builder) estimate(ctx context.Context, op userop.UserOperation) (userop.UserOperation, error) {
	est, err := b.bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return userop.UserOperation{}, fmt.Errorf("preset: gas estimation: %w", err)
	}
	b.logger.Debug("gas estimated",
		"callGas", est.CallGasLimit,
		"verificationGas", est.VerificationGasLimit,
		"preVerificationGas", est.PreVerificationGas,
	)
	return est.Apply(op), nil
}

// suggestFees prefers the bundler's fee tiers and falls back to the node when the bundler
// does not implement the vendor method.
func (b *Builder) suggestFees(ctx context.Context, tier bundler.FeeTier) (*big.Int, *big.Int, error) {
	if tier == "" {
		tier = b.cfg.FeeTier
	}

	prices, err := b.bundler.GetUserOperationGasPrice(ctx)
	if err == nil {
		p, err := prices.Tier(tier)
		if err != nil {
			return nil, nil, err
		}
		return new(big.Int).Set(p.MaxFeePerGas), new(big.Int).Set(p.MaxPriorityFeePerGas), nil
	}

	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		return nil, nil, err
	}
	b.logger.Debug("bundler has no gas price extension, asking the node", "bundler", err)
	return eip1559.SuggestFee(ctx, b.chain)
}

// SponsorUserOperation asks the paymaster to cover op. The second result is false when the
// paymaster declined and FallbackToSelfPay returned op unchanged.
func (b *Builder) SponsorUserOperation(ctx context.Context, op userop.UserOperation, policyID string) (userop.UserOperation, bool, error) {
	if b.paymaster == nil {
		return userop.UserOperation{}, false, ErrNoPaymaster
	}
	if policyID == "" {
		policyID = b.cfg.SponsorshipPolicyID
	}

	sponsored, err := b.paymaster.SponsorUserOperation(ctx, op, policyID)
	if err == nil {
		b.metrics.IncSponsorship("sponsored")
		return sponsored, true, nil
	}

	if errors.Is(err, paymaster.ErrSponsorshipDenied) {
		b.metrics.IncSponsorship("denied")
		if b.cfg.FallbackToSelfPay {
			b.logger.Info("sponsorship denied, falling back to self pay", "sender", op.Sender.Hex(), "error", err)
			return op, false, nil
		}
	} else {
		b.metrics.IncSponsorship("error")
	}
	return userop.UserOperation{}, false, err
}

// SignUserOperation signs op for the configured entry point and chain.
func (b *Builder) SignUserOperation(op userop.UserOperation, key *ecdsa.PrivateKey) (*userop.SignedUserOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	hash := op.Hash(b.cfg.EntryPoint, b.cfg.ChainID)
	sig, err := signer.SignHash(key, hash, b.cfg.Scheme)
	if err != nil {
		return nil, fmt.Errorf("preset: sign user operation: %w", err)
	}
	return userop.NewSignedUserOperation(op, sig)
}

// Submit sends signed to the bundler once. With SubmitRetries set, retryable failures resend
// the very same operation that many more times. Nonce rejections reset the nonce cache and
// return ErrNonceRejected.
func (b *Builder) Submit(ctx context.Context, signed *userop.SignedUserOperation) (string, error) {
	if err := b.verifyBundler(ctx); err != nil {
		return "", err
	}

	op := signed.UserOperation()
	if op.Nonce == nil {
		op.Nonce = new(big.Int)
	}
	// the upper 192 bits of an EntryPoint nonce are its key
	nonceKey := new(big.Int).Rsh(op.Nonce, 64)

	attempts := 1 + b.cfg.SubmitRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		hash, err := b.bundler.SendUserOperation(ctx, signed)
		if err == nil {
			b.nonces.Increment(op.Sender, nonceKey, op.Nonce)
			b.metrics.IncSubmission("ok")
			b.logger.Info("user operation sent",
				"attempt", attempt,
				"hash", hash,
				"sender", op.Sender.Hex(),
				"nonce", op.Nonce,
			)
			return hash, nil
		}
		lastErr = err

		if jsonrpc.IsRejection(err) {
			b.nonces.Reset(op.Sender, nonceKey)
			b.metrics.IncSubmission("rejected")
			return "", fmt.Errorf("%w: %v", ErrNonceRejected, err)
		}
		if !jsonrpc.IsRetryable(err) {
			b.metrics.IncSubmission("error")
			return "", err
		}

		if attempt == attempts {
			break
		}
		b.logger.Warn("user operation send failed, resending", "attempt", attempt, "of", attempts, "error", err)
		timer := time.NewTimer(b.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	b.metrics.IncSubmission("error")
	if attempts == 1 {
		return "", lastErr
	}
	return "", fmt.Errorf("preset: send user operation after %d attempts: %w", attempts, lastErr)
}

func (b *Builder) verifyBundler(ctx context.Context) error {
	if !b.cfg.VerifyBundler {
		return nil
	}
	b.verifyMu.Lock()
	defer b.verifyMu.Unlock()
	if b.verified {
		return nil
	}

	if err := b.bundler.EnsureEntryPointSupported(ctx); err != nil {
		return err
	}
	if err := b.bundler.EnsureChainID(ctx, b.cfg.ChainID); err != nil {
		return err
	}
	b.verified = true
	return nil
}

// Execute builds, optionally sponsors, signs and submits calls from acct, returning the
// userOpHash assigned by the bundler.
func (b *Builder) Execute(ctx context.Context, acct *SmartAccount, calls []userop.Call, key *ecdsa.PrivateKey, opts ExecuteOptions) (string, error) {
	if key == nil {
		return "", signer.ErrNoKey
	}

	sponsoring := (opts.Sponsor || opts.PayWithToken != nil) && b.paymaster != nil
	if (opts.Sponsor || opts.PayWithToken != nil) && b.paymaster == nil {
		return "", ErrNoPaymaster
	}

	buildOpts := opts.Build
	estimateLater := false
	if sponsoring && !buildOpts.SkipEstimation {
		buildOpts.SkipEstimation = true
		estimateLater = true
	}

	op, err := b.BuildUserOperation(ctx, acct, calls, buildOpts)
	if err != nil {
		return "", err
	}

	if sponsoring {
		sponsored := false
		if opts.PayWithToken != nil {
			resp, err := b.paymaster.GetERC20PaymasterData(ctx, op, *opts.PayWithToken)
			if err != nil {
				return "", err
			}
			op, sponsored = resp.Apply(op), true
		} else if op, sponsored, err = b.SponsorUserOperation(ctx, op, opts.PolicyID); err != nil {
			return "", err
		}
		if !sponsored && estimateLater {
			if op, err = b.estimate(ctx, op); err != nil {
				return "", err
			}
		}
	}

	signed, err := b.SignUserOperation(op, key)
	if err != nil {
		return "", err
	}

	hash, err := b.Submit(ctx, signed)
	if err != nil {
		return "", err
	}

	if b.tracker != nil {
		if err := b.tracker.Track(hash, signed); err != nil {
			b.logger.Error("cannot journal submitted user operation", "hash", hash, "error", err)
		}
	}
	return hash, nil
}

// ReleaseNonce drops the cached nonce of sender when an operation using nonce will never
// land, so the next build reads the EntryPoint again instead of leaving a gap.
func (b *Builder) ReleaseNonce(sender common.Address, nonce *big.Int) {
	if nonce == nil {
		return
	}
	b.nonces.Release(sender, new(big.Int).Rsh(nonce, 64), nonce)
}

// WaitForReceipt polls the bundler with the configured interval and timeout.
func (b *Builder) WaitForReceipt(ctx context.Context, hash string) (*bundler.UserOperationReceipt, error) {
	return b.bundler.WaitForReceipt(ctx, hash, b.cfg.WaitTimeout, b.cfg.PollInterval)
}

// GetStatus uses the vendor status method, and derives the status from the receipt and the
// mempool lookup when the bundler lacks it. Included operations are resolved to succeeded
// or reverted through their receipt.
func (b *Builder) GetStatus(ctx context.Context, hash string) (*bundler.UserOperationStatus, error) {
	status, err := b.bundler.GetUserOperationStatus(ctx, hash)
	if err == nil {
		if err := b.bundler.ResolveIncluded(ctx, status); err != nil {
			return nil, err
		}
		return status, nil
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		return nil, err
	}

	receipt, err := b.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		txHash := receipt.Receipt.TransactionHash.Hex()
		return &bundler.UserOperationStatus{
			UserOpHash:      hash,
			Status:          receipt.Status(),
			TransactionHash: &txHash,
			Receipt:         receipt,
		}, nil
	}

	byHash, err := b.bundler.GetUserOperationByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if byHash == nil {
		return &bundler.UserOperationStatus{UserOpHash: hash, Status: bundler.StatusNotFound}, nil
	}
	if byHash.Included() {
		txHash := byHash.TransactionHash.Hex()
		return &bundler.UserOperationStatus{UserOpHash: hash, Status: bundler.StatusIncluded, TransactionHash: &txHash}, nil
	}
	return &bundler.UserOperationStatus{UserOpHash: hash, Status: bundler.StatusPending}, nil
}
