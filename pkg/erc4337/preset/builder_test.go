package preset

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/core/testutil"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

const sentHash = "0x1d2c2ff5b4b0bd0e0e35d9c9c6b5d0a3b0c2a1f8d5f0e9a8b7c6d5e4f3a2b1c0"

var recipient = common.HexToAddress("0xe0f7D11FD714674722d325Cd86062A5F1882E13a")

type fixture struct {
	chain     *testutil.FakeChain
	bundler   *testutil.RPCServer
	paymaster *testutil.RPCServer
	builder   *Builder
}

func newFixture(t *testing.T, withPaymaster bool, mutate func(*BuilderConfig)) *fixture {
	t.Helper()

	f := &fixture{chain: testutil.NewFakeChain(), bundler: testutil.NewRPCServer(t)}
	f.chain.InstallFactory(aa.DefaultFactoryAddress)
	f.chain.InstallEntryPoint(aa.DefaultEntryPointAddress)

	f.bundler.Result("pimlico_getUserOperationGasPrice", gasPrices())
	f.bundler.Result("eth_estimateUserOperationGas", map[string]any{
		"preVerificationGas":   "0xb3b0",
		"verificationGasLimit": "0x5b8d8",
		"callGasLimit":         "0x9c40",
	})
	f.bundler.Result("eth_sendUserOperation", sentHash)

	bc, err := bundler.NewBundlerClient(jsonrpc.Config{URL: f.bundler.URL, APIKey: testutil.TestAPIKey}, aa.DefaultEntryPointAddress, nil)
	require.NoError(t, err)

	var pm *paymaster.PaymasterClient
	if withPaymaster {
		f.paymaster = testutil.NewRPCServer(t)
		pm, err = paymaster.NewPaymasterClient(jsonrpc.Config{URL: f.paymaster.URL, APIKey: testutil.TestAPIKey}, aa.DefaultEntryPointAddress, big.NewInt(testutil.ChainID), nil)
		require.NoError(t, err)
	}

	cfg := BuilderConfig{
		ChainID:      big.NewInt(testutil.ChainID),
		RetryBackoff: time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		WaitTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.builder, err = NewBuilder(cfg, f.chain, bc, pm, testutil.GetLogger())
	require.NoError(t, err)
	return f
}

func (f *fixture) account(t *testing.T) *SmartAccount {
	t.Helper()
	acct, err := f.builder.CreateSmartAccount(context.Background(), testutil.OwnerAddress(), big.NewInt(0))
	require.NoError(t, err)
	return acct
}

func gasPrices() map[string]any {
	tier := func(maxFee, tip string) map[string]string {
		return map[string]string{"maxFeePerGas": maxFee, "maxPriorityFeePerGas": tip}
	}
	return map[string]any{
		"slow":     tier("0x3b9aca00", "0x3b9aca00"),
		"standard": tier("0x77359400", "0x3b9aca00"),
		"fast":     tier("0xb2d05e00", "0x77359400"),
	}
}

func sponsorship() map[string]any {
	return map[string]any{
		"paymasterAndData":     hexutil.Encode(append(testutil.PaymasterAddress.Bytes(), 0x00, 0xff)),
		"preVerificationGas":   "0xc350",
		"verificationGasLimit": "0x7a120",
		"callGasLimit":         "0x186a0",
	}
}

func transfer() []userop.Call {
	return []userop.Call{{To: recipient, Value: big.NewInt(1000)}}
}

func lastSentOp(t *testing.T, srv *testutil.RPCServer) userop.UserOperation {
	t.Helper()
	calls := srv.Calls("eth_sendUserOperation")
	require.NotEmpty(t, calls)
	var wire userop.Wire
	require.NoError(t, json.Unmarshal(calls[len(calls)-1].Params[0], &wire))
	op, _, err := wire.Decode()
	require.NoError(t, err)
	return op
}

func TestNewBuilderRequiresMatchingEntryPoint(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	bc, err := bundler.NewBundlerClient(jsonrpc.Config{URL: srv.URL, APIKey: testutil.TestAPIKey}, aa.DefaultEntryPointAddress, nil)
	require.NoError(t, err)

	_, err = NewBuilder(BuilderConfig{
		ChainID:    big.NewInt(testutil.ChainID),
		EntryPoint: common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
	}, testutil.NewFakeChain(), bc, nil, nil)
	assert.Error(t, err)

	_, err = NewBuilder(BuilderConfig{}, testutil.NewFakeChain(), bc, nil, nil)
	assert.Error(t, err)

	b, err := NewBuilder(BuilderConfig{ChainID: big.NewInt(testutil.ChainID)}, testutil.NewFakeChain(), bc, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, aa.DefaultEntryPointAddress, b.Config().EntryPoint)
	assert.Equal(t, aa.DefaultFactoryAddress, b.Config().Factory)
	assert.Equal(t, signer.SchemePersonalMessage, b.Config().Scheme)
}

func TestCreateSmartAccountIsCounterfactual(t *testing.T) {
	f := newFixture(t, false, nil)
	acct := f.account(t)

	assert.Equal(t, testutil.OwnerAddress(), acct.Owner)
	assert.False(t, acct.Deployed)
	assert.Equal(t, int64(testutil.ChainID), acct.ChainID.Int64())

	again, err := f.builder.ComputeAddress(context.Background(), testutil.OwnerAddress(), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, acct.Address, again)

	other, err := f.builder.ComputeAddress(context.Background(), testutil.OwnerAddress(), big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, acct.Address, other)

	initCode, err := f.builder.GetInitCode(context.Background(), acct.Owner, acct.Salt)
	require.NoError(t, err)
	assert.Equal(t, aa.DefaultFactoryAddress.Bytes(), initCode[:20])

	f.chain.SetCode(acct.Address, []byte{0x60, 0x80})
	require.NoError(t, f.builder.Refresh(context.Background(), acct))
	assert.True(t, acct.Deployed)

	initCode, err = f.builder.GetInitCode(context.Background(), acct.Owner, acct.Salt)
	require.NoError(t, err)
	assert.Empty(t, initCode)
}

func TestAddressCacheAvoidsFactoryCalls(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := aa.NewAddressCache(ctx, time.Minute)
	require.NoError(t, err)
	defer cache.Close()
	f.builder.SetAddressCache(cache)

	for i := 0; i < 3; i++ {
		_, err := f.builder.ComputeAddress(ctx, testutil.OwnerAddress(), big.NewInt(7))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.chain.CallCount(aa.DefaultFactoryAddress, "getAddress(address,uint256)"))
}

func TestBuildUserOperationForUndeployedAccount(t *testing.T) {
	f := newFixture(t, false, nil)
	acct := f.account(t)

	op, err := f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, acct.Address, op.Sender)
	assert.Equal(t, int64(0), op.Nonce.Int64())
	assert.True(t, op.HasInitCode())
	assert.Equal(t, []byte{0xb6, 0x1d, 0x27, 0xf6}, op.CallData[:4])
	assert.Empty(t, op.PaymasterAndData)

	// estimate replaces every placeholder
	assert.Equal(t, int64(0xb3b0), op.PreVerificationGas.Int64())
	assert.Equal(t, int64(0x5b8d8), op.VerificationGasLimit.Int64())
	assert.Equal(t, int64(0x9c40), op.CallGasLimit.Int64())

	// standard tier by default
	assert.Equal(t, int64(2_000_000_000), op.MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), op.MaxPriorityFeePerGas.Int64())

	est := f.bundler.Calls("eth_estimateUserOperationGas")
	require.Len(t, est, 1)
	assert.Equal(t, testutil.TestAPIKey, est[0].APIKey)
	var wire userop.Wire
	require.NoError(t, json.Unmarshal(est[0].Params[0], &wire))
	sig, err := hexutil.Decode(wire.Signature)
	require.NoError(t, err)
	assert.True(t, userop.IsDummySignature(sig))
}

func TestBuildUserOperationSkipEstimationKeepsDefaults(t *testing.T) {
	f := newFixture(t, false, nil)
	acct := f.account(t)

	op, err := f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{SkipEstimation: true, FeeTier: bundler.FeeTierFast})
	require.NoError(t, err)

	assert.Equal(t, 0, f.bundler.Count("eth_estimateUserOperationGas"))
	assert.Equal(t, DEFAULT_CALL_GAS_LIMIT, op.CallGasLimit)
	assert.Equal(t, DEPLOYMENT_VERIFICATION_GAS_LIMIT, op.VerificationGasLimit)
	assert.Equal(t, DEFAULT_PREVERIFICATION_GAS, op.PreVerificationGas)
	assert.Equal(t, int64(3_000_000_000), op.MaxFeePerGas.Int64())

	f.chain.SetCode(acct.Address, []byte{0x60, 0x80})
	f.chain.Nonces[acct.Address] = big.NewInt(4)

	op, err = f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{SkipEstimation: true})
	require.NoError(t, err)
	assert.False(t, op.HasInitCode())
	assert.Equal(t, DEFAULT_VERIFICATION_GAS_LIMIT, op.VerificationGasLimit)
	assert.Equal(t, int64(4), op.Nonce.Int64())
}

func TestBuildUserOperationFallsBackToNodeFees(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.Fail("pimlico_getUserOperationGasPrice", jsonrpc.CodeMethodNotFound, "method not found")

	op, err := f.builder.BuildUserOperation(context.Background(), f.account(t), transfer(), BuildOptions{SkipEstimation: true})
	require.NoError(t, err)

	// 1 gwei tip and base fee hit both floors
	assert.Equal(t, int64(2_000_000_000), op.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(20_000_000_000), op.MaxFeePerGas.Int64())
}

func TestBuildUserOperationFeeErrorsAreFatal(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.Fail("pimlico_getUserOperationGasPrice", -32603, "internal error")

	_, err := f.builder.BuildUserOperation(context.Background(), f.account(t), transfer(), BuildOptions{})
	var rpcErr *jsonrpc.RPCError
	assert.ErrorAs(t, err, &rpcErr)
}

func TestBuildUserOperationEstimationFailureIsFatal(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.Fail("eth_estimateUserOperationGas", -32500, "AA21 didn't pay prefund")

	_, err := f.builder.BuildUserOperation(context.Background(), f.account(t), transfer(), BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AA21")
}

func TestBuildUserOperationRejectsEmptyCalls(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.builder.BuildUserOperation(context.Background(), f.account(t), nil, BuildOptions{})
	assert.ErrorIs(t, err, ErrNoCalls)
}

func TestSignUserOperationRecoversOwner(t *testing.T) {
	for _, scheme := range []signer.Scheme{signer.SchemePersonalMessage, signer.SchemeRawHash} {
		f := newFixture(t, false, func(c *BuilderConfig) { c.Scheme = scheme })
		op, err := f.builder.BuildUserOperation(context.Background(), f.account(t), transfer(), BuildOptions{})
		require.NoError(t, err)

		signed, err := f.builder.SignUserOperation(op, testutil.OwnerKey())
		require.NoError(t, err)
		require.Len(t, signed.Signature(), userop.SignatureLength)

		hash := op.Hash(aa.DefaultEntryPointAddress, big.NewInt(testutil.ChainID))
		owner, err := signer.RecoverAddress(hash, signed.Signature(), scheme)
		require.NoError(t, err)
		assert.Equal(t, testutil.OwnerAddress(), owner, scheme)
	}
}

func TestSignUserOperationValidates(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.builder.SignUserOperation(userop.UserOperation{}, testutil.OwnerKey())
	assert.Error(t, err)
}

func TestExecuteSubmitsSignedOperation(t *testing.T) {
	f := newFixture(t, false, nil)
	acct := f.account(t)

	hash, err := f.builder.Execute(context.Background(), acct, transfer(), testutil.OwnerKey(), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, sentHash, hash)
	assert.Len(t, common.FromHex(hash), 32)

	calls := f.bundler.Calls("eth_sendUserOperation")
	require.Len(t, calls, 1)
	var ep string
	require.NoError(t, json.Unmarshal(calls[0].Params[1], &ep))
	assert.Equal(t, aa.DefaultEntryPointAddress, common.HexToAddress(ep))

	sent := lastSentOp(t, f.bundler)
	assert.Equal(t, acct.Address, sent.Sender)

	// the chain still reports 0 until the bundle lands, the cache is ahead of it
	cached, ok := f.builder.nonces.Cached(acct.Address, nil)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Int64())

	op, err := f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{SkipEstimation: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.Nonce.Int64())
}

func TestBuildUserOperationRejectsValueInBatch(t *testing.T) {
	f := newFixture(t, false, nil)
	calls := []userop.Call{{To: recipient, Value: big.NewInt(1000)}, {To: testutil.PaymasterAddress, Data: []byte{0x01}}}

	_, err := f.builder.Execute(context.Background(), f.account(t), calls, testutil.OwnerKey(), ExecuteOptions{Build: BuildOptions{SkipEstimation: true}})
	assert.ErrorIs(t, err, aa.ErrBatchValue)
	assert.Equal(t, 0, f.bundler.Count("eth_sendUserOperation"))
}

func TestExecuteRequiresKey(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), nil, ExecuteOptions{})
	assert.ErrorIs(t, err, signer.ErrNoKey)
	assert.Equal(t, 0, f.bundler.Count("eth_sendUserOperation"))
}

func TestSubmitSendsOnceByDefault(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.FailHTTP("eth_sendUserOperation", 503)
	acct := f.account(t)

	_, err := f.builder.Execute(context.Background(), acct, transfer(), testutil.OwnerKey(), ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, jsonrpc.IsRetryable(err))
	var httpErr *jsonrpc.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode)
	assert.Equal(t, 1, f.bundler.Count("eth_sendUserOperation"))

	_, ok := f.builder.nonces.Cached(acct.Address, nil)
	assert.False(t, ok)
}

func TestSubmitRetriesTheSameOperation(t *testing.T) {
	f := newFixture(t, false, func(c *BuilderConfig) { c.SubmitRetries = 2 })
	f.bundler.FailHTTP("eth_sendUserOperation", 503, 502)

	hash, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, sentHash, hash)

	calls := f.bundler.Calls("eth_sendUserOperation")
	require.Len(t, calls, 3)
	assert.JSONEq(t, string(calls[0].Params[0]), string(calls[2].Params[0]))
}

func TestSubmitGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, false, func(c *BuilderConfig) { c.SubmitRetries = 1 })
	f.bundler.FailHTTP("eth_sendUserOperation", 503, 503, 503)

	_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{})
	var httpErr *jsonrpc.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode)
	assert.Equal(t, 2, f.bundler.Count("eth_sendUserOperation"))
}

func TestSubmitNonceRejection(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.Fail("eth_sendUserOperation", -32602, "AA25 invalid account nonce")
	acct := f.account(t)

	_, err := f.builder.Execute(context.Background(), acct, transfer(), testutil.OwnerKey(), ExecuteOptions{})
	assert.ErrorIs(t, err, ErrNonceRejected)
	assert.Equal(t, 1, f.bundler.Count("eth_sendUserOperation"))

	_, ok := f.builder.nonces.Cached(acct.Address, nil)
	assert.False(t, ok)

	f.chain.Nonces[acct.Address] = big.NewInt(9)
	op, err := f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{SkipEstimation: true})
	require.NoError(t, err)
	assert.Equal(t, int64(9), op.Nonce.Int64())
}

func TestSubmitVerifiesBundlerOnce(t *testing.T) {
	f := newFixture(t, false, func(c *BuilderConfig) { c.VerifyBundler = true })
	f.bundler.Result("eth_supportedEntryPoints", []string{aa.DefaultEntryPointAddress.Hex()})
	f.bundler.Result("eth_chainId", hexutil.EncodeUint64(testutil.ChainID))
	acct := f.account(t)

	for i := 0; i < 2; i++ {
		_, err := f.builder.Execute(context.Background(), acct, transfer(), testutil.OwnerKey(), ExecuteOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.bundler.Count("eth_supportedEntryPoints"))
	assert.Equal(t, 1, f.bundler.Count("eth_chainId"))
}

func TestSubmitStopsOnWrongChain(t *testing.T) {
	f := newFixture(t, false, func(c *BuilderConfig) { c.VerifyBundler = true })
	f.bundler.Result("eth_supportedEntryPoints", []string{aa.DefaultEntryPointAddress.Hex()})
	f.bundler.Result("eth_chainId", "0x1")

	_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{})
	assert.ErrorIs(t, err, bundler.ErrChainIDMismatch)
	assert.Equal(t, 0, f.bundler.Count("eth_sendUserOperation"))
}

func TestExecuteSponsored(t *testing.T) {
	f := newFixture(t, true, func(c *BuilderConfig) { c.SponsorshipPolicyID = "sp_default" })
	f.paymaster.Result("pm_sponsorUserOperation", sponsorship())

	_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{Sponsor: true})
	require.NoError(t, err)

	// the paymaster re-simulates, so the bundler estimate is skipped
	assert.Equal(t, 0, f.bundler.Count("eth_estimateUserOperationGas"))
	assert.Equal(t, 1, f.paymaster.Count("pm_sponsorUserOperation"))

	sent := lastSentOp(t, f.bundler)
	pm, ok := sent.Paymaster()
	require.True(t, ok)
	assert.Equal(t, testutil.PaymasterAddress, pm)
	assert.Equal(t, int64(0x7a120), sent.VerificationGasLimit.Int64())
}

func TestExecuteSponsorshipDenied(t *testing.T) {
	t.Run("fails without fallback", func(t *testing.T) {
		f := newFixture(t, true, nil)
		f.paymaster.Fail("pm_sponsorUserOperation", -32500, "UserOperation not sponsored by policy")

		_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{Sponsor: true})
		assert.ErrorIs(t, err, paymaster.ErrSponsorshipDenied)
		assert.Equal(t, 0, f.bundler.Count("eth_sendUserOperation"))
	})

	t.Run("self pays with fallback", func(t *testing.T) {
		f := newFixture(t, true, func(c *BuilderConfig) { c.FallbackToSelfPay = true })
		f.paymaster.Fail("pm_sponsorUserOperation", -32500, "UserOperation not sponsored by policy")

		_, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{Sponsor: true})
		require.NoError(t, err)

		sent := lastSentOp(t, f.bundler)
		assert.Empty(t, sent.PaymasterAndData)
		// estimated once the paymaster declined
		assert.Equal(t, 1, f.bundler.Count("eth_estimateUserOperationGas"))
		assert.Equal(t, int64(0x9c40), sent.CallGasLimit.Int64())
	})
}

func TestSponsorWithoutPaymaster(t *testing.T) {
	f := newFixture(t, false, nil)
	_, _, err := f.builder.SponsorUserOperation(context.Background(), userop.UserOperation{}, "")
	assert.ErrorIs(t, err, ErrNoPaymaster)

	_, err = f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{Sponsor: true})
	assert.ErrorIs(t, err, ErrNoPaymaster)
}

func TestEstimateCost(t *testing.T) {
	t.Run("self pay", func(t *testing.T) {
		f := newFixture(t, false, nil)
		cost, err := f.builder.EstimateCost(context.Background(), f.account(t), transfer(), "")
		require.NoError(t, err)

		gas := int64(0xb3b0 + 0x5b8d8 + 0x9c40)
		assert.Equal(t, gas, cost.GasLimit.Int64())
		assert.Equal(t, new(big.Int).Mul(big.NewInt(gas), big.NewInt(2_000_000_000)), cost.Wei)
		assert.Zero(t, cost.Premium.Sign())
		assert.False(t, cost.Sponsored)
		assert.True(t, cost.Native.Shift(18).BigInt().Cmp(cost.Wei) == 0)
	})

	t.Run("sponsored adds premium", func(t *testing.T) {
		f := newFixture(t, true, nil)
		f.paymaster.Result("pm_sponsorUserOperation", sponsorship())

		cost, err := f.builder.EstimateCost(context.Background(), f.account(t), transfer(), "sp_my_app")
		require.NoError(t, err)
		assert.True(t, cost.Sponsored)

		delta := int64(0xc350+0x7a120+0x186a0) - int64(0xb3b0+0x5b8d8+0x9c40)
		assert.Equal(t, new(big.Int).Mul(big.NewInt(delta), big.NewInt(2_000_000_000)), cost.Premium)
		assert.Equal(t, new(big.Int).Add(cost.UserOperation.MaxCost(), cost.Premium), cost.Wei)
	})

	t.Run("denial costs nothing extra", func(t *testing.T) {
		f := newFixture(t, true, nil)
		f.paymaster.Fail("pm_sponsorUserOperation", -32500, "UserOperation not sponsored by policy")

		cost, err := f.builder.EstimateCost(context.Background(), f.account(t), transfer(), "sp_my_app")
		require.NoError(t, err)
		assert.False(t, cost.Sponsored)
		assert.Zero(t, cost.Premium.Sign())
	})
}

func receipt(success bool) map[string]any {
	return map[string]any{
		"userOpHash":    sentHash,
		"entryPoint":    aa.DefaultEntryPointAddress.Hex(),
		"sender":        "0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6",
		"nonce":         "0x0",
		"paymaster":     "0x0000000000000000000000000000000000000000",
		"actualGasCost": "0x5af3107a4000",
		"actualGasUsed": "0x186a0",
		"success":       success,
		"reason":        "",
		"logs":          []any{},
		"receipt": map[string]any{
			"transactionHash": "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9",
			"blockHash":       "0x9d1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9",
			"blockNumber":     "0x10",
			"gasUsed":         "0x186a0",
			"status":          "0x1",
		},
	}
}

func TestWaitForReceipt(t *testing.T) {
	f := newFixture(t, false, nil)
	f.bundler.Sequence("eth_getUserOperationReceipt", nil, nil, receipt(true))

	r, err := f.builder.WaitForReceipt(context.Background(), sentHash)
	require.NoError(t, err)
	assert.Equal(t, bundler.StatusSucceeded, r.Status())
	assert.Equal(t, 3, f.bundler.Count("eth_getUserOperationReceipt"))
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	f := newFixture(t, false, func(c *BuilderConfig) { c.WaitTimeout = 50 * time.Millisecond })
	f.bundler.Result("eth_getUserOperationReceipt", nil)

	_, err := f.builder.WaitForReceipt(context.Background(), sentHash)
	assert.ErrorIs(t, err, bundler.ErrTimeout)
}

func TestGetStatus(t *testing.T) {
	t.Run("vendor method", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("pimlico_getUserOperationStatus", map[string]any{"status": "submitted", "transactionHash": nil})

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusSubmitted, status.Status)
		assert.Equal(t, 0, f.bundler.Count("eth_getUserOperationReceipt"))
	})

	t.Run("included resolves through the receipt", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("pimlico_getUserOperationStatus", map[string]any{"status": "included", "transactionHash": nil})
		f.bundler.Result("eth_getUserOperationReceipt", receipt(true))

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusSucceeded, status.Status)
		assert.True(t, status.Status.IsTerminal())
		require.NotNil(t, status.Receipt)
		require.NotNil(t, status.TransactionHash)
		assert.Equal(t, "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9", *status.TransactionHash)
	})

	t.Run("included without receipt yet", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("pimlico_getUserOperationStatus", map[string]any{"status": "included", "transactionHash": nil})
		f.bundler.Result("eth_getUserOperationReceipt", nil)

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusIncluded, status.Status)
	})

	t.Run("receipt fallback", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("eth_getUserOperationReceipt", receipt(false))

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusReverted, status.Status)
		require.NotNil(t, status.TransactionHash)
		assert.Equal(t, "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9", *status.TransactionHash)
		require.NotNil(t, status.Receipt)
	})

	t.Run("mempool fallback", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("eth_getUserOperationReceipt", nil)
		f.bundler.Result("eth_getUserOperationByHash", map[string]any{
			"userOperation":   map[string]any{},
			"entryPoint":      aa.DefaultEntryPointAddress.Hex(),
			"blockNumber":     nil,
			"blockHash":       nil,
			"transactionHash": nil,
		})

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusPending, status.Status)
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.Result("eth_getUserOperationReceipt", nil)
		f.bundler.Result("eth_getUserOperationByHash", nil)

		status, err := f.builder.GetStatus(context.Background(), sentHash)
		require.NoError(t, err)
		assert.Equal(t, bundler.StatusNotFound, status.Status)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.bundler.FailHTTP("pimlico_getUserOperationStatus", 500)

		_, err := f.builder.GetStatus(context.Background(), sentHash)
		var httpErr *jsonrpc.HTTPError
		assert.True(t, errors.As(err, &httpErr))
	})
}
