package eip1559

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/testutil"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestFromBaseFee(t *testing.T) {
	maxFee, tip := FromBaseFee(gwei(30), gwei(10))
	// 10 gwei + 13%
	assert.Equal(t, big.NewInt(11_300_000_000), tip)
	assert.Equal(t, new(big.Int).Add(gwei(60), tip), maxFee)
}

func TestFromBaseFeeFloors(t *testing.T) {
	maxFee, tip := FromBaseFee(gwei(1), big.NewInt(1))
	assert.Equal(t, MinPriorityFee, tip)
	assert.Equal(t, MinMaxFee, maxFee)

	// returned values never alias the package floors
	tip.SetInt64(0)
	assert.Equal(t, int64(2_000_000_000), MinPriorityFee.Int64())
}

func TestFromBaseFeeLegacyChain(t *testing.T) {
	maxFee, tip := FromBaseFee(nil, gwei(5))
	assert.Equal(t, tip, maxFee)
	maxFee.SetInt64(0)
	assert.NotEqual(t, int64(0), tip.Int64())
}

func TestSuggestFee(t *testing.T) {
	chain := testutil.NewFakeChain()
	chain.BaseFee = gwei(15)
	chain.TipCap = gwei(3)

	maxFee, tip, err := SuggestFee(context.Background(), chain)
	require.NoError(t, err)
	wantMax, wantTip := FromBaseFee(gwei(15), gwei(3))
	assert.Equal(t, wantTip, tip)
	assert.Equal(t, wantMax, maxFee)
}

type failingReader struct{ testutil.FakeChain }

func (*failingReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("method not supported")
}

func TestSuggestFeeError(t *testing.T) {
	_, _, err := SuggestFee(context.Background(), &failingReader{})
	assert.EqualError(t, err, "method not supported")
}
