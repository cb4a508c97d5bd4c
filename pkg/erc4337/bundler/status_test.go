package bundler

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatesAreFinal(t *testing.T) {
	all := []Status{StatusNotFound, StatusPending, StatusSubmitted, StatusIncluded, StatusSucceeded, StatusReverted, StatusFailed}
	terminal := []Status{StatusSucceeded, StatusReverted, StatusFailed}

	for _, from := range terminal {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			if to == from {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusNotFound, StatusPending))
	assert.True(t, CanTransition(StatusPending, StatusSubmitted))
	assert.True(t, CanTransition(StatusSubmitted, StatusIncluded))
	assert.True(t, CanTransition(StatusIncluded, StatusSucceeded))
	assert.True(t, CanTransition(StatusIncluded, StatusReverted))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusSubmitted, StatusFailed))

	assert.False(t, CanTransition(StatusIncluded, StatusPending))
	assert.False(t, CanTransition(StatusSubmitted, StatusNotFound))
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"not_found":     StatusNotFound,
		"not_submitted": StatusPending,
		"submitted":     StatusSubmitted,
		"included":      StatusIncluded,
		"reverted":      StatusReverted,
		"rejected":      StatusFailed,
		"FAILED":        StatusFailed,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("")
	assert.Error(t, err)
}

func TestNonceManager(t *testing.T) {
	sender := common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	onChain := big.NewInt(5)
	fetches := 0
	nm := NewNonceManager(func(ctx context.Context, s common.Address, key *big.Int) (*big.Int, error) {
		fetches++
		return new(big.Int).Set(onChain), nil
	}, nil)

	n, err := nm.Next(context.Background(), sender, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Int64())

	nm.Increment(sender, nil, n)
	n, err = nm.Next(context.Background(), sender, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n.Int64(), "cached nonce ahead of chain wins")

	// a different key has its own sequence
	n, err = nm.Next(context.Background(), sender, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Int64())

	onChain.SetInt64(9)
	n, err = nm.Next(context.Background(), sender, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n.Int64(), "chain ahead of cache wins")

	nm.Increment(sender, nil, big.NewInt(9))
	nm.Reset(sender, nil)
	_, ok := nm.Cached(sender, nil)
	assert.False(t, ok)
	assert.Equal(t, 4, fetches)
}

func TestNonceManagerRelease(t *testing.T) {
	sender := common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	nm := NewNonceManager(func(context.Context, common.Address, *big.Int) (*big.Int, error) {
		return big.NewInt(5), nil
	}, nil)

	nm.Increment(sender, nil, big.NewInt(5))
	n, err := nm.Next(context.Background(), sender, nil)
	require.NoError(t, err)
	require.Equal(t, int64(6), n.Int64())

	// an older nonce failing does not touch a cache that never moved past it
	nm.Release(sender, nil, big.NewInt(6))
	_, ok := nm.Cached(sender, nil)
	assert.True(t, ok)

	// nonce 5 was dropped by the bundler
	nm.Release(sender, nil, big.NewInt(5))
	_, ok = nm.Cached(sender, nil)
	assert.False(t, ok)

	n, err = nm.Next(context.Background(), sender, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Int64())
}

func TestNonceManagerPropagatesFetchError(t *testing.T) {
	boom := errors.New("rpc down")
	nm := NewNonceManager(func(context.Context, common.Address, *big.Int) (*big.Int, error) {
		return nil, boom
	}, nil)

	_, err := nm.Next(context.Background(), common.Address{}, nil)
	assert.ErrorIs(t, err, boom)
}
