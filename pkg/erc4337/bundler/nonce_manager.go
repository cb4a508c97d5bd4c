package bundler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// NonceFetcher reads the EntryPoint nonce for (sender, key).
type NonceFetcher func(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)

type nonceKey struct {
	sender common.Address
	key    string
}

// NonceManager hands out EntryPoint nonces for sequential submissions from one process.
// The next nonce is max(on-chain, cached), so an operation still in the bundler mempool is
// never reused. An operation the bundler accepted and later dropped leaves the cache ahead
// of the chain until Release or Reset clears it.
type NonceManager struct {
	fetch   NonceFetcher
	logger  logger.Logger
	mu      sync.Mutex
	pending map[nonceKey]*big.Int
}

func NewNonceManager(fetch NonceFetcher, log logger.Logger) *NonceManager {
	return &NonceManager{
		fetch:   fetch,
		logger:  logger.EnsureLogger(log),
		pending: make(map[nonceKey]*big.Int),
	}
}

func keyOf(sender common.Address, key *big.Int) nonceKey {
	if key == nil {
		return nonceKey{sender: sender, key: "0"}
	}
	return nonceKey{sender: sender, key: key.String()}
}

// Next returns the nonce the next operation from sender under key should use.
func (nm *NonceManager) Next(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	onChain, err := nm.fetch(ctx, sender, key)
	if err != nil {
		return nil, err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	cached, ok := nm.pending[keyOf(sender, key)]
	if !ok || onChain.Cmp(cached) >= 0 {
		return new(big.Int).Set(onChain), nil
	}

	nm.logger.Debug("using cached nonce ahead of chain", "sender", sender.Hex(), "cached", cached, "onChain", onChain)
	return new(big.Int).Set(cached), nil
}

// Increment records that used was accepted by the bundler.
func (nm *NonceManager) Increment(sender common.Address, key, used *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	next := new(big.Int).Add(used, big.NewInt(1))
	k := keyOf(sender, key)
	if cur, ok := nm.pending[k]; ok && cur.Cmp(next) > 0 {
		return
	}
	nm.pending[k] = next
}

// Reset forgets the cached nonce so the next call reads the chain again.
func (nm *NonceManager) Reset(sender common.Address, key *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.pending, keyOf(sender, key))
	nm.logger.Info("nonce cache reset", "sender", sender.Hex())
}

// Release forgets the cached nonce when used will not land and the cache was advanced past
// it. Later nonces under the same key cannot land either, so the whole entry goes.
func (nm *NonceManager) Release(sender common.Address, key, used *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	k := keyOf(sender, key)
	cur, ok := nm.pending[k]
	if !ok || cur.Cmp(used) <= 0 {
		return
	}
	delete(nm.pending, k)
	nm.logger.Info("nonce released after dropped operation", "sender", sender.Hex(), "nonce", used)
}

// Cached returns the cached next nonce, if any.
func (nm *NonceManager) Cached(sender common.Address, key *big.Int) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	n, ok := nm.pending[keyOf(sender, key)]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(n), true
}
