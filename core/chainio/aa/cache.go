package aa

import (
	"context"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
)

// AddressCache memoizes counterfactual addresses. The mapping (factory, owner, salt) ->
// address never changes, so the TTL only bounds memory.
type AddressCache struct {
	cache *bigcache.BigCache
}

func NewAddressCache(ctx context.Context, ttl time.Duration) (*AddressCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = common.AddressLength
	cfg.HardMaxCacheSize = 8
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &AddressCache{cache: cache}, nil
}

func cacheKey(factory, owner common.Address, salt *big.Int) string {
	if salt == nil {
		salt = defaultSalt
	}
	return factory.Hex() + ":" + owner.Hex() + ":" + salt.Text(16)
}

func (c *AddressCache) Get(factory, owner common.Address, salt *big.Int) (common.Address, bool) {
	raw, err := c.cache.Get(cacheKey(factory, owner, salt))
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(raw), true
}

func (c *AddressCache) Set(factory, owner common.Address, salt *big.Int, addr common.Address) error {
	return c.cache.Set(cacheKey(factory, owner, salt), addr.Bytes())
}

// ComputeAddress is the package level ComputeAddress behind the cache.
func (c *AddressCache) ComputeAddress(ctx context.Context, reader ChainReader, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if addr, ok := c.Get(factory, owner, salt); ok {
		return addr, nil
	}

	addr, err := ComputeAddress(ctx, reader, factory, owner, salt)
	if err != nil {
		return common.Address{}, err
	}
	// a failed insert only costs another eth_call later
	_ = c.Set(factory, owner, salt, addr)
	return addr, nil
}

func (c *AddressCache) Close() error {
	return c.cache.Close()
}
