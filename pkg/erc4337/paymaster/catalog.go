package paymaster

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

// Token is an ERC-20 the paymaster accepts as fee payment.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Policy is a sponsorship policy the paymaster provider has configured for this app.
type Policy struct {
	ID          string
	Name        string
	Description string
}

// Catalog serves the paymaster's reference data. StaticCatalog answers from memory; a live
// implementation can query the provider behind the same interface.
type Catalog interface {
	AcceptedTokens(ctx context.Context, chainID *big.Int) ([]Token, error)
	SponsorshipPolicies(ctx context.Context, chainID *big.Int) ([]Policy, error)
}

type StaticCatalog struct {
	mu       sync.RWMutex
	tokens   map[int64][]Token
	policies map[int64][]Policy
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		tokens:   map[int64][]Token{},
		policies: map[int64][]Policy{},
	}
}

// DefaultCatalog knows USDC on the networks the CLI ships presets for.
func DefaultCatalog() *StaticCatalog {
	c := NewStaticCatalog()
	usdc := func(addr string) Token {
		return Token{Address: common.HexToAddress(addr), Symbol: "USDC", Decimals: 6}
	}
	c.AddTokens(1, usdc("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
	c.AddTokens(11155111, usdc("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"))
	c.AddTokens(8453, usdc("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	c.AddTokens(84532, usdc("0x036CbD53842c5426634e7929541eC2318f3dCF7e"))
	return c
}

// AddTokens appends tokens for chainID, skipping addresses already present.
func (c *StaticCatalog) AddTokens(chainID int64, tokens ...Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(c.tokens[chainID], tokens...)
	c.tokens[chainID] = lo.UniqBy(merged, func(t Token) common.Address { return t.Address })
}

func (c *StaticCatalog) AddPolicies(chainID int64, policies ...Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(c.policies[chainID], policies...)
	c.policies[chainID] = lo.UniqBy(merged, func(p Policy) string { return p.ID })
}

func (c *StaticCatalog) AcceptedTokens(_ context.Context, chainID *big.Int) ([]Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Token(nil), c.tokens[chainID.Int64()]...), nil
}

func (c *StaticCatalog) SponsorshipPolicies(_ context.Context, chainID *big.Int) ([]Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Policy(nil), c.policies[chainID.Int64()]...), nil
}
