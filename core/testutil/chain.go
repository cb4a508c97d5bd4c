package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userop/pkg/byte4"
)

// CallHandler answers an eth_call whose calldata starts with a registered selector.
type CallHandler func(data []byte) ([]byte, error)

type callKey struct {
	to       common.Address
	selector [4]byte
}

// FakeChain is an in-memory stand-in for ethclient covering the reads the pipeline makes:
// eth_call, eth_getCode, fee suggestions and the chain id.
type FakeChain struct {
	mu       sync.Mutex
	handlers map[callKey]CallHandler
	code     map[common.Address][]byte
	calls    map[callKey]int

	ChainIDValue *big.Int
	BaseFee      *big.Int
	TipCap       *big.Int
	Nonces       map[common.Address]*big.Int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		handlers:     map[callKey]CallHandler{},
		code:         map[common.Address][]byte{},
		calls:        map[callKey]int{},
		ChainIDValue: big.NewInt(11155111),
		BaseFee:      big.NewInt(1_000_000_000),
		TipCap:       big.NewInt(1_000_000_000),
		Nonces:       map[common.Address]*big.Int{},
	}
}

// Selector returns the 4-byte function selector for a canonical signature.
func Selector(signature string) [4]byte {
	return byte4.Selector(signature)
}

func (c *FakeChain) OnCall(to common.Address, signature string, h CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[callKey{to: to, selector: Selector(signature)}] = h
}

// CallCount is the number of eth_calls made to signature on to.
func (c *FakeChain) CallCount(to common.Address, signature string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[callKey{to: to, selector: Selector(signature)}]
}

func (c *FakeChain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = code
}

// InstallFactory answers getAddress(address,uint256) on factory with a deterministic
// address derived from owner and salt.
func (c *FakeChain) InstallFactory(factory common.Address) {
	c.OnCall(factory, "getAddress(address,uint256)", func(data []byte) ([]byte, error) {
		if len(data) < 4+64 {
			return nil, errors.New("execution reverted")
		}
		return common.LeftPadBytes(CounterfactualAddress(factory, data[4:4+64]).Bytes(), 32), nil
	})
}

// CounterfactualAddress is the address InstallFactory reports for the ABI encoded
// (owner, salt) argument words.
func CounterfactualAddress(factory common.Address, ownerAndSalt []byte) common.Address {
	return common.BytesToAddress(crypto.Keccak256(factory.Bytes(), ownerAndSalt)[12:])
}

// InstallEntryPoint answers getNonce(address,uint192) from c.Nonces.
func (c *FakeChain) InstallEntryPoint(entryPoint common.Address) {
	c.OnCall(entryPoint, "getNonce(address,uint192)", func(data []byte) ([]byte, error) {
		if len(data) < 4+64 {
			return nil, errors.New("execution reverted")
		}
		sender := common.BytesToAddress(data[4:36])
		c.mu.Lock()
		defer c.mu.Unlock()
		nonce := c.Nonces[sender]
		if nonce == nil {
			nonce = new(big.Int)
		}
		return common.LeftPadBytes(nonce.Bytes(), 32), nil
	})
}

func (c *FakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("fake chain: call without target or selector")
	}

	var key callKey
	key.to = *msg.To
	copy(key.selector[:], msg.Data[:4])

	c.mu.Lock()
	h, ok := c.handlers[key]
	c.calls[key]++
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("fake chain: no handler for %x on %s", key.selector, key.to.Hex())
	}
	return h(msg.Data)
}

func (c *FakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[account], nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.TipCap), nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h := &types.Header{Number: big.NewInt(1)}
	if c.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(c.BaseFee)
	}
	return h, nil
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ChainIDValue), nil
}
