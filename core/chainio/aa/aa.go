package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	factoryABI    = mustParseABI(factoryABIJSON)
	entryPointABI = mustParseABI(entryPointABIJSON)
	accountABI    = mustParseABI(accountABIJSON)

	defaultSalt = big.NewInt(0)
	maxNonceKey = new(big.Int).Lsh(big.NewInt(1), 192)

	ErrShortResult = errors.New("aa: eth_call returned fewer than 32 bytes")
	ErrNoCalls     = errors.New("aa: at least one call is required")
	// SimpleAccount's executeBatch(address[],bytes[]) cannot move value.
	ErrBatchValue = errors.New("aa: batched calls cannot carry value, send value-carrying calls on their own")
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Errorf("invalid ABI: %w", err))
	}
	return parsed
}

// ChainReader is the part of ethclient.Client this package reads from.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// ComputeAddress asks the factory for the counterfactual account address of (owner, salt).
// The answer does not depend on whether the account is deployed.
func ComputeAddress(ctx context.Context, reader ChainReader, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		salt = defaultSalt
	}

	data, err := factoryABI.Pack("getAddress", owner, salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("aa: pack getAddress: %w", err)
	}

	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("aa: getAddress on factory %s: %w", factory.Hex(), err)
	}
	return decodeAddressWord(out)
}

// decodeAddressWord reads an address from the low 20 bytes of the first 32-byte word.
func decodeAddressWord(out []byte) (common.Address, error) {
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("%w: got %d", ErrShortResult, len(out))
	}
	return common.BytesToAddress(out[12:32]), nil
}

// IsDeployed reports whether addr has contract code.
func IsDeployed(ctx context.Context, reader ChainReader, addr common.Address) (bool, error) {
	code, err := reader.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("aa: get code of %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// GetInitCode returns factory || createAccount(owner, salt), the deployment instruction the
// EntryPoint runs on the account's first operation.
func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = defaultSalt
	}

	calldata, err := factoryABI.Pack("createAccount", owner, salt)
	if err != nil {
		return nil, fmt.Errorf("aa: pack createAccount: %w", err)
	}

	initCode := make([]byte, 0, common.AddressLength+len(calldata))
	initCode = append(initCode, factory.Bytes()...)
	return append(initCode, calldata...), nil
}

// GetNonce reads the EntryPoint nonce of account under key. It is unrelated to the chain
// level transaction nonce of the owner.
func GetNonce(ctx context.Context, reader ChainReader, entryPoint, account common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = defaultSalt
	}
	if key.Sign() < 0 || key.Cmp(maxNonceKey) >= 0 {
		return nil, fmt.Errorf("aa: nonce key %s does not fit uint192", key)
	}

	data, err := entryPointABI.Pack("getNonce", account, key)
	if err != nil {
		return nil, fmt.Errorf("aa: pack getNonce: %w", err)
	}

	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("aa: getNonce for %s: %w", account.Hex(), err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("%w: got %d", ErrShortResult, len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// PackExecute encodes execute(dest, value, func).
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	if calldata == nil {
		calldata = []byte{}
	}
	return accountABI.Pack("execute", target, value, calldata)
}

// PackExecuteBatch encodes calls as executeBatch(address[],bytes[]). It returns
// ErrBatchValue when any call moves value.
func PackExecuteBatch(calls []userop.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	if _, i, found := lo.FindIndexOf(calls, func(c userop.Call) bool { return c.Value != nil && c.Value.Sign() != 0 }); found {
		return nil, fmt.Errorf("%w (call %d sends %s wei)", ErrBatchValue, i, calls[i].Value)
	}

	targets := lo.Map(calls, func(c userop.Call, _ int) common.Address { return c.To })
	datas := lo.Map(calls, func(c userop.Call, _ int) []byte {
		if c.Data == nil {
			return []byte{}
		}
		return c.Data
	})
	return accountABI.Pack("executeBatch", targets, datas)
}

// PackCallData picks execute for a single call and a batch encoding otherwise.
func PackCallData(calls []userop.Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, ErrNoCalls
	case 1:
		return PackExecute(calls[0].To, calls[0].Value, calls[0].Data)
	}
	return PackExecuteBatch(calls)
}
