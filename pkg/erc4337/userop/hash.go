package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)

	// abi.encode(sender, nonce, keccak(initCode), keccak(callData), callGasLimit,
	// verificationGasLimit, preVerificationGas, maxFeePerGas, maxPriorityFeePerGas,
	// keccak(paymasterAndData))
	packArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	// abi.encode(keccak(pack(op)), entryPoint, chainId)
	domainArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}
)

// Pack returns the ABI encoding of every field except the signature, in the layout the
// EntryPoint v0.6 uses for UserOperation hashing.
func (op UserOperation) Pack() []byte {
	packed, err := packArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// argument types are fixed above, so Pack cannot fail on a well typed op
		panic(err)
	}
	return packed
}

// Hash computes the userOpHash that EntryPoint.getUserOpHash returns on chain:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (op UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	inner := crypto.Keccak256Hash(op.Pack())

	encoded, err := domainArgs.Pack(inner, entryPoint, orZero(chainID))
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// Validate checks the integer fields fit the uint256 slots they are encoded into.
// Hash and Pack assume a validated operation.
func (op UserOperation) Validate() error {
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		if f.v.Sign() < 0 || f.v.BitLen() > 256 {
			return &FieldError{Field: f.name, Value: f.v.String()}
		}
	}
	return nil
}

// FieldError reports an integer field outside the uint256 range.
type FieldError struct {
	Field string
	Value string
}

func (e *FieldError) Error() string {
	return "userop: field " + e.Field + " out of uint256 range: " + e.Value
}
