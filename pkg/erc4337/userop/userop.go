// Package userop models an EIP-4337 (EntryPoint v0.6) UserOperation.
//
// An operation starts life as an unsigned UserOperation. Gas estimation sends it
// with a placeholder signature, and only Sign-style constructors produce a
// SignedUserOperation, which is the single type the bundler client accepts for
// submission.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is one sub-call the smart account performs on behalf of its owner.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// UserOperation is the unsigned form of an EIP-4337 user operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
}

// Copy returns a deep copy so the result can be modified without aliasing op.
func (op UserOperation) Copy() UserOperation {
	return UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             copyBytes(op.InitCode),
		CallData:             copyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     copyBytes(op.PaymasterAndData),
	}
}

// TotalGas is callGasLimit + verificationGasLimit + preVerificationGas.
func (op UserOperation) TotalGas() *big.Int {
	total := new(big.Int).Set(orZero(op.CallGasLimit))
	total.Add(total, orZero(op.VerificationGasLimit))
	total.Add(total, orZero(op.PreVerificationGas))
	return total
}

// MaxCost is the worst case amount of native currency the operation can be charged.
func (op UserOperation) MaxCost() *big.Int {
	return new(big.Int).Mul(op.TotalGas(), orZero(op.MaxFeePerGas))
}

// HasInitCode reports whether the operation deploys its sender.
func (op UserOperation) HasInitCode() bool {
	return len(op.InitCode) > 0
}

// Paymaster returns the paymaster address encoded in PaymasterAndData, if any.
func (op UserOperation) Paymaster() (common.Address, bool) {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength]), true
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return common.Big0
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
