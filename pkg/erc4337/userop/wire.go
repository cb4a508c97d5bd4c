package userop

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Wire is the JSON shape bundler and paymaster RPC methods take for a UserOperation.
type Wire struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// ToWire serializes op with the given signature bytes.
func (op UserOperation) ToWire(signature []byte) Wire {
	return Wire{
		Sender:               strings.ToLower(op.Sender.Hex()),
		Nonce:                hexutil.EncodeBig(orZero(op.Nonce)),
		InitCode:             hexutil.Encode(nonNil(op.InitCode)),
		CallData:             hexutil.Encode(nonNil(op.CallData)),
		CallGasLimit:         hexutil.EncodeBig(orZero(op.CallGasLimit)),
		VerificationGasLimit: hexutil.EncodeBig(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   hexutil.EncodeBig(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         hexutil.EncodeBig(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: hexutil.EncodeBig(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     hexutil.Encode(nonNil(op.PaymasterAndData)),
		Signature:            hexutil.Encode(nonNil(signature)),
	}
}

// ToWireForEstimation serializes op with the placeholder signature.
func (op UserOperation) ToWireForEstimation() Wire {
	return op.ToWire(dummySignatureBytes)
}

// ToWire serializes the signed operation.
func (s *SignedUserOperation) ToWire() Wire {
	return s.op.ToWire(s.signature)
}

// Decode parses the wire form back into an operation and its raw signature bytes.
func (w Wire) Decode() (UserOperation, []byte, error) {
	var (
		op  UserOperation
		err error
	)
	if !common.IsHexAddress(w.Sender) {
		return op, nil, fmt.Errorf("userop: invalid sender %q", w.Sender)
	}
	op.Sender = common.HexToAddress(w.Sender)

	nums := []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"nonce", w.Nonce, &op.Nonce},
		{"callGasLimit", w.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", w.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", w.PreVerificationGas, &op.PreVerificationGas},
		{"maxFeePerGas", w.MaxFeePerGas, &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", w.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas},
	}
	for _, n := range nums {
		if *n.out, err = DecodeQuantity(n.in); err != nil {
			return op, nil, fmt.Errorf("userop: decode %s: %w", n.name, err)
		}
	}

	blobs := []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"initCode", w.InitCode, &op.InitCode},
		{"callData", w.CallData, &op.CallData},
		{"paymasterAndData", w.PaymasterAndData, &op.PaymasterAndData},
	}
	for _, b := range blobs {
		if *b.out, err = DecodeData(b.in); err != nil {
			return op, nil, fmt.Errorf("userop: decode %s: %w", b.name, err)
		}
	}

	sig, err := DecodeData(w.Signature)
	if err != nil {
		return op, nil, fmt.Errorf("userop: decode signature: %w", err)
	}
	return op, sig, nil
}

// DecodeQuantity parses a 0x prefixed hex number. Bundlers are not consistent about
// leading zeros, so unlike hexutil.DecodeBig this accepts them. An empty string is nil.
func DecodeQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) < 2 || (s[:2] != "0x" && s[:2] != "0X") {
		return nil, hexutil.ErrMissingPrefix
	}
	if len(s) == 2 {
		return nil, hexutil.ErrEmptyNumber
	}
	// big.Int.SetString takes a sign, quantities never carry one
	if s[2] == '-' || s[2] == '+' {
		return nil, hexutil.ErrSyntax
	}
	v, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, hexutil.ErrSyntax
	}
	return v, nil
}

// DecodeData parses 0x prefixed bytes. "" and "0x" decode to an empty slice.
func DecodeData(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
