package byte4

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the first four bytes of the keccak hash of a canonical signature such
// as "execute(address,uint256,bytes)".
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// MethodFromCalldata finds the method of parsedABI that calldata (or a bare selector)
// calls. Overloads are told apart by their full signature.
func MethodFromCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}

	for _, method := range parsedABI.Methods {
		if bytes.Equal(method.ID, calldata[:4]) {
			m := method
			return &m, nil
		}
	}
	return nil, fmt.Errorf("no matching method found for selector: 0x%x", calldata[:4])
}

// Unpack decodes the arguments of calldata against the method it calls.
func Unpack(parsedABI abi.ABI, calldata []byte) (*abi.Method, []interface{}, error) {
	method, err := MethodFromCalldata(parsedABI, calldata)
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", method.Sig, err)
	}
	return method, args, nil
}
