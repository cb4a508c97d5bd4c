package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Quantity decodes a numeric result that providers send either as a 0x hex string
// (with or without leading zeros) or as a bare JSON number.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
			return fmt.Errorf("quantity %q: %w", s, hexutil.ErrMissingPrefix)
		}
		if s[2] == '-' || s[2] == '+' {
			return fmt.Errorf("quantity %q: %w", s, hexutil.ErrSyntax)
		}
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return fmt.Errorf("quantity %q: %w", s, hexutil.ErrSyntax)
		}
		(*big.Int)(q).Set(v)
		return nil
	}

	if len(data) > 0 && (data[0] == '-' || data[0] == '+') {
		return fmt.Errorf("quantity %s: negative or signed", data)
	}
	v, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return fmt.Errorf("quantity %s: not a number", data)
	}
	(*big.Int)(q).Set(v)
	return nil
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.EncodeBig(q.Big()))
}

// Big returns a copy of the value. A nil Quantity is nil.
func (q *Quantity) Big() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

func NewQuantity(v *big.Int) *Quantity {
	if v == nil {
		return nil
	}
	return (*Quantity)(new(big.Int).Set(v))
}
