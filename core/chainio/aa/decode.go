package aa

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/byte4"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var ErrUnknownCallData = errors.New("aa: callData is not an account execute call")

// DecodeCallData reverses PackCallData, so an operation can be checked against the calls
// it is meant to make before it is signed.
func DecodeCallData(callData []byte) ([]userop.Call, error) {
	if _, err := byte4.MethodFromCalldata(accountABI, callData); err != nil {
		return nil, ErrUnknownCallData
	}

	method, args, err := byte4.Unpack(accountABI, callData)
	if err != nil {
		return nil, fmt.Errorf("aa: %w", err)
	}

	switch method.Sig {
	case "execute(address,uint256,bytes)":
		return []userop.Call{{
			To:    args[0].(common.Address),
			Value: args[1].(*big.Int),
			Data:  args[2].([]byte),
		}}, nil

	case "executeBatch(address[],bytes[])":
		targets, datas := args[0].([]common.Address), args[1].([][]byte)
		if len(targets) != len(datas) {
			return nil, fmt.Errorf("aa: executeBatch with %d targets and %d payloads", len(targets), len(datas))
		}
		calls := make([]userop.Call, len(targets))
		for i := range targets {
			calls[i] = userop.Call{To: targets[i], Value: new(big.Int), Data: datas[i]}
		}
		return calls, nil
	}
	return nil, ErrUnknownCallData
}
