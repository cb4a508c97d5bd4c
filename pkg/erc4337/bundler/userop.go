package bundler

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash    common.Hash        `json:"userOpHash"`
	EntryPoint    common.Address     `json:"entryPoint"`
	Sender        common.Address     `json:"sender"`
	Nonce         *jsonrpc.Quantity  `json:"nonce"`
	Paymaster     common.Address     `json:"paymaster"`
	ActualGasCost *jsonrpc.Quantity  `json:"actualGasCost"`
	ActualGasUsed *jsonrpc.Quantity  `json:"actualGasUsed"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason"`
	Logs          []json.RawMessage  `json:"logs"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// TransactionReceipt is the subset of the bundle transaction receipt the pipeline reads.
type TransactionReceipt struct {
	TransactionHash common.Hash       `json:"transactionHash"`
	BlockHash       common.Hash       `json:"blockHash"`
	BlockNumber     *jsonrpc.Quantity `json:"blockNumber"`
	GasUsed         *jsonrpc.Quantity `json:"gasUsed"`
	Status          *jsonrpc.Quantity `json:"status"`
}

// Status maps the receipt onto the terminal state it represents.
func (r *UserOperationReceipt) Status() Status {
	if r.Success {
		return StatusSucceeded
	}
	return StatusReverted
}

// Cost is the actual gas cost in wei, or nil when the bundler omitted it.
func (r *UserOperationReceipt) Cost() *big.Int {
	return r.ActualGasCost.Big()
}

// UserOperationByHash is the eth_getUserOperationByHash result. Block fields are nil until
// the operation is included.
type UserOperationByHash struct {
	UserOperation   userop.Wire       `json:"userOperation"`
	EntryPoint      common.Address    `json:"entryPoint"`
	BlockNumber     *jsonrpc.Quantity `json:"blockNumber"`
	BlockHash       *common.Hash      `json:"blockHash"`
	TransactionHash *common.Hash      `json:"transactionHash"`
}

// Decode parses the echoed operation and its signature.
func (u *UserOperationByHash) Decode() (userop.UserOperation, []byte, error) {
	return u.UserOperation.Decode()
}

func (u *UserOperationByHash) Included() bool {
	return u.TransactionHash != nil
}
