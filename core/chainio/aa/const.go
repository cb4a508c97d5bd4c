package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var (
	// EntryPoint v0.6, same address on every network it is deployed to.
	DefaultEntryPointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	DefaultFactoryAddress    = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
)

const (
	factoryABIJSON = `[
		{"type":"function","name":"createAccount","stateMutability":"nonpayable",
		 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
		 "outputs":[{"name":"ret","type":"address"}]},
		{"type":"function","name":"getAddress","stateMutability":"view",
		 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
		 "outputs":[{"name":"","type":"address"}]}
	]`

	entryPointABIJSON = `[
		{"type":"function","name":"getNonce","stateMutability":"view",
		 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
		 "outputs":[{"name":"nonce","type":"uint256"}]}
	]`

	accountABIJSON = `[
		{"type":"function","name":"execute","stateMutability":"nonpayable",
		 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
		 "outputs":[]},
		{"type":"function","name":"executeBatch","stateMutability":"nonpayable",
		 "inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],
		 "outputs":[]}
	]`
)
