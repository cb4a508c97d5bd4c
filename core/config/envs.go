package config

import (
	"fmt"
	"strings"
)

// Network is a preset of well known endpoints for a chain. Any field can be overridden in
// the config file.
type Network struct {
	Name         string
	ChainID      uint64
	BundlerURL   string
	PaymasterURL string
	ExplorerURL  string
}

var networks = map[string]Network{
	"ethereum": {
		Name:         "ethereum",
		ChainID:      1,
		BundlerURL:   "https://api.pimlico.io/v2/ethereum/rpc",
		PaymasterURL: "https://api.pimlico.io/v2/ethereum/rpc",
		ExplorerURL:  "https://etherscan.io",
	},
	"sepolia": {
		Name:         "sepolia",
		ChainID:      11155111,
		BundlerURL:   "https://api.pimlico.io/v2/sepolia/rpc",
		PaymasterURL: "https://api.pimlico.io/v2/sepolia/rpc",
		ExplorerURL:  "https://sepolia.etherscan.io",
	},
	"base": {
		Name:         "base",
		ChainID:      8453,
		BundlerURL:   "https://api.pimlico.io/v2/base/rpc",
		PaymasterURL: "https://api.pimlico.io/v2/base/rpc",
		ExplorerURL:  "https://basescan.org",
	},
	"base-sepolia": {
		Name:         "base-sepolia",
		ChainID:      84532,
		BundlerURL:   "https://api.pimlico.io/v2/base-sepolia/rpc",
		PaymasterURL: "https://api.pimlico.io/v2/base-sepolia/rpc",
		ExplorerURL:  "https://sepolia.basescan.org",
	},
}

func LookupNetwork(name string) (Network, bool) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

func (n Network) IsMainnet() bool {
	return n.ChainID == 1 || n.ChainID == 8453
}

// TxURL links a transaction on the network's block explorer, or returns "" when the
// network has none.
func (n Network) TxURL(txHash string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", n.ExplorerURL, txHash)
}
