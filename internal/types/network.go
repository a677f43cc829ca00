// Package types contains shared type definitions used across multiple packages
package types

import "strings"

// Network represents a Sui network the adapter can read events from
type Network string

// Supported Sui networks
const (
	NetworkMainnet  Network = "mainnet"
	NetworkTestnet  Network = "testnet"
	NetworkDevnet   Network = "devnet"
	NetworkLocalnet Network = "localnet"
)

var defaultRPCEndpoints = map[Network]string{
	NetworkMainnet:  "https://fullnode.mainnet.sui.io:443",
	NetworkTestnet:  "https://fullnode.testnet.sui.io:443",
	NetworkDevnet:   "https://fullnode.devnet.sui.io:443",
	NetworkLocalnet: "http://127.0.0.1:9000",
}

// ParseNetwork normalises a network name; unknown names fall back to mainnet.
func ParseNetwork(s string) Network {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultRPCEndpoints[n]; ok {
		return n
	}
	return NetworkMainnet
}

// DefaultRPCEndpoint returns the public full node endpoint of the network
func (n Network) DefaultRPCEndpoint() string {
	if url, ok := defaultRPCEndpoints[n]; ok {
		return url
	}
	return defaultRPCEndpoints[NetworkMainnet]
}
