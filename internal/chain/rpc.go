// Package chain talks to a CometBFT node: HTTP JSON-RPC for status, blocks
// and block results, and a WebSocket subscription for new blocks.
package chain

import "context"

// RPCClient defines the CometBFT RPC HTTP interface.
type RPCClient interface {
	// LatestHeight returns the height of the latest committed block.
	LatestHeight(ctx context.Context) (int64, error)

	// Block retrieves a block by height.
	Block(ctx context.Context, height int64) (*Block, error)

	// BlockResults retrieves the transaction results of a block.
	BlockResults(ctx context.Context, height int64) (*BlockResults, error)
}
