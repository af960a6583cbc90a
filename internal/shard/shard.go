// Package shard partitions resolved instrument tokens across websocket
// connections, respecting the provider's hard limits on connection count
// and tokens per connection.
package shard

import (
	"fmt"

	"optionstream/internal/model"
)

// Split chunks tokens sequentially into at most maxConns groups of at most
// maxPerConn each. Chunking is deterministic: the same token list always
// yields the same shard index for every token, which keeps restarts and
// debugging predictable. Returns a CapacityError when the set cannot fit.
func Split(tokens []uint32, maxConns, maxPerConn int) ([][]uint32, error) {
	if maxConns <= 0 || maxPerConn <= 0 {
		return nil, fmt.Errorf("shard: limits must be positive, got maxConns=%d maxPerConn=%d", maxConns, maxPerConn)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	need := (len(tokens) + maxPerConn - 1) / maxPerConn
	if need > maxConns {
		return nil, &model.CapacityError{
			Tokens:        len(tokens),
			MaxPerConn:    maxPerConn,
			MaxConns:      maxConns,
			RequiredConns: need,
		}
	}

	groups := make([][]uint32, 0, need)
	for start := 0; start < len(tokens); start += maxPerConn {
		end := start + maxPerConn
		if end > len(tokens) {
			end = len(tokens)
		}
		groups = append(groups, tokens[start:end])
	}
	return groups, nil
}
