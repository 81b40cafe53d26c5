package protocols

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"atlas/internal/adapters/evm"
	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// ResolveAsset reads a token's ERC-20 identity. With a cache attached
// the read goes through the metadata category, so symbol and decimals
// survive restarts; token metadata is immutable on chain, which is why
// the category carries the longest TTL. A nil cache reads the chain
// directly. Adapters layer their own in-process memoization on top.
func ResolveAsset(ctx context.Context, tiered *cache.Tiered, caller evm.Caller, chainID int64, token common.Address) (lending.Asset, error) {
	read := func(ctx context.Context) (interface{}, error) {
		symbol, err := evm.ERC20Symbol(ctx, caller, token)
		if err != nil {
			return nil, errors.Wrap(err, "token symbol")
		}
		decimals, err := evm.ERC20Decimals(ctx, caller, token)
		if err != nil {
			return nil, errors.Wrap(err, "token decimals")
		}
		return lending.Asset{
			Address:  strings.ToLower(token.Hex()),
			Symbol:   symbol,
			Decimals: int(decimals),
			Category: lending.CategorizeSymbol(symbol),
		}, nil
	}

	if tiered == nil {
		meta, err := read(ctx)
		if err != nil {
			return lending.Asset{}, err
		}
		return meta.(lending.Asset), nil
	}

	key := cache.Key{Category: cache.CategoryMetadata, ChainID: chainID, Asset: token.Hex()}
	var meta lending.Asset
	if _, err := tiered.GetOrFetch(ctx, key, &meta, cache.SourceOnChain, read); err != nil {
		return lending.Asset{}, err
	}
	return meta, nil
}
