// Package evm provides read-only access to EVM chains: contract calls,
// gas estimation and ERC-20 views. All protocol adapters share one Client
// so endpoint fallback and rate limiting live in a single place.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"atlas/internal/adapters/ratelimit"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const defaultCallTimeout = 10 * time.Second

// Caller is the read surface protocol adapters depend on. A struct-backed
// fake satisfies it in tests without dialing a node.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures the shared EVM client.
type Config struct {
	ChainID     int64
	RPCURLs     []string
	CallTimeout time.Duration

	Limiter *ratelimit.Limiter
}

// Client talks to one chain through an ordered list of RPC endpoints.
// Transport failures move to the next endpoint; contract reverts come back
// from whichever endpoint answered, they are results, not outages.
type Client struct {
	chainID int64
	urls    []string
	timeout time.Duration
	limiter *ratelimit.Limiter
	log     *logger.Logger

	mu       sync.RWMutex
	backends []*ethclient.Client
}

// NewClient dials every configured endpoint. At least one endpoint must be
// reachable at startup; the rest are kept as fallbacks even if the initial
// dial failed, RPC providers recover.
func NewClient(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("evm: at least one RPC URL required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	c := &Client{
		chainID:  cfg.ChainID,
		urls:     cfg.RPCURLs,
		backends: make([]*ethclient.Client, len(cfg.RPCURLs)),
		timeout:  cfg.CallTimeout,
		limiter:  cfg.Limiter,
		log:      log.Named("evm"),
	}

	dialed := 0
	for i, url := range cfg.RPCURLs {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.log.Warnw("RPC endpoint dial failed, kept as fallback", "url", url, "error", err)
			continue
		}
		c.backends[i] = ec
		dialed++
	}
	if dialed == 0 {
		return nil, errors.Wrapf(errors.ErrRPCUnavailable, "no reachable RPC endpoint out of %d", len(cfg.RPCURLs))
	}

	if cfg.ChainID > 0 {
		if err := c.verifyChainID(ctx); err != nil {
			return nil, err
		}
	}

	c.log.Infow("EVM client ready", "chain_id", cfg.ChainID, "endpoints", len(cfg.RPCURLs), "reachable", dialed)
	return c, nil
}

func (c *Client) verifyChainID(ctx context.Context) error {
	for i, backend := range c.backends {
		if backend == nil {
			continue
		}
		id, err := backend.ChainID(ctx)
		if err != nil {
			continue
		}
		if id.Int64() != c.chainID {
			return errors.Newf("evm: endpoint %s serves chain %d, want %d", c.urls[i], id.Int64(), c.chainID)
		}
		return nil
	}
	return errors.Wrap(errors.ErrRPCUnavailable, "chain id verification")
}

// ChainID returns the chain this client is bound to.
func (c *Client) ChainID() int64 {
	return c.chainID
}

// CallContract executes eth_call with full control over the message,
// including From. Simulation uses From-sensitive calls so balance and
// allowance checks run against the real wallet.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.withFallback(ctx, "eth_call", func(ctx context.Context, backend *ethclient.Client) error {
		var callErr error
		out, callErr = backend.CallContract(ctx, msg, nil)
		return callErr
	})
	return out, err
}

// Call is the common case: a view read with no sender context.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
}

// EstimateGas runs eth_estimateGas for the given message. Reverts surface
// as errors carrying the revert data, callers classify them.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withFallback(ctx, "eth_estimateGas", func(ctx context.Context, backend *ethclient.Client) error {
		var callErr error
		gas, callErr = backend.EstimateGas(ctx, msg)
		return callErr
	})
	return gas, err
}

// SuggestGasPrice returns the node's current gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.withFallback(ctx, "eth_gasPrice", func(ctx context.Context, backend *ethclient.Client) error {
		var callErr error
		price, callErr = backend.SuggestGasPrice(ctx)
		return callErr
	})
	return price, err
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var num uint64
	err := c.withFallback(ctx, "eth_blockNumber", func(ctx context.Context, backend *ethclient.Client) error {
		var callErr error
		num, callErr = backend.BlockNumber(ctx)
		return callErr
	})
	return num, err
}

// withFallback runs fn against each endpoint in order until one answers.
// A revert stops the loop immediately: the node did its job, retrying the
// same call elsewhere would only burn quota and return the same revert.
func (c *Client) withFallback(ctx context.Context, method string, fn func(context.Context, *ethclient.Client) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rpc rate limiter")
		}
	}

	var lastErr error
	for i := range c.urls {
		backend := c.backend(i)
		if backend == nil {
			backend = c.redial(ctx, i)
			if backend == nil {
				continue
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx, backend)
		cancel()

		if err == nil {
			return nil
		}
		if IsRevert(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warnw("RPC endpoint failed, trying next",
			"method", method,
			"url", c.urls[i],
			"endpoint", fmt.Sprintf("%d/%d", i+1, len(c.urls)),
			"error", err,
		)
		lastErr = err
	}

	if lastErr == nil {
		return errors.Wrapf(errors.ErrRPCUnavailable, "%s: no endpoint available", method)
	}
	return errors.Wrapf(errors.ErrRPCUnavailable, "%s: all endpoints failed: %v", method, lastErr)
}

func (c *Client) backend(i int) *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backends[i]
}

// redial retries an endpoint whose startup dial failed.
func (c *Client) redial(ctx context.Context, i int) *ethclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backends[i] != nil {
		return c.backends[i]
	}
	ec, err := ethclient.DialContext(ctx, c.urls[i])
	if err != nil {
		return nil
	}
	c.backends[i] = ec
	c.log.Infow("RPC endpoint recovered", "url", c.urls[i])
	return ec
}

// Close releases all endpoint connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, backend := range c.backends {
		if backend != nil {
			backend.Close()
		}
	}
}
