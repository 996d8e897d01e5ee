package feed

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// gasCacheTTL bounds how long a fee estimate is reused before the node is
// asked again. Fee caps are coarse filters; sub-second precision buys nothing.
const gasCacheTTL = 15 * time.Second

// EthGasOracle implements domain.GasOracle against an Ethereum JSON-RPC
// endpoint, caching estimates briefly to keep guard evaluation cheap.
type EthGasOracle struct {
	client *ethclient.Client

	mu       sync.Mutex
	baseFee  *big.Int
	tip      *big.Int
	fetchedAt time.Time
}

// DialGasOracle connects to the given JSON-RPC endpoint.
func DialGasOracle(ctx context.Context, rpcURL string) (*EthGasOracle, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("feed: dial eth rpc: %w", err)
	}
	return &EthGasOracle{client: client}, nil
}

// SuggestFees returns the latest block's base fee and the node's suggested
// priority fee, both in wei.
func (o *EthGasOracle) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.baseFee != nil && time.Since(o.fetchedAt) < gasCacheTTL {
		return new(big.Int).Set(o.baseFee), new(big.Int).Set(o.tip), nil
	}

	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("feed: latest header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, nil, fmt.Errorf("feed: endpoint reports no base fee (pre-london chain?)")
	}
	tip, err := o.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("feed: suggest gas tip: %w", err)
	}

	o.baseFee = new(big.Int).Set(header.BaseFee)
	o.tip = new(big.Int).Set(tip)
	o.fetchedAt = time.Now()
	return new(big.Int).Set(o.baseFee), new(big.Int).Set(o.tip), nil
}

// Close releases the underlying RPC connection.
func (o *EthGasOracle) Close() {
	o.client.Close()
}

var _ domain.GasOracle = (*EthGasOracle)(nil)
