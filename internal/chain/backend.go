package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of go-ethereum client capabilities wallet actions
// rely on. ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Dial connects to the first reachable RPC endpoint of the network.
func Dial(ctx context.Context, network Network) (*ethclient.Client, error) {
	if len(network.RPCURLs) == 0 {
		return nil, fmt.Errorf("链 %s 未配置 RPC 地址", network)
	}
	var errs error
	for _, url := range network.RPCURLs {
		rpcClient, err := gethrpc.DialContext(ctx, strings.TrimSpace(url))
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("连接 %s 失败: %w", url, err))
			continue
		}
		return ethclient.NewClient(rpcClient), nil
	}
	return nil, errs
}

var _ Backend = (*ethclient.Client)(nil)
