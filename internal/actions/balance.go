package actions

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
)

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// Some early tokens return symbol as bytes32.
const erc20Bytes32ABI = `[
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

var (
	erc20        = mustABI(erc20ABI)
	erc20Bytes32 = mustABI(erc20Bytes32ABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Balance is an account balance in the smallest unit with its display form.
type Balance struct {
	Value     *big.Int `json:"value"`
	Decimals  uint8    `json:"decimals"`
	Symbol    string   `json:"symbol"`
	Formatted string   `json:"formatted"`
}

type balanceOptions struct {
	chainID uint64
	token   *common.Address
}

// BalanceOption customises FetchBalance.
type BalanceOption func(*balanceOptions)

// OnChain queries the given chain instead of the active one.
func OnChain(id uint64) BalanceOption {
	return func(o *balanceOptions) {
		o.chainID = id
	}
}

// OfToken queries an ERC-20 token balance instead of the native currency.
func OfToken(token common.Address) BalanceOption {
	return func(o *balanceOptions) {
		o.token = &token
	}
}

// FetchBalance returns the balance of address. The active connector's
// provider serves the active chain; other chains are read through the chain
// registry. Failures are returned without retrying.
func FetchBalance(ctx context.Context, c *client.Client, address common.Address, opts ...BalanceOption) (Balance, error) {
	var o balanceOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	state := c.State()
	chainID := o.chainID
	if chainID == 0 {
		chainID = state.ChainID
	}
	if chainID == 0 {
		chainID = c.Chains().DefaultChain()
	}
	if chainID == 0 {
		return Balance{}, xerrors.New(xerrors.CodeInvalidArgument, "未指定链且没有默认链")
	}

	backend, err := backendFor(ctx, c, state, chainID)
	if err != nil {
		return Balance{}, err
	}
	if o.token != nil {
		return tokenBalance(ctx, backend, *o.token, address)
	}

	value, err := backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return Balance{}, connector.Classify(err, "查询余额失败")
	}
	currency := chainInfo(c.Chains(), chainID).NativeCurrency
	if currency.Symbol == "" {
		currency = chain.DefaultCurrency
	}
	return newBalance(value, currency.Decimals, currency.Symbol), nil
}

func backendFor(ctx context.Context, c *client.Client, state client.State, chainID uint64) (chain.Backend, error) {
	if state.Connected() && state.ChainID == chainID {
		if conn := c.ActiveConnector(); conn != nil {
			backend, err := conn.GetProvider(ctx)
			if err == nil && backend != nil {
				return backend, nil
			}
		}
	}
	backend, err := c.Chains().Backend(ctx, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, fmt.Sprintf("获取链 %d 后端失败", chainID),
			xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
	}
	return backend, nil
}

func tokenBalance(ctx context.Context, backend chain.Backend, token, owner common.Address) (Balance, error) {
	var value *big.Int
	if err := callERC20(ctx, backend, erc20, token, "balanceOf", &value, owner); err != nil {
		return Balance{}, err
	}
	var decimals uint8
	if err := callERC20(ctx, backend, erc20, token, "decimals", &decimals); err != nil {
		return Balance{}, err
	}
	var symbol string
	if err := callERC20(ctx, backend, erc20, token, "symbol", &symbol); err != nil {
		var raw [32]byte
		if fallbackErr := callERC20(ctx, backend, erc20Bytes32, token, "symbol", &raw); fallbackErr != nil {
			return Balance{}, err
		}
		symbol = strings.TrimRight(string(raw[:]), "\x00")
	}
	return newBalance(value, decimals, symbol), nil
}

func callERC20(ctx context.Context, backend chain.Backend, contract abi.ABI, token common.Address, method string, out any, args ...any) error {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 调用失败", method))
	}
	output, err := backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return connector.Classify(err, fmt.Sprintf("调用代币 %s 失败", method))
	}
	values, err := contract.Unpack(method, output)
	if err != nil || len(values) == 0 {
		if err == nil {
			err = fmt.Errorf("empty result")
		}
		return xerrors.Wrap(xerrors.CodeRPCFailure, err, fmt.Sprintf("解析代币 %s 返回值失败", method),
			xerrors.WithMetadata("token", token.Hex()))
	}
	if err := contract.Methods[method].Outputs.Copy(out, values); err != nil {
		return xerrors.Wrap(xerrors.CodeRPCFailure, err, fmt.Sprintf("解析代币 %s 返回值失败", method))
	}
	return nil
}

func newBalance(value *big.Int, decimals uint8, symbol string) Balance {
	if value == nil {
		value = new(big.Int)
	}
	return Balance{
		Value:     value,
		Decimals:  decimals,
		Symbol:    symbol,
		Formatted: FormatUnits(value, decimals),
	}
}

// FormatUnits renders value scaled down by 10^decimals without rounding.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	negative := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if decimals > 0 {
		if len(digits) <= int(decimals) {
			digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
		}
		point := len(digits) - int(decimals)
		whole, fraction := digits[:point], strings.TrimRight(digits[point:], "0")
		digits = whole
		if fraction != "" {
			digits += "." + fraction
		}
	}
	if negative {
		return "-" + digits
	}
	return digits
}
