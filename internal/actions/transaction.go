package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
	"WalletBridge/pkg/logger"
)

const defaultReceiptInterval = time.Second

// TransactionResult is a submitted transaction awaiting inclusion.
type TransactionResult struct {
	Hash    common.Hash    `json:"hash"`
	ChainID uint64         `json:"chain_id"`
	From    common.Address `json:"from"`

	backend    chain.Backend
	backendErr error
	interval   time.Duration
}

// Wait polls for the receipt until it is available or ctx is done.
func (r *TransactionResult) Wait(ctx context.Context) (*coretypes.Receipt, error) {
	if r.backend == nil {
		if r.backendErr != nil {
			return nil, r.backendErr
		}
		return nil, xerrors.New(xerrors.CodeRPCFailure, "交易缺少可查询回执的链后端")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, r.Hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, connector.Classify(err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			return nil, connector.Classify(ctx.Err(), "等待交易回执超时")
		case <-ticker.C:
		}
	}
}

type sendOptions struct {
	chainID  uint64
	interval time.Duration
}

// SendOption customises SendTransaction.
type SendOption func(*sendOptions)

// RequireChain fails the send unless the wallet is on chain id.
func RequireChain(id uint64) SendOption {
	return func(o *sendOptions) {
		o.chainID = id
	}
}

// WithReceiptInterval sets how often Wait polls for the receipt.
func WithReceiptInterval(interval time.Duration) SendOption {
	return func(o *sendOptions) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// SendTransaction forwards the unsigned request to the active connector's
// signer. It requires a connected account and makes no provider call
// otherwise.
func SendTransaction(ctx context.Context, c *client.Client, req connector.TransactionRequest, opts ...SendOption) (*TransactionResult, error) {
	o := sendOptions{interval: defaultReceiptInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	state := c.State()
	if !state.Connected() {
		return nil, connector.ErrNotConnected
	}
	if o.chainID != 0 && state.ChainID != o.chainID {
		return nil, xerrors.New(xerrors.CodeUnsupportedChain,
			fmt.Sprintf("钱包当前在链 %d，交易要求链 %d", state.ChainID, o.chainID),
			xerrors.WithMetadata("active_chain_id", fmt.Sprint(state.ChainID)),
			xerrors.WithMetadata("chain_id", fmt.Sprint(o.chainID)))
	}
	conn := c.ActiveConnector()
	if conn == nil {
		return nil, connector.ErrNotConnected
	}

	signer, err := conn.GetSigner(ctx)
	if err != nil {
		return nil, connector.Classify(err, "获取签名器失败")
	}
	hash, err := signer.SendTransaction(ctx, req)
	if err != nil {
		err = connector.Classify(err, "发送交易失败")
		if errors.Is(err, connector.ErrInsufficientFunds) {
			return nil, insufficientFunds(ctx, conn, signer.Address(), req, err)
		}
		return nil, err
	}

	var backendErr error
	backend, err := conn.GetProvider(ctx)
	if err != nil {
		var chainErr error
		backend, chainErr = c.Chains().Backend(ctx, signer.ChainID())
		if chainErr != nil {
			backendErr = xerrors.Wrap(xerrors.CodeRPCFailure, errors.Join(err, chainErr), "交易缺少可查询回执的链后端",
				xerrors.WithMetadata("hash", hash.Hex()),
				xerrors.WithMetadata("chain_id", fmt.Sprint(signer.ChainID())))
			logger.Named("actions").Warn("无法获取查询回执的链后端",
				slog.String("hash", hash.Hex()),
				slog.Uint64("chain_id", signer.ChainID()),
				slog.Any("error", backendErr))
		}
	}
	logger.Audit().Info("交易已提交",
		slog.String("hash", hash.Hex()),
		slog.String("from", signer.Address().Hex()),
		slog.Uint64("chain_id", signer.ChainID()),
		slog.String("connector", conn.ID()))

	return &TransactionResult{
		Hash:       hash,
		ChainID:    signer.ChainID(),
		From:       signer.Address(),
		backend:    backend,
		backendErr: backendErr,
		interval:   o.interval,
	}, nil
}

// insufficientFunds attaches the account balance and the amount the
// transaction needs, when the provider can report them.
func insufficientFunds(ctx context.Context, conn connector.Connector, from common.Address, req connector.TransactionRequest, cause error) error {
	required := new(big.Int)
	if req.Value != nil {
		required.Set(req.Value)
	}
	if req.Gas > 0 && req.GasFeeCap != nil {
		required.Add(required, new(big.Int).Mul(new(big.Int).SetUint64(req.Gas), req.GasFeeCap))
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("from", from.Hex()),
		xerrors.WithMetadata("required", required.String()),
	}
	if backend, err := conn.GetProvider(ctx); err == nil && backend != nil {
		if balance, err := backend.BalanceAt(ctx, from, nil); err == nil {
			opts = append(opts, xerrors.WithMetadata("balance", balance.String()))
		}
	}
	return xerrors.Wrap(xerrors.CodeInsufficientFunds, cause, "账户余额不足", opts...)
}
