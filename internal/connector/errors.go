package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "WalletBridge/internal/errors"
)

// Provider RPC error codes defined by EIP-1193 and EIP-3326.
const (
	CodeUserRejectedRequest = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeProviderDisconnect  = 4900
	CodeChainDisconnected   = 4901
	CodeUnrecognizedChain   = 4902
)

var (
	// ErrNotConnected 表示当前没有已连接的账户。
	ErrNotConnected = xerrors.New(xerrors.CodeNotConnected, "wallet not connected")
	// ErrUserRejected 表示用户在钱包中拒绝了请求。
	ErrUserRejected = xerrors.New(xerrors.CodeUserRejected, "user rejected request")
	// ErrUnsupportedChain 表示连接器不支持目标链。
	ErrUnsupportedChain = xerrors.New(xerrors.CodeUnsupportedChain, "chain not supported")
	// ErrConnectorNotFound 表示注册表中不存在该连接器。
	ErrConnectorNotFound = xerrors.New(xerrors.CodeNotFound, "connector not found")
	// ErrInsufficientFunds 表示账户余额不足以支付交易。
	ErrInsufficientFunds = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient funds")
)

// ProviderError is the error shape wallet providers return for rejected or
// failed requests.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ErrorCode implements rpc.Error so remote and in-process providers classify
// the same way.
func (e *ProviderError) ErrorCode() int {
	return e.Code
}

// Classify maps provider and RPC failures onto the client error taxonomy.
// Errors that already carry a code are returned unchanged.
func Classify(err error, action string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, action)
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeUserRejectedRequest:
			return xerrors.Wrap(xerrors.CodeUserRejected, err, action)
		case CodeUnauthorized, CodeProviderDisconnect, CodeChainDisconnected:
			return xerrors.Wrap(xerrors.CodeNotConnected, err, action)
		case CodeUnrecognizedChain:
			return xerrors.Wrap(xerrors.CodeUnsupportedChain, err, action)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return xerrors.Wrap(xerrors.CodeInsufficientFunds, err, action)
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return xerrors.Wrap(xerrors.CodeUserRejected, err, action)
	}
	return xerrors.Wrap(xerrors.CodeRPCFailure, err, action)
}
