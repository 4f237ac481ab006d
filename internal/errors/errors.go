// Package errors 定义钱包连接层统一的错误码与错误类型。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUserRejected      Code = "USER_REJECTED"
	CodeAlreadyConnecting Code = "ALREADY_CONNECTING"
	CodeAlreadyConnected  Code = "CONNECTOR_ALREADY_CONNECTED"
	CodeNotConnected      Code = "NOT_CONNECTED"
	CodeUnsupportedChain  Code = "UNSUPPORTED_CHAIN"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeRPCFailure        Code = "RPC_FAILURE"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
)

// attributes are the fixed properties of a code.
type attributes struct {
	message   string
	severity  Severity
	retryable bool
	alert     bool
}

// Failures outside the wallet's control alert; user and caller mistakes do not.
var codes = map[Code]attributes{
	CodeUnknown:           {"unknown error", SeverityCritical, false, true},
	CodeInvalidArgument:   {"invalid argument", SeverityInfo, false, false},
	CodeNotFound:          {"resource not found", SeverityInfo, false, false},
	CodeUserRejected:      {"user rejected the request", SeverityInfo, false, false},
	CodeAlreadyConnecting: {"connection already in progress", SeverityInfo, false, false},
	CodeAlreadyConnected:  {"connector already connected", SeverityInfo, false, false},
	CodeNotConnected:      {"wallet not connected", SeverityInfo, false, false},
	CodeUnsupportedChain:  {"chain not supported", SeverityWarning, false, false},
	CodeInsufficientFunds: {"insufficient funds", SeverityInfo, false, false},
	CodeRPCFailure:        {"rpc failure", SeverityWarning, true, true},
	CodeStorageFailure:    {"storage failure", SeverityCritical, true, true},
	CodeTimeout:           {"operation timed out", SeverityWarning, true, true},
}

func attributesOf(code Code) attributes {
	if attr, ok := codes[code]; ok {
		return attr
	}
	return codes[CodeUnknown]
}

// Error 是系统内统一的错误类型。两个 Error 在错误码相同时满足 errors.Is。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = attributesOf(code).message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code { return e.code }

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// From 尝试从 error 链中取出统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码，未编码的错误视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// Retryable 判断 err 是否值得调用方重试。
func Retryable(err error) bool {
	e, ok := From(err)
	return ok && attributesOf(e.code).retryable
}

// ShouldAlert 判断 err 是否需要触发告警。未编码的错误不告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && attributesOf(e.code).alert
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return attributesOf(CodeOf(err)).severity
}
