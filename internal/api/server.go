package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"WalletBridge/internal/actions"
	"WalletBridge/internal/auth"
	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
	"WalletBridge/internal/observability/alerting"
	"WalletBridge/internal/observability/metrics"
	"WalletBridge/pkg/logger"
)

const defaultWaitTimeout = 2 * time.Minute

// Server 负责暴露 REST 接口，供外部读取钱包状态并驱动钱包操作。
type Server struct {
	addr        string
	client      *client.Client
	alerts      alerting.Dispatcher
	auth        *auth.Service
	waitTimeout time.Duration
	log         *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithAlerts 在请求失败且错误码要求告警时通知 dispatcher。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(s *Server) {
		s.alerts = dispatcher
	}
}

// WithAuth 要求 /api/v1 下的请求携带 Bearer 令牌。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithWaitTimeout 限制 wait=true 时等待回执的时长。
func WithWaitTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.waitTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, c *client.Client, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		client:      c,
		waitTimeout: defaultWaitTimeout,
		log:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	read := []string{auth.PermissionRead}
	connect := []string{auth.PermissionConnect}
	routes := []struct {
		path    string
		handler http.HandlerFunc
		perms   map[string][]string
	}{
		{"/api/v1/state", s.handleState, map[string][]string{"*": read}},
		{"/api/v1/connectors", s.handleConnectors, map[string][]string{"*": read}},
		{"/api/v1/connect", s.handleConnect, map[string][]string{"*": connect}},
		{"/api/v1/disconnect", s.handleDisconnect, map[string][]string{"*": connect}},
		{"/api/v1/network", s.handleNetwork, map[string][]string{http.MethodGet: read, "*": connect}},
		{"/api/v1/balance", s.handleBalance, map[string][]string{"*": read}},
		{"/api/v1/transactions", s.handleTransactions, map[string][]string{"*": {auth.PermissionSend}}},
	}

	mux := http.NewServeMux()
	for _, route := range routes {
		name := strings.TrimPrefix(route.path, "/api/v1/")
		var h http.Handler = route.handler
		if s.auth.Enabled() {
			h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: route.perms, AuditEvent: name})(h)
		}
		mux.Handle(route.path, metrics.Instrument(name, h))
	}
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type stateResponse struct {
	Account actions.AccountResult `json:"account"`
	Network actions.NetworkResult `json:"network"`
}

func (s *Server) currentState() stateResponse {
	return stateResponse{
		Account: actions.GetAccount(s.client),
		Network: actions.GetNetwork(s.client),
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.currentState())
}

type connectorResponse struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Ready  bool            `json:"ready"`
	Active bool            `json:"active"`
	Chains []chain.Network `json:"chains,omitempty"`
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	state := s.client.State()
	list := s.client.Connectors().List()
	out := make([]connectorResponse, 0, len(list))
	for _, conn := range list {
		out = append(out, connectorResponse{
			ID:     conn.ID(),
			Name:   conn.Name(),
			Ready:  conn.Ready(),
			Active: state.Connected() && state.Connector == conn.ID(),
			Chains: conn.Chains(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type connectRequest struct {
	Connector string `json:"connector"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.Connector) == "" {
		s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "缺少 connector 字段"))
		return
	}
	result, err := actions.Connect(r.Context(), s.client, req.Connector)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var resp disconnectResponse
	if err := actions.Disconnect(r.Context(), s.client); err != nil {
		// 状态已经清空，连接器自身的错误作为 warning 返回。
		s.log.Warn("断开连接器时出现错误", slog.Any("error", err))
		s.alert(r, err)
		warning := newErrorResponse(err)
		resp.Warning = &warning
	}
	resp.stateResponse = s.currentState()
	writeJSON(w, http.StatusOK, resp)
}

type disconnectResponse struct {
	stateResponse
	Warning *errorResponse `json:"warning,omitempty"`
}

type networkRequest struct {
	ChainID uint64 `json:"chain_id"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, actions.GetNetwork(s.client))
	case http.MethodPost:
		var req networkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		network, err := actions.SwitchNetwork(r.Context(), s.client, req.ChainID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, network)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type balanceResponse struct {
	Address   common.Address  `json:"address"`
	ChainID   uint64          `json:"chain_id,omitempty"`
	Token     *common.Address `json:"token,omitempty"`
	Value     string          `json:"value"`
	Decimals  uint8           `json:"decimals"`
	Symbol    string          `json:"symbol"`
	Formatted string          `json:"formatted"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	var address common.Address
	if raw := query.Get("address"); raw != "" {
		if !common.IsHexAddress(raw) {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "address 不是合法的地址"))
			return
		}
		address = common.HexToAddress(raw)
	} else {
		account := actions.GetAccount(s.client)
		if account.Address == nil {
			s.fail(w, r, connector.ErrNotConnected)
			return
		}
		address = *account.Address
	}

	var (
		opts    []actions.BalanceOption
		chainID uint64
		token   *common.Address
	)
	if raw := query.Get("chain_id"); raw != "" {
		id, err := chain.ParseChainID(raw)
		if err != nil {
			s.fail(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "chain_id 不合法"))
			return
		}
		chainID = id
		opts = append(opts, actions.OnChain(id))
	}
	if raw := query.Get("token"); raw != "" {
		if !common.IsHexAddress(raw) {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "token 不是合法的地址"))
			return
		}
		addr := common.HexToAddress(raw)
		token = &addr
		opts = append(opts, actions.OfToken(addr))
	}

	balance, err := actions.FetchBalance(r.Context(), s.client, address, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address:   address,
		ChainID:   chainID,
		Token:     token,
		Value:     balance.Value.String(),
		Decimals:  balance.Decimals,
		Symbol:    balance.Symbol,
		Formatted: balance.Formatted,
	})
}

type transactionRequest struct {
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	Gas     uint64 `json:"gas"`
	ChainID uint64 `json:"chain_id"`
	Wait    bool   `json:"wait"`
}

func (t transactionRequest) build() (connector.TransactionRequest, error) {
	var req connector.TransactionRequest
	if t.To != "" {
		if !common.IsHexAddress(t.To) {
			return req, xerrors.New(xerrors.CodeInvalidArgument, "to 不是合法的地址")
		}
		to := common.HexToAddress(t.To)
		req.To = &to
	}
	if t.Value != "" {
		value, ok := new(big.Int).SetString(t.Value, 0)
		if !ok || value.Sign() < 0 {
			return req, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("value %q 不是合法的金额", t.Value))
		}
		req.Value = value
	}
	if t.Data != "" {
		data, err := hexutil.Decode(t.Data)
		if err != nil {
			return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "data 不是合法的十六进制")
		}
		req.Data = data
	}
	if req.To == nil && len(req.Data) == 0 {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "交易需要 to 或 data")
	}
	req.Gas = t.Gas
	return req, nil
}

type transactionResponse struct {
	Hash        common.Hash    `json:"hash"`
	ChainID     uint64         `json:"chain_id"`
	From        common.Address `json:"from"`
	Status      string         `json:"status"`
	BlockNumber string         `json:"block_number,omitempty"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var payload transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.fail(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req, err := payload.build()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var opts []actions.SendOption
	if payload.ChainID != 0 {
		opts = append(opts, actions.RequireChain(payload.ChainID))
	}
	result, err := actions.SendTransaction(r.Context(), s.client, req, opts...)
	if err != nil {
		if errors.Is(err, connector.ErrUserRejected) {
			metrics.ObserveTransaction("rejected")
		} else {
			metrics.ObserveTransaction("failed")
		}
		s.fail(w, r, err)
		return
	}
	metrics.ObserveTransaction("submitted")

	resp := transactionResponse{
		Hash:    result.Hash,
		ChainID: result.ChainID,
		From:    result.From,
		Status:  "pending",
	}
	if !payload.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	receipt, err := result.Wait(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp.Status = "failed"
	if receipt.Status == 1 {
		resp.Status = "confirmed"
	}
	if receipt.BlockNumber != nil {
		resp.BlockNumber = receipt.BlockNumber.String()
	}
	resp.GasUsed = receipt.GasUsed
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newErrorResponse(err error) errorResponse {
	if errors.Is(err, context.DeadlineExceeded) && xerrors.CodeOf(err) == xerrors.CodeUnknown {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "请求超时")
	}
	resp := errorResponse{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Retryable: xerrors.Retryable(err),
	}
	if e, ok := xerrors.From(err); ok {
		resp.Metadata = e.Metadata()
	}
	return resp
}

// statusFor maps an error code to the HTTP status returned to callers.
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeUserRejected:
		return http.StatusForbidden
	case xerrors.CodeAlreadyConnecting, xerrors.CodeAlreadyConnected, xerrors.CodeNotConnected:
		return http.StatusConflict
	case xerrors.CodeUnsupportedChain, xerrors.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case xerrors.CodeRPCFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err and raises an alert for codes that require one.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.alert(r, err)
	writeError(w, err)
}

func (s *Server) alert(r *http.Request, err error) {
	if s.alerts == nil {
		return
	}
	event, ok := alerting.FromError(r.URL.Path, err)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if notifyErr := s.alerts.Notify(ctx, event); notifyErr != nil {
			s.log.Warn("发送告警失败", slog.Any("error", notifyErr))
		}
	}()
}

func writeError(w http.ResponseWriter, err error) {
	resp := newErrorResponse(err)
	writeJSON(w, statusFor(resp.Code), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
