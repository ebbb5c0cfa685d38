package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/eaglefi/evault/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the vault ledger
type JSONRPCServer struct {
	vault  *vault.Vault
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(v *vault.Vault, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:  v,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Application codes for catchable vault failures
	Unauthorized  = -32000
	PolicyBlocked = -32001
	EconomicLimit = -32002
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = vaultError(err)
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Share operations
	case "vault_deposit":
		return s.deposit(params)
	case "vault_depositDual":
		return s.depositDual(params)
	case "vault_withdraw":
		return s.withdraw(params)
	case "vault_redeem":
		return s.redeem(params)
	case "vault_injectCapital":
		return s.injectCapital(params)
	case "vault_transfer":
		return s.transfer(params)

	// Keeper operations
	case "vault_report":
		return s.report(params)
	case "vault_tend":
		return s.tend(params)
	case "vault_tendTrigger":
		return s.tendTrigger(params)

	// Lifecycle
	case "vault_setPaused":
		return s.setPaused(params)
	case "vault_shutdown":
		return s.shutdown(params)

	// Read methods
	case "vault_balanceOf":
		return s.balanceOf(params)
	case "vault_maxWithdraw":
		return s.maxWithdraw(params)
	case "vault_convertToShares":
		return s.convertToShares(params)
	case "vault_convertToAssets":
		return s.convertToAssets(params)
	case "vault_getStrategies":
		return s.getStrategies(params)
	case "vault_getStatus":
		return s.getStatus(params)
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// vaultError maps the ledger's sentinel errors onto RPC codes so clients
// can distinguish retryable economic failures from authorization ones.
func vaultError(err error) *RPCError {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return &RPCError{Code: Unauthorized, Message: err.Error()}
	case errors.Is(err, vault.ErrVaultPaused),
		errors.Is(err, vault.ErrVaultIsShutdown),
		errors.Is(err, vault.ErrVaultNotShutdown),
		errors.Is(err, vault.ErrNotWhitelisted):
		return &RPCError{Code: PolicyBlocked, Message: err.Error()}
	case errors.Is(err, vault.ErrLossExceeded),
		errors.Is(err, vault.ErrSlippageExceeded),
		errors.Is(err, vault.ErrSupplyCapExceeded),
		errors.Is(err, vault.ErrInvalidPrice):
		return &RPCError{Code: EconomicLimit, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "missing " + field}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "bad integer for " + field}
	}
	return n, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
		Assets    string `json:"assets"`
		Receiver  string `json:"receiver"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	assets, err := parseBig("assets", p.Assets)
	if err != nil {
		return nil, err
	}
	shares, err := s.vault.Deposit(p.Depositor, assets, p.Receiver)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"shares": shares.String(),
		"status": "accepted",
	}, nil
}

func (s *JSONRPCServer) depositDual(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
		AmountA   string `json:"amountA"`
		AmountB   string `json:"amountB"`
		Receiver  string `json:"receiver"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amountA := big.NewInt(0)
	amountB := big.NewInt(0)
	var err error
	if p.AmountA != "" {
		if amountA, err = parseBig("amountA", p.AmountA); err != nil {
			return nil, err
		}
	}
	if p.AmountB != "" {
		if amountB, err = parseBig("amountB", p.AmountB); err != nil {
			return nil, err
		}
	}
	shares, remainder, err := s.vault.DepositDual(p.Depositor, amountA, amountB, p.Receiver)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"shares":    shares.String(),
		"remainder": remainder.String(),
		"status":    "accepted",
	}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     string `json:"caller"`
		Assets     string `json:"assets"`
		Receiver   string `json:"receiver"`
		Owner      string `json:"owner"`
		MaxLossBps int64  `json:"maxLossBps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	assets, err := parseBig("assets", p.Assets)
	if err != nil {
		return nil, err
	}
	payout, err := s.vault.Withdraw(p.Caller, assets, p.Receiver, p.Owner, p.MaxLossBps)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"payout": payout.String(),
		"status": "fulfilled",
	}, nil
}

func (s *JSONRPCServer) redeem(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     string `json:"caller"`
		Shares     string `json:"shares"`
		Receiver   string `json:"receiver"`
		Owner      string `json:"owner"`
		MaxLossBps int64  `json:"maxLossBps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	shares, err := parseBig("shares", p.Shares)
	if err != nil {
		return nil, err
	}
	payout, err := s.vault.Redeem(p.Caller, shares, p.Receiver, p.Owner, p.MaxLossBps)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"payout": payout.String(),
		"status": "fulfilled",
	}, nil
}

func (s *JSONRPCServer) injectCapital(params json.RawMessage) (interface{}, error) {
	var p struct {
		Funder  string `json:"funder"`
		AmountA string `json:"amountA"`
		AmountB string `json:"amountB"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amountA := big.NewInt(0)
	amountB := big.NewInt(0)
	var err error
	if p.AmountA != "" {
		if amountA, err = parseBig("amountA", p.AmountA); err != nil {
			return nil, err
		}
	}
	if p.AmountB != "" {
		if amountB, err = parseBig("amountB", p.AmountB); err != nil {
			return nil, err
		}
	}
	if err := s.vault.InjectCapital(p.Funder, amountA, amountB); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "accepted"}, nil
}

func (s *JSONRPCServer) transfer(params json.RawMessage) (interface{}, error) {
	var p struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Shares string `json:"shares"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	shares, err := parseBig("shares", p.Shares)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Transfer(p.From, p.To, shares); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "transferred"}, nil
}

func (s *JSONRPCServer) report(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	summary, err := s.vault.Report(p.Caller)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"profit":       summary.Profit.String(),
		"loss":         summary.Loss.String(),
		"feeShares":    summary.FeeShares.String(),
		"lockedShares": summary.LockedShares.String(),
		"totalAssets":  summary.TotalAssets.String(),
		"totalSupply":  summary.TotalSupply.String(),
	}, nil
}

func (s *JSONRPCServer) tend(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.vault.Tend(p.Caller); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "tended"}, nil
}

func (s *JSONRPCServer) tendTrigger(params json.RawMessage) (interface{}, error) {
	due, reason := s.vault.TendTrigger()
	return map[string]interface{}{
		"due":    due,
		"reason": reason,
	}, nil
}

func (s *JSONRPCServer) setPaused(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Paused bool   `json:"paused"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.vault.SetPaused(p.Caller, p.Paused); err != nil {
		return nil, err
	}
	return map[string]interface{}{"paused": p.Paused}, nil
}

func (s *JSONRPCServer) shutdown(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.vault.Shutdown(p.Caller); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "shutdown"}, nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return map[string]interface{}{
		"balance": s.vault.BalanceOf(p.Address).String(),
	}, nil
}

func (s *JSONRPCServer) maxWithdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner      string `json:"owner"`
		MaxLossBps int64  `json:"maxLossBps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	assets, err := s.vault.MaxWithdraw(p.Owner, p.MaxLossBps)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"assets": assets.String(),
	}, nil
}

func (s *JSONRPCServer) convertToShares(params json.RawMessage) (interface{}, error) {
	var p struct {
		Assets string `json:"assets"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	assets, err := parseBig("assets", p.Assets)
	if err != nil {
		return nil, err
	}
	shares, err := s.vault.ConvertToShares(assets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"shares": shares.String()}, nil
}

func (s *JSONRPCServer) convertToAssets(params json.RawMessage) (interface{}, error) {
	var p struct {
		Shares string `json:"shares"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	shares, err := parseBig("shares", p.Shares)
	if err != nil {
		return nil, err
	}
	assets, err := s.vault.ConvertToAssets(shares)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"assets": assets.String()}, nil
}

func (s *JSONRPCServer) getStrategies(params json.RawMessage) (interface{}, error) {
	entries := s.vault.Strategies()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id":        e.ID,
			"weightBps": e.WeightBps,
			"active":    e.Active,
			"debt":      e.Debt.String(),
		})
	}
	return out, nil
}

func (s *JSONRPCServer) getStatus(params json.RawMessage) (interface{}, error) {
	due, reason := s.vault.TendTrigger()
	return map[string]interface{}{
		"totalAssets":  s.vault.TotalAssets().String(),
		"totalSupply":  s.vault.TotalSupply().String(),
		"sharePrice":   s.vault.SharePrice().String(),
		"lockedShares": s.vault.LockedShares().String(),
		"paused":       s.vault.IsPaused(),
		"shutdown":     s.vault.IsShutdown(),
		"tendDue":      due,
		"tendReason":   reason,
		"timestamp":    time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, v *vault.Vault, logger log.Logger) error {
	server := NewJSONRPCServer(v, logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
