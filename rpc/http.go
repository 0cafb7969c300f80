package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/explorer"
	"escrowd/native/arbitrator"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/state"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32040
	codeConflict       = -32041
	codeForbidden      = -32042
)

// Server exposes the escrow engine over JSON-RPC, the event stream over a
// websocket, and Prometheus metrics. All mutating methods require bearer
// token authentication.
type Server struct {
	engine  *escrow.Engine
	keeper  *state.Keeper
	arb     *arbitrator.Centralized
	archive *explorer.Archive
	log     *slog.Logger

	authToken string
	metrics   *observability.RPCMetrics
}

// NewServer wires the RPC surface. arb may be nil when the engine points at a
// remote authority; the arb_* operator methods then report method-not-found.
// An empty authToken disables every mutating method.
func NewServer(engine *escrow.Engine, keeper *state.Keeper, arb *arbitrator.Centralized, archive *explorer.Archive, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		keeper:    keeper,
		arb:       arb,
		archive:   archive,
		log:       log,
		authToken: strings.TrimSpace(authToken),
		metrics:   observability.RPC(),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/ws", s.handleEventsWS)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{inner: w}
	start := time.Now()
	s.dispatch(recorder, r, req)
	s.metrics.Observe(req.Method, time.Since(start), recorder.errCode)
}

// statusRecorder captures the JSON-RPC error code a handler wrote so the
// metrics layer can label the request outcome.
type statusRecorder struct {
	inner   http.ResponseWriter
	errCode int
}

func (r *statusRecorder) Header() http.Header         { return r.inner.Header() }
func (r *statusRecorder) Write(b []byte) (int, error) { return r.inner.Write(b) }
func (r *statusRecorder) WriteHeader(status int)      { r.inner.WriteHeader(status) }

func (s *Server) dispatch(w *statusRecorder, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "escrow_create":
		s.authorized(w, r, req, s.handleEscrowCreate)
	case "escrow_pay":
		s.authorized(w, r, req, s.handleEscrowPay)
	case "escrow_reimburse":
		s.authorized(w, r, req, s.handleEscrowReimburse)
	case "escrow_execute":
		s.authorized(w, r, req, s.handleEscrowExecute)
	case "escrow_payArbitrationFee":
		s.authorized(w, r, req, s.handleEscrowPayArbitrationFee)
	case "escrow_timeout":
		s.authorized(w, r, req, s.handleEscrowTimeout)
	case "escrow_proposeSettlement":
		s.authorized(w, r, req, s.handleEscrowProposeSettlement)
	case "escrow_acceptSettlement":
		s.authorized(w, r, req, s.handleEscrowAcceptSettlement)
	case "escrow_fundAppeal":
		s.authorized(w, r, req, s.handleEscrowFundAppeal)
	case "escrow_withdraw":
		s.authorized(w, r, req, s.handleEscrowWithdraw)
	case "escrow_batchWithdraw":
		s.authorized(w, r, req, s.handleEscrowBatchWithdraw)
	case "escrow_get":
		s.handleEscrowGet(w, req)
	case "escrow_count":
		s.handleEscrowCount(w, req)
	case "escrow_getRound":
		s.handleEscrowGetRound(w, req)
	case "escrow_roundCount":
		s.handleEscrowRoundCount(w, req)
	case "escrow_getDispute":
		s.handleEscrowGetDispute(w, req)
	case "escrow_getBalance":
		s.handleEscrowGetBalance(w, req)
	case "escrow_arbitrationCost":
		s.handleEscrowArbitrationCost(w, req)
	case "account_deposit":
		s.authorized(w, r, req, func(w *statusRecorder, _ *http.Request, req *RPCRequest) {
			s.handleAccountDeposit(w, req)
		})
	case "arb_giveRuling":
		s.authorized(w, r, req, s.handleArbGiveRuling)
	case "arb_executeRuling":
		s.authorized(w, r, req, s.handleArbExecuteRuling)
	case "arb_setArbitrationPrice":
		s.authorized(w, r, req, s.handleArbSetPrice)
	default:
		s.writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) authorized(w *statusRecorder, r *http.Request, req *RPCRequest, next func(*statusRecorder, *http.Request, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		s.log.Warn("rejected unauthenticated request",
			slog.String("method", req.Method),
			logging.MaskField("authorization", r.Header.Get("Authorization")))
		s.writeRPCError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) writeRPCError(w *statusRecorder, status int, id interface{}, code int, message string, data interface{}) {
	w.errCode = code
	writeError(w.inner, status, id, code, message, data)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
