package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"escrowd/native/arbitrator"
	"escrowd/native/escrow"
)

type escrowCreateParams struct {
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Amount         string `json:"amount"`
	PaymentTimeout int64  `json:"paymentTimeout"`
	MetaEvidence   string `json:"metaEvidence,omitempty"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowAmountParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Amount  string `json:"amount"`
	Version uint64 `json:"version,omitempty"`
}

type escrowCallerParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Version uint64 `json:"version,omitempty"`
}

type escrowFundAppealParams struct {
	ID          uint64 `json:"id"`
	Contributor string `json:"contributor"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Version     uint64 `json:"version,omitempty"`
}

type escrowWithdrawParams struct {
	ID          uint64 `json:"id"`
	Beneficiary string `json:"beneficiary"`
	Round       uint64 `json:"round"`
}

type escrowBatchWithdrawParams struct {
	ID          uint64 `json:"id"`
	Beneficiary string `json:"beneficiary"`
	Cursor      uint64 `json:"cursor"`
	Count       uint64 `json:"count"`
}

type escrowRoundParams struct {
	ID    uint64 `json:"id"`
	Round uint64 `json:"round"`
}

type addressParams struct {
	Address string `json:"address"`
}

type depositParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type disputeIDParams struct {
	DisputeID uint64 `json:"disputeId"`
}

type giveRulingParams struct {
	DisputeID uint64 `json:"disputeId"`
	Ruling    string `json:"ruling"`
}

type setPriceParams struct {
	Amount string `json:"amount"`
}

type transactionJSON struct {
	ID                 uint64  `json:"id"`
	Sender             string  `json:"sender"`
	Receiver           string  `json:"receiver"`
	Amount             string  `json:"amount"`
	Deadline           int64   `json:"deadline"`
	LastInteraction    int64   `json:"lastInteraction"`
	CreatedAt          int64   `json:"createdAt"`
	SenderFee          string  `json:"senderFee"`
	ReceiverFee        string  `json:"receiverFee"`
	SettlementSender   *string `json:"settlementSender,omitempty"`
	SettlementReceiver *string `json:"settlementReceiver,omitempty"`
	DisputeID          uint64  `json:"disputeId,omitempty"`
	Status             string  `json:"status"`
	Ruling             string  `json:"ruling,omitempty"`
	MetaEvidence       string  `json:"metaEvidence,omitempty"`
	MetaHash           string  `json:"metaHash"`
	Version            uint64  `json:"version"`
}

type roundJSON struct {
	SenderFees   string            `json:"senderFees"`
	ReceiverFees string            `json:"receiverFees"`
	FundedSides  []string          `json:"fundedSides"`
	Closed       bool              `json:"closed"`
	FeeRewards   string            `json:"feeRewards"`
	Sender       map[string]string `json:"senderContributions,omitempty"`
	Receiver     map[string]string `json:"receiverContributions,omitempty"`
}

type disputeJSON struct {
	DisputeID     uint64 `json:"disputeId"`
	TransactionID uint64 `json:"transactionId"`
	Ruled         bool   `json:"ruled"`
	Ruling        string `json:"ruling,omitempty"`
}

func transactionToJSON(tx *escrow.Transaction) *transactionJSON {
	out := &transactionJSON{
		ID:              tx.ID,
		Sender:          formatAddress(tx.Sender),
		Receiver:        formatAddress(tx.Receiver),
		Amount:          tx.Amount.String(),
		Deadline:        tx.Deadline,
		LastInteraction: tx.LastInteraction,
		CreatedAt:       tx.CreatedAt,
		SenderFee:       tx.SenderFee.String(),
		ReceiverFee:     tx.ReceiverFee.String(),
		DisputeID:       tx.DisputeID,
		Status:          tx.Status.String(),
		MetaEvidence:    tx.MetaEvidence,
		MetaHash:        hex.EncodeToString(tx.MetaHash[:]),
		Version:         tx.Version,
	}
	if tx.SettlementSender != nil {
		s := tx.SettlementSender.String()
		out.SettlementSender = &s
	}
	if tx.SettlementReceiver != nil {
		s := tx.SettlementReceiver.String()
		out.SettlementReceiver = &s
	}
	if tx.Status == escrow.StatusResolved {
		out.Ruling = tx.Ruling.String()
	}
	return out
}

func roundToJSON(round *escrow.Round) *roundJSON {
	out := &roundJSON{
		SenderFees:   round.PaidFees[escrow.PartySender].String(),
		ReceiverFees: round.PaidFees[escrow.PartyReceiver].String(),
		Closed:       round.Funding.State == escrow.FundingBoth,
		FeeRewards:   round.FeeRewards.String(),
	}
	for _, side := range []escrow.Party{escrow.PartySender, escrow.PartyReceiver} {
		if round.Funding.Funded(side) {
			out.FundedSides = append(out.FundedSides, side.String())
		}
	}
	for addr := range round.Contributions {
		if amount := round.Contribution(addr, escrow.PartySender); amount.Sign() > 0 {
			if out.Sender == nil {
				out.Sender = make(map[string]string)
			}
			out.Sender[formatAddress(addr)] = amount.String()
		}
		if amount := round.Contribution(addr, escrow.PartyReceiver); amount.Sign() > 0 {
			if out.Receiver == nil {
				out.Receiver = make(map[string]string)
			}
			out.Receiver[formatAddress(addr)] = amount.String()
		}
	}
	return out
}

func formatAddress(addr [20]byte) string {
	return ethcommon.BytesToAddress(addr[:]).Hex()
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(value)
	if !ethcommon.IsHexAddress(trimmed) {
		return addr, fmt.Errorf("invalid address %q", value)
	}
	copy(addr[:], ethcommon.HexToAddress(trimmed).Bytes())
	return addr, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseParty(value string) (escrow.Party, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sender":
		return escrow.PartySender, nil
	case "receiver":
		return escrow.PartyReceiver, nil
	case "none", "":
		return escrow.PartyNone, nil
	default:
		return escrow.PartyNone, fmt.Errorf("invalid party %q", value)
	}
}

func decodeParams(req *RPCRequest, target interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], target)
}

// engineErrorCode maps engine sentinels onto JSON-RPC error codes.
func engineErrorCode(err error) (int, int) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrRoundNotFound),
		errors.Is(err, escrow.ErrDisputeNotFound),
		errors.Is(err, arbitrator.ErrDisputeNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrAmountTooHigh),
		errors.Is(err, escrow.ErrInvalidSide),
		errors.Is(err, arbitrator.ErrInvalidRuling):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrStaleState),
		errors.Is(err, escrow.ErrDeadlineNotReached),
		errors.Is(err, escrow.ErrTimeoutNotReached),
		errors.Is(err, escrow.ErrAppealPeriodOver),
		errors.Is(err, escrow.ErrLoserDeadlinePassed),
		errors.Is(err, escrow.ErrSideAlreadyFunded),
		errors.Is(err, escrow.ErrRulingAlreadyGiven),
		errors.Is(err, escrow.ErrNoSettlementOffer),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, arbitrator.ErrNotAppealable),
		errors.Is(err, arbitrator.ErrAlreadySolved),
		errors.Is(err, arbitrator.ErrAppealPeriodActive),
		errors.Is(err, arbitrator.ErrInsufficientFee):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func (s *Server) writeEngineError(w *statusRecorder, id interface{}, err error) {
	status, code := engineErrorCode(err)
	if code == codeServerError {
		s.log.Error("rpc handler failed", "error", err)
	}
	s.writeRPCError(w, status, id, code, err.Error(), nil)
}

func (s *Server) invalidParams(w *statusRecorder, id interface{}, err error) {
	s.writeRPCError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
}

func (s *Server) handleEscrowCreate(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	sender, err := parseAddress(params.Sender)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	receiver, err := parseAddress(params.Receiver)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	tx, err := s.engine.Create(sender, receiver, amount, params.PaymentTimeout, params.MetaEvidence)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, transactionToJSON(tx))
}

func (s *Server) amountOperation(w *statusRecorder, req *RPCRequest, op func(caller [20]byte, id uint64, amount *big.Int, version uint64) error) {
	var params escrowAmountParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := op(caller, params.ID, amount, params.Version); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, params.ID)
}

func (s *Server) writeTransaction(w *statusRecorder, id interface{}, txID uint64) {
	tx, err := s.engine.Transaction(txID)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	writeResult(w, id, transactionToJSON(tx))
}

func (s *Server) handleEscrowPay(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	s.amountOperation(w, req, s.engine.Pay)
}

func (s *Server) handleEscrowReimburse(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	s.amountOperation(w, req, s.engine.Reimburse)
}

func (s *Server) handleEscrowExecute(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.engine.ExecuteTransaction(params.ID); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, params.ID)
}

func (s *Server) handleEscrowPayArbitrationFee(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	s.amountOperation(w, req, s.engine.PayArbitrationFee)
}

func (s *Server) handleEscrowTimeout(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.engine.TimeOut(params.ID); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, params.ID)
}

func (s *Server) handleEscrowProposeSettlement(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	s.amountOperation(w, req, s.engine.ProposeSettlement)
}

func (s *Server) handleEscrowAcceptSettlement(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowCallerParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.engine.AcceptSettlement(caller, params.ID, params.Version); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, params.ID)
}

func (s *Server) handleEscrowFundAppeal(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowFundAppealParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	contributor, err := parseAddress(params.Contributor)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	side, err := parseParty(params.Side)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	credited, err := s.engine.FundAppeal(contributor, params.ID, side, amount, params.Version)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"credited": credited.String()})
}

func (s *Server) handleEscrowWithdraw(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowWithdrawParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	beneficiary, err := parseAddress(params.Beneficiary)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := s.engine.Withdraw(beneficiary, params.ID, params.Round)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String()})
}

func (s *Server) handleEscrowBatchWithdraw(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	var params escrowBatchWithdrawParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	beneficiary, err := parseAddress(params.Beneficiary)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := s.engine.BatchWithdraw(beneficiary, params.ID, params.Cursor, params.Count)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String()})
}

func (s *Server) handleEscrowGet(w *statusRecorder, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, params.ID)
}

func (s *Server) handleEscrowCount(w *statusRecorder, req *RPCRequest) {
	writeResult(w, req.ID, map[string]uint64{"count": s.engine.TransactionCount()})
}

func (s *Server) handleEscrowGetRound(w *statusRecorder, req *RPCRequest) {
	var params escrowRoundParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	round, err := s.engine.Round(params.ID, params.Round)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, roundToJSON(round))
}

func (s *Server) handleEscrowRoundCount(w *statusRecorder, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"count": s.engine.RoundCount(params.ID)})
}

func (s *Server) handleEscrowGetDispute(w *statusRecorder, req *RPCRequest) {
	var params disputeIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	record, err := s.engine.Dispute(params.DisputeID)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	result := &disputeJSON{
		DisputeID:     params.DisputeID,
		TransactionID: record.TransactionID,
		Ruled:         record.Ruled,
	}
	if record.Ruled {
		result.Ruling = record.Ruling.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowGetBalance(w *statusRecorder, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": formatAddress(addr),
		"balance": balance.String(),
	})
}

func (s *Server) handleEscrowArbitrationCost(w *statusRecorder, req *RPCRequest) {
	if s.arb == nil {
		s.writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "arbitrator not hosted by this node", nil)
		return
	}
	cost, err := s.arb.ArbitrationCost(nil)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"cost": cost.String()})
}

func (s *Server) handleAccountDeposit(w *statusRecorder, req *RPCRequest) {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.keeper.Credit(addr, amount); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	account, err := s.keeper.GetAccount(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": formatAddress(addr),
		"balance": account.Balance.String(),
	})
}

func (s *Server) handleArbGiveRuling(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	if s.arb == nil {
		s.writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "arbitrator not hosted by this node", nil)
		return
	}
	var params giveRulingParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	ruling, err := parseParty(params.Ruling)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.arb.GiveRuling(params.DisputeID, uint64(ruling)); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleArbExecuteRuling(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	if s.arb == nil {
		s.writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "arbitrator not hosted by this node", nil)
		return
	}
	var params disputeIDParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	if err := s.arb.ExecuteRuling(params.DisputeID); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleArbSetPrice(w *statusRecorder, _ *http.Request, req *RPCRequest) {
	if s.arb == nil {
		s.writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "arbitrator not hosted by this node", nil)
		return
	}
	var params setPriceParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.invalidParams(w, req.ID, err)
		return
	}
	s.arb.SetArbitrationPrice(amount)
	writeResult(w, req.ID, map[string]string{"cost": amount.String()})
}
