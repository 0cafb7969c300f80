package escrow

import (
	"fmt"
	"math/big"
)

// Party identifies a side of an escrow transaction. The zero value doubles as
// the arbitrator's "refused to rule" outcome.
type Party uint8

const (
	PartyNone Party = iota
	PartySender
	PartyReceiver
)

// Valid reports whether the party value is within the supported range.
func (p Party) Valid() bool {
	switch p {
	case PartyNone, PartySender, PartyReceiver:
		return true
	default:
		return false
	}
}

func (p Party) String() string {
	switch p {
	case PartyNone:
		return "none"
	case PartySender:
		return "sender"
	case PartyReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// Opponent returns the counterparty side. PartyNone has no opponent.
func (p Party) Opponent() Party {
	switch p {
	case PartySender:
		return PartyReceiver
	case PartyReceiver:
		return PartySender
	default:
		return PartyNone
	}
}

// Status represents the lifecycle states of an escrow transaction.
type Status uint8

const (
	StatusNoDispute Status = iota
	StatusWaitingSettlementSender
	StatusWaitingSettlementReceiver
	StatusWaitingSender
	StatusWaitingReceiver
	StatusDisputeCreated
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusNoDispute, StatusWaitingSettlementSender, StatusWaitingSettlementReceiver,
		StatusWaitingSender, StatusWaitingReceiver, StatusDisputeCreated, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusNoDispute:
		return "no_dispute"
	case StatusWaitingSettlementSender:
		return "waiting_settlement_sender"
	case StatusWaitingSettlementReceiver:
		return "waiting_settlement_receiver"
	case StatusWaitingSender:
		return "waiting_sender"
	case StatusWaitingReceiver:
		return "waiting_receiver"
	case StatusDisputeCreated:
		return "dispute_created"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ResolutionReason records why a transaction reached StatusResolved.
type ResolutionReason string

const (
	ResolutionPayment          ResolutionReason = "payment"
	ResolutionReimbursement    ResolutionReason = "reimbursement"
	ResolutionDeadlineExecuted ResolutionReason = "deadline_executed"
	ResolutionFeeTimeout       ResolutionReason = "fee_timeout"
	ResolutionSettlement       ResolutionReason = "settlement"
	ResolutionRulingEnforced   ResolutionReason = "ruling_enforced"
)

// Transaction captures the canonical state of a single escrow agreement.
// Amount is the remaining escrowed value; it only ever decreases. Version is
// bumped on every mutation and lets callers detect stale snapshots.
type Transaction struct {
	ID                 uint64
	Sender             [20]byte
	Receiver           [20]byte
	Amount             *big.Int
	Deadline           int64
	LastInteraction    int64
	CreatedAt          int64
	SenderFee          *big.Int
	ReceiverFee        *big.Int
	SettlementSender   *big.Int
	SettlementReceiver *big.Int
	DisputeID          uint64
	Status             Status
	Ruling             Party
	MetaEvidence       string
	MetaHash           [32]byte
	Version            uint64
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.SenderFee = cloneBigInt(t.SenderFee)
	clone.ReceiverFee = cloneBigInt(t.ReceiverFee)
	if t.SettlementSender != nil {
		clone.SettlementSender = new(big.Int).Set(t.SettlementSender)
	}
	if t.SettlementReceiver != nil {
		clone.SettlementReceiver = new(big.Int).Set(t.SettlementReceiver)
	}
	return &clone
}

// SanitizeTransaction validates and normalises a transaction record, returning
// a clone with non-nil money fields. The original value is not mutated.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("escrow: nil transaction")
	}
	if t.ID == 0 {
		return nil, fmt.Errorf("escrow: transaction id must be positive")
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", t.Status)
	}
	if !t.Ruling.Valid() {
		return nil, fmt.Errorf("escrow: invalid ruling %d", t.Ruling)
	}
	clone := t.Clone()
	if clone.Amount.Sign() < 0 || clone.SenderFee.Sign() < 0 || clone.ReceiverFee.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative balance field")
	}
	return clone, nil
}

// FundingState describes how far the current appeal round has been funded.
type FundingState uint8

const (
	FundingNone FundingState = iota
	FundingOneSide
	FundingBoth
)

// RoundFunding is a tagged value distinguishing "neither side funded",
// "exactly one side funded (and which)" and "both sides funded, round
// closed". Side is meaningful only in the FundingOneSide state.
type RoundFunding struct {
	State FundingState
	Side  Party
}

// Funded reports whether the given side has fully funded this round.
func (f RoundFunding) Funded(side Party) bool {
	switch f.State {
	case FundingBoth:
		return true
	case FundingOneSide:
		return f.Side == side
	default:
		return false
	}
}

// advance records that side has reached its funding requirement and returns
// the updated marker.
func (f RoundFunding) advance(side Party) RoundFunding {
	switch f.State {
	case FundingNone:
		return RoundFunding{State: FundingOneSide, Side: side}
	case FundingOneSide:
		if f.Side == side {
			return f
		}
		return RoundFunding{State: FundingBoth}
	default:
		return f
	}
}

// Round tracks one appeal funding cycle. PaidFees and the contribution ledger
// are indexed by Party; PartyNone slots stay zero. The contribution ledger is
// the durable record consumed by the withdrawal engine after resolution.
type Round struct {
	PaidFees      [3]*big.Int
	Funding       RoundFunding
	FeeRewards    *big.Int
	Contributions map[[20]byte][3]*big.Int
}

// NewRound returns an empty round with all ledgers initialised.
func NewRound() *Round {
	return &Round{
		PaidFees:      [3]*big.Int{big.NewInt(0), big.NewInt(0), big.NewInt(0)},
		FeeRewards:    big.NewInt(0),
		Contributions: make(map[[20]byte][3]*big.Int),
	}
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	clone := NewRound()
	clone.Funding = r.Funding
	clone.FeeRewards = cloneBigInt(r.FeeRewards)
	for i := range r.PaidFees {
		clone.PaidFees[i] = cloneBigInt(r.PaidFees[i])
	}
	for addr, entry := range r.Contributions {
		clone.Contributions[addr] = [3]*big.Int{
			cloneBigInt(entry[0]),
			cloneBigInt(entry[1]),
			cloneBigInt(entry[2]),
		}
	}
	return clone
}

// TotalPaid sums both sides' collected fees for the round.
func (r *Round) TotalPaid() *big.Int {
	return cappedAdd(r.PaidFees[PartySender], r.PaidFees[PartyReceiver])
}

// Contribution returns the amount addr has paid toward side in this round.
func (r *Round) Contribution(addr [20]byte, side Party) *big.Int {
	entry, ok := r.Contributions[addr]
	if !ok {
		return big.NewInt(0)
	}
	return cloneBigInt(entry[side])
}

func (r *Round) addContribution(addr [20]byte, side Party, amount *big.Int) {
	entry, ok := r.Contributions[addr]
	if !ok {
		entry = [3]*big.Int{big.NewInt(0), big.NewInt(0), big.NewInt(0)}
	}
	entry[side] = cappedAdd(entry[side], amount)
	r.Contributions[addr] = entry
}

// clearContributions zeroes the full ledger entry for addr and returns the
// previous per-side amounts. The withdrawal engine relies on this to make
// payouts idempotent.
func (r *Round) clearContributions(addr [20]byte) [3]*big.Int {
	entry, ok := r.Contributions[addr]
	if !ok {
		return [3]*big.Int{big.NewInt(0), big.NewInt(0), big.NewInt(0)}
	}
	delete(r.Contributions, addr)
	for i := range entry {
		entry[i] = cloneBigInt(entry[i])
	}
	return entry
}

// DisputeRecord links an arbitrator dispute identifier back to the escrow
// transaction and remembers whether a ruling was already accepted.
type DisputeRecord struct {
	TransactionID uint64
	Ruled         bool
	Ruling        Party
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
