package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeTransactionCreated  = "escrow.transaction.created"
	EventTypeTransactionUpdated  = "escrow.transaction.updated"
	EventTypeTransactionResolved = "escrow.transaction.resolved"
	EventTypePayment             = "escrow.payment"
	EventTypePaymentFailed       = "escrow.payment.failed"
	EventTypeFeeOwed             = "escrow.fee.owed"
	EventTypeDisputeRaised       = "escrow.dispute.raised"
	EventTypeAppealContribution  = "escrow.appeal.contribution"
	EventTypeSideFunded          = "escrow.appeal.side_funded"
	EventTypeAppealRaised        = "escrow.appeal.raised"
	EventTypeSettlementProposed  = "escrow.settlement.proposed"
	EventTypeRuling              = "escrow.ruling"
	EventTypeWithdrawal          = "escrow.withdrawal"
)

func formatAddr(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// transactionAttributes renders the full snapshot every update event carries.
func transactionAttributes(t *Transaction) map[string]string {
	attrs := map[string]string{
		"id":              strconv.FormatUint(t.ID, 10),
		"sender":          formatAddr(t.Sender),
		"receiver":        formatAddr(t.Receiver),
		"amount":          formatAmount(t.Amount),
		"deadline":        strconv.FormatInt(t.Deadline, 10),
		"lastInteraction": strconv.FormatInt(t.LastInteraction, 10),
		"senderFee":       formatAmount(t.SenderFee),
		"receiverFee":     formatAmount(t.ReceiverFee),
		"status":          t.Status.String(),
		"version":         strconv.FormatUint(t.Version, 10),
	}
	if t.DisputeID != 0 {
		attrs["disputeId"] = strconv.FormatUint(t.DisputeID, 10)
	}
	if t.Status == StatusResolved {
		attrs["ruling"] = t.Ruling.String()
	}
	if t.SettlementSender != nil {
		attrs["settlementSender"] = t.SettlementSender.String()
	}
	if t.SettlementReceiver != nil {
		attrs["settlementReceiver"] = t.SettlementReceiver.String()
	}
	return attrs
}

// NewTransactionCreatedEvent carries the immutable agreement terms, including
// the meta-evidence pass-through consumed by off-chain UIs.
func NewTransactionCreatedEvent(t *Transaction) *types.Event {
	attrs := transactionAttributes(t)
	attrs["metaEvidence"] = t.MetaEvidence
	attrs["metaHash"] = hex.EncodeToString(t.MetaHash[:])
	return &types.Event{Type: EventTypeTransactionCreated, Attributes: attrs}
}

// NewTransactionUpdatedEvent carries the full new state after any mutation so
// subscribers never have to reconstruct it.
func NewTransactionUpdatedEvent(t *Transaction) *types.Event {
	return &types.Event{Type: EventTypeTransactionUpdated, Attributes: transactionAttributes(t)}
}

// NewTransactionResolvedEvent marks the terminal transition with its reason
// code.
func NewTransactionResolvedEvent(t *Transaction, reason ResolutionReason) *types.Event {
	attrs := transactionAttributes(t)
	attrs["reason"] = string(reason)
	return &types.Event{Type: EventTypeTransactionResolved, Attributes: attrs}
}

// NewPaymentEvent records a completed vault payout.
func NewPaymentEvent(txID uint64, to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypePayment, Attributes: map[string]string{
		"id":     strconv.FormatUint(txID, 10),
		"to":     formatAddr(to),
		"amount": formatAmount(amount),
	}}
}

// NewPaymentFailedEvent records a payout the recipient could not take. The
// funds stay in the vault; the operation that triggered the payout completes
// regardless.
func NewPaymentFailedEvent(txID uint64, to [20]byte, amount *big.Int, cause error) *types.Event {
	attrs := map[string]string{
		"id":     strconv.FormatUint(txID, 10),
		"to":     formatAddr(to),
		"amount": formatAmount(amount),
	}
	if cause != nil {
		attrs["error"] = cause.Error()
	}
	return &types.Event{Type: EventTypePaymentFailed, Attributes: attrs}
}

// NewFeeOwedEvent notifies the party that now has to match the arbitration
// fee before the timeout.
func NewFeeOwedEvent(t *Transaction, owing Party) *types.Event {
	return &types.Event{Type: EventTypeFeeOwed, Attributes: map[string]string{
		"id":    strconv.FormatUint(t.ID, 10),
		"party": owing.String(),
	}}
}

// NewDisputeRaisedEvent links the transaction to its arbitrator dispute.
func NewDisputeRaisedEvent(t *Transaction) *types.Event {
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: map[string]string{
		"id":        strconv.FormatUint(t.ID, 10),
		"disputeId": strconv.FormatUint(t.DisputeID, 10),
	}}
}

// NewAppealContributionEvent records one credited appeal contribution.
func NewAppealContributionEvent(txID, round uint64, contributor [20]byte, side Party, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeAppealContribution, Attributes: map[string]string{
		"id":          strconv.FormatUint(txID, 10),
		"round":       strconv.FormatUint(round, 10),
		"contributor": formatAddr(contributor),
		"side":        side.String(),
		"amount":      formatAmount(amount),
	}}
}

// NewSideFundedEvent fires when a side reaches its full appeal requirement.
func NewSideFundedEvent(txID, round uint64, side Party) *types.Event {
	return &types.Event{Type: EventTypeSideFunded, Attributes: map[string]string{
		"id":    strconv.FormatUint(txID, 10),
		"round": strconv.FormatUint(round, 10),
		"side":  side.String(),
	}}
}

// NewAppealRaisedEvent fires when both sides funded and the appeal was filed.
func NewAppealRaisedEvent(txID, round uint64) *types.Event {
	return &types.Event{Type: EventTypeAppealRaised, Attributes: map[string]string{
		"id":    strconv.FormatUint(txID, 10),
		"round": strconv.FormatUint(round, 10),
	}}
}

// NewSettlementProposedEvent records a settlement offer or counter-offer.
func NewSettlementProposedEvent(t *Transaction, proposer Party, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeSettlementProposed, Attributes: map[string]string{
		"id":       strconv.FormatUint(t.ID, 10),
		"proposer": proposer.String(),
		"amount":   formatAmount(amount),
	}}
}

// NewRulingEvent records the accepted final ruling, after any single-funder
// override.
func NewRulingEvent(txID, disputeID uint64, ruling Party) *types.Event {
	return &types.Event{Type: EventTypeRuling, Attributes: map[string]string{
		"id":        strconv.FormatUint(txID, 10),
		"disputeId": strconv.FormatUint(disputeID, 10),
		"ruling":    ruling.String(),
	}}
}

// NewWithdrawalEvent records a reward payout for one round or batch span.
func NewWithdrawalEvent(txID, round uint64, beneficiary [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeWithdrawal, Attributes: map[string]string{
		"id":          strconv.FormatUint(txID, 10),
		"round":       strconv.FormatUint(round, 10),
		"beneficiary": formatAddr(beneficiary),
		"amount":      formatAmount(amount),
	}}
}
