package escrow

import (
	"math/big"
)

// feePayable reports whether the transaction status still admits arbitration
// fee payments. Any state before dispute creation qualifies, including the
// settlement oscillation.
func feePayable(status Status) bool {
	switch status {
	case StatusNoDispute, StatusWaitingSettlementSender, StatusWaitingSettlementReceiver,
		StatusWaitingSender, StatusWaitingReceiver:
		return true
	default:
		return false
	}
}

// PayArbitrationFee deposits part or all of the arbitration fee for the
// caller's side. Payments accumulate across calls and are compared against
// the arbitration cost quoted live on every call; once both sides have
// covered the cost a dispute is raised and each side's overpayment is
// returned individually.
func (e *Engine) PayArbitrationFee(caller [20]byte, id uint64, amount *big.Int, version uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.arbitrator == nil {
		return errNilArbitrator
	}
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if err := guardVersion(tx, version); err != nil {
		return err
	}
	if !feePayable(tx.Status) {
		return ErrInvalidStatus
	}
	var side Party
	switch caller {
	case tx.Sender:
		side = PartySender
	case tx.Receiver:
		side = PartyReceiver
	default:
		return ErrUnauthorized
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	cost, err := e.arbitrator.ArbitrationCost(e.arbitratorExtra)
	if err != nil {
		return err
	}
	if err := e.collect(caller, amt); err != nil {
		return err
	}
	if side == PartySender {
		tx.SenderFee = cappedAdd(tx.SenderFee, amt)
	} else {
		tx.ReceiverFee = cappedAdd(tx.ReceiverFee, amt)
	}

	senderCovered := tx.SenderFee.Cmp(cost) >= 0
	receiverCovered := tx.ReceiverFee.Cmp(cost) >= 0
	switch {
	case senderCovered && receiverCovered:
		// Record the deposit before touching the arbitrator: if dispute
		// creation fails the fee stays on the transaction and the dispute can
		// be retried instead of the payment vanishing.
		if err := e.storeTransaction(tx); err != nil {
			return err
		}
		return e.raiseDispute(tx, cost)
	case side == PartySender && senderCovered:
		tx.Status = StatusWaitingReceiver
		tx.LastInteraction = e.now()
		e.emit(NewFeeOwedEvent(tx, PartyReceiver))
	case side == PartyReceiver && receiverCovered:
		tx.Status = StatusWaitingSender
		tx.LastInteraction = e.now()
		e.emit(NewFeeOwedEvent(tx, PartySender))
	}
	return e.storeTransaction(tx)
}

// raiseDispute forwards the arbitration cost to the authority, refunds each
// side's overpayment individually and opens round zero of the appeal engine.
func (e *Engine) raiseDispute(tx *Transaction, cost *big.Int) error {
	if err := e.transfer(e.state.VaultAddress(), e.state.ArbitratorAddress(), cost); err != nil {
		return err
	}
	disputeID, err := e.arbitrator.CreateDispute(2, e.arbitratorExtra, cost)
	if err == nil && disputeID == 0 {
		// Zero is reserved as "no dispute" on the escrow side.
		err = errNilArbitrator
	}
	if err != nil {
		// Wind the forwarded cost back into the vault. The deposits stay
		// recorded on the transaction, so the next fee payment retries the
		// dispute.
		if rerr := e.transfer(e.state.ArbitratorAddress(), e.state.VaultAddress(), cost); rerr != nil {
			return rerr
		}
		return err
	}
	tx.DisputeID = disputeID
	tx.Status = StatusDisputeCreated
	if err := e.state.DisputePut(disputeID, &DisputeRecord{TransactionID: tx.ID}); err != nil {
		return err
	}
	if err := e.state.RoundPut(tx.ID, 0, NewRound()); err != nil {
		return err
	}

	if tx.SenderFee.Cmp(cost) > 0 {
		excess := new(big.Int).Sub(tx.SenderFee, cost)
		tx.SenderFee = cloneBigInt(cost)
		e.send(tx.ID, tx.Sender, excess)
	}
	if tx.ReceiverFee.Cmp(cost) > 0 {
		excess := new(big.Int).Sub(tx.ReceiverFee, cost)
		tx.ReceiverFee = cloneBigInt(cost)
		e.send(tx.ID, tx.Receiver, excess)
	}
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(tx))
	return nil
}

// TimeOut resolves the fee race by default once the party owing the fee has
// let the timeout elapse. Anyone may call it; restricting the caller would
// let the defaulting party grief the resolution. The side that paid wins the
// full amount plus its own fee back; the defaulting side's partial deposit is
// returned.
func (e *Engine) TimeOut(id uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	var winner Party
	switch tx.Status {
	case StatusWaitingSender:
		winner = PartyReceiver
	case StatusWaitingReceiver:
		winner = PartySender
	default:
		return ErrInvalidStatus
	}
	if e.now()-tx.LastInteraction < e.feeTimeout {
		return ErrTimeoutNotReached
	}
	return e.executeDefault(tx, winner)
}

// executeDefault settles the transaction in favour of winner after the
// counterparty defaulted on the fee race.
func (e *Engine) executeDefault(tx *Transaction, winner Party) error {
	amount := cloneBigInt(tx.Amount)
	tx.Amount = big.NewInt(0)
	senderFee := tx.SenderFee
	receiverFee := tx.ReceiverFee
	tx.SenderFee = big.NewInt(0)
	tx.ReceiverFee = big.NewInt(0)
	switch winner {
	case PartySender:
		e.send(tx.ID, tx.Sender, cappedAdd(amount, senderFee))
		if receiverFee.Sign() > 0 {
			e.send(tx.ID, tx.Receiver, receiverFee)
		}
	case PartyReceiver:
		e.send(tx.ID, tx.Receiver, cappedAdd(amount, receiverFee))
		if senderFee.Sign() > 0 {
			e.send(tx.ID, tx.Sender, senderFee)
		}
	}
	tx.Ruling = winner
	return e.resolve(tx, ResolutionFeeTimeout)
}
