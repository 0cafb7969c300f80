package escrow

import (
	"fmt"
	"math/big"
)

// Rule receives the arbitrator's final ruling. It fires at most once per
// dispute; a repeated delivery is an error so integration bugs surface
// instead of being swallowed. If exactly one side fully funded the last
// appeal round before the window closed, that side wins regardless of the
// reported ruling.
func (e *Engine) Rule(disputeID, ruling uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	record, ok := e.state.DisputeGet(disputeID)
	if !ok {
		return ErrDisputeNotFound
	}
	unlock := e.lockTransaction(record.TransactionID)
	defer unlock()
	record, ok = e.state.DisputeGet(disputeID)
	if !ok {
		return ErrDisputeNotFound
	}
	if record.Ruled {
		return ErrRulingAlreadyGiven
	}
	if ruling > uint64(PartyReceiver) {
		return fmt.Errorf("escrow: ruling %d out of range", ruling)
	}
	tx, err := e.loadTransaction(record.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status != StatusDisputeCreated {
		return ErrInvalidStatus
	}

	final := Party(ruling)
	if count := e.state.RoundCount(tx.ID); count > 0 {
		if last, ok := e.state.RoundGet(tx.ID, count-1); ok {
			if last.Funding.State == FundingOneSide {
				final = last.Funding.Side
			}
		}
	}

	record.Ruled = true
	record.Ruling = final
	if err := e.state.DisputePut(disputeID, record); err != nil {
		return err
	}
	e.emit(NewRulingEvent(tx.ID, disputeID, final))
	return e.executeRuling(tx, final)
}

// executeRuling distributes the escrowed amount and the held arbitration fee
// according to the final ruling. The winner recovers the amount plus its own
// fee deposit; a refused ruling splits both down the middle with truncating
// division, any odd remainder staying in the vault.
func (e *Engine) executeRuling(tx *Transaction, ruling Party) error {
	amount := cloneBigInt(tx.Amount)
	senderFee := tx.SenderFee
	receiverFee := tx.ReceiverFee
	tx.Amount = big.NewInt(0)
	tx.SenderFee = big.NewInt(0)
	tx.ReceiverFee = big.NewInt(0)
	tx.Ruling = ruling
	switch ruling {
	case PartySender:
		e.send(tx.ID, tx.Sender, cappedAdd(amount, senderFee))
	case PartyReceiver:
		e.send(tx.ID, tx.Receiver, cappedAdd(amount, receiverFee))
	default:
		half := new(big.Int).Div(amount, big.NewInt(2))
		e.send(tx.ID, tx.Sender, cappedAdd(half, new(big.Int).Div(senderFee, big.NewInt(2))))
		e.send(tx.ID, tx.Receiver, cappedAdd(half, new(big.Int).Div(receiverFee, big.NewInt(2))))
	}
	return e.resolve(tx, ResolutionRulingEnforced)
}
