package escrow

import (
	"math/big"
)

// ProposeSettlement records a settlement offer from one party. Proposals are
// allowed before any dispute is created and during the settlement handshake
// itself, where a new proposal acts as a counter-offer and flips whose turn
// it is. The proposed amount is what the receiver would get; the remainder
// returns to the sender.
func (e *Engine) ProposeSettlement(caller [20]byte, id uint64, amount *big.Int, version uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if err := guardVersion(tx, version); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Cmp(tx.Amount) > 0 {
		return ErrAmountTooHigh
	}
	switch tx.Status {
	case StatusNoDispute:
		if caller != tx.Sender && caller != tx.Receiver {
			return ErrUnauthorized
		}
	case StatusWaitingSettlementSender:
		// Waiting on the sender: only the sender may counter.
		if caller != tx.Sender {
			return ErrUnauthorized
		}
	case StatusWaitingSettlementReceiver:
		if caller != tx.Receiver {
			return ErrUnauthorized
		}
	default:
		return ErrInvalidStatus
	}
	var proposer Party
	if caller == tx.Sender {
		proposer = PartySender
		tx.SettlementSender = amt
		tx.Status = StatusWaitingSettlementReceiver
	} else {
		proposer = PartyReceiver
		tx.SettlementReceiver = amt
		tx.Status = StatusWaitingSettlementSender
	}
	tx.LastInteraction = e.now()
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewSettlementProposedEvent(tx, proposer, amt))
	return nil
}

// AcceptSettlement closes the handshake: the party whose turn it is accepts
// the counterparty's standing offer. The accepted amount goes to the
// receiver, the remainder back to the sender, and the transaction resolves
// without arbitration.
func (e *Engine) AcceptSettlement(caller [20]byte, id uint64, version uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if err := guardVersion(tx, version); err != nil {
		return err
	}
	var offer *big.Int
	switch tx.Status {
	case StatusWaitingSettlementSender:
		if caller != tx.Sender {
			return ErrUnauthorized
		}
		offer = tx.SettlementReceiver
	case StatusWaitingSettlementReceiver:
		if caller != tx.Receiver {
			return ErrUnauthorized
		}
		offer = tx.SettlementSender
	default:
		return ErrInvalidStatus
	}
	if offer == nil {
		return ErrNoSettlementOffer
	}
	settled := cloneBigInt(offer)
	remainder := cappedSub(tx.Amount, settled)
	tx.Amount = big.NewInt(0)
	e.send(tx.ID, tx.Receiver, settled)
	e.send(tx.ID, tx.Sender, remainder)
	return e.resolve(tx, ResolutionSettlement)
}
