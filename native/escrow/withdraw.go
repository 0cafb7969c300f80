package escrow

import (
	"math/big"
)

// roundReward computes the payout owed to beneficiary for one round under the
// final ruling and zeroes the contribution ledger entry, making the
// computation at-most-once. It does not move funds.
func roundReward(round *Round, beneficiary [20]byte, ruling Party) *big.Int {
	contributions := round.clearContributions(beneficiary)
	switch {
	case round.Funding.State != FundingBoth:
		// Funding never completed: everyone takes their own money back.
		return cappedAdd(contributions[PartySender], contributions[PartyReceiver])
	case ruling == PartyNone:
		// No winner: the reward pool is split pro rata over everything paid
		// into the round, both sides counted.
		total := round.TotalPaid()
		contributed := cappedAdd(contributions[PartySender], contributions[PartyReceiver])
		return mulDiv(contributed, round.FeeRewards, total)
	default:
		// Decided round: only winning-side contributions share the pool.
		return mulDiv(contributions[ruling], round.FeeRewards, round.PaidFees[ruling])
	}
}

// withdrawableRounds validates the transaction is ready for withdrawals and
// reports the round count.
func (e *Engine) withdrawableRounds(tx *Transaction) (uint64, error) {
	if tx.Status != StatusResolved {
		return 0, ErrInvalidStatus
	}
	count := e.state.RoundCount(tx.ID)
	if count == 0 {
		return 0, ErrRoundNotFound
	}
	return count, nil
}

// Withdraw pays beneficiary its share of one appeal round's collected fees
// after the transaction has been resolved. Calling it again for the same
// round yields zero.
func (e *Engine) Withdraw(beneficiary [20]byte, id, roundIndex uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	count, err := e.withdrawableRounds(tx)
	if err != nil {
		return nil, err
	}
	if roundIndex >= count {
		return nil, ErrRoundNotFound
	}
	round, ok := e.state.RoundGet(id, roundIndex)
	if !ok {
		return nil, ErrRoundNotFound
	}
	reward := roundReward(round, beneficiary, tx.Ruling)
	if err := e.state.RoundPut(id, roundIndex, round); err != nil {
		return nil, err
	}
	if reward.Sign() > 0 {
		e.send(id, beneficiary, reward)
		e.emit(NewWithdrawalEvent(id, roundIndex, beneficiary, reward))
	}
	return reward, nil
}

// BatchWithdraw applies Withdraw's per-round logic over the half-open span
// [cursor, cursor+count) of rounds, summing everything into a single payment.
// A zero count means "to the end"; spans past the last round are clamped
// rather than rejected, so callers can retry bounded subranges freely.
func (e *Engine) BatchWithdraw(beneficiary [20]byte, id, cursor, count uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	rounds, err := e.withdrawableRounds(tx)
	if err != nil {
		return nil, err
	}
	if cursor > rounds {
		cursor = rounds
	}
	end := rounds
	if count != 0 && count < rounds-cursor {
		end = cursor + count
	}
	total := big.NewInt(0)
	for i := cursor; i < end; i++ {
		round, ok := e.state.RoundGet(id, i)
		if !ok {
			return nil, ErrRoundNotFound
		}
		reward := roundReward(round, beneficiary, tx.Ruling)
		if err := e.state.RoundPut(id, i, round); err != nil {
			return nil, err
		}
		total = cappedAdd(total, reward)
	}
	if total.Sign() > 0 {
		e.send(id, beneficiary, total)
		e.emit(NewWithdrawalEvent(id, cursor, beneficiary, total))
	}
	return total, nil
}
