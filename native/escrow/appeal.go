package escrow

import (
	"math/big"
)

// appealRequirement returns the total fee a side must raise in the current
// round: appealCost + appealCost * multiplier / MultiplierDivisor.
func (e *Engine) appealRequirement(appealCost *big.Int, multiplier uint64) *big.Int {
	stake := mulDiv(appealCost, new(big.Int).SetUint64(multiplier), big.NewInt(MultiplierDivisor))
	return cappedAdd(appealCost, stake)
}

// FundAppeal contributes toward side's share of the next appeal. The appeal
// window and the leading ruling are queried live from the arbitrator on every
// call. Contributions are capped at the amount still required; only the
// capped portion is taken from the contributor. When both sides complete
// their funding the appeal is filed and a fresh round opens.
func (e *Engine) FundAppeal(contributor [20]byte, id uint64, side Party, amount *big.Int, version uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.arbitrator == nil {
		return nil, errNilArbitrator
	}
	if side != PartySender && side != PartyReceiver {
		return nil, ErrInvalidSide
	}
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	if err := guardVersion(tx, version); err != nil {
		return nil, err
	}
	if tx.Status != StatusDisputeCreated {
		return nil, ErrInvalidStatus
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	start, end, err := e.arbitrator.AppealPeriod(tx.DisputeID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if start == end || now < start || now >= end {
		return nil, ErrAppealPeriodOver
	}
	leading, err := e.arbitrator.CurrentRuling(tx.DisputeID)
	if err != nil {
		return nil, err
	}
	multiplier := e.sharedMultiplier
	switch {
	case leading == uint64(side):
		multiplier = e.winnerMultiplier
	case leading == uint64(PartyNone):
		multiplier = e.sharedMultiplier
	default:
		// The side the current ruling disfavours only gets the first half of
		// the window to organise its crowdfunding.
		if now >= start+(end-start)/2 {
			return nil, ErrLoserDeadlinePassed
		}
		multiplier = e.loserMultiplier
	}

	roundIndex := e.state.RoundCount(tx.ID)
	if roundIndex == 0 {
		return nil, ErrRoundNotFound
	}
	roundIndex--
	round, ok := e.state.RoundGet(tx.ID, roundIndex)
	if !ok {
		return nil, ErrRoundNotFound
	}
	if round.Funding.Funded(side) {
		return nil, ErrSideAlreadyFunded
	}

	appealCost, err := e.arbitrator.AppealCost(tx.DisputeID, e.arbitratorExtra)
	if err != nil {
		return nil, err
	}
	required := e.appealRequirement(appealCost, multiplier)
	remaining := cappedSub(required, round.PaidFees[side])
	contribution := amt
	if contribution.Cmp(remaining) > 0 {
		contribution = remaining
	}
	if err := e.collect(contributor, contribution); err != nil {
		return nil, err
	}
	round.addContribution(contributor, side, contribution)
	round.PaidFees[side] = cappedAdd(round.PaidFees[side], contribution)
	e.emit(NewAppealContributionEvent(tx.ID, roundIndex, contributor, side, contribution))

	sideFunded := round.PaidFees[side].Cmp(required) >= 0
	opponentFunded := round.Funding.Funded(side.Opponent())
	if sideFunded && !opponentFunded {
		round.Funding = round.Funding.advance(side)
		e.emit(NewSideFundedEvent(tx.ID, roundIndex, side))
	}
	// The contribution ledger is persisted before any arbitrator call so a
	// failed appeal never loses a collected deposit.
	if err := e.state.RoundPut(tx.ID, roundIndex, round); err != nil {
		return nil, err
	}
	if !sideFunded || !opponentFunded {
		return contribution, nil
	}

	if err := e.transfer(e.state.VaultAddress(), e.state.ArbitratorAddress(), appealCost); err != nil {
		return nil, err
	}
	if err := e.arbitrator.Appeal(tx.DisputeID, e.arbitratorExtra, appealCost); err != nil {
		// Wind the cost back into the vault. The side stays unmarked, so a
		// later zero-remainder contribution retries the appeal.
		if rerr := e.transfer(e.state.ArbitratorAddress(), e.state.VaultAddress(), appealCost); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	round.Funding = round.Funding.advance(side)
	round.FeeRewards = cappedSub(round.TotalPaid(), appealCost)
	if err := e.state.RoundPut(tx.ID, roundIndex, round); err != nil {
		return nil, err
	}
	if err := e.state.RoundPut(tx.ID, roundIndex+1, NewRound()); err != nil {
		return nil, err
	}
	e.emit(NewSideFundedEvent(tx.ID, roundIndex, side))
	e.emit(NewAppealRaisedEvent(tx.ID, roundIndex))
	return contribution, nil
}
