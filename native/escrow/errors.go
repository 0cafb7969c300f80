package escrow

import "errors"

var (
	ErrNotFound            = errors.New("escrow: transaction not found")
	ErrRoundNotFound       = errors.New("escrow: round not found")
	ErrDisputeNotFound     = errors.New("escrow: dispute not found")
	ErrUnauthorized        = errors.New("escrow: unauthorized caller")
	ErrInvalidStatus       = errors.New("escrow: status does not permit this action")
	ErrStaleState          = errors.New("escrow: stale transaction snapshot")
	ErrInvalidAmount       = errors.New("escrow: amount must be positive")
	ErrAmountTooHigh       = errors.New("escrow: amount exceeds remaining escrow")
	ErrDeadlineNotReached  = errors.New("escrow: deadline not reached")
	ErrTimeoutNotReached   = errors.New("escrow: fee timeout not reached")
	ErrInvalidSide         = errors.New("escrow: side must be sender or receiver")
	ErrAppealPeriodOver    = errors.New("escrow: not within appeal period")
	ErrLoserDeadlinePassed = errors.New("escrow: loser funding window has closed")
	ErrSideAlreadyFunded   = errors.New("escrow: side already fully funded")
	ErrRulingAlreadyGiven  = errors.New("escrow: ruling already delivered for dispute")
	ErrNoSettlementOffer   = errors.New("escrow: no settlement proposal to accept")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
)
