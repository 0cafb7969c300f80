package arbitrator

import (
	"errors"
	"math/big"
)

// DisputeStatus mirrors the lifecycle reported by the arbitration authority.
type DisputeStatus uint8

const (
	DisputeWaiting DisputeStatus = iota
	DisputeAppealable
	DisputeSolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeWaiting:
		return "waiting"
	case DisputeAppealable:
		return "appealable"
	case DisputeSolved:
		return "solved"
	default:
		return "unknown"
	}
}

var (
	ErrDisputeNotFound    = errors.New("arbitrator: dispute not found")
	ErrInsufficientFee    = errors.New("arbitrator: payment below quoted cost")
	ErrNotAppealable      = errors.New("arbitrator: dispute is not appealable")
	ErrAlreadySolved      = errors.New("arbitrator: dispute already solved")
	ErrInvalidRuling      = errors.New("arbitrator: ruling out of range")
	ErrAppealPeriodActive = errors.New("arbitrator: appeal period still open")
	ErrUnauthorized       = errors.New("arbitrator: unauthorized caller")
)

// Arbitrator is the narrow contract the escrow engine holds against the
// arbitration authority. Costs must be re-queried before every payment; the
// authority may change them between calls. Dispute identifiers start at 1 so
// zero can mean "no dispute" on the escrow side.
type Arbitrator interface {
	// ArbitrationCost quotes the fee each party must deposit to raise a
	// dispute under the given policy blob.
	ArbitrationCost(extraData []byte) (*big.Int, error)
	// CreateDispute opens a dispute with the given number of ruling choices,
	// funded by payment (which must cover the quoted cost).
	CreateDispute(choices uint64, extraData []byte, payment *big.Int) (uint64, error)
	// AppealCost quotes the fee to appeal the current ruling.
	AppealCost(disputeID uint64, extraData []byte) (*big.Int, error)
	// Appeal contests the current ruling, funded by payment.
	Appeal(disputeID uint64, extraData []byte, payment *big.Int) error
	// AppealPeriod reports the [start, end) window during which the current
	// ruling may be appealed. Both bounds are zero outside an appeal phase.
	AppealPeriod(disputeID uint64) (start, end int64, err error)
	// CurrentRuling reports the non-final leading ruling; zero means the
	// authority has not leaned either way.
	CurrentRuling(disputeID uint64) (uint64, error)
	// DisputeStatus reports where the dispute sits in the authority's own
	// lifecycle.
	DisputeStatus(disputeID uint64) (DisputeStatus, error)
}

// Ruler receives final rulings back from the authority. The escrow engine
// implements it; the authority must call it at most once per dispute.
type Ruler interface {
	Rule(disputeID uint64, ruling uint64) error
}
