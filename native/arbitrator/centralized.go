package arbitrator

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

type dispute struct {
	choices     uint64
	ruling      uint64
	status      DisputeStatus
	appealStart int64
	appealEnd   int64
	appeals     uint64
}

// Centralized is a single-operator arbitration authority with flat fees and a
// fixed appeal window. It backs standalone deployments and the engine tests;
// production deployments point the engine at a remote authority instead.
type Centralized struct {
	mu           sync.Mutex
	cost         *big.Int
	appealFee    *big.Int
	appealWindow int64
	nextDispute  uint64
	disputes     map[uint64]*dispute
	ruler        Ruler
	nowFn        func() int64
}

// NewCentralized constructs the authority. cost is charged per dispute and
// per appeal, appealWindow is the length in seconds of the appeal phase that
// follows every non-final ruling.
func NewCentralized(cost, appealFee *big.Int, appealWindow int64) *Centralized {
	if cost == nil {
		cost = big.NewInt(0)
	}
	if appealFee == nil {
		appealFee = new(big.Int).Set(cost)
	}
	return &Centralized{
		cost:         new(big.Int).Set(cost),
		appealFee:    new(big.Int).Set(appealFee),
		appealWindow: appealWindow,
		nextDispute:  1,
		disputes:     make(map[uint64]*dispute),
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetRuler wires the callback target for final rulings.
func (c *Centralized) SetRuler(r Ruler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruler = r
}

// SetNowFunc overrides the time source, primarily used in tests.
func (c *Centralized) SetNowFunc(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// SetArbitrationPrice updates the flat dispute fee. Already-open disputes are
// unaffected; the escrow engine re-queries the cost on every fee payment.
func (c *Centralized) SetArbitrationPrice(cost *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cost != nil && cost.Sign() >= 0 {
		c.cost = new(big.Int).Set(cost)
	}
}

func (c *Centralized) now() int64 { return c.nowFn() }

// ArbitrationCost implements the Arbitrator interface.
func (c *Centralized) ArbitrationCost([]byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.cost), nil
}

// CreateDispute implements the Arbitrator interface.
func (c *Centralized) CreateDispute(choices uint64, _ []byte, payment *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if choices == 0 {
		return 0, fmt.Errorf("arbitrator: at least one ruling choice required")
	}
	if payment == nil || payment.Cmp(c.cost) < 0 {
		return 0, ErrInsufficientFee
	}
	id := c.nextDispute
	c.nextDispute++
	c.disputes[id] = &dispute{choices: choices, status: DisputeWaiting}
	return id, nil
}

// AppealCost implements the Arbitrator interface.
func (c *Centralized) AppealCost(disputeID uint64, _ []byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disputes[disputeID]; !ok {
		return nil, ErrDisputeNotFound
	}
	return new(big.Int).Set(c.appealFee), nil
}

// Appeal implements the Arbitrator interface. A successful appeal returns the
// dispute to the waiting phase until the operator rules again.
func (c *Centralized) Appeal(disputeID uint64, _ []byte, payment *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.status != DisputeAppealable {
		return ErrNotAppealable
	}
	if c.now() >= d.appealEnd {
		return ErrNotAppealable
	}
	if payment == nil || payment.Cmp(c.appealFee) < 0 {
		return ErrInsufficientFee
	}
	d.status = DisputeWaiting
	d.appealStart = 0
	d.appealEnd = 0
	d.appeals++
	return nil
}

// AppealPeriod implements the Arbitrator interface.
func (c *Centralized) AppealPeriod(disputeID uint64) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return 0, 0, ErrDisputeNotFound
	}
	if d.status != DisputeAppealable {
		return 0, 0, nil
	}
	return d.appealStart, d.appealEnd, nil
}

// CurrentRuling implements the Arbitrator interface.
func (c *Centralized) CurrentRuling(disputeID uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return 0, ErrDisputeNotFound
	}
	return d.ruling, nil
}

// DisputeStatus implements the Arbitrator interface.
func (c *Centralized) DisputeStatus(disputeID uint64) (DisputeStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return 0, ErrDisputeNotFound
	}
	return d.status, nil
}

// GiveRuling records the operator's ruling and opens the appeal window. The
// ruling is not final until the window closes and ExecuteRuling runs.
func (c *Centralized) GiveRuling(disputeID uint64, ruling uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.status == DisputeSolved {
		return ErrAlreadySolved
	}
	if ruling > d.choices {
		return ErrInvalidRuling
	}
	now := c.now()
	d.ruling = ruling
	d.status = DisputeAppealable
	d.appealStart = now
	d.appealEnd = now + c.appealWindow
	return nil
}

// ExecuteRuling finalises the dispute once the appeal window has elapsed and
// delivers the ruling to the configured Ruler.
func (c *Centralized) ExecuteRuling(disputeID uint64) error {
	c.mu.Lock()
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return ErrDisputeNotFound
	}
	if d.status != DisputeAppealable {
		c.mu.Unlock()
		if d.status == DisputeSolved {
			return ErrAlreadySolved
		}
		return ErrNotAppealable
	}
	if c.now() < d.appealEnd {
		c.mu.Unlock()
		return ErrAppealPeriodActive
	}
	d.status = DisputeSolved
	ruler := c.ruler
	ruling := d.ruling
	c.mu.Unlock()
	if ruler == nil {
		return fmt.Errorf("arbitrator: no ruler configured")
	}
	return ruler.Rule(disputeID, ruling)
}
