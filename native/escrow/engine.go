package escrow

import (
	"errors"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/arbitrator"
)

var (
	errNilState      = errors.New("escrow engine: state not configured")
	errNilArbitrator = errors.New("escrow engine: arbitrator not configured")
)

// Basis-point divisor for the appeal stake multipliers.
const MultiplierDivisor = 10_000

// Default stake multipliers: the shared rate applies while the arbitrator has
// not leaned either way, the winner rate to the side the current ruling
// favours, the loser rate to the side contesting it.
const (
	DefaultSharedStakeMultiplier uint64 = 5_000
	DefaultWinnerStakeMultiplier uint64 = 3_000
	DefaultLoserStakeMultiplier  uint64 = 7_000
)

// DefaultFeeTimeout bounds how long a party may stall the arbitration fee
// race before the counterparty can claim a default win.
const DefaultFeeTimeout int64 = 24 * 60 * 60

type engineState interface {
	TransactionPut(*Transaction) error
	TransactionGet(id uint64) (*Transaction, bool)
	TransactionCount() uint64
	NextTransactionID() (uint64, error)
	RoundPut(txID, index uint64, round *Round) error
	RoundGet(txID, index uint64) (*Round, bool)
	RoundCount(txID uint64) uint64
	DisputePut(disputeID uint64, record *DisputeRecord) error
	DisputeGet(disputeID uint64) (*DisputeRecord, bool)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	VaultAddress() [20]byte
	ArbitratorAddress() [20]byte
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the full escrow transaction lifecycle: creation, partial
// payment, the arbitration fee race, appeal round crowdfunding, ruling
// enforcement and reward withdrawal. All operations on a single transaction
// are serialized; distinct transactions proceed independently.
type Engine struct {
	state      engineState
	arbitrator arbitrator.Arbitrator
	emitter    events.Emitter
	nowFn      func() int64

	feeTimeout       int64
	arbitratorExtra  []byte
	sharedMultiplier uint64
	winnerMultiplier uint64
	loserMultiplier  uint64

	txLocks sync.Map
}

// NewEngine creates an escrow engine with default timing and multiplier
// parameters and a no-op emitter. Callers wire state, arbitrator and emitter
// via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:          events.NoopEmitter{},
		nowFn:            func() int64 { return time.Now().Unix() },
		feeTimeout:       DefaultFeeTimeout,
		sharedMultiplier: DefaultSharedStakeMultiplier,
		winnerMultiplier: DefaultWinnerStakeMultiplier,
		loserMultiplier:  DefaultLoserStakeMultiplier,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetArbitrator configures the arbitration authority.
func (e *Engine) SetArbitrator(arb arbitrator.Arbitrator) { e.arbitrator = arb }

// SetArbitratorExtraData configures the opaque policy blob forwarded to the
// arbitrator on cost queries, dispute creation and appeals.
func (e *Engine) SetArbitratorExtraData(extra []byte) {
	e.arbitratorExtra = append([]byte(nil), extra...)
}

// SetFeeTimeout overrides the arbitration fee race timeout in seconds.
func (e *Engine) SetFeeTimeout(seconds int64) {
	if seconds > 0 {
		e.feeTimeout = seconds
	}
}

// SetStakeMultipliers overrides the appeal stake multipliers, expressed in
// basis points of the arbitrator's appeal cost.
func (e *Engine) SetStakeMultipliers(shared, winner, loser uint64) {
	e.sharedMultiplier = shared
	e.winnerMultiplier = winner
	e.loserMultiplier = loser
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// FeeTimeout reports the configured arbitration fee race timeout in seconds.
func (e *Engine) FeeTimeout() int64 { return e.feeTimeout }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// lockTransaction serializes all mutations of one transaction. Distinct
// transactions use distinct mutexes and never contend.
func (e *Engine) lockTransaction(id uint64) func() {
	muAny, _ := e.txLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) loadTransaction(id uint64) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	tx, ok := e.state.TransactionGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

// storeTransaction persists the record with a bumped version and emits the
// full-snapshot update every subscriber relies on.
func (e *Engine) storeTransaction(tx *Transaction) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	tx.Version++
	if err := e.state.TransactionPut(tx); err != nil {
		return err
	}
	e.emit(NewTransactionUpdatedEvent(tx))
	return nil
}

// guardVersion rejects calls made against a stale snapshot. A zero expected
// version skips the check.
func guardVersion(tx *Transaction, expected uint64) error {
	if expected != 0 && tx.Version != expected {
		return ErrStaleState
	}
	return nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	fromAcc.Nonce++
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	toAcc.Nonce++
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// collect moves caller funds into the module vault. Unlike send, a failed
// collection aborts the operation.
func (e *Engine) collect(from [20]byte, amount *big.Int) error {
	return e.transfer(from, e.state.VaultAddress(), amount)
}

// send pays out from the vault without letting a failing recipient block
// state progress. On failure the funds stay in the vault and only an event
// records the unclaimed payment.
func (e *Engine) send(txID uint64, to [20]byte, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	if err := e.transfer(e.state.VaultAddress(), to, amount); err != nil {
		e.emit(NewPaymentFailedEvent(txID, to, amount, err))
		return
	}
	e.emit(NewPaymentEvent(txID, to, amount))
}

// Create opens a new escrow transaction, moving amount from the sender into
// the module vault. The deadline after which the receiver may claim the full
// amount is now+paymentTimeout.
func (e *Engine) Create(sender, receiver [20]byte, amount *big.Int, paymentTimeout int64, metaEvidence string) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentTimeout <= 0 {
		return nil, errors.New("escrow: payment timeout must be positive")
	}
	if sender == receiver {
		return nil, errors.New("escrow: sender and receiver must differ")
	}
	if err := e.collect(sender, amt); err != nil {
		return nil, err
	}
	id, err := e.state.NextTransactionID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	tx := &Transaction{
		ID:              id,
		Sender:          sender,
		Receiver:        receiver,
		Amount:          amt,
		Deadline:        now + paymentTimeout,
		LastInteraction: now,
		CreatedAt:       now,
		SenderFee:       big.NewInt(0),
		ReceiverFee:     big.NewInt(0),
		Status:          StatusNoDispute,
		MetaEvidence:    metaEvidence,
		MetaHash:        ethcrypto.Keccak256Hash([]byte(metaEvidence)),
	}
	if err := e.storeTransaction(tx); err != nil {
		return nil, err
	}
	e.emit(NewTransactionCreatedEvent(tx))
	return tx.Clone(), nil
}

// Pay releases part of the escrowed amount to the receiver. Only the sender
// may pay, and only while no dispute path has been entered. Releasing the
// full remaining amount resolves the transaction.
func (e *Engine) Pay(caller [20]byte, id uint64, amount *big.Int, version uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if err := guardVersion(tx, version); err != nil {
		return err
	}
	if tx.Status != StatusNoDispute {
		return ErrInvalidStatus
	}
	if caller != tx.Sender {
		return ErrUnauthorized
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amt.Cmp(tx.Amount) > 0 {
		return ErrAmountTooHigh
	}
	tx.Amount = new(big.Int).Sub(tx.Amount, amt)
	e.send(tx.ID, tx.Receiver, amt)
	if tx.Amount.Sign() == 0 {
		return e.resolve(tx, ResolutionPayment)
	}
	return e.storeTransaction(tx)
}

// Reimburse returns part of the escrowed amount to the sender. Only the
// receiver may reimburse. Returning the full remaining amount resolves the
// transaction.
func (e *Engine) Reimburse(caller [20]byte, id uint64, amount *big.Int, version uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if err := guardVersion(tx, version); err != nil {
		return err
	}
	if tx.Status != StatusNoDispute {
		return ErrInvalidStatus
	}
	if caller != tx.Receiver {
		return ErrUnauthorized
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amt.Cmp(tx.Amount) > 0 {
		return ErrAmountTooHigh
	}
	tx.Amount = new(big.Int).Sub(tx.Amount, amt)
	e.send(tx.ID, tx.Sender, amt)
	if tx.Amount.Sign() == 0 {
		return e.resolve(tx, ResolutionReimbursement)
	}
	return e.storeTransaction(tx)
}

// ExecuteTransaction pays the full remaining amount to the receiver once the
// payment deadline has passed without a dispute. Anyone may trigger it.
func (e *Engine) ExecuteTransaction(id uint64) error {
	unlock := e.lockTransaction(id)
	defer unlock()
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusNoDispute {
		return ErrInvalidStatus
	}
	if e.now() < tx.Deadline {
		return ErrDeadlineNotReached
	}
	amount := cloneBigInt(tx.Amount)
	tx.Amount = big.NewInt(0)
	e.send(tx.ID, tx.Receiver, amount)
	return e.resolve(tx, ResolutionDeadlineExecuted)
}

// resolve finishes the transaction: outstanding fee deposits that never
// reached the arbitrator are returned, settlement offers are discarded and
// the terminal status is persisted. The caller has already moved the
// escrowed amount.
func (e *Engine) resolve(tx *Transaction, reason ResolutionReason) error {
	if tx.Status != StatusDisputeCreated {
		if tx.SenderFee.Sign() > 0 {
			fee := tx.SenderFee
			tx.SenderFee = big.NewInt(0)
			e.send(tx.ID, tx.Sender, fee)
		}
		if tx.ReceiverFee.Sign() > 0 {
			fee := tx.ReceiverFee
			tx.ReceiverFee = big.NewInt(0)
			e.send(tx.ID, tx.Receiver, fee)
		}
	}
	tx.SettlementSender = nil
	tx.SettlementReceiver = nil
	tx.Status = StatusResolved
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewTransactionResolvedEvent(tx, reason))
	return nil
}

// Transaction returns a snapshot of the stored record.
func (e *Engine) Transaction(id uint64) (*Transaction, error) {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

// TransactionCount reports how many transactions have been created.
func (e *Engine) TransactionCount() uint64 {
	if e == nil || e.state == nil {
		return 0
	}
	return e.state.TransactionCount()
}

// Round returns a snapshot of one appeal round.
func (e *Engine) Round(txID, index uint64) (*Round, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	round, ok := e.state.RoundGet(txID, index)
	if !ok {
		return nil, ErrRoundNotFound
	}
	return round.Clone(), nil
}

// RoundCount reports how many appeal rounds exist for the transaction. It is
// zero until a dispute is raised.
func (e *Engine) RoundCount(txID uint64) uint64 {
	if e == nil || e.state == nil {
		return 0
	}
	return e.state.RoundCount(txID)
}

// Dispute resolves an arbitrator dispute identifier to its linkage record.
func (e *Engine) Dispute(disputeID uint64) (*DisputeRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok := e.state.DisputeGet(disputeID)
	if !ok {
		return nil, ErrDisputeNotFound
	}
	clone := *record
	return &clone, nil
}

// Balance reports the ledger balance for an address.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc).Balance, nil
}
