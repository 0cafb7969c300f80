package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/arbitrator"
)

type mockState struct {
	txs        map[uint64]*Transaction
	txCount    uint64
	rounds     map[uint64]map[uint64]*Round
	disputes   map[uint64]*DisputeRecord
	accounts   map[[20]byte]*types.Account
	rejectPay  map[[20]byte]bool
	vault      [20]byte
	arbAccount [20]byte
}

func newMockState() *mockState {
	return &mockState{
		txs:        make(map[uint64]*Transaction),
		rounds:     make(map[uint64]map[uint64]*Round),
		disputes:   make(map[uint64]*DisputeRecord),
		accounts:   make(map[[20]byte]*types.Account),
		rejectPay:  make(map[[20]byte]bool),
		vault:      newTestAddress(0xEE),
		arbAccount: newTestAddress(0xAB),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (m *mockState) TransactionPut(tx *Transaction) error {
	sanitized, err := SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	m.txs[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) TransactionGet(id uint64) (*Transaction, bool) {
	tx, ok := m.txs[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

func (m *mockState) TransactionCount() uint64 { return m.txCount }

func (m *mockState) NextTransactionID() (uint64, error) {
	m.txCount++
	return m.txCount, nil
}

func (m *mockState) RoundPut(txID, index uint64, round *Round) error {
	if round == nil {
		return fmt.Errorf("nil round")
	}
	if _, ok := m.rounds[txID]; !ok {
		m.rounds[txID] = make(map[uint64]*Round)
	}
	m.rounds[txID][index] = round.Clone()
	return nil
}

func (m *mockState) RoundGet(txID, index uint64) (*Round, bool) {
	round, ok := m.rounds[txID][index]
	if !ok {
		return nil, false
	}
	return round.Clone(), true
}

func (m *mockState) RoundCount(txID uint64) uint64 {
	return uint64(len(m.rounds[txID]))
}

func (m *mockState) DisputePut(disputeID uint64, record *DisputeRecord) error {
	if record == nil {
		return fmt.Errorf("nil dispute record")
	}
	clone := *record
	m.disputes[disputeID] = &clone
	return nil
}

func (m *mockState) DisputeGet(disputeID uint64) (*DisputeRecord, bool) {
	record, ok := m.disputes[disputeID]
	if !ok {
		return nil, false
	}
	clone := *record
	return &clone, true
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr [20]byte, acc *types.Account) error {
	if m.rejectPay[addr] {
		return fmt.Errorf("account %x refuses funds", addr[:2])
	}
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockState) VaultAddress() [20]byte      { return m.vault }
func (m *mockState) ArbitratorAddress() [20]byte { return m.arbAccount }

func (m *mockState) credit(addr [20]byte, amount int64) {
	acc, _ := m.GetAccount(addr)
	acc.Balance = new(big.Int).Add(acc.Balance, big.NewInt(amount))
	m.accounts[addr] = acc
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, _ := m.GetAccount(addr)
	return acc.Balance
}

// stubArbitrator scripts the authority's answers so tests control the appeal
// window and the leading ruling directly.
type stubArbitrator struct {
	cost          *big.Int
	appealFee     *big.Int
	nextDispute   uint64
	appealStart   int64
	appealEnd     int64
	currentRuling uint64
	appeals       int
	createCalls   int
	createErr     error
	appealErr     error
}

func newStubArbitrator(cost int64) *stubArbitrator {
	return &stubArbitrator{
		cost:        big.NewInt(cost),
		appealFee:   big.NewInt(cost),
		nextDispute: 1,
	}
}

func (a *stubArbitrator) ArbitrationCost([]byte) (*big.Int, error) {
	return new(big.Int).Set(a.cost), nil
}

func (a *stubArbitrator) CreateDispute(choices uint64, _ []byte, payment *big.Int) (uint64, error) {
	if a.createErr != nil {
		return 0, a.createErr
	}
	if payment.Cmp(a.cost) < 0 {
		return 0, arbitrator.ErrInsufficientFee
	}
	a.createCalls++
	id := a.nextDispute
	a.nextDispute++
	return id, nil
}

func (a *stubArbitrator) AppealCost(uint64, []byte) (*big.Int, error) {
	return new(big.Int).Set(a.appealFee), nil
}

func (a *stubArbitrator) Appeal(_ uint64, _ []byte, payment *big.Int) error {
	if a.appealErr != nil {
		return a.appealErr
	}
	if payment.Cmp(a.appealFee) < 0 {
		return arbitrator.ErrInsufficientFee
	}
	a.appeals++
	return nil
}

func (a *stubArbitrator) AppealPeriod(uint64) (int64, int64, error) {
	return a.appealStart, a.appealEnd, nil
}

func (a *stubArbitrator) CurrentRuling(uint64) (uint64, error) {
	return a.currentRuling, nil
}

func (a *stubArbitrator) DisputeStatus(uint64) (arbitrator.DisputeStatus, error) {
	return arbitrator.DisputeWaiting, nil
}

type captureEmitter struct {
	events []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	if carrier, ok := evt.(events.Carrier); ok {
		c.events = append(c.events, carrier.Event())
	}
}

func (c *captureEmitter) byType(eventType string) []*types.Event {
	var out []*types.Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type testClock struct {
	now int64
}

func (c *testClock) advance(seconds int64) { c.now += seconds }

func newTestEngine(state *mockState, arb arbitrator.Arbitrator) (*Engine, *testClock, *captureEmitter) {
	engine := NewEngine()
	clock := &testClock{now: 1_700_000_000}
	emitter := &captureEmitter{}
	engine.SetState(state)
	engine.SetArbitrator(arb)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return clock.now })
	return engine, clock, emitter
}

// escrowHeld is everything the vault owes against one transaction: remaining
// amount, fee deposits not yet forwarded, and open appeal round fees minus
// forwarded appeal costs.
func escrowHeld(t *testing.T, engine *Engine, state *mockState, id uint64) *big.Int {
	t.Helper()
	tx, err := engine.Transaction(id)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	held := new(big.Int).Add(tx.Amount, tx.SenderFee)
	held.Add(held, tx.ReceiverFee)
	if tx.Status == StatusDisputeCreated {
		// One fee's worth (both deposits are clamped to the arbitration cost
		// when the dispute is raised) has been forwarded to the arbitrator.
		held.Sub(held, tx.SenderFee)
	}
	for i := uint64(0); i < state.RoundCount(id); i++ {
		round, _ := state.RoundGet(id, i)
		held.Add(held, round.TotalPaid())
		if round.Funding.State == FundingBoth {
			// Fees forwarded for the appeal minus what stays as rewards.
			spent := new(big.Int).Sub(round.TotalPaid(), round.FeeRewards)
			held.Sub(held, spent)
		}
	}
	return held
}

func TestCreateValidations(t *testing.T) {
	state := newMockState()
	engine, _, _ := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 1_000)

	cases := []struct {
		name     string
		sender   [20]byte
		receiver [20]byte
		amount   *big.Int
		timeout  int64
		wantErr  bool
	}{
		{"ok", sender, receiver, big.NewInt(100), 600, false},
		{"zero amount", sender, receiver, big.NewInt(0), 600, true},
		{"negative amount", sender, receiver, big.NewInt(-5), 600, true},
		{"zero timeout", sender, receiver, big.NewInt(100), 0, true},
		{"same parties", sender, sender, big.NewInt(100), 600, true},
		{"unfunded sender", newTestAddress(0x77), receiver, big.NewInt(100), 600, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Create(tc.sender, tc.receiver, tc.amount, tc.timeout, "ipfs://meta")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	state := newMockState()
	engine, _, emitter := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 1_000)

	first, err := engine.Create(sender, receiver, big.NewInt(100), 600, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := engine.Create(sender, receiver, big.NewInt(100), 600, "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if engine.TransactionCount() != 2 {
		t.Fatalf("expected count 2, got %d", engine.TransactionCount())
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("vault holds %s, want 200", got)
	}
	if len(emitter.byType(EventTypeTransactionCreated)) != 2 {
		t.Fatalf("expected two created events")
	}
	if first.MetaHash == second.MetaHash {
		t.Fatalf("distinct meta evidence must hash differently")
	}
}

func TestPayReleasesAndResolvesAtZero(t *testing.T) {
	state := newMockState()
	engine, _, emitter := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 500)

	tx, err := engine.Create(sender, receiver, big.NewInt(300), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Pay(sender, tx.ID, big.NewInt(120), 0); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if got := state.balance(receiver); got.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("receiver holds %s, want 120", got)
	}
	updated, _ := engine.Transaction(tx.ID)
	if updated.Amount.Cmp(big.NewInt(180)) != 0 {
		t.Fatalf("remaining %s, want 180", updated.Amount)
	}
	if updated.Status != StatusNoDispute {
		t.Fatalf("partial pay must not change status")
	}

	if err := engine.Pay(sender, tx.ID, big.NewInt(200), 0); !errors.Is(err, ErrAmountTooHigh) {
		t.Fatalf("expected ErrAmountTooHigh, got %v", err)
	}
	if err := engine.Pay(receiver, tx.ID, big.NewInt(10), 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := engine.Pay(sender, tx.ID, big.NewInt(180), 0); err != nil {
		t.Fatalf("final pay: %v", err)
	}
	final, _ := engine.Transaction(tx.ID)
	if final.Status != StatusResolved {
		t.Fatalf("expected resolved after full payment, got %s", final.Status)
	}
	resolved := emitter.byType(EventTypeTransactionResolved)
	if len(resolved) != 1 || resolved[0].Attributes["reason"] != string(ResolutionPayment) {
		t.Fatalf("expected one resolution with payment reason, got %+v", resolved)
	}
	if err := engine.Pay(sender, tx.ID, big.NewInt(1), 0); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("resolved transaction must reject payment, got %v", err)
	}
}

func TestReimburseMirrorsPay(t *testing.T) {
	state := newMockState()
	engine, _, _ := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 300)

	tx, err := engine.Create(sender, receiver, big.NewInt(300), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Reimburse(sender, tx.ID, big.NewInt(50), 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only receiver may reimburse, got %v", err)
	}
	if err := engine.Reimburse(receiver, tx.ID, big.NewInt(300), 0); err != nil {
		t.Fatalf("reimburse: %v", err)
	}
	if got := state.balance(sender); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("sender holds %s, want full reimbursement", got)
	}
	final, _ := engine.Transaction(tx.ID)
	if final.Status != StatusResolved || final.Amount.Sign() != 0 {
		t.Fatalf("expected resolved empty transaction, got %s / %s", final.Status, final.Amount)
	}
}

func TestExecuteTransactionAfterDeadline(t *testing.T) {
	state := newMockState()
	engine, clock, _ := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 100)

	tx, err := engine.Create(sender, receiver, big.NewInt(100), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ExecuteTransaction(tx.ID); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected deadline guard, got %v", err)
	}
	clock.advance(600)
	if err := engine.ExecuteTransaction(tx.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := state.balance(receiver); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("receiver holds %s, want 100", got)
	}
	final, _ := engine.Transaction(tx.ID)
	if final.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", final.Status)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	state := newMockState()
	engine, _, _ := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 400)

	tx, err := engine.Create(sender, receiver, big.NewInt(200), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := tx.Version
	if err := engine.Pay(sender, tx.ID, big.NewInt(10), stale); err != nil {
		t.Fatalf("pay with current version: %v", err)
	}
	if err := engine.Pay(sender, tx.ID, big.NewInt(10), stale); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	// Version zero skips the check.
	if err := engine.Pay(sender, tx.ID, big.NewInt(10), 0); err != nil {
		t.Fatalf("pay without version guard: %v", err)
	}
}

func TestFailedPayoutDoesNotBlockResolution(t *testing.T) {
	state := newMockState()
	engine, clock, emitter := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 100)
	state.rejectPay[receiver] = true

	tx, err := engine.Create(sender, receiver, big.NewInt(100), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.advance(600)
	if err := engine.ExecuteTransaction(tx.ID); err != nil {
		t.Fatalf("execution must tolerate a refusing recipient: %v", err)
	}
	final, _ := engine.Transaction(tx.ID)
	if final.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", final.Status)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unclaimed funds must stay in vault, got %s", got)
	}
	if len(emitter.byType(EventTypePaymentFailed)) != 1 {
		t.Fatalf("expected one payment failure event")
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	state := newMockState()
	arb := newStubArbitrator(10)
	engine, _, _ := newTestEngine(state, arb)
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 1_000)
	state.credit(receiver, 1_000)

	tx, err := engine.Create(sender, receiver, big.NewInt(400), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	check := func(step string) {
		t.Helper()
		held := escrowHeld(t, engine, state, tx.ID)
		if state.balance(state.vault).Cmp(held) != 0 {
			t.Fatalf("%s: vault %s does not cover held %s", step, state.balance(state.vault), held)
		}
	}
	check("after create")
	if err := engine.Pay(sender, tx.ID, big.NewInt(100), 0); err != nil {
		t.Fatalf("pay: %v", err)
	}
	check("after pay")
	if err := engine.PayArbitrationFee(sender, tx.ID, big.NewInt(10), 0); err != nil {
		t.Fatalf("sender fee: %v", err)
	}
	check("after sender fee")
	if err := engine.PayArbitrationFee(receiver, tx.ID, big.NewInt(10), 0); err != nil {
		t.Fatalf("receiver fee: %v", err)
	}
	check("after dispute")
}
