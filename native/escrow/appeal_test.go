package escrow

import (
	"errors"
	"math/big"
	"testing"
)

// setupDispute creates a funded transaction and walks it through the fee race
// into DisputeCreated. The arbitration cost is 10; default multipliers apply.
func setupDispute(t *testing.T) (*Engine, *mockState, *stubArbitrator, *testClock, *captureEmitter, *Transaction) {
	t.Helper()
	state := newMockState()
	arb := newStubArbitrator(10)
	engine, clock, emitter := newTestEngine(state, arb)
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 10_000)
	state.credit(receiver, 10_000)

	tx, err := engine.Create(sender, receiver, big.NewInt(300), 100_000, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.PayArbitrationFee(sender, tx.ID, big.NewInt(10), 0); err != nil {
		t.Fatalf("sender fee: %v", err)
	}
	if err := engine.PayArbitrationFee(receiver, tx.ID, big.NewInt(10), 0); err != nil {
		t.Fatalf("receiver fee: %v", err)
	}
	tx, err = engine.Transaction(tx.ID)
	if err != nil || tx.Status != StatusDisputeCreated {
		t.Fatalf("dispute setup failed: %+v, %v", tx, err)
	}
	return engine, state, arb, clock, emitter, tx
}

func openAppealWindow(arb *stubArbitrator, clock *testClock, length int64) {
	arb.appealStart = clock.now
	arb.appealEnd = clock.now + length
}

func TestFundAppealRequiresOpenWindow(t *testing.T) {
	engine, _, _, _, _, tx := setupDispute(t)
	contributor := newTestAddress(0x30)
	// No window: the arbitrator reports (0, 0).
	if _, err := engine.FundAppeal(contributor, tx.ID, PartySender, big.NewInt(5), 0); !errors.Is(err, ErrAppealPeriodOver) {
		t.Fatalf("expected ErrAppealPeriodOver, got %v", err)
	}
}

func TestFundAppealRejectsInvalidSide(t *testing.T) {
	engine, _, arb, clock, _, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	contributor := newTestAddress(0x30)
	if _, err := engine.FundAppeal(contributor, tx.ID, PartyNone, big.NewInt(5), 0); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("expected ErrInvalidSide, got %v", err)
	}
}

func TestFundAppealCapsContributionAtRequirement(t *testing.T) {
	engine, state, arb, clock, _, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	contributor := newTestAddress(0x30)
	state.credit(contributor, 100)

	// Shared multiplier while the arbitrator has not leaned: 10 + 10*50% = 15.
	credited, err := engine.FundAppeal(contributor, tx.ID, PartySender, big.NewInt(40), 0)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if credited.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("credited %s, want capped 15", credited)
	}
	// The excess is never taken from the contributor in the first place.
	if got := state.balance(contributor); got.Cmp(big.NewInt(85)) != 0 {
		t.Fatalf("contributor holds %s, want 85", got)
	}
	round, err := engine.Round(tx.ID, 0)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if round.PaidFees[PartySender].Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("recorded fees %s, want exactly 15", round.PaidFees[PartySender])
	}
	if !round.Funding.Funded(PartySender) {
		t.Fatalf("sender side must be marked funded")
	}
	if round.Contribution(contributor, PartySender).Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("contribution ledger must record the capped amount")
	}

	// A funded side takes no further money, even valid amounts.
	if _, err := engine.FundAppeal(contributor, tx.ID, PartySender, big.NewInt(1), 0); !errors.Is(err, ErrSideAlreadyFunded) {
		t.Fatalf("expected ErrSideAlreadyFunded, got %v", err)
	}
}

func TestFundAppealMultiplierSelection(t *testing.T) {
	cases := []struct {
		name     string
		leading  uint64
		side     Party
		required int64
	}{
		{"no ruling yet uses shared", 0, PartySender, 15},
		{"favoured side uses winner", uint64(PartySender), PartySender, 13},
		{"contesting side uses loser", uint64(PartySender), PartyReceiver, 17},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, arb, clock, _, tx := setupDispute(t)
			openAppealWindow(arb, clock, 1_000)
			arb.currentRuling = tc.leading
			contributor := newTestAddress(0x30)
			state.credit(contributor, 100)
			credited, err := engine.FundAppeal(contributor, tx.ID, tc.side, big.NewInt(50), 0)
			if err != nil {
				t.Fatalf("fund: %v", err)
			}
			if credited.Cmp(big.NewInt(tc.required)) != 0 {
				t.Fatalf("requirement %s, want %d", credited, tc.required)
			}
		})
	}
}

func TestLoserMayOnlyFundFirstHalfOfWindow(t *testing.T) {
	engine, state, arb, clock, _, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	arb.currentRuling = uint64(PartySender)
	contributor := newTestAddress(0x30)
	state.credit(contributor, 100)

	// One instant before the midpoint the loser can still contribute.
	clock.advance(499)
	if _, err := engine.FundAppeal(contributor, tx.ID, PartyReceiver, big.NewInt(1), 0); err != nil {
		t.Fatalf("loser funding before midpoint: %v", err)
	}
	// At the midpoint the loser's window has closed.
	clock.advance(1)
	if _, err := engine.FundAppeal(contributor, tx.ID, PartyReceiver, big.NewInt(1), 0); !errors.Is(err, ErrLoserDeadlinePassed) {
		t.Fatalf("expected ErrLoserDeadlinePassed, got %v", err)
	}
	// The winner keeps funding through the second half.
	if _, err := engine.FundAppeal(contributor, tx.ID, PartySender, big.NewInt(1), 0); err != nil {
		t.Fatalf("winner funding after midpoint: %v", err)
	}
}

func TestBothSidesFundedFilesAppealAndOpensRound(t *testing.T) {
	engine, state, arb, clock, emitter, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	alice := newTestAddress(0x30)
	bob := newTestAddress(0x31)
	state.credit(alice, 100)
	state.credit(bob, 100)

	if _, err := engine.FundAppeal(alice, tx.ID, PartySender, big.NewInt(15), 0); err != nil {
		t.Fatalf("fund sender: %v", err)
	}
	if arb.appeals != 0 {
		t.Fatalf("appeal must not fire with one side funded")
	}
	if _, err := engine.FundAppeal(bob, tx.ID, PartyReceiver, big.NewInt(15), 0); err != nil {
		t.Fatalf("fund receiver: %v", err)
	}
	if arb.appeals != 1 {
		t.Fatalf("expected one appeal at the arbitrator, got %d", arb.appeals)
	}
	if got := engine.RoundCount(tx.ID); got != 2 {
		t.Fatalf("expected a fresh round, got %d rounds", got)
	}
	closed, _ := engine.Round(tx.ID, 0)
	if closed.Funding.State != FundingBoth {
		t.Fatalf("closed round must be marked both-funded")
	}
	// Reward pool: 15 + 15 collected, minus the appeal fee of 10.
	if closed.FeeRewards.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("reward pool %s, want 20", closed.FeeRewards)
	}
	fresh, _ := engine.Round(tx.ID, 1)
	if fresh.Funding.State != FundingNone || fresh.TotalPaid().Sign() != 0 {
		t.Fatalf("new round must start empty")
	}
	if len(emitter.byType(EventTypeSideFunded)) != 2 {
		t.Fatalf("expected two side-funded events")
	}
	if len(emitter.byType(EventTypeAppealRaised)) != 1 {
		t.Fatalf("expected one appeal-raised event")
	}
}

func TestFundAppealSplitAcrossContributors(t *testing.T) {
	engine, state, arb, clock, _, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	alice := newTestAddress(0x30)
	bob := newTestAddress(0x31)
	state.credit(alice, 100)
	state.credit(bob, 100)

	if _, err := engine.FundAppeal(alice, tx.ID, PartySender, big.NewInt(9), 0); err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	round, _ := engine.Round(tx.ID, 0)
	if round.Funding.Funded(PartySender) {
		t.Fatalf("side must not be funded at 9 of 15")
	}
	credited, err := engine.FundAppeal(bob, tx.ID, PartySender, big.NewInt(100), 0)
	if err != nil {
		t.Fatalf("second contribution: %v", err)
	}
	if credited.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("second contribution credited %s, want remaining 6", credited)
	}
	round, _ = engine.Round(tx.ID, 0)
	if round.Contribution(alice, PartySender).Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("alice ledger wrong")
	}
	if round.Contribution(bob, PartySender).Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("bob ledger wrong")
	}
}

func TestFundAppealRequiresDispute(t *testing.T) {
	state := newMockState()
	engine, _, _ := newTestEngine(state, newStubArbitrator(10))
	sender := newTestAddress(0x01)
	receiver := newTestAddress(0x02)
	state.credit(sender, 500)
	tx, err := engine.Create(sender, receiver, big.NewInt(100), 600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.FundAppeal(sender, tx.ID, PartySender, big.NewInt(5), 0); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestAppealFailureKeepsContributionsRetryable(t *testing.T) {
	engine, state, arb, clock, _, tx := setupDispute(t)
	openAppealWindow(arb, clock, 1_000)
	alice := newTestAddress(0x30)
	bob := newTestAddress(0x31)
	state.credit(alice, 100)
	state.credit(bob, 100)

	if _, err := engine.FundAppeal(alice, tx.ID, PartySender, big.NewInt(15), 0); err != nil {
		t.Fatalf("fund sender: %v", err)
	}
	arb.appealErr = errors.New("window closed at the authority")
	if _, err := engine.FundAppeal(bob, tx.ID, PartyReceiver, big.NewInt(15), 0); err == nil {
		t.Fatalf("appeal failure must surface")
	}

	// Bob's deposit sits on the round ledger; the forwarded appeal cost came
	// back, leaving only the dispute cost with the arbitrator.
	round, err := engine.Round(tx.ID, 0)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if round.PaidFees[PartyReceiver].Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("recorded fees %s, want 15", round.PaidFees[PartyReceiver])
	}
	if round.Contribution(bob, PartyReceiver).Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("contribution ledger must record the deposit")
	}
	if round.Funding.State != FundingOneSide || round.Funding.Side != PartySender {
		t.Fatalf("receiver side must stay open for a retry, got %+v", round.Funding)
	}
	if got := engine.RoundCount(tx.ID); got != 1 {
		t.Fatalf("no fresh round may open, got %d rounds", got)
	}
	if bal := state.balance(state.arbAccount); bal.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("arbitrator account holds %s, want 10", bal)
	}

	// Retrying a covered side collects nothing more and files the appeal.
	arb.appealErr = nil
	credited, err := engine.FundAppeal(bob, tx.ID, PartyReceiver, big.NewInt(5), 0)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if credited.Sign() != 0 {
		t.Fatalf("retry credited %s, want nothing further taken", credited)
	}
	if bal := state.balance(bob); bal.Cmp(big.NewInt(85)) != 0 {
		t.Fatalf("bob holds %s, want debited exactly once", bal)
	}
	if arb.appeals != 1 {
		t.Fatalf("authority saw %d appeals, want 1", arb.appeals)
	}
	if got := engine.RoundCount(tx.ID); got != 2 {
		t.Fatalf("expected a fresh round after the retry, got %d", got)
	}
	closed, _ := engine.Round(tx.ID, 0)
	if closed.Funding.State != FundingBoth {
		t.Fatalf("closed round must be marked both-funded")
	}
	if closed.FeeRewards.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("reward pool %s, want 20", closed.FeeRewards)
	}
}
