package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd/native/arbitrator"
	"escrowd/native/escrow"
	"escrowd/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestModuleAddressesAreDistinctAndStable(t *testing.T) {
	k := NewKeeper(storage.NewMemDB())
	require.NotEqual(t, k.VaultAddress(), k.ArbitratorAddress())
	require.Equal(t, ModuleAddress("vault"), k.VaultAddress())
	require.Equal(t, k.VaultAddress(), NewKeeper(storage.NewMemDB()).VaultAddress())
}

func TestTransactionRoundTrip(t *testing.T) {
	k := NewKeeper(storage.NewMemDB())
	tx := &escrow.Transaction{
		ID:                 3,
		Sender:             testAddr(0x01),
		Receiver:           testAddr(0x02),
		Amount:             big.NewInt(500),
		Deadline:           1_700_000_600,
		LastInteraction:    1_700_000_100,
		CreatedAt:          1_700_000_000,
		SenderFee:          big.NewInt(10),
		ReceiverFee:        big.NewInt(0),
		SettlementSender:   big.NewInt(120),
		DisputeID:          7,
		Status:             escrow.StatusWaitingSettlementReceiver,
		MetaEvidence:       "ipfs://meta",
		MetaHash:           [32]byte{0xAA, 0xBB},
		Version:            4,
	}
	require.NoError(t, k.TransactionPut(tx))

	loaded, ok := k.TransactionGet(3)
	require.True(t, ok)
	require.Equal(t, tx.ID, loaded.ID)
	require.Equal(t, tx.Sender, loaded.Sender)
	require.Equal(t, tx.Receiver, loaded.Receiver)
	require.Zero(t, loaded.Amount.Cmp(tx.Amount))
	require.Zero(t, loaded.SenderFee.Cmp(tx.SenderFee))
	require.NotNil(t, loaded.SettlementSender)
	require.Zero(t, loaded.SettlementSender.Cmp(big.NewInt(120)))
	require.Nil(t, loaded.SettlementReceiver)
	require.Equal(t, tx.Status, loaded.Status)
	require.Equal(t, tx.MetaHash, loaded.MetaHash)
	require.Equal(t, tx.Version, loaded.Version)

	_, ok = k.TransactionGet(99)
	require.False(t, ok)
}

func TestNextTransactionIDIsSequentialAndDurable(t *testing.T) {
	db := storage.NewMemDB()
	k := NewKeeper(db)
	require.Zero(t, k.TransactionCount())

	for want := uint64(1); want <= 3; want++ {
		id, err := k.NextTransactionID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	require.Equal(t, uint64(3), k.TransactionCount())

	// A keeper reopened over the same database continues the sequence.
	reopened := NewKeeper(db)
	id, err := reopened.NextTransactionID()
	require.NoError(t, err)
	require.Equal(t, uint64(4), id)
}

func TestRoundRoundTripAndCount(t *testing.T) {
	k := NewKeeper(storage.NewMemDB())
	contributor := testAddr(0x33)

	round := escrow.NewRound()
	round.PaidFees[escrow.PartySender] = big.NewInt(15)
	round.PaidFees[escrow.PartyReceiver] = big.NewInt(9)
	round.Funding = escrow.RoundFunding{State: escrow.FundingOneSide, Side: escrow.PartySender}
	round.FeeRewards = big.NewInt(0)
	round.Contributions[contributor] = [3]*big.Int{big.NewInt(0), big.NewInt(15), big.NewInt(9)}

	require.NoError(t, k.RoundPut(5, 0, round))
	require.Equal(t, uint64(1), k.RoundCount(5))
	require.Zero(t, k.RoundCount(6))

	loaded, ok := k.RoundGet(5, 0)
	require.True(t, ok)
	require.Zero(t, loaded.PaidFees[escrow.PartySender].Cmp(big.NewInt(15)))
	require.Zero(t, loaded.PaidFees[escrow.PartyReceiver].Cmp(big.NewInt(9)))
	require.Equal(t, round.Funding, loaded.Funding)
	require.Zero(t, loaded.Contribution(contributor, escrow.PartySender).Cmp(big.NewInt(15)))
	require.Zero(t, loaded.Contribution(contributor, escrow.PartyReceiver).Cmp(big.NewInt(9)))

	// Overwriting an existing index must not inflate the count.
	require.NoError(t, k.RoundPut(5, 0, round))
	require.Equal(t, uint64(1), k.RoundCount(5))
	require.NoError(t, k.RoundPut(5, 1, escrow.NewRound()))
	require.Equal(t, uint64(2), k.RoundCount(5))
}

func TestDisputeRoundTrip(t *testing.T) {
	k := NewKeeper(storage.NewMemDB())
	require.NoError(t, k.DisputePut(9, &escrow.DisputeRecord{
		TransactionID: 2,
		Ruled:         true,
		Ruling:        escrow.PartyReceiver,
	}))
	record, ok := k.DisputeGet(9)
	require.True(t, ok)
	require.Equal(t, uint64(2), record.TransactionID)
	require.True(t, record.Ruled)
	require.Equal(t, escrow.PartyReceiver, record.Ruling)

	_, ok = k.DisputeGet(10)
	require.False(t, ok)
}

func TestAccountsAndCredit(t *testing.T) {
	k := NewKeeper(storage.NewMemDB())
	addr := testAddr(0x44)

	account, err := k.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, account.Balance.Sign())

	require.NoError(t, k.Credit(addr, big.NewInt(250)))
	require.NoError(t, k.Credit(addr, big.NewInt(50)))
	account, err = k.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, account.Balance.Cmp(big.NewInt(300)))

	require.Error(t, k.Credit(addr, nil))
	require.Error(t, k.Credit(addr, big.NewInt(0)))
	require.Error(t, k.Credit(addr, big.NewInt(-5)))
}

// The keeper must be usable as the engine's backing store end to end, not
// just field by field.
func TestEngineRunsOverKeeper(t *testing.T) {
	db := storage.NewMemDB()
	k := NewKeeper(db)
	sender := testAddr(0x01)
	receiver := testAddr(0x02)
	require.NoError(t, k.Credit(sender, big.NewInt(1_000)))

	arb := arbitrator.NewCentralized(big.NewInt(10), big.NewInt(10), 600)
	engine := escrow.NewEngine()
	engine.SetState(k)
	engine.SetArbitrator(arb)

	tx, err := engine.Create(sender, receiver, big.NewInt(400), 600, "ipfs://meta")
	require.NoError(t, err)
	require.Equal(t, uint64(1), tx.ID)

	require.NoError(t, engine.Pay(sender, tx.ID, big.NewInt(400), 0))

	// Reopen on the same database; the resolved transaction survives.
	reloaded, ok := NewKeeper(db).TransactionGet(tx.ID)
	require.True(t, ok)
	require.Equal(t, escrow.StatusResolved, reloaded.Status)
	require.Zero(t, reloaded.Amount.Sign())

	receiverAccount, err := k.GetAccount(receiver)
	require.NoError(t, err)
	require.Zero(t, receiverAccount.Balance.Cmp(big.NewInt(400)))
}
