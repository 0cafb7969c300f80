package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	txPrefix      = "escrow/tx/"
	roundPrefix   = "escrow/round/"
	disputePrefix = "escrow/dispute/"
	accountPrefix = "escrow/account/"
	txSeqKey      = []byte("escrow/tx/seq")
)

// ModuleAddress derives a deterministic address for a named module account.
// Module accounts hold pooled funds (the escrow vault, the arbitrator's fee
// account) and have no corresponding private key.
func ModuleAddress(name string) [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("escrowd/module/" + name))
	copy(addr[:], hash[12:])
	return addr
}

// Keeper persists escrow engine state in a key-value database. It satisfies
// the engine's state contract and adds the deposit entry point the RPC layer
// uses to fund accounts.
type Keeper struct {
	mu sync.Mutex
	db storage.Database

	vault      [20]byte
	arbAccount [20]byte
}

// NewKeeper wraps the given database.
func NewKeeper(db storage.Database) *Keeper {
	return &Keeper{
		db:         db,
		vault:      ModuleAddress("vault"),
		arbAccount: ModuleAddress("arbitrator"),
	}
}

// VaultAddress is the module account holding escrowed funds and fee deposits.
func (k *Keeper) VaultAddress() [20]byte { return k.vault }

// ArbitratorAddress is the module account arbitration fees are forwarded to.
func (k *Keeper) ArbitratorAddress() [20]byte { return k.arbAccount }

func txKey(id uint64) []byte {
	return []byte(txPrefix + strconv.FormatUint(id, 10))
}

func roundKey(txID, index uint64) []byte {
	return []byte(roundPrefix + strconv.FormatUint(txID, 10) + "/" + strconv.FormatUint(index, 10))
}

func roundCountKey(txID uint64) []byte {
	return []byte(roundPrefix + strconv.FormatUint(txID, 10) + "/count")
}

func disputeKey(id uint64) []byte {
	return []byte(disputePrefix + strconv.FormatUint(id, 10))
}

func accountKey(addr [20]byte) []byte {
	return []byte(accountPrefix + hex.EncodeToString(addr[:]))
}

// --- stored representations ---

// Addresses are hex strings and amounts decimal strings so the records stay
// inspectable with plain database tooling.

type storedTransaction struct {
	ID                 uint64  `json:"id"`
	Sender             string  `json:"sender"`
	Receiver           string  `json:"receiver"`
	Amount             string  `json:"amount"`
	Deadline           int64   `json:"deadline"`
	LastInteraction    int64   `json:"lastInteraction"`
	CreatedAt          int64   `json:"createdAt"`
	SenderFee          string  `json:"senderFee"`
	ReceiverFee        string  `json:"receiverFee"`
	SettlementSender   *string `json:"settlementSender,omitempty"`
	SettlementReceiver *string `json:"settlementReceiver,omitempty"`
	DisputeID          uint64  `json:"disputeId,omitempty"`
	Status             uint8   `json:"status"`
	Ruling             uint8   `json:"ruling"`
	MetaEvidence       string  `json:"metaEvidence,omitempty"`
	MetaHash           string  `json:"metaHash"`
	Version            uint64  `json:"version"`
}

type storedRound struct {
	PaidFees      [3]string            `json:"paidFees"`
	FundingState  uint8                `json:"fundingState"`
	FundingSide   uint8                `json:"fundingSide"`
	FeeRewards    string               `json:"feeRewards"`
	Contributions map[string][3]string `json:"contributions"`
}

type storedDispute struct {
	TransactionID uint64 `json:"transactionId"`
	Ruled         bool   `json:"ruled"`
	Ruling        uint8  `json:"ruling"`
}

type storedAccount struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed amount %q", s)
	}
	return v, nil
}

func decodeAddress(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("state: malformed address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeTransaction(t *escrow.Transaction) *storedTransaction {
	stored := &storedTransaction{
		ID:              t.ID,
		Sender:          hex.EncodeToString(t.Sender[:]),
		Receiver:        hex.EncodeToString(t.Receiver[:]),
		Amount:          encodeAmount(t.Amount),
		Deadline:        t.Deadline,
		LastInteraction: t.LastInteraction,
		CreatedAt:       t.CreatedAt,
		SenderFee:       encodeAmount(t.SenderFee),
		ReceiverFee:     encodeAmount(t.ReceiverFee),
		DisputeID:       t.DisputeID,
		Status:          uint8(t.Status),
		Ruling:          uint8(t.Ruling),
		MetaEvidence:    t.MetaEvidence,
		MetaHash:        hex.EncodeToString(t.MetaHash[:]),
		Version:         t.Version,
	}
	if t.SettlementSender != nil {
		s := t.SettlementSender.String()
		stored.SettlementSender = &s
	}
	if t.SettlementReceiver != nil {
		s := t.SettlementReceiver.String()
		stored.SettlementReceiver = &s
	}
	return stored
}

func decodeTransaction(stored *storedTransaction) (*escrow.Transaction, error) {
	sender, err := decodeAddress(stored.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := decodeAddress(stored.Receiver)
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmount(stored.Amount)
	if err != nil {
		return nil, err
	}
	senderFee, err := decodeAmount(stored.SenderFee)
	if err != nil {
		return nil, err
	}
	receiverFee, err := decodeAmount(stored.ReceiverFee)
	if err != nil {
		return nil, err
	}
	tx := &escrow.Transaction{
		ID:              stored.ID,
		Sender:          sender,
		Receiver:        receiver,
		Amount:          amount,
		Deadline:        stored.Deadline,
		LastInteraction: stored.LastInteraction,
		CreatedAt:       stored.CreatedAt,
		SenderFee:       senderFee,
		ReceiverFee:     receiverFee,
		DisputeID:       stored.DisputeID,
		Status:          escrow.Status(stored.Status),
		Ruling:          escrow.Party(stored.Ruling),
		MetaEvidence:    stored.MetaEvidence,
		Version:         stored.Version,
	}
	if stored.SettlementSender != nil {
		if tx.SettlementSender, err = decodeAmount(*stored.SettlementSender); err != nil {
			return nil, err
		}
	}
	if stored.SettlementReceiver != nil {
		if tx.SettlementReceiver, err = decodeAmount(*stored.SettlementReceiver); err != nil {
			return nil, err
		}
	}
	hash, err := hex.DecodeString(stored.MetaHash)
	if err != nil || len(hash) != len(tx.MetaHash) {
		return nil, fmt.Errorf("state: malformed meta hash %q", stored.MetaHash)
	}
	copy(tx.MetaHash[:], hash)
	return escrow.SanitizeTransaction(tx)
}

func encodeRound(r *escrow.Round) *storedRound {
	stored := &storedRound{
		FundingState:  uint8(r.Funding.State),
		FundingSide:   uint8(r.Funding.Side),
		FeeRewards:    encodeAmount(r.FeeRewards),
		Contributions: make(map[string][3]string, len(r.Contributions)),
	}
	for i := range r.PaidFees {
		stored.PaidFees[i] = encodeAmount(r.PaidFees[i])
	}
	for addr, entry := range r.Contributions {
		stored.Contributions[hex.EncodeToString(addr[:])] = [3]string{
			encodeAmount(entry[0]),
			encodeAmount(entry[1]),
			encodeAmount(entry[2]),
		}
	}
	return stored
}

func decodeRound(stored *storedRound) (*escrow.Round, error) {
	round := escrow.NewRound()
	round.Funding = escrow.RoundFunding{
		State: escrow.FundingState(stored.FundingState),
		Side:  escrow.Party(stored.FundingSide),
	}
	var err error
	if round.FeeRewards, err = decodeAmount(stored.FeeRewards); err != nil {
		return nil, err
	}
	for i := range stored.PaidFees {
		if round.PaidFees[i], err = decodeAmount(stored.PaidFees[i]); err != nil {
			return nil, err
		}
	}
	for key, entry := range stored.Contributions {
		addr, err := decodeAddress(key)
		if err != nil {
			return nil, err
		}
		var amounts [3]*big.Int
		for i := range entry {
			if amounts[i], err = decodeAmount(entry[i]); err != nil {
				return nil, err
			}
		}
		round.Contributions[addr] = amounts
	}
	return round, nil
}

// --- engine state contract ---

func (k *Keeper) TransactionPut(t *escrow.Transaction) error {
	if t == nil {
		return fmt.Errorf("state: nil transaction")
	}
	raw, err := json.Marshal(encodeTransaction(t))
	if err != nil {
		return err
	}
	return k.db.Put(txKey(t.ID), raw)
}

func (k *Keeper) TransactionGet(id uint64) (*escrow.Transaction, bool) {
	raw, err := k.db.Get(txKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedTransaction
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	tx, err := decodeTransaction(&stored)
	if err != nil {
		return nil, false
	}
	return tx, true
}

func (k *Keeper) TransactionCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.readSeq()
}

// NextTransactionID reserves and returns the next sequential identifier,
// starting at 1.
func (k *Keeper) NextTransactionID() (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	next := k.readSeq() + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := k.db.Put(txSeqKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func (k *Keeper) readSeq() uint64 {
	raw, err := k.db.Get(txSeqKey)
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (k *Keeper) RoundPut(txID, index uint64, round *escrow.Round) error {
	if round == nil {
		return fmt.Errorf("state: nil round")
	}
	raw, err := json.Marshal(encodeRound(round))
	if err != nil {
		return err
	}
	if err := k.db.Put(roundKey(txID, index), raw); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if count := k.roundCount(txID); index >= count {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, index+1)
		return k.db.Put(roundCountKey(txID), buf)
	}
	return nil
}

func (k *Keeper) RoundGet(txID, index uint64) (*escrow.Round, bool) {
	raw, err := k.db.Get(roundKey(txID, index))
	if err != nil {
		return nil, false
	}
	var stored storedRound
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	round, err := decodeRound(&stored)
	if err != nil {
		return nil, false
	}
	return round, true
}

func (k *Keeper) RoundCount(txID uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.roundCount(txID)
}

func (k *Keeper) roundCount(txID uint64) uint64 {
	raw, err := k.db.Get(roundCountKey(txID))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (k *Keeper) DisputePut(disputeID uint64, record *escrow.DisputeRecord) error {
	if record == nil {
		return fmt.Errorf("state: nil dispute record")
	}
	raw, err := json.Marshal(&storedDispute{
		TransactionID: record.TransactionID,
		Ruled:         record.Ruled,
		Ruling:        uint8(record.Ruling),
	})
	if err != nil {
		return err
	}
	return k.db.Put(disputeKey(disputeID), raw)
}

func (k *Keeper) DisputeGet(disputeID uint64) (*escrow.DisputeRecord, bool) {
	raw, err := k.db.Get(disputeKey(disputeID))
	if err != nil {
		return nil, false
	}
	var stored storedDispute
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	return &escrow.DisputeRecord{
		TransactionID: stored.TransactionID,
		Ruled:         stored.Ruled,
		Ruling:        escrow.Party(stored.Ruling),
	}, true
}

// GetAccount loads the account at addr, returning a zero-balance account for
// addresses that have never been written.
func (k *Keeper) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := k.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.EnsureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	balance, err := decodeAmount(stored.Balance)
	if err != nil {
		return nil, err
	}
	return &types.Account{Nonce: stored.Nonce, Balance: balance}, nil
}

func (k *Keeper) PutAccount(addr [20]byte, account *types.Account) error {
	account = types.EnsureAccount(account)
	raw, err := json.Marshal(&storedAccount{
		Nonce:   account.Nonce,
		Balance: account.Balance.String(),
	})
	if err != nil {
		return err
	}
	return k.db.Put(accountKey(addr), raw)
}

// Credit adds amount to the account at addr. The RPC deposit endpoint uses it
// to fund parties before they escrow value.
func (k *Keeper) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	account, err := k.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return k.PutAccount(addr, account)
}
