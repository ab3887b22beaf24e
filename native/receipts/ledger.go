// Package receipts implements the non-fungible delivery receipt minted per
// purchase. Token ids are keccak-derived from (listingID, index) so a receipt
// can be located without an auxiliary index.
package receipts

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"galleria/storage"
)

var (
	// ErrExists is returned when issuing a receipt that was already minted.
	ErrExists = errors.New("receipts: receipt already issued")
	// ErrNotFound is returned when destroying or loading an unknown receipt.
	ErrNotFound = errors.New("receipts: receipt not found")
	// ErrWrongOwner is returned when destroying a receipt held by another
	// owner.
	ErrWrongOwner = errors.New("receipts: owner mismatch")
)

// Receipt records ownership of one delivered artwork instance.
type Receipt struct {
	TokenID   string   `json:"tokenId"`
	Owner     [20]byte `json:"owner"`
	ListingID uint64   `json:"listingId"`
	Index     uint64   `json:"index"`
	IssuedAt  int64    `json:"issuedAt"`
}

// TokenID derives the canonical receipt identifier for a purchase.
func TokenID(listingID, index uint64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], listingID)
	binary.BigEndian.PutUint64(buf[8:], index)
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte("galleria/receipt"), buf[:]))
	return id
}

// Ledger persists receipts in a key-value store.
type Ledger struct {
	db    storage.Database
	nowFn func() int64
}

// NewLedger creates a receipt ledger over the given database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func receiptKey(listingID, index uint64) []byte {
	id := TokenID(listingID, index)
	return []byte("receipts/" + hex.EncodeToString(id[:]))
}

// Issue mints the receipt for a purchase to the buyer. Issuing the same
// receipt twice fails.
func (l *Ledger) Issue(owner [20]byte, listingID, index uint64) error {
	key := receiptKey(listingID, index)
	if _, err := l.db.Get(key); err == nil {
		return ErrExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	id := TokenID(listingID, index)
	receipt := &Receipt{
		TokenID:   hex.EncodeToString(id[:]),
		Owner:     owner,
		ListingID: listingID,
		Index:     index,
		IssuedAt:  l.nowFn(),
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("receipts: encode receipt: %w", err)
	}
	return l.db.Put(key, data)
}

// Destroy burns the receipt for an unwound sale. The receipt must exist and
// belong to the given owner.
func (l *Ledger) Destroy(owner [20]byte, listingID, index uint64) error {
	receipt, ok, err := l.Receipt(listingID, index)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if receipt.Owner != owner {
		return ErrWrongOwner
	}
	return l.db.Delete(receiptKey(listingID, index))
}

// Receipt loads the receipt for a purchase, reporting whether it exists.
func (l *Ledger) Receipt(listingID, index uint64) (*Receipt, bool, error) {
	data, err := l.db.Get(receiptKey(listingID, index))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	receipt := &Receipt{}
	if err := json.Unmarshal(data, receipt); err != nil {
		return nil, false, fmt.Errorf("receipts: decode receipt: %w", err)
	}
	return receipt, true, nil
}
