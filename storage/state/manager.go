// Package state provides the persistent backend for the market engine: the
// account table, the listing catalog, the collateral pool, the purchase
// ledger and the role registry, all stored in a key-value database.
package state

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"galleria/core/types"
	"galleria/native/market"
	"galleria/storage"
)

const (
	keyAccountPrefix    = "acct/"
	keyListingPrefix    = "market/listing/"
	keyListingSeq       = "market/listing/seq"
	keyCollateralPrefix = "market/collateral/"
	keyPurchasePrefix   = "market/purchase/"
	keyRolePrefix       = "roles/"
)

// Manager implements the market engine's state interface over a
// storage.Database.
type Manager struct {
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func accountKey(addr []byte) []byte {
	return []byte(keyAccountPrefix + hex.EncodeToString(addr))
}

func listingKey(id uint64) []byte {
	return []byte(keyListingPrefix + strconv.FormatUint(id, 10))
}

func collateralKey(artist [20]byte) []byte {
	return []byte(keyCollateralPrefix + hex.EncodeToString(artist[:]))
}

func purchaseKey(listingID, index uint64) []byte {
	return []byte(keyPurchasePrefix + strconv.FormatUint(listingID, 10) + "/" + strconv.FormatUint(index, 10))
}

func purchaseCountKey(listingID uint64) []byte {
	return []byte(keyPurchasePrefix + strconv.FormatUint(listingID, 10) + "/count")
}

func roleKey(role string) []byte {
	return []byte(keyRolePrefix + strings.TrimSpace(role))
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put(key, data)
}

// GetAccount loads the account for an address, returning a fresh zero-balance
// account when none exists.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	acc := &types.Account{}
	ok, err := m.getJSON(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureAccount(nil), nil
	}
	return types.EnsureAccount(acc), nil
}

// PutAccount persists the account for an address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	return m.putJSON(accountKey(addr), types.EnsureAccount(account))
}

// MarketListingPut persists a listing after validation.
func (m *Manager) MarketListingPut(l *market.Listing) error {
	sanitized, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	return m.putJSON(listingKey(sanitized.ID), sanitized)
}

// MarketListingGet loads a listing, reporting whether it exists.
func (m *Manager) MarketListingGet(id uint64) (*market.Listing, bool, error) {
	listing := &market.Listing{}
	ok, err := m.getJSON(listingKey(id), listing)
	if err != nil || !ok {
		return nil, false, err
	}
	return listing, true, nil
}

// MarketNextListingID allocates the next monotonic listing id, starting at 1.
// Ids are never reused.
func (m *Manager) MarketNextListingID() (uint64, error) {
	var seq uint64
	ok, err := m.getJSON([]byte(keyListingSeq), &seq)
	if err != nil {
		return 0, err
	}
	if !ok {
		seq = 0
	}
	seq++
	if err := m.putJSON([]byte(keyListingSeq), seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// MarketCollateralGet loads an artist's free collateral balance.
func (m *Manager) MarketCollateralGet(artist [20]byte) (*big.Int, error) {
	var raw string
	ok, err := m.getJSON(collateralKey(artist), &raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance, valid := new(big.Int).SetString(raw, 10)
	if !valid {
		return nil, fmt.Errorf("state: corrupt collateral balance %q", raw)
	}
	return balance, nil
}

// MarketCollateralPut persists an artist's free collateral balance. Negative
// balances are rejected.
func (m *Manager) MarketCollateralPut(artist [20]byte, balance *big.Int) error {
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: collateral balance must be non-negative")
	}
	return m.putJSON(collateralKey(artist), balance.String())
}

// MarketPurchasePut appends or updates a purchase record. Appends must use
// the next sequential index; records are never deleted.
func (m *Manager) MarketPurchasePut(p *market.Purchase) error {
	sanitized, err := market.SanitizePurchase(p)
	if err != nil {
		return err
	}
	count, err := m.MarketPurchaseCount(sanitized.ListingID)
	if err != nil {
		return err
	}
	switch {
	case sanitized.Index < count:
		// settlement update of an existing record
	case sanitized.Index == count:
		if err := m.putJSON(purchaseCountKey(sanitized.ListingID), count+1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state: purchase index %d out of sequence (count %d)", sanitized.Index, count)
	}
	return m.putJSON(purchaseKey(sanitized.ListingID, sanitized.Index), sanitized)
}

// MarketPurchaseGet loads a purchase record, reporting whether it exists.
func (m *Manager) MarketPurchaseGet(listingID, index uint64) (*market.Purchase, bool, error) {
	purchase := &market.Purchase{}
	ok, err := m.getJSON(purchaseKey(listingID, index), purchase)
	if err != nil || !ok {
		return nil, false, err
	}
	return purchase, true, nil
}

// MarketPurchaseCount returns the number of purchases recorded for a listing.
func (m *Manager) MarketPurchaseCount(listingID uint64) (uint64, error) {
	var count uint64
	ok, err := m.getJSON(purchaseCountKey(listingID), &count)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return count, nil
}

func (m *Manager) roleMembers(role string) ([][]byte, error) {
	var encoded []string
	ok, err := m.getJSON(roleKey(role), &encoded)
	if err != nil || !ok {
		return nil, err
	}
	members := make([][]byte, 0, len(encoded))
	for _, entry := range encoded {
		raw, err := hex.DecodeString(entry)
		if err != nil {
			return nil, fmt.Errorf("state: corrupt role member %q", entry)
		}
		members = append(members, raw)
	}
	return members, nil
}

func (m *Manager) putRoleMembers(role string, members [][]byte) error {
	encoded := make([]string, 0, len(members))
	for _, member := range members {
		encoded = append(encoded, hex.EncodeToString(member))
	}
	return m.putJSON(roleKey(role), encoded)
}

// HasRole reports whether the address is associated with the role. Read
// errors result in a false return, matching the best-effort semantics the
// engine requires.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := m.roleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// GrantRole associates an address with a role. Granting an existing
// membership is a no-op.
func (m *Manager) GrantRole(role string, addr [20]byte) error {
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	for _, member := range members {
		if bytes.Equal(member, addr[:]) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr[:]...))
	return m.putRoleMembers(role, members)
}

// RevokeRole removes an address from a role. Revoking a missing membership is
// a no-op.
func (m *Manager) RevokeRole(role string, addr [20]byte) error {
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	filtered := members[:0]
	for _, member := range members {
		if !bytes.Equal(member, addr[:]) {
			filtered = append(filtered, member)
		}
	}
	return m.putRoleMembers(role, filtered)
}
