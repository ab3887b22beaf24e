package market

import "errors"

// Failure taxonomy surfaced at the module boundary. Callers match with
// errors.Is; the gateway maps these onto HTTP status codes.
var (
	ErrUnauthorized           = errors.New("market: unauthorized")
	ErrNotFound               = errors.New("market: listing not found")
	ErrInvalidIndex           = errors.New("market: purchase not found")
	ErrInvalidState           = errors.New("market: invalid purchase state")
	ErrInsufficientFunds      = errors.New("market: insufficient funds")
	ErrInsufficientCollateral = errors.New("market: insufficient collateral")
	ErrTransferFailed         = errors.New("market: transfer failed")
	ErrTimeoutNotReached      = errors.New("market: confirmation timeout not reached")
	ErrInvalidPrice           = errors.New("market: invalid price")
	ErrSoldOut                = errors.New("market: supply limit reached")
)

var (
	errNilState              = errors.New("market engine: state not configured")
	errVaultNotConfigured    = errors.New("market engine: vault not configured")
	errTreasuryNotConfigured = errors.New("market engine: fee treasury not configured")
	errReentrantCall         = errors.New("market engine: reentrant call")
	errInvalidAmount         = errors.New("market engine: amount must be positive")
)
