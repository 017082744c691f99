// Package types defines the value types shared by every cryptoms package.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCurrency is returned when a currency code is not one of the
// supported chains.
var ErrUnknownCurrency = errors.New("unknown currency")

// Currency identifies a supported chain by its ticker.
type Currency string

const (
	BTC Currency = "BTC"
	ETH Currency = "ETH"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []Currency{BTC, ETH}

// ParseCurrency parses a ticker, case-insensitively.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(s))) {
	case BTC:
		return BTC, nil
	case ETH:
		return ETH, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
}

// String returns the ticker.
func (c Currency) String() string {
	return string(c)
}

// Namespace returns the lower-case storage namespace for the currency.
func (c Currency) Namespace() string {
	return strings.ToLower(string(c))
}

// DefaultConfirmations is the confirmation depth after which a transaction
// on the currency's chain is treated as final.
func (c Currency) DefaultConfirmations() int64 {
	switch c {
	case ETH:
		return 12
	default:
		return 6
	}
}
