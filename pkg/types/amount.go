package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimal places of the smallest unit of each chain.
const (
	BTCDecimals = 8
	ETHDecimals = 18
)

// AmountPrecision is the number of significant digits kept for cached
// balances and transfer amounts.
const AmountPrecision = 32

// SatoshiFromBTC converts a BTC amount to satoshi. Amounts with more than
// eight decimal places are rejected rather than rounded.
func SatoshiFromBTC(amount decimal.Decimal) (int64, error) {
	sat := amount.Shift(BTCDecimals)
	if !sat.Equal(sat.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, BTCDecimals)
	}
	if !sat.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", amount)
	}
	return sat.IntPart(), nil
}

// BTCFromSatoshi converts satoshi to a BTC amount.
func BTCFromSatoshi(sat int64) decimal.Decimal {
	return decimal.New(sat, -BTCDecimals)
}

// WeiFromEther converts an ether amount to wei. Amounts with more than 18
// decimal places are rejected.
func WeiFromEther(amount decimal.Decimal) (*big.Int, error) {
	wei := amount.Shift(ETHDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, ETHDecimals)
	}
	return wei.BigInt(), nil
}

// EtherFromWei converts wei to an ether amount.
func EtherFromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -ETHDecimals)
}

// RoundAmount rounds an amount to the currency's smallest unit.
func RoundAmount(c Currency, amount decimal.Decimal) decimal.Decimal {
	switch c {
	case ETH:
		return amount.Round(ETHDecimals)
	default:
		return amount.Round(BTCDecimals)
	}
}

// ValidateAmount checks that amount is positive, fits the cached precision
// and has no more decimals than the chain's smallest unit.
func ValidateAmount(c Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if len(amount.Coefficient().String()) > AmountPrecision {
		return fmt.Errorf("amount %s exceeds %d significant digits", amount, AmountPrecision)
	}
	if !RoundAmount(c, amount).Equal(amount) {
		return fmt.Errorf("amount %s is finer than the %s smallest unit", amount, c)
	}
	return nil
}
