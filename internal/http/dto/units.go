package dto

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals of the native currency and the platform token.
const EtherDecimals = 18

// MaxPeriodSeconds is the longest rental period accepted over the API (100 years).
const MaxPeriodSeconds = 100 * 365 * 24 * 60 * 60

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidPeriod = errors.New("invalid period")
)

// ParseEther converts a decimal ether string into wei. More than 18
// fractional digits or a negative value is rejected.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	wei := d.Shift(EtherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, EtherDecimals)
	}
	return wei.BigInt(), nil
}

// ParseOptionalEther treats an empty string as zero.
func ParseOptionalEther(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return ParseEther(s)
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals).String()
}

// ParsePeriod converts a period in seconds to a duration. Zero means the
// marketplace default.
func ParsePeriod(seconds int64) (time.Duration, error) {
	if seconds < 0 || seconds > MaxPeriodSeconds {
		return 0, fmt.Errorf("%w: %d seconds is outside [0, %d]", ErrInvalidPeriod, seconds, MaxPeriodSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
