package services

import (
	"errors"
	"fmt"

	"github.com/RedDuck-Software/Undas.Contracts/internal/chain"
	"github.com/RedDuck-Software/Undas.Contracts/internal/custody"
)

// Error kinds. Every failure returned by the marketplace wraps exactly one of
// these (or one of the custody kinds) so callers can branch with errors.Is.
var (
	ErrAuthorization       = errors.New("authorization error")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidState        = errors.New("invalid state")
	ErrScheduleViolation   = errors.New("schedule violation")
	ErrAccountingViolation = errors.New("accounting violation")
	ErrNotFound            = errors.New("not found")

	ErrInsufficientFunds = custody.ErrInsufficientFunds
	ErrTransferRejected  = custody.ErrTransferRejected
)

// Messages surfaced to callers.
const (
	MsgOnlySeller      = "Only seller can cancel listing"
	MsgBidFee          = "bidFee"
	MsgTooManyPayments = "too many payments"
	MsgPremiumsCurrent = "premiums have been paid and deadline is yet to be reached"
	MsgWrongUnlock     = "wrong amount to unlock"
	MsgNotReady        = "NOT READY YET"
)

// MarketError pairs an error kind with the message shown to the caller.
type MarketError struct {
	Kind error
	Msg  string
}

func (e *MarketError) Error() string { return e.Msg }
func (e *MarketError) Unwrap() error { return e.Kind }

func fail(kind error, format string, args ...any) error {
	return &MarketError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// assetErr maps a token-contract failure onto the marketplace taxonomy.
func assetErr(err error) error {
	switch {
	case errors.Is(err, chain.ErrNotApproved), errors.Is(err, chain.ErrNotOwner):
		return &MarketError{Kind: ErrAuthorization, Msg: err.Error()}
	case errors.Is(err, chain.ErrUnknownAsset):
		return &MarketError{Kind: ErrNotFound, Msg: err.Error()}
	case errors.Is(err, chain.ErrTokenBalance):
		return &MarketError{Kind: ErrInsufficientFunds, Msg: err.Error()}
	}
	return err
}
