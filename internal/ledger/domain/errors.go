package domain

import (
	"errors"
	"fmt"

	"estateledger/internal/common/money"
)

// Error taxonomy shared by every manager. Callers match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotPayable        = errors.New("bill is not payable")
	ErrNotFound          = errors.New("not found")
	ErrGateway           = errors.New("gateway error")
	ErrStateConflict     = errors.New("state conflict")
)

// Validationf returns an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf returns an ErrStateConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// NotPayablef returns an ErrNotPayable with a formatted message.
func NotPayablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotPayable, fmt.Sprintf(format, args...))
}

// InsufficientFundsError reports a debit larger than the spendable balance.
type InsufficientFundsError struct {
	WalletID  string
	Available money.Amount
	Requested money.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: available %s, requested %s",
		e.WalletID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Outcome distinguishes an applied change from a routine no-op.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
)

// Applied reports whether the operation changed state.
func (o Outcome) Applied() bool {
	return o == OutcomeApplied
}
