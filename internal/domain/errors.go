package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrCustomerFrozen     = errors.New("customer account is frozen")
	ErrMutualExclusion    = errors.New("shift already open for product")
	ErrAlreadySettled     = errors.New("transaction already settled")
	ErrIdempotency        = errors.New("transaction already returned")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrLockContention     = errors.New("lock contention, retry later")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError identifies the sale line that could not be filled.
type InsufficientStockError struct {
	Line      int
	ProductID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on line %d (product %s): available %s L, requested %s L",
		e.Line, e.ProductID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type InsufficientCreditError struct {
	CustomerID string
	Remaining  decimal.Decimal
	Required   decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for customer %s: remaining Rp %s, required Rp %s",
		e.CustomerID, e.Remaining.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientCreditError) Is(target error) bool { return target == ErrInsufficientCredit }

type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
