package domain

import "fmt"

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentBon      PaymentMethod = "bon"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch m := PaymentMethod(raw); m {
	case PaymentCash, PaymentTransfer, PaymentBon:
		return m, nil
	}
	return "", &ValidationError{Field: "payment_method", Message: fmt.Sprintf("unsupported payment method %q", raw)}
}

func (m PaymentMethod) RequiresProof() bool {
	return m == PaymentTransfer
}

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentReturned PaymentStatus = "returned"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentUnpaid: {PaymentPaid, PaymentReturned},
	PaymentPaid:   {PaymentReturned},
}

// CanTransition reports whether a transaction may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPaid, PaymentUnpaid, PaymentReturned:
		return true
	}
	return false
}

type ShiftStatus string

const (
	ShiftOpen    ShiftStatus = "open"
	ShiftClosed  ShiftStatus = "closed"
	ShiftAudited ShiftStatus = "audited"
)

var shiftTransitions = map[ShiftStatus]ShiftStatus{
	ShiftOpen:   ShiftClosed,
	ShiftClosed: ShiftAudited,
}

func (s ShiftStatus) CanTransition(next ShiftStatus) bool {
	allowed, ok := shiftTransitions[s]
	return ok && allowed == next
}

func (s ShiftStatus) Valid() bool {
	switch s {
	case ShiftOpen, ShiftClosed, ShiftAudited:
		return true
	}
	return false
}

type PriceHistoryType string

const (
	PriceManualUpdate      PriceHistoryType = "manual_update"
	PriceRestockAdjustment PriceHistoryType = "restock_adjustment"
	PriceOpnameAdjustment  PriceHistoryType = "opname_adjustment"
)

type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleOperator:
		return true
	}
	return false
}
