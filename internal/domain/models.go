package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Stock     decimal.Decimal `json:"stock"`
	Active    bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Stock     decimal.Decimal `json:"stock"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Unit      *string          `json:"unit,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
	Active    *bool            `json:"is_active,omitempty"`
}

type ProductPriceHistory struct {
	ID           string           `json:"id"`
	ProductID    string           `json:"product_id"`
	OldPrice     decimal.Decimal  `json:"old_price"`
	NewPrice     decimal.Decimal  `json:"new_price"`
	OldCostPrice decimal.Decimal  `json:"old_cost_price"`
	NewCostPrice decimal.Decimal  `json:"new_cost_price"`
	Type         PriceHistoryType `json:"type"`
	ChangedBy    string           `json:"changed_by"`
	ChangedAt    time.Time        `json:"changed_at"`
}

// Restock is an immutable receipt of incoming fuel.
type Restock struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Date        time.Time       `json:"date"`
	VolumeLiter decimal.Decimal `json:"volume_liter"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Note        string          `json:"note,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type RestockRequest struct {
	ProductID   string          `json:"product_id"`
	Date        time.Time       `json:"date"`
	VolumeLiter decimal.Decimal `json:"volume_liter"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Note        string          `json:"note,omitempty"`
}

// Customer.CreditLimit is the remaining, unused credit. CreditCeiling is the
// limit granted by the station; the gap between them is the outstanding debt.
type Customer struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ShipName      string          `json:"ship_name,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	CreditCeiling decimal.Decimal `json:"credit_ceiling"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	Active        bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c Customer) DebtOutstanding() decimal.Decimal {
	debt := c.CreditCeiling.Sub(c.CreditLimit)
	if debt.IsNegative() {
		return decimal.Zero
	}
	return debt
}

type CustomerCreateRequest struct {
	Name        string          `json:"name"`
	ShipName    string          `json:"ship_name,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

type CustomerStatusRequest struct {
	Active bool `json:"is_active"`
}

type CustomerCreditView struct {
	Customer        Customer        `json:"customer"`
	CreditCeiling   decimal.Decimal `json:"credit_ceiling"`
	CreditRemaining decimal.Decimal `json:"credit_remaining"`
	DebtOutstanding decimal.Decimal `json:"debt_outstanding"`
	Unpaid          []Transaction   `json:"unpaid_transactions"`
}

type Transaction struct {
	ID              string            `json:"id"`
	TrxCode         string            `json:"trx_code"`
	CustomerID      string            `json:"customer_id,omitempty"`
	PumpShiftID     string            `json:"pump_shift_id,omitempty"`
	TransactionDate time.Time         `json:"transaction_date"`
	PaymentMethod   PaymentMethod     `json:"payment_method"`
	PaymentStatus   PaymentStatus     `json:"payment_status"`
	PaymentProof    string            `json:"payment_proof,omitempty"`
	RepaymentMethod PaymentMethod     `json:"repayment_method,omitempty"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
	GrandTotal      decimal.Decimal   `json:"grand_total"`
	WasStockMinus   bool              `json:"was_stock_minus"`
	IsBackdated     bool              `json:"is_backdated"`
	Note            string            `json:"note,omitempty"`
	RevisionOf      string            `json:"revision_of,omitempty"`
	CreatedBy       string            `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	Items           []TransactionItem `json:"items"`
}

// TransactionItem snapshots price and cost at sale time.
type TransactionItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	QuantityLiter decimal.Decimal `json:"quantity_liter"`
	PricePerLiter decimal.Decimal `json:"price_per_liter"`
	CostPerLiter  decimal.Decimal `json:"cost_per_liter"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

func (t Transaction) HasProduct(productID string) bool {
	for _, item := range t.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// LitersOf sums the quantity sold of one product across the line items.
func (t Transaction) LitersOf(productID string) decimal.Decimal {
	total := decimal.Zero
	for _, item := range t.Items {
		if item.ProductID == productID {
			total = total.Add(item.QuantityLiter)
		}
	}
	return total
}

type SaleLine struct {
	ProductID     string          `json:"product_id"`
	QuantityLiter decimal.Decimal `json:"quantity_liter"`
}

type SellRequest struct {
	Items         []SaleLine    `json:"items"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CustomerID    string        `json:"customer_id,omitempty"`
	ProofRef      string        `json:"proof_ref,omitempty"`
	Note          string        `json:"note,omitempty"`

	// TransactionDate backdates the sale when AllowBackdate is granted by
	// the caller.
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	AllowBackdate   bool       `json:"-"`
}

type VoidRequest struct {
	TransactionID string `json:"-"`
	Reason        string `json:"reason"`
}

// ReviseRequest replaces the lines of a sale. The old transaction is
// returned and a new one carries the revised items.
type ReviseRequest struct {
	TransactionID string     `json:"-"`
	Items         []SaleLine `json:"items"`

	// TransactionDate moves the sale to another day; the time of day is kept.
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	Note            string     `json:"note,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

type RepayRequest struct {
	TransactionID   string        `json:"-"`
	RepaymentMethod PaymentMethod `json:"repayment_method"`
	ProofRef        string        `json:"proof_ref,omitempty"`
}

type TransactionFilter struct {
	Status     PaymentStatus
	Method     PaymentMethod
	ProductID  string
	CustomerID string
	ShiftID    string
	From       *time.Time
	To         *time.Time
	Limit      int
}

type PumpShift struct {
	ID                      string           `json:"id"`
	ProductID               string           `json:"product_id"`
	Date                    time.Time        `json:"date"`
	Status                  ShiftStatus      `json:"status"`
	OpeningTotalizer        decimal.Decimal  `json:"opening_totalizer"`
	OpeningProof            string           `json:"opening_proof,omitempty"`
	OpenedBy                string           `json:"opened_by"`
	OpenedAt                time.Time        `json:"opened_at"`
	ClosingTotalizer        *decimal.Decimal `json:"closing_totalizer,omitempty"`
	ClosingProof            string           `json:"closing_proof,omitempty"`
	CashCollected           *decimal.Decimal `json:"cash_collected,omitempty"`
	ClosedBy                string           `json:"closed_by,omitempty"`
	ClosedAt                *time.Time       `json:"closed_at,omitempty"`
	TotalSalesLiter         decimal.Decimal  `json:"total_sales_liter"`
	SystemTransactionLiter  decimal.Decimal  `json:"system_transaction_liter"`
	SystemTransactionAmount decimal.Decimal  `json:"system_transaction_amount"`
	SystemCashAmount        decimal.Decimal  `json:"system_cash_amount"`
	LiterDiscrepancy        decimal.Decimal  `json:"liter_discrepancy"`
	CashDiscrepancy         decimal.Decimal  `json:"cash_discrepancy"`
	OwnerNote               string           `json:"owner_note,omitempty"`
	IsAudited               bool             `json:"is_audited"`
	AuditedBy               string           `json:"audited_by,omitempty"`
	AuditedAt               *time.Time       `json:"audited_at,omitempty"`
}

type ShiftOpenRequest struct {
	ProductID        string          `json:"product_id"`
	OpeningTotalizer decimal.Decimal `json:"opening_totalizer"`
	ProofRef         string          `json:"proof_ref,omitempty"`
}

type ShiftCloseRequest struct {
	ShiftID          string          `json:"-"`
	ClosingTotalizer decimal.Decimal `json:"closing_totalizer"`
	CashCollected    decimal.Decimal `json:"cash_collected"`
	ProofRef         string          `json:"proof_ref,omitempty"`
}

type ShiftAuditRequest struct {
	ShiftID string `json:"-"`
	Note    string `json:"note"`
}

type ShiftFilter struct {
	Status    ShiftStatus
	ProductID string
	Limit     int
}

// TankSounding records a manual dip reading against the system stock.
type TankSounding struct {
	ID                  string           `json:"id"`
	ProductID           string           `json:"product_id"`
	RecordedAt          time.Time        `json:"recorded_at"`
	PhysicalHeightCm    *decimal.Decimal `json:"physical_height_cm,omitempty"`
	PhysicalLiter       decimal.Decimal  `json:"physical_liter"`
	SystemLiterSnapshot decimal.Decimal  `json:"system_liter_snapshot"`
	Difference          decimal.Decimal  `json:"difference"`
	Adjusted            bool             `json:"adjusted"`
	CreatedBy           string           `json:"created_by"`
	CreatedAt           time.Time        `json:"created_at"`
	CorrectedBy         string           `json:"corrected_by,omitempty"`
	CorrectedAt         *time.Time       `json:"corrected_at,omitempty"`
}

type SoundingRequest struct {
	ProductID        string           `json:"product_id"`
	RecordedAt       time.Time        `json:"recorded_at"`
	PhysicalHeightCm *decimal.Decimal `json:"physical_height_cm,omitempty"`
	PhysicalLiter    decimal.Decimal  `json:"physical_liter"`
	ApplyAdjustment  bool             `json:"apply_adjustment"`
}

type SoundingCorrection struct {
	SoundingID       string           `json:"-"`
	RecordedAt       time.Time        `json:"recorded_at"`
	PhysicalHeightCm *decimal.Decimal `json:"physical_height_cm,omitempty"`
	PhysicalLiter    decimal.Decimal  `json:"physical_liter"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     Role
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// UserView is the credential-free projection of an account.
type UserView struct {
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}

// RoundMoney rounds rupiah amounts and liters to two decimals.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundPrice rounds a sale price to whole rupiah.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}
