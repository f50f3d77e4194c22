package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleSales = "sales"

	CounterpartyCreditCustomer = "credit_customer"
	CounterpartyBulkReseller   = "bulk_reseller"

	PaymentTypeCash   = "cash"
	PaymentTypeCredit = "credit"

	StockAvailable = "available"
	StockSold      = "sold"
	StockConsigned = "consigned"

	CreditBookOpen     = "open"
	CreditBookReturned = "returned"
)

// DefaultVATPercentage applies when a sale enables VAT without a rate.
var DefaultVATPercentage = decimal.RequireFromString("7.5")

// SaleRef is a sale id on the wire. Sale ids are sequence numbers; clients
// may send them as JSON numbers or strings, and numeric ids go out as numbers.
type SaleRef string

func (r SaleRef) String() string {
	return string(r)
}

func (r SaleRef) MarshalJSON() ([]byte, error) {
	if isDigits(string(r)) {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

func (r *SaleRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*r = SaleRef(strings.TrimSpace(raw))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("sale_id must be a number or a string")
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("sale_id must be a whole number")
	}
	*r = SaleRef(n.String())
	return nil
}

func isDigits(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type Counterparty struct {
	ID             string          `json:"id"`
	Type           string          `json:"customer_type"`
	Name           string          `json:"name"`
	ContactInfo    string          `json:"contact_info"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	OpenBalance    decimal.Decimal `json:"open_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type StockUnit struct {
	SerialNumber   string          `json:"serial_number"`
	ProductName    string          `json:"product_name"`
	Specifications string          `json:"specifications"`
	BranchName     string          `json:"branch_name"`
	SupplierName   string          `json:"supplier_name"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Branch struct {
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Sale struct {
	ID             string          `json:"id"`
	BranchName     string          `json:"branch_name"`
	PaymentType    string          `json:"payment_type"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	SoldBy         string          `json:"sold_by"`
	VATEnabled     bool            `json:"vat_enabled"`
	VATPercentage  decimal.Decimal `json:"vat_percentage"`
	SalesNote      string          `json:"sales_note,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Profit         decimal.Decimal `json:"profit"`
	ReceiptRef     string          `json:"receipt_ref,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	Items          []SaleItem      `json:"items"`
}

type SaleItem struct {
	SerialNumber   string          `json:"serial_number"`
	ProductName    string          `json:"product_name"`
	Specifications string          `json:"specifications"`
	Price          decimal.Decimal `json:"price"`
	RAMPrice       decimal.Decimal `json:"ram_price"`
	StoragePrice   decimal.Decimal `json:"storage_price"`
	VATAmount      decimal.Decimal `json:"vat_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
	CostPrice      decimal.Decimal `json:"-"`
	Returned       bool            `json:"returned"`
	ReturnedAt     *time.Time      `json:"returned_at,omitempty"`
}

type Payment struct {
	ID             string          `json:"id"`
	CounterpartyID string          `json:"counterparty_id"`
	SaleID         string          `json:"sale_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	ReceiptRef     string          `json:"receipt_ref"`
	RecordedBy     string          `json:"recorded_by"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CreditBookItem struct {
	ID             string          `json:"id"`
	ResellerID     string          `json:"reseller_id"`
	SerialNumber   string          `json:"serial_number"`
	ProductName    string          `json:"product_name"`
	Specifications string          `json:"specifications"`
	BranchName     string          `json:"branch_name"`
	GivenPrice     decimal.Decimal `json:"given_price"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ReturnedAt     *time.Time      `json:"returned_at,omitempty"`
}

// CustomerLedger is the source-of-truth row set behind a credit customer's
// stored balance.
type CustomerLedger struct {
	Customer Counterparty
	Sales    []Sale
	Payments []Payment
}

// ResellerLedger is the source-of-truth row set behind a reseller's stored
// balance.
type ResellerLedger struct {
	Reseller Counterparty
	Items    []CreditBookItem
	Payments []Payment
}

type SaleItemRequest struct {
	SerialNumber string          `json:"serial_number" validate:"required"`
	Price        decimal.Decimal `json:"price"`
	RAMPrice     decimal.Decimal `json:"ram_price"`
	StoragePrice decimal.Decimal `json:"storage_price"`
}

type CreateSaleRequest struct {
	BranchName     string            `json:"branch_name" validate:"required"`
	PaymentType    string            `json:"payment_type" validate:"required,oneof=cash credit"`
	CustomerName   string            `json:"customer_name"`
	CustomerPhone  string            `json:"customer_phone"`
	VATEnabled     bool              `json:"vat_enabled"`
	VATPercentage  decimal.Decimal   `json:"vat_percentage"`
	SalesNote      string            `json:"sales_note"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	// SoldByEmail is sent by the console; the authenticated actor is what gets recorded.
	SoldByEmail    string            `json:"sold_by_email,omitempty"`
	Items          []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
}

type SaleResult struct {
	SaleID      SaleRef         `json:"sale_id"`
	PaymentType string          `json:"payment_type"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Profit      decimal.Decimal `json:"profit"`
	ReceiptURL  string          `json:"receipt_url,omitempty"`
	Warning     string          `json:"warning,omitempty"`
	Duplicate   bool            `json:"duplicate,omitempty"`
}

type CreditPaymentRequest struct {
	CustomerPhone  string          `json:"customer_phone" validate:"required"`
	SaleID         SaleRef         `json:"sale_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type CreditPaymentResult struct {
	PaymentID        string          `json:"payment_id"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	UnsettledBalance decimal.Decimal `json:"unsettled_balance"`
	OpenBalance      decimal.Decimal `json:"open_balance"`
	ReceiptURL       string          `json:"receipt_url"`
	Duplicate        bool            `json:"duplicate,omitempty"`
}

type ResellerPaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ResellerPaymentResult struct {
	PaymentID   string          `json:"payment_id"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	BalanceLeft decimal.Decimal `json:"balance_left"`
	ReceiptURL  string          `json:"receipt_url"`
	Duplicate   bool            `json:"duplicate,omitempty"`
}

type CashReturnRequest struct {
	SerialNumber string  `json:"serial_number" validate:"required"`
	SaleID       SaleRef `json:"sale_id" validate:"required"`
}

type CreditReturnRequest struct {
	SerialNumber  string  `json:"serial_number" validate:"required"`
	SaleID        SaleRef `json:"sale_id" validate:"required"`
	CustomerPhone string  `json:"customer_phone" validate:"required"`
}

// SaleReturn is what the store reports after reversing one sold item.
type SaleReturn struct {
	Sale          Sale
	Item          SaleItem
	AmountReduced decimal.Decimal
	RefundDue     decimal.Decimal
}

type ReturnResult struct {
	Message       string          `json:"message"`
	SaleID        SaleRef         `json:"sale_id,omitempty"`
	AmountReduced decimal.Decimal `json:"amount_reduced"`
	RefundDue     decimal.Decimal `json:"refund_due"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

type ReturnLaptopRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
}

type ReturnLaptopResult struct {
	Message       string          `json:"message"`
	SerialNumber  string          `json:"serial_number"`
	AmountReduced decimal.Decimal `json:"amount_reduced"`
	BalanceLeft   decimal.Decimal `json:"balance_left"`
}

type CustomerReconciliation struct {
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	CorrectBalance  decimal.Decimal `json:"correct_balance"`
	Difference      decimal.Decimal `json:"difference"`
}

type ResellerReconciliation struct {
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	ItemsTotal      decimal.Decimal `json:"items_total"`
	PaymentsTotal   decimal.Decimal `json:"payments_total"`
	CorrectBalance  decimal.Decimal `json:"correct_balance"`
	Difference      decimal.Decimal `json:"difference"`
}

type DriftReport struct {
	CounterpartyID string          `json:"counterparty_id"`
	Type           string          `json:"customer_type"`
	Name           string          `json:"name"`
	ContactInfo    string          `json:"contact_info"`
	StoredBalance  decimal.Decimal `json:"stored_balance"`
	CorrectBalance decimal.Decimal `json:"correct_balance"`
	Difference     decimal.Decimal `json:"difference"`
}

type UnsettledSaleItem struct {
	SerialNumber   string          `json:"serial_number"`
	ProductName    string          `json:"product_name"`
	Specifications string          `json:"specifications"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

type UnsettledSale struct {
	SaleID           SaleRef             `json:"sale_id"`
	TotalAmount      decimal.Decimal     `json:"total_amount"`
	AmountPaid       decimal.Decimal     `json:"amount_paid"`
	UnsettledBalance decimal.Decimal     `json:"unsettled_balance"`
	Items            []UnsettledSaleItem `json:"items"`
	SalesNote        string              `json:"sales_note"`
	CreatedAt        time.Time           `json:"created_at"`
}

type CustomerDebts struct {
	Customer       Counterparty    `json:"customer"`
	UnsettledSales []UnsettledSale `json:"unsettled_sales"`
}

type CreditBook struct {
	Reseller   Counterparty     `json:"reseller"`
	Items      []CreditBookItem `json:"items"`
	TotalItems int              `json:"total_items"`
	ItemsTotal decimal.Decimal  `json:"items_total"`
}

type ResellerCreateRequest struct {
	Name        string `json:"name" validate:"required"`
	ContactInfo string `json:"contact_info" validate:"required"`
}

type AddLaptopItem struct {
	SerialNumber string          `json:"serial_number" validate:"required"`
	GivenPrice   decimal.Decimal `json:"given_price"`
}

type AddLaptopsRequest struct {
	BranchName string          `json:"branch_name" validate:"required"`
	Items      []AddLaptopItem `json:"items" validate:"required,min=1,dive"`
}

type AddLaptopsResult struct {
	Message     string           `json:"message"`
	Items       []CreditBookItem `json:"items"`
	AmountAdded decimal.Decimal  `json:"amount_added"`
	OpenBalance decimal.Decimal  `json:"open_balance"`
}

type StockCreateRequest struct {
	SerialNumber   string          `json:"serial_number" validate:"required"`
	ProductName    string          `json:"product_name" validate:"required"`
	Specifications string          `json:"specifications"`
	BranchName     string          `json:"branch_name" validate:"required"`
	SupplierName   string          `json:"supplier_name"`
	CostPrice      decimal.Decimal `json:"cost_price"`
}

type BranchCreateRequest struct {
	Name    string `json:"name" validate:"required"`
	Address string `json:"address"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at"`
}

type Actor struct {
	Email string
	Role  string
}

type UserCreateRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	BranchName string `json:"branch_name"`
}

type User struct {
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	BranchName string    `json:"branch_name,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Email      string
	Name       string
	Password   string
	Role       string
	BranchName string
	Active     bool
	CreatedAt  time.Time
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorEmail string    `json:"actor_email"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
