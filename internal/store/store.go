package store

import (
	"context"
	"errors"
	"time"

	"jimas/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

// Repository persists the credit ledger. Every method that moves money runs
// as one atomic unit: on error nothing it touched is changed.
type Repository interface {
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)

	CreateStockUnit(ctx context.Context, unit domain.StockUnit) (*domain.StockUnit, error)
	ListStockUnits(ctx context.Context, branchName string, status string) ([]domain.StockUnit, error)
	GetStockUnit(ctx context.Context, serialNumber string) (*domain.StockUnit, error)

	// CreateSale marks every serial sold, fills cost data from stock and,
	// for credit sales, upserts the customer by phone and raises their
	// balance by the sale total.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ReturnSaleItem(ctx context.Context, saleID string, serialNumber string, paymentType string, customerPhone string, at time.Time) (*domain.SaleReturn, error)

	ApplyCreditPayment(ctx context.Context, customerPhone string, payment domain.Payment) (*domain.PaymentOutcome, error)
	ApplyResellerPayment(ctx context.Context, payment domain.Payment) (*domain.PaymentOutcome, error)
	FindPaymentByIdempotency(ctx context.Context, key string) (*domain.Payment, error)

	GetCounterparty(ctx context.Context, id string) (*domain.Counterparty, error)
	GetCustomerByPhone(ctx context.Context, phone string) (*domain.Counterparty, error)
	ListCounterparties(ctx context.Context, counterpartyType string) ([]domain.Counterparty, error)
	CreateReseller(ctx context.Context, reseller domain.Counterparty) (*domain.Counterparty, error)
	DeleteReseller(ctx context.Context, id string) error

	AddCreditBookItems(ctx context.Context, resellerID string, branchName string, items []domain.CreditBookItem) ([]domain.CreditBookItem, *domain.Counterparty, error)
	ReturnCreditBookItem(ctx context.Context, resellerID string, serialNumber string, at time.Time) (*domain.CreditBookItem, *domain.Counterparty, error)

	CustomerLedger(ctx context.Context, phone string) (*domain.CustomerLedger, error)
	ResellerLedger(ctx context.Context, id string) (*domain.ResellerLedger, error)
	RecalculateCustomerBalance(ctx context.Context, phone string) (*domain.CustomerReconciliation, error)
	RecalculateResellerBalance(ctx context.Context, id string) (*domain.ResellerReconciliation, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, email string, password string) error
}
