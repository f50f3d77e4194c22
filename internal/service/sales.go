package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

var maxVATPercentage = decimal.NewFromInt(100)

// CreateSale records a cash or credit sale. Credit sales create the customer
// on first use and raise their open balance by the sale total.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResult, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.SaleResult{}, err
	}

	req.BranchName = strings.TrimSpace(req.BranchName)
	req.PaymentType = strings.ToLower(strings.TrimSpace(req.PaymentType))
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = normalizePhone(req.CustomerPhone)
	req.SalesNote = strings.TrimSpace(req.SalesNote)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	for i := range req.Items {
		req.Items[i].SerialNumber = strings.TrimSpace(req.Items[i].SerialNumber)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.SaleResult{}, err
	}
	if req.PaymentType == domain.PaymentTypeCredit && (req.CustomerName == "" || req.CustomerPhone == "") {
		return domain.SaleResult{}, fmt.Errorf("%w: credit sales need customer_name and customer_phone", store.ErrValidation)
	}

	vat := req.VATPercentage
	if req.VATEnabled && vat.IsZero() {
		vat = domain.DefaultVATPercentage
	}
	if !req.VATEnabled {
		vat = decimal.Zero
	}
	if vat.IsNegative() || vat.GreaterThan(maxVATPercentage) {
		return domain.SaleResult{}, fmt.Errorf("%w: vat_percentage must be between 0 and 100", store.ErrValidation)
	}
	if err := checkPrecision("vat_percentage", vat); err != nil {
		return domain.SaleResult{}, err
	}

	seen := make(map[string]struct{}, len(req.Items))
	items := make([]domain.SaleItem, 0, len(req.Items))
	for i, item := range req.Items {
		if _, dup := seen[item.SerialNumber]; dup {
			return domain.SaleResult{}, fmt.Errorf("%w: serial %s listed twice", store.ErrValidation, item.SerialNumber)
		}
		seen[item.SerialNumber] = struct{}{}
		if err := positiveMoney(fmt.Sprintf("items[%d].price", i), item.Price); err != nil {
			return domain.SaleResult{}, err
		}
		if err := nonNegativeMoney(fmt.Sprintf("items[%d].ram_price", i), item.RAMPrice); err != nil {
			return domain.SaleResult{}, err
		}
		if err := nonNegativeMoney(fmt.Sprintf("items[%d].storage_price", i), item.StoragePrice); err != nil {
			return domain.SaleResult{}, err
		}
		vatAmount, lineTotal := domain.LineAmounts(item.Price, item.RAMPrice, item.StoragePrice, req.VATEnabled, vat)
		items = append(items, domain.SaleItem{
			SerialNumber: item.SerialNumber,
			Price:        item.Price,
			RAMPrice:     item.RAMPrice,
			StoragePrice: item.StoragePrice,
			VATAmount:    vatAmount,
			LineTotal:    lineTotal,
		})
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return toSaleResult(existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResult{}, err
		}
	}

	sale := domain.Sale{
		BranchName:     req.BranchName,
		PaymentType:    req.PaymentType,
		SoldBy:         actor.Email,
		VATEnabled:     req.VATEnabled,
		VATPercentage:  vat,
		SalesNote:      req.SalesNote,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
		Items:          items,
	}
	if req.PaymentType == domain.PaymentTypeCredit {
		sale.CustomerName = req.CustomerName
		sale.CustomerPhone = req.CustomerPhone
	} else {
		sale.ReceiptRef = xid.Receipt()
	}

	var created *domain.Sale
	if sale.IsCredit() {
		err = s.withLock(ctx, customerLockKey(sale.CustomerPhone), func() error {
			var err error
			created, err = s.repo.CreateSale(ctx, sale)
			return err
		})
		if err == nil {
			s.invalidate(ctx, cache.DebtsKey(sale.CustomerPhone))
		}
	} else {
		created, err = s.repo.CreateSale(ctx, sale)
	}
	if err != nil {
		if sale.IdempotencyKey != "" && errors.Is(err, store.ErrConflict) {
			if existing, ferr := s.repo.FindSaleByIdempotency(ctx, sale.IdempotencyKey); ferr == nil {
				return toSaleResult(existing, true), nil
			}
		}
		return domain.SaleResult{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("type=%s,total=%s,items=%d,customer=%s", created.PaymentType, created.TotalAmount.StringFixed(2), len(created.Items), created.CustomerPhone))
	return toSaleResult(created, false), nil
}

// CashReturn takes one laptop back from a cash sale and restocks it.
func (s *Service) CashReturn(ctx context.Context, req domain.CashReturnRequest) (domain.ReturnResult, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.ReturnResult{}, err
	}
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	req.SaleID = domain.SaleRef(strings.TrimSpace(req.SaleID.String()))
	if err := s.validateRequest(req); err != nil {
		return domain.ReturnResult{}, err
	}

	returned, err := s.repo.ReturnSaleItem(ctx, req.SaleID.String(), req.SerialNumber, domain.PaymentTypeCash, "", s.now())
	if err != nil {
		return domain.ReturnResult{}, err
	}

	s.logAudit(ctx, "cash_return", "sale", req.SaleID.String(), fmt.Sprintf("serial=%s,refund=%s", req.SerialNumber, returned.RefundDue.StringFixed(2)))
	return toReturnResult(returned, "Laptop returned to stock"), nil
}

// CreditReturn takes one laptop back from a credit sale and lowers the
// customer's balance by what was still owed for it.
func (s *Service) CreditReturn(ctx context.Context, req domain.CreditReturnRequest) (domain.ReturnResult, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.ReturnResult{}, err
	}
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	req.SaleID = domain.SaleRef(strings.TrimSpace(req.SaleID.String()))
	req.CustomerPhone = normalizePhone(req.CustomerPhone)
	if err := s.validateRequest(req); err != nil {
		return domain.ReturnResult{}, err
	}

	var returned *domain.SaleReturn
	err := s.withLock(ctx, customerLockKey(req.CustomerPhone), func() error {
		var err error
		returned, err = s.repo.ReturnSaleItem(ctx, req.SaleID.String(), req.SerialNumber, domain.PaymentTypeCredit, req.CustomerPhone, s.now())
		return err
	})
	if err != nil {
		return domain.ReturnResult{}, err
	}
	s.invalidate(ctx, cache.DebtsKey(req.CustomerPhone))

	if returned.RefundDue.IsPositive() {
		s.logger.InfoContext(ctx, "credit return leaves refund due",
			slog.String("sale_id", req.SaleID.String()),
			slog.String("refund_due", returned.RefundDue.StringFixed(2)),
		)
	}
	s.logAudit(ctx, "credit_return", "sale", req.SaleID.String(), fmt.Sprintf("serial=%s,reduced=%s,refund=%s", req.SerialNumber, returned.AmountReduced.StringFixed(2), returned.RefundDue.StringFixed(2)))
	return toReturnResult(returned, "Laptop returned and customer balance updated"), nil
}

func toSaleResult(sale *domain.Sale, duplicate bool) domain.SaleResult {
	result := domain.SaleResult{
		SaleID:      domain.SaleRef(sale.ID),
		PaymentType: sale.PaymentType,
		TotalAmount: sale.TotalAmount,
		Profit:      sale.Profit,
		Duplicate:   duplicate,
	}
	if !sale.IsCredit() {
		result.ReceiptURL = "/receipt/sale/" + sale.ID
	}
	if sale.Profit.IsNegative() {
		result.Warning = "sale recorded below cost"
	}
	return result
}

func toReturnResult(returned *domain.SaleReturn, message string) domain.ReturnResult {
	return domain.ReturnResult{
		Message:       message,
		SaleID:        domain.SaleRef(returned.Sale.ID),
		AmountReduced: returned.AmountReduced,
		RefundDue:     returned.RefundDue,
		TotalAmount:   returned.Sale.TotalAmount,
	}
}
