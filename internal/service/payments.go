package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/reconcile"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

// ApplyCreditPayment records a payment against one credit sale and lowers the
// customer's open balance by the same amount.
func (s *Service) ApplyCreditPayment(ctx context.Context, req domain.CreditPaymentRequest) (domain.CreditPaymentResult, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.CreditPaymentResult{}, err
	}
	req.CustomerPhone = normalizePhone(req.CustomerPhone)
	req.SaleID = domain.SaleRef(strings.TrimSpace(req.SaleID.String()))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.validateRequest(req); err != nil {
		return domain.CreditPaymentResult{}, err
	}
	if err := positiveMoney("amount", req.Amount); err != nil {
		return domain.CreditPaymentResult{}, err
	}

	if replay, ok, err := s.replayCreditPayment(ctx, req.IdempotencyKey, req.CustomerPhone); err != nil || ok {
		return replay, err
	}

	payment := domain.Payment{
		ID:             xid.New("pay"),
		SaleID:         req.SaleID.String(),
		Amount:         req.Amount,
		ReceiptRef:     xid.Receipt(),
		RecordedBy:     actor.Email,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}

	var outcome *domain.PaymentOutcome
	err = s.withLock(ctx, customerLockKey(req.CustomerPhone), func() error {
		var err error
		outcome, err = s.repo.ApplyCreditPayment(ctx, req.CustomerPhone, payment)
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrConflict) {
			if replay, ok, rerr := s.replayCreditPayment(ctx, req.IdempotencyKey, req.CustomerPhone); rerr == nil && ok {
				return replay, nil
			}
		}
		return domain.CreditPaymentResult{}, err
	}
	s.invalidate(ctx, cache.DebtsKey(req.CustomerPhone))

	s.logAudit(ctx, "credit_payment", "sale", req.SaleID.String(), fmt.Sprintf("customer=%s,amount=%s,unsettled=%s", req.CustomerPhone, req.Amount.StringFixed(2), outcome.UnsettledBalance.StringFixed(2)))
	return domain.CreditPaymentResult{
		PaymentID:        outcome.Payment.ID,
		AmountPaid:       outcome.Payment.Amount,
		UnsettledBalance: outcome.UnsettledBalance,
		OpenBalance:      outcome.Counterparty.OpenBalance,
		ReceiptURL:       "/receipt/credit-payment/" + outcome.Payment.ID,
	}, nil
}

// replayCreditPayment answers a retried request whose key was already used.
// The reported balances are the current ones, not those at first recording.
func (s *Service) replayCreditPayment(ctx context.Context, key string, phone string) (domain.CreditPaymentResult, bool, error) {
	if key == "" {
		return domain.CreditPaymentResult{}, false, nil
	}
	payment, err := s.repo.FindPaymentByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CreditPaymentResult{}, false, nil
	}
	if err != nil {
		return domain.CreditPaymentResult{}, false, err
	}
	if payment.SaleID == "" {
		return domain.CreditPaymentResult{}, false, fmt.Errorf("%w: idempotency key belongs to another payment kind", store.ErrConflict)
	}

	ledger, err := s.repo.CustomerLedger(ctx, phone)
	if err != nil {
		return domain.CreditPaymentResult{}, false, err
	}
	if payment.CounterpartyID != ledger.Customer.ID {
		return domain.CreditPaymentResult{}, false, fmt.Errorf("%w: idempotency key belongs to another customer", store.ErrConflict)
	}
	result := domain.CreditPaymentResult{
		PaymentID:   payment.ID,
		AmountPaid:  payment.Amount,
		OpenBalance: ledger.Customer.OpenBalance,
		ReceiptURL:  "/receipt/credit-payment/" + payment.ID,
		Duplicate:   true,
	}
	paid := reconcile.PaidBySale(ledger.Payments)
	for _, sale := range ledger.Sales {
		if sale.ID == payment.SaleID {
			result.UnsettledBalance = reconcile.Unsettled(sale, paid[sale.ID])
			break
		}
	}
	return result, true, nil
}

// ApplyResellerPayment records a bulk payment from a reseller against their
// whole credit book.
func (s *Service) ApplyResellerPayment(ctx context.Context, resellerID string, req domain.ResellerPaymentRequest) (domain.ResellerPaymentResult, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.ResellerPaymentResult{}, err
	}
	resellerID = strings.TrimSpace(resellerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if resellerID == "" {
		return domain.ResellerPaymentResult{}, fmt.Errorf("%w: reseller id is required", store.ErrValidation)
	}
	if err := positiveMoney("amount", req.Amount); err != nil {
		return domain.ResellerPaymentResult{}, err
	}

	if replay, ok, err := s.replayResellerPayment(ctx, req.IdempotencyKey, resellerID); err != nil || ok {
		return replay, err
	}

	payment := domain.Payment{
		ID:             xid.New("pay"),
		CounterpartyID: resellerID,
		Amount:         req.Amount,
		ReceiptRef:     xid.Receipt(),
		RecordedBy:     actor.Email,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}

	var outcome *domain.PaymentOutcome
	err = s.withLock(ctx, resellerLockKey(resellerID), func() error {
		var err error
		outcome, err = s.repo.ApplyResellerPayment(ctx, payment)
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrConflict) {
			if replay, ok, rerr := s.replayResellerPayment(ctx, req.IdempotencyKey, resellerID); rerr == nil && ok {
				return replay, nil
			}
		}
		return domain.ResellerPaymentResult{}, err
	}
	s.invalidate(ctx, cache.CreditBookKey(resellerID))

	s.logAudit(ctx, "reseller_payment", "reseller", resellerID, fmt.Sprintf("amount=%s,balance=%s", req.Amount.StringFixed(2), outcome.Counterparty.OpenBalance.StringFixed(2)))
	return domain.ResellerPaymentResult{
		PaymentID:   outcome.Payment.ID,
		AmountPaid:  outcome.Payment.Amount,
		BalanceLeft: outcome.Counterparty.OpenBalance,
		ReceiptURL:  "/receipt/bulk-reseller-payment/" + outcome.Payment.ID,
	}, nil
}

func (s *Service) replayResellerPayment(ctx context.Context, key string, resellerID string) (domain.ResellerPaymentResult, bool, error) {
	if key == "" {
		return domain.ResellerPaymentResult{}, false, nil
	}
	payment, err := s.repo.FindPaymentByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ResellerPaymentResult{}, false, nil
	}
	if err != nil {
		return domain.ResellerPaymentResult{}, false, err
	}
	if payment.SaleID != "" || payment.CounterpartyID != resellerID {
		return domain.ResellerPaymentResult{}, false, fmt.Errorf("%w: idempotency key belongs to another payment", store.ErrConflict)
	}
	reseller, err := s.repo.GetCounterparty(ctx, resellerID)
	if err != nil {
		return domain.ResellerPaymentResult{}, false, err
	}
	return domain.ResellerPaymentResult{
		PaymentID:   payment.ID,
		AmountPaid:  payment.Amount,
		BalanceLeft: reseller.OpenBalance,
		ReceiptURL:  "/receipt/bulk-reseller-payment/" + payment.ID,
		Duplicate:   true,
	}, true, nil
}
