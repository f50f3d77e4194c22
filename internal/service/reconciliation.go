package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/reconcile"
	"jimas/backend/internal/store"
)

const driftScanParallelism = 4

// RecalculateCustomerBalance rewrites a customer's stored balance from their
// credit sales and payments.
func (s *Service) RecalculateCustomerBalance(ctx context.Context, phone string) (domain.CustomerReconciliation, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.CustomerReconciliation{}, err
	}
	phone = normalizePhone(phone)
	if phone == "" {
		return domain.CustomerReconciliation{}, fmt.Errorf("%w: customer phone is required", store.ErrValidation)
	}

	var result *domain.CustomerReconciliation
	err := s.withLock(ctx, customerLockKey(phone), func() error {
		var err error
		result, err = s.repo.RecalculateCustomerBalance(ctx, phone)
		return err
	})
	if err != nil {
		return domain.CustomerReconciliation{}, err
	}
	s.invalidate(ctx, cache.DebtsKey(phone))

	if !result.Difference.IsZero() {
		s.logger.WarnContext(ctx, "customer balance corrected",
			slog.String("phone", phone),
			slog.String("previous", result.PreviousBalance.StringFixed(2)),
			slog.String("correct", result.CorrectBalance.StringFixed(2)),
		)
	}
	s.logAudit(ctx, "customer_recalculate", "customer", phone, fmt.Sprintf("previous=%s,correct=%s", result.PreviousBalance.StringFixed(2), result.CorrectBalance.StringFixed(2)))
	return *result, nil
}

// RecalculateResellerBalance rewrites a reseller's stored balance from their
// open credit-book items and payments.
func (s *Service) RecalculateResellerBalance(ctx context.Context, id string) (domain.ResellerReconciliation, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.ResellerReconciliation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ResellerReconciliation{}, fmt.Errorf("%w: reseller id is required", store.ErrValidation)
	}

	var result *domain.ResellerReconciliation
	err := s.withLock(ctx, resellerLockKey(id), func() error {
		var err error
		result, err = s.repo.RecalculateResellerBalance(ctx, id)
		return err
	})
	if err != nil {
		return domain.ResellerReconciliation{}, err
	}
	s.invalidate(ctx, cache.CreditBookKey(id))

	if !result.Difference.IsZero() {
		s.logger.WarnContext(ctx, "reseller balance corrected",
			slog.String("reseller_id", id),
			slog.String("previous", result.PreviousBalance.StringFixed(2)),
			slog.String("correct", result.CorrectBalance.StringFixed(2)),
		)
	}
	s.logAudit(ctx, "reseller_recalculate", "reseller", id, fmt.Sprintf("previous=%s,correct=%s", result.PreviousBalance.StringFixed(2), result.CorrectBalance.StringFixed(2)))
	return *result, nil
}

// ScanDrift compares every stored balance with its ledger without changing
// anything. Counterparties that agree are left out of the report.
func (s *Service) ScanDrift(ctx context.Context) ([]domain.DriftReport, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}

	customers, err := s.repo.ListCounterparties(ctx, domain.CounterpartyCreditCustomer)
	if err != nil {
		return nil, err
	}
	resellers, err := s.repo.ListCounterparties(ctx, domain.CounterpartyBulkReseller)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		reports []domain.DriftReport
	)
	collect := func(report *domain.DriftReport) {
		if report == nil {
			return
		}
		mu.Lock()
		reports = append(reports, *report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(driftScanParallelism)
	for _, customer := range customers {
		g.Go(func() error {
			ledger, err := s.repo.CustomerLedger(gctx, customer.ContactInfo)
			if err != nil {
				return fmt.Errorf("load ledger for customer %s: %w", customer.ContactInfo, err)
			}
			collect(reconcile.CustomerDrift(*ledger))
			return nil
		})
	}
	for _, reseller := range resellers {
		g.Go(func() error {
			ledger, err := s.repo.ResellerLedger(gctx, reseller.ID)
			if err != nil {
				return fmt.Errorf("load ledger for reseller %s: %w", reseller.ID, err)
			}
			collect(reconcile.ResellerDrift(*ledger))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(reports, func(a, b domain.DriftReport) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.CounterpartyID, b.CounterpartyID)
	})
	if len(reports) > 0 {
		s.logger.WarnContext(ctx, "ledger drift detected", slog.Int("counterparties", len(reports)))
	}
	if reports == nil {
		reports = []domain.DriftReport{}
	}
	return reports, nil
}
