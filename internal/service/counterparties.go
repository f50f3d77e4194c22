package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/reconcile"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Counterparty, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListCounterparties(ctx, domain.CounterpartyCreditCustomer)
}

// CustomerDebts lists a credit customer's sales that still carry a balance.
func (s *Service) CustomerDebts(ctx context.Context, phone string) (domain.CustomerDebts, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.CustomerDebts{}, err
	}
	phone = normalizePhone(phone)
	if phone == "" {
		return domain.CustomerDebts{}, fmt.Errorf("%w: customer phone is required", store.ErrValidation)
	}

	return cache.Fetch(ctx, s.statements, cache.DebtsKey(phone), s.statementTTL, func(ctx context.Context) (domain.CustomerDebts, error) {
		ledger, err := s.repo.CustomerLedger(ctx, phone)
		if err != nil {
			return domain.CustomerDebts{}, err
		}
		return domain.CustomerDebts{
			Customer:       ledger.Customer,
			UnsettledSales: reconcile.UnsettledSales(*ledger),
		}, nil
	})
}

func (s *Service) ListResellers(ctx context.Context) ([]domain.Counterparty, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListCounterparties(ctx, domain.CounterpartyBulkReseller)
}

func (s *Service) CreateReseller(ctx context.Context, req domain.ResellerCreateRequest) (*domain.Counterparty, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ContactInfo = strings.TrimSpace(req.ContactInfo)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	reseller, err := s.repo.CreateReseller(ctx, domain.Counterparty{
		ID:          xid.New("resl"),
		Type:        domain.CounterpartyBulkReseller,
		Name:        req.Name,
		ContactInfo: req.ContactInfo,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "reseller_create", "reseller", reseller.ID, "name="+reseller.Name)
	return reseller, nil
}

// DeleteReseller removes a reseller who owes nothing and holds no laptops,
// along with their settled history.
func (s *Service) DeleteReseller(ctx context.Context, id string) error {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: reseller id is required", store.ErrValidation)
	}

	err := s.withLock(ctx, resellerLockKey(id), func() error {
		return s.repo.DeleteReseller(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, cache.CreditBookKey(id))
	s.logAudit(ctx, "reseller_delete", "reseller", id, "")
	return nil
}

// ResellerCreditBook shows the laptops a reseller currently holds.
func (s *Service) ResellerCreditBook(ctx context.Context, id string) (domain.CreditBook, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.CreditBook{}, err
	}
	id = strings.TrimSpace(id)

	return cache.Fetch(ctx, s.statements, cache.CreditBookKey(id), s.statementTTL, func(ctx context.Context) (domain.CreditBook, error) {
		ledger, err := s.repo.ResellerLedger(ctx, id)
		if err != nil {
			return domain.CreditBook{}, err
		}
		book := domain.CreditBook{
			Reseller:   ledger.Reseller,
			Items:      make([]domain.CreditBookItem, 0, len(ledger.Items)),
			ItemsTotal: decimal.Zero,
		}
		for _, item := range ledger.Items {
			if item.Status != domain.CreditBookOpen {
				continue
			}
			book.Items = append(book.Items, item)
			book.ItemsTotal = book.ItemsTotal.Add(item.GivenPrice)
		}
		book.TotalItems = len(book.Items)
		return book, nil
	})
}

// AddLaptops hands stock units to a reseller on credit and raises their
// balance by the sum of given prices.
func (s *Service) AddLaptops(ctx context.Context, resellerID string, req domain.AddLaptopsRequest) (domain.AddLaptopsResult, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.AddLaptopsResult{}, err
	}
	resellerID = strings.TrimSpace(resellerID)
	req.BranchName = strings.TrimSpace(req.BranchName)
	for i := range req.Items {
		req.Items[i].SerialNumber = strings.TrimSpace(req.Items[i].SerialNumber)
	}
	if resellerID == "" {
		return domain.AddLaptopsResult{}, fmt.Errorf("%w: reseller id is required", store.ErrValidation)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.AddLaptopsResult{}, err
	}

	now := s.now()
	seen := make(map[string]struct{}, len(req.Items))
	items := make([]domain.CreditBookItem, 0, len(req.Items))
	for i, item := range req.Items {
		if _, dup := seen[item.SerialNumber]; dup {
			return domain.AddLaptopsResult{}, fmt.Errorf("%w: serial %s listed twice", store.ErrValidation, item.SerialNumber)
		}
		seen[item.SerialNumber] = struct{}{}
		if err := positiveMoney(fmt.Sprintf("items[%d].given_price", i), item.GivenPrice); err != nil {
			return domain.AddLaptopsResult{}, err
		}
		items = append(items, domain.CreditBookItem{
			ID:           xid.New("cbi"),
			SerialNumber: item.SerialNumber,
			GivenPrice:   item.GivenPrice,
			CreatedAt:    now,
		})
	}

	var (
		added    []domain.CreditBookItem
		reseller *domain.Counterparty
	)
	err := s.withLock(ctx, resellerLockKey(resellerID), func() error {
		var err error
		added, reseller, err = s.repo.AddCreditBookItems(ctx, resellerID, req.BranchName, items)
		return err
	})
	if err != nil {
		return domain.AddLaptopsResult{}, err
	}
	s.invalidate(ctx, cache.CreditBookKey(resellerID))

	amount := decimal.Zero
	for _, item := range added {
		amount = amount.Add(item.GivenPrice)
	}
	s.logAudit(ctx, "reseller_add_laptops", "reseller", resellerID, fmt.Sprintf("count=%d,amount=%s", len(added), amount.StringFixed(2)))
	return domain.AddLaptopsResult{
		Message:     fmt.Sprintf("%d laptop(s) added to credit book", len(added)),
		Items:       added,
		AmountAdded: amount,
		OpenBalance: reseller.OpenBalance,
	}, nil
}

// ReturnLaptop takes an open credit-book laptop back into stock.
func (s *Service) ReturnLaptop(ctx context.Context, resellerID string, req domain.ReturnLaptopRequest) (domain.ReturnLaptopResult, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.ReturnLaptopResult{}, err
	}
	resellerID = strings.TrimSpace(resellerID)
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if resellerID == "" {
		return domain.ReturnLaptopResult{}, fmt.Errorf("%w: reseller id is required", store.ErrValidation)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.ReturnLaptopResult{}, err
	}

	var (
		item     *domain.CreditBookItem
		reseller *domain.Counterparty
	)
	err := s.withLock(ctx, resellerLockKey(resellerID), func() error {
		var err error
		item, reseller, err = s.repo.ReturnCreditBookItem(ctx, resellerID, req.SerialNumber, s.now())
		return err
	})
	if err != nil {
		return domain.ReturnLaptopResult{}, err
	}
	s.invalidate(ctx, cache.CreditBookKey(resellerID))

	s.logAudit(ctx, "reseller_return_laptop", "reseller", resellerID, fmt.Sprintf("serial=%s,amount=%s", item.SerialNumber, item.GivenPrice.StringFixed(2)))
	return domain.ReturnLaptopResult{
		Message:       "Laptop returned from reseller",
		SerialNumber:  item.SerialNumber,
		AmountReduced: item.GivenPrice,
		BalanceLeft:   reseller.OpenBalance,
	}, nil
}
