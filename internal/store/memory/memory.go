package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/reconcile"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	branches         map[string]domain.Branch
	stock            map[string]domain.StockUnit
	counterparties   map[string]domain.Counterparty
	customersByPhone map[string]string
	resellersByKey   map[string]string
	sales            map[string]*domain.Sale
	salesByIdem      map[string]string
	saleSeq          int64
	payments         []domain.Payment
	paymentsByIdem   map[string]int
	creditBook       []domain.CreditBookItem
	auditLogs        []domain.AuditLog
	usersByEmail     map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_SALES_PASSWORD and fall
// back to dev defaults with a warning. Production runs on PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	salesPwd := envOr("SEED_SALES_PASSWORD", "sales123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SALES_PASSWORD") == "" {
		slog.Warn("memory store using default dev credentials", slog.String("hint", "set SEED_ADMIN_PASSWORD and SEED_SALES_PASSWORD"))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		email    string
		name     string
		password string
		role     string
	}{
		{envOr("SEED_ADMIN_EMAIL", "admin@jimas.local"), "Admin", adminPwd, domain.RoleAdmin},
		{envOr("SEED_SALES_EMAIL", "sales@jimas.local"), "Sales Desk", salesPwd, domain.RoleSales},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.email, err))
		}
		users[u.email] = domain.UserAccount{
			Email:      u.email,
			Name:       u.name,
			Password:   string(hash),
			Role:       u.role,
			BranchName: "Main Branch",
			Active:     true,
			CreatedAt:  now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	branches := map[string]domain.Branch{}
	for _, name := range []string{"Main Branch", "Ikeja Branch"} {
		branches[name] = domain.Branch{Name: name, CreatedAt: now}
	}

	stock := map[string]domain.StockUnit{}
	for _, unit := range []domain.StockUnit{
		{SerialNumber: "SN-DEMO-0001", ProductName: "HP EliteBook 840 G5", Specifications: "i5 8th gen, 8GB, 256GB SSD", CostPrice: decimal.NewFromInt(180000)},
		{SerialNumber: "SN-DEMO-0002", ProductName: "HP EliteBook 840 G5", Specifications: "i5 8th gen, 8GB, 256GB SSD", CostPrice: decimal.NewFromInt(180000)},
		{SerialNumber: "SN-DEMO-0003", ProductName: "Dell Latitude 7490", Specifications: "i7 8th gen, 16GB, 512GB SSD", CostPrice: decimal.NewFromInt(240000)},
		{SerialNumber: "SN-DEMO-0004", ProductName: "Lenovo ThinkPad T480", Specifications: "i5 8th gen, 8GB, 256GB SSD", CostPrice: decimal.NewFromInt(170000)},
	} {
		unit.BranchName = "Main Branch"
		unit.SupplierName = "Demo Supplier"
		unit.Status = domain.StockAvailable
		unit.CreatedAt = now
		stock[unit.SerialNumber] = unit
	}

	return &Store{
		branches:         branches,
		stock:            stock,
		counterparties:   make(map[string]domain.Counterparty),
		customersByPhone: make(map[string]string),
		resellersByKey:   make(map[string]string),
		sales:            make(map[string]*domain.Sale),
		salesByIdem:      make(map[string]string),
		payments:         make([]domain.Payment, 0, 64),
		paymentsByIdem:   make(map[string]int),
		creditBook:       make([]domain.CreditBookItem, 0, 64),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByEmail:     seedUsers(),
	}
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.branches[branch.Name]; exists {
		return nil, fmt.Errorf("%w: branch %q already exists", store.ErrConflict, branch.Name)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	s.branches[branch.Name] = branch
	return &branch, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		result = append(result, b)
	}
	slices.SortFunc(result, func(a, b domain.Branch) int { return cmp.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) CreateStockUnit(_ context.Context, unit domain.StockUnit) (*domain.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[unit.BranchName]; !ok {
		return nil, fmt.Errorf("%w: branch %q", store.ErrNotFound, unit.BranchName)
	}
	if _, exists := s.stock[unit.SerialNumber]; exists {
		return nil, fmt.Errorf("%w: serial %s already registered", store.ErrConflict, unit.SerialNumber)
	}
	if unit.Status == "" {
		unit.Status = domain.StockAvailable
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}
	s.stock[unit.SerialNumber] = unit
	return &unit, nil
}

func (s *Store) ListStockUnits(_ context.Context, branchName string, status string) ([]domain.StockUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockUnit, 0, len(s.stock))
	for _, unit := range s.stock {
		if branchName != "" && unit.BranchName != branchName {
			continue
		}
		if status != "" && unit.Status != status {
			continue
		}
		result = append(result, unit)
	}
	slices.SortFunc(result, func(a, b domain.StockUnit) int { return cmp.Compare(a.SerialNumber, b.SerialNumber) })
	return result, nil
}

func (s *Store) GetStockUnit(_ context.Context, serialNumber string) (*domain.StockUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, ok := s.stock[serialNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &unit, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale needs at least one item", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return nil, fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
	}
	if _, ok := s.branches[sale.BranchName]; !ok {
		return nil, fmt.Errorf("%w: branch %q", store.ErrNotFound, sale.BranchName)
	}

	items := slices.Clone(sale.Items)
	for i, item := range items {
		unit, ok := s.stock[item.SerialNumber]
		if !ok {
			return nil, fmt.Errorf("%w: unknown serial number %s", store.ErrValidation, item.SerialNumber)
		}
		if unit.Status != domain.StockAvailable {
			return nil, fmt.Errorf("%w: serial %s is already sold", store.ErrConflict, item.SerialNumber)
		}
		if unit.BranchName != sale.BranchName {
			return nil, fmt.Errorf("%w: serial %s is stocked at %s", store.ErrConflict, item.SerialNumber, unit.BranchName)
		}
		items[i].ProductName = unit.ProductName
		items[i].Specifications = unit.Specifications
		items[i].CostPrice = unit.CostPrice
	}
	sale.Items = items
	sale.Recompute()

	var customer domain.Counterparty
	if sale.IsCredit() {
		if id, ok := s.customersByPhone[sale.CustomerPhone]; ok {
			customer = s.counterparties[id]
		} else {
			customer = domain.Counterparty{
				ID:          xid.New("cust"),
				Type:        domain.CounterpartyCreditCustomer,
				Name:        sale.CustomerName,
				ContactInfo: sale.CustomerPhone,
				CreatedAt:   sale.CreatedAt,
			}
		}
		customer.OpenBalance = customer.OpenBalance.Add(sale.TotalAmount)
		customer.TotalPurchases = customer.TotalPurchases.Add(sale.TotalAmount)
		customer.UpdatedAt = sale.CreatedAt
		sale.CounterpartyID = customer.ID
	}

	for _, item := range sale.Items {
		unit := s.stock[item.SerialNumber]
		unit.Status = domain.StockSold
		s.stock[item.SerialNumber] = unit
	}
	if sale.IsCredit() {
		s.counterparties[customer.ID] = customer
		s.customersByPhone[customer.ContactInfo] = customer.ID
	}
	s.saleSeq++
	sale.ID = strconv.FormatInt(s.saleSeq, 10)
	stored := cloneSale(&sale)
	s.sales[sale.ID] = stored
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	return cloneSale(stored), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.sales[id]), nil
}

func (s *Store) ReturnSaleItem(_ context.Context, saleID string, serialNumber string, paymentType string, customerPhone string, at time.Time) (*domain.SaleReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sales[saleID]
	if !ok || stored.PaymentType != paymentType {
		return nil, fmt.Errorf("%w: no %s sale %s", store.ErrNotFound, paymentType, saleID)
	}
	var customer domain.Counterparty
	if stored.IsCredit() {
		customer, ok = s.counterparties[stored.CounterpartyID]
		if !ok || customer.ContactInfo != customerPhone {
			return nil, fmt.Errorf("%w: sale %s does not belong to customer %s", store.ErrNotFound, saleID, customerPhone)
		}
	}
	idx := stored.ItemIndex(serialNumber)
	if idx < 0 {
		return nil, fmt.Errorf("%w: serial %s is not a sold item of sale %s", store.ErrNotFound, serialNumber, saleID)
	}

	sale := cloneSale(stored)
	unsettledBefore := reconcile.Unsettled(*sale, s.paidOnSale(sale.ID))

	returnedAt := at
	sale.Items[idx].Returned = true
	sale.Items[idx].ReturnedAt = &returnedAt
	sale.Recompute()
	item := sale.Items[idx]

	result := &domain.SaleReturn{Item: item, RefundDue: item.LineTotal}
	if sale.IsCredit() {
		reduced := decimal.Min(item.LineTotal, unsettledBefore)
		result.AmountReduced = reduced
		result.RefundDue = item.LineTotal.Sub(reduced)
		customer.OpenBalance = customer.OpenBalance.Sub(reduced)
		customer.UpdatedAt = at
		s.counterparties[customer.ID] = customer
	}
	if unit, ok := s.stock[serialNumber]; ok {
		unit.Status = domain.StockAvailable
		s.stock[serialNumber] = unit
	}
	s.sales[sale.ID] = sale
	result.Sale = *cloneSale(sale)
	return result, nil
}

func (s *Store) ApplyCreditPayment(_ context.Context, customerPhone string, payment domain.Payment) (*domain.PaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPaymentIdempotency(payment.IdempotencyKey); err != nil {
		return nil, err
	}
	customerID, ok := s.customersByPhone[customerPhone]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, customerPhone)
	}
	customer := s.counterparties[customerID]
	sale, ok := s.sales[payment.SaleID]
	if !ok || !sale.IsCredit() || sale.CounterpartyID != customer.ID {
		return nil, fmt.Errorf("%w: customer %s has no credit sale %s", store.ErrNotFound, customerPhone, payment.SaleID)
	}

	unsettled := reconcile.Unsettled(*sale, s.paidOnSale(sale.ID))
	if !unsettled.IsPositive() {
		return nil, fmt.Errorf("%w: sale %s is already settled", store.ErrConflict, sale.ID)
	}
	if payment.Amount.GreaterThan(unsettled) {
		return nil, fmt.Errorf("%w: payment %s exceeds unsettled balance %s", store.ErrConflict, payment.Amount.StringFixed(2), unsettled.StringFixed(2))
	}

	payment.CounterpartyID = customer.ID
	customer.OpenBalance = customer.OpenBalance.Sub(payment.Amount)
	customer.UpdatedAt = payment.CreatedAt
	s.counterparties[customer.ID] = customer
	s.appendPayment(payment)

	return &domain.PaymentOutcome{
		Payment:          payment,
		Counterparty:     customer,
		UnsettledBalance: unsettled.Sub(payment.Amount),
	}, nil
}

func (s *Store) ApplyResellerPayment(_ context.Context, payment domain.Payment) (*domain.PaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPaymentIdempotency(payment.IdempotencyKey); err != nil {
		return nil, err
	}
	reseller, ok := s.counterparties[payment.CounterpartyID]
	if !ok || reseller.Type != domain.CounterpartyBulkReseller {
		return nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, payment.CounterpartyID)
	}
	if payment.Amount.GreaterThan(reseller.OpenBalance) {
		return nil, fmt.Errorf("%w: payment %s exceeds open balance %s", store.ErrConflict, payment.Amount.StringFixed(2), reseller.OpenBalance.StringFixed(2))
	}

	reseller.OpenBalance = reseller.OpenBalance.Sub(payment.Amount)
	reseller.UpdatedAt = payment.CreatedAt
	s.counterparties[reseller.ID] = reseller
	s.appendPayment(payment)

	return &domain.PaymentOutcome{
		Payment:          payment,
		Counterparty:     reseller,
		UnsettledBalance: reseller.OpenBalance,
	}, nil
}

func (s *Store) FindPaymentByIdempotency(_ context.Context, key string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.paymentsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	payment := s.payments[idx]
	return &payment, nil
}

func (s *Store) GetCounterparty(_ context.Context, id string) (*domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.counterparties[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cp, nil
}

func (s *Store) GetCustomerByPhone(_ context.Context, phone string) (*domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customersByPhone[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := s.counterparties[id]
	return &cp, nil
}

func (s *Store) ListCounterparties(_ context.Context, counterpartyType string) ([]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Counterparty, 0, len(s.counterparties))
	for _, cp := range s.counterparties {
		if counterpartyType != "" && cp.Type != counterpartyType {
			continue
		}
		result = append(result, cp)
	}
	slices.SortFunc(result, func(a, b domain.Counterparty) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateReseller(_ context.Context, reseller domain.Counterparty) (*domain.Counterparty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resellersByKey[reseller.ContactInfo]; exists {
		return nil, fmt.Errorf("%w: reseller with contact %q already exists", store.ErrConflict, reseller.ContactInfo)
	}
	if reseller.ID == "" {
		reseller.ID = xid.New("resl")
	}
	if reseller.CreatedAt.IsZero() {
		reseller.CreatedAt = time.Now().UTC()
	}
	reseller.Type = domain.CounterpartyBulkReseller
	reseller.UpdatedAt = reseller.CreatedAt
	s.counterparties[reseller.ID] = reseller
	s.resellersByKey[reseller.ContactInfo] = reseller.ID
	return &reseller, nil
}

func (s *Store) DeleteReseller(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reseller, ok := s.counterparties[id]
	if !ok || reseller.Type != domain.CounterpartyBulkReseller {
		return fmt.Errorf("%w: reseller %s", store.ErrNotFound, id)
	}
	if !reseller.OpenBalance.IsZero() {
		return fmt.Errorf("%w: reseller %s still has an open balance of %s", store.ErrConflict, id, reseller.OpenBalance.StringFixed(2))
	}
	for _, item := range s.creditBook {
		if item.ResellerID == id && item.Status == domain.CreditBookOpen {
			return fmt.Errorf("%w: reseller %s still holds laptop %s", store.ErrConflict, id, item.SerialNumber)
		}
	}

	s.creditBook = slices.DeleteFunc(s.creditBook, func(item domain.CreditBookItem) bool { return item.ResellerID == id })
	s.payments = slices.DeleteFunc(s.payments, func(p domain.Payment) bool { return p.CounterpartyID == id })
	s.reindexPayments()
	delete(s.resellersByKey, reseller.ContactInfo)
	delete(s.counterparties, id)
	return nil
}

func (s *Store) AddCreditBookItems(_ context.Context, resellerID string, branchName string, items []domain.CreditBookItem) ([]domain.CreditBookItem, *domain.Counterparty, error) {
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: no laptops to add", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reseller, ok := s.counterparties[resellerID]
	if !ok || reseller.Type != domain.CounterpartyBulkReseller {
		return nil, nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, resellerID)
	}
	if _, ok := s.branches[branchName]; !ok {
		return nil, nil, fmt.Errorf("%w: branch %q", store.ErrNotFound, branchName)
	}

	added := slices.Clone(items)
	total := decimal.Zero
	for i, item := range added {
		unit, ok := s.stock[item.SerialNumber]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown serial number %s", store.ErrValidation, item.SerialNumber)
		}
		if unit.Status != domain.StockAvailable {
			return nil, nil, fmt.Errorf("%w: serial %s is not available", store.ErrConflict, item.SerialNumber)
		}
		if unit.BranchName != branchName {
			return nil, nil, fmt.Errorf("%w: serial %s is stocked at %s", store.ErrConflict, item.SerialNumber, unit.BranchName)
		}
		added[i].ResellerID = resellerID
		added[i].BranchName = branchName
		added[i].ProductName = unit.ProductName
		added[i].Specifications = unit.Specifications
		added[i].Status = domain.CreditBookOpen
		total = total.Add(item.GivenPrice)
	}

	for _, item := range added {
		unit := s.stock[item.SerialNumber]
		unit.Status = domain.StockConsigned
		s.stock[item.SerialNumber] = unit
		s.creditBook = append(s.creditBook, item)
	}
	reseller.OpenBalance = reseller.OpenBalance.Add(total)
	reseller.TotalPurchases = reseller.TotalPurchases.Add(total)
	reseller.UpdatedAt = time.Now().UTC()
	s.counterparties[resellerID] = reseller
	return added, &reseller, nil
}

func (s *Store) ReturnCreditBookItem(_ context.Context, resellerID string, serialNumber string, at time.Time) (*domain.CreditBookItem, *domain.Counterparty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reseller, ok := s.counterparties[resellerID]
	if !ok || reseller.Type != domain.CounterpartyBulkReseller {
		return nil, nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, resellerID)
	}
	idx := slices.IndexFunc(s.creditBook, func(item domain.CreditBookItem) bool {
		return item.ResellerID == resellerID && item.SerialNumber == serialNumber && item.Status == domain.CreditBookOpen
	})
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: serial %s is not in the credit book of reseller %s", store.ErrNotFound, serialNumber, resellerID)
	}

	returnedAt := at
	item := s.creditBook[idx]
	item.Status = domain.CreditBookReturned
	item.ReturnedAt = &returnedAt
	s.creditBook[idx] = item

	reseller.OpenBalance = reseller.OpenBalance.Sub(item.GivenPrice)
	reseller.UpdatedAt = at
	s.counterparties[resellerID] = reseller
	if unit, ok := s.stock[serialNumber]; ok {
		unit.Status = domain.StockAvailable
		s.stock[serialNumber] = unit
	}
	return &item, &reseller, nil
}

func (s *Store) CustomerLedger(_ context.Context, phone string) (*domain.CustomerLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customerLedgerLocked(phone)
}

func (s *Store) ResellerLedger(_ context.Context, id string) (*domain.ResellerLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resellerLedgerLocked(id)
}

func (s *Store) RecalculateCustomerBalance(_ context.Context, phone string) (*domain.CustomerReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.customerLedgerLocked(phone)
	if err != nil {
		return nil, err
	}
	result := reconcile.Customer(*ledger)
	customer := ledger.Customer
	customer.OpenBalance = result.CorrectBalance
	customer.UpdatedAt = time.Now().UTC()
	s.counterparties[customer.ID] = customer
	return &result, nil
}

func (s *Store) RecalculateResellerBalance(_ context.Context, id string) (*domain.ResellerReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.resellerLedgerLocked(id)
	if err != nil {
		return nil, err
	}
	result := reconcile.Reseller(*ledger)
	reseller := ledger.Reseller
	reseller.OpenBalance = result.CorrectBalance
	reseller.UpdatedAt = time.Now().UTC()
	s.counterparties[reseller.ID] = reseller
	return &result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleSales
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByEmail[user.Email]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Email)
	}
	s.usersByEmail[user.Email] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByEmail))
	for _, user := range s.usersByEmail {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return cmp.Compare(a.Email, b.Email) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByEmail[email]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByEmail[email] = user
	return nil
}

func (s *Store) customerLedgerLocked(phone string) (*domain.CustomerLedger, error) {
	id, ok := s.customersByPhone[phone]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, phone)
	}
	ledger := &domain.CustomerLedger{Customer: s.counterparties[id]}
	for _, sale := range s.sales {
		if sale.CounterpartyID == id {
			ledger.Sales = append(ledger.Sales, *cloneSale(sale))
		}
	}
	slices.SortFunc(ledger.Sales, func(a, b domain.Sale) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Or(cmp.Compare(len(a.ID), len(b.ID)), cmp.Compare(a.ID, b.ID))
	})
	for _, p := range s.payments {
		if p.CounterpartyID == id {
			ledger.Payments = append(ledger.Payments, p)
		}
	}
	return ledger, nil
}

func (s *Store) resellerLedgerLocked(id string) (*domain.ResellerLedger, error) {
	reseller, ok := s.counterparties[id]
	if !ok || reseller.Type != domain.CounterpartyBulkReseller {
		return nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, id)
	}
	ledger := &domain.ResellerLedger{Reseller: reseller}
	for _, item := range s.creditBook {
		if item.ResellerID == id {
			ledger.Items = append(ledger.Items, cloneCreditBookItem(item))
		}
	}
	for _, p := range s.payments {
		if p.CounterpartyID == id {
			ledger.Payments = append(ledger.Payments, p)
		}
	}
	return ledger, nil
}

func (s *Store) paidOnSale(saleID string) decimal.Decimal {
	paid := decimal.Zero
	for _, p := range s.payments {
		if p.SaleID == saleID {
			paid = paid.Add(p.Amount)
		}
	}
	return paid
}

func (s *Store) checkPaymentIdempotency(key string) error {
	if key == "" {
		return nil
	}
	if _, exists := s.paymentsByIdem[key]; exists {
		return fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
	}
	return nil
}

func (s *Store) appendPayment(payment domain.Payment) {
	s.payments = append(s.payments, payment)
	if payment.IdempotencyKey != "" {
		s.paymentsByIdem[payment.IdempotencyKey] = len(s.payments) - 1
	}
}

func (s *Store) reindexPayments() {
	clear(s.paymentsByIdem)
	for i, p := range s.payments {
		if p.IdempotencyKey != "" {
			s.paymentsByIdem[p.IdempotencyKey] = i
		}
	}
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = make([]domain.SaleItem, len(src.Items))
	for i, item := range src.Items {
		if item.ReturnedAt != nil {
			at := *item.ReturnedAt
			item.ReturnedAt = &at
		}
		dst.Items[i] = item
	}
	return &dst
}

func cloneCreditBookItem(src domain.CreditBookItem) domain.CreditBookItem {
	if src.ReturnedAt != nil {
		at := *src.ReturnedAt
		src.ReturnedAt = &at
	}
	return src
}
