package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/reconcile"
	"jimas/backend/internal/store"
	"jimas/backend/internal/xid"
)

func (s *Store) ApplyCreditPayment(ctx context.Context, customerPhone string, payment domain.Payment) (*domain.PaymentOutcome, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	customer, err := getCounterparty(ctx, tx, "contact_info", customerPhone, domain.CounterpartyCreditCustomer, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, customerPhone)
		}
		return nil, err
	}
	sale, err := loadSale(ctx, tx, "id", payment.SaleID, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sale == nil || !sale.IsCredit() || sale.CounterpartyID != customer.ID {
		return nil, fmt.Errorf("%w: customer %s has no credit sale %s", store.ErrNotFound, customerPhone, payment.SaleID)
	}

	paid, err := paidOnSale(ctx, tx, sale.ID)
	if err != nil {
		return nil, err
	}
	unsettled := reconcile.Unsettled(*sale, paid)
	if !unsettled.IsPositive() {
		return nil, fmt.Errorf("%w: sale %s is already settled", store.ErrConflict, sale.ID)
	}
	if payment.Amount.GreaterThan(unsettled) {
		return nil, fmt.Errorf("%w: payment %s exceeds unsettled balance %s", store.ErrConflict, payment.Amount.StringFixed(2), unsettled.StringFixed(2))
	}

	payment.CounterpartyID = customer.ID
	if err := insertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, customer.ID, payment.Amount.Neg(), decimal.Zero, payment.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	customer.OpenBalance = customer.OpenBalance.Sub(payment.Amount)
	customer.UpdatedAt = payment.CreatedAt
	return &domain.PaymentOutcome{
		Payment:          payment,
		Counterparty:     *customer,
		UnsettledBalance: unsettled.Sub(payment.Amount),
	}, nil
}

func (s *Store) ApplyResellerPayment(ctx context.Context, payment domain.Payment) (*domain.PaymentOutcome, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	reseller, err := getCounterparty(ctx, tx, "id", payment.CounterpartyID, domain.CounterpartyBulkReseller, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, payment.CounterpartyID)
		}
		return nil, err
	}
	if payment.Amount.GreaterThan(reseller.OpenBalance) {
		return nil, fmt.Errorf("%w: payment %s exceeds open balance %s", store.ErrConflict, payment.Amount.StringFixed(2), reseller.OpenBalance.StringFixed(2))
	}

	if err := insertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, reseller.ID, payment.Amount.Neg(), decimal.Zero, payment.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	reseller.OpenBalance = reseller.OpenBalance.Sub(payment.Amount)
	reseller.UpdatedAt = payment.CreatedAt
	return &domain.PaymentOutcome{
		Payment:          payment,
		Counterparty:     *reseller,
		UnsettledBalance: reseller.OpenBalance,
	}, nil
}

func (s *Store) FindPaymentByIdempotency(ctx context.Context, key string) (*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, counterparty_id, sale_id, amount, receipt_ref, recorded_by, idempotency_key, created_at
		FROM payments
		WHERE idempotency_key = $1
	`, key)
	if err != nil {
		return nil, err
	}
	payments, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, store.ErrNotFound
	}
	return &payments[0], nil
}

func insertPayment(ctx context.Context, q queryer, payment domain.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (id, counterparty_id, sale_id, amount, receipt_ref, recorded_by, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, payment.ID, payment.CounterpartyID, nullString(payment.SaleID), payment.Amount, payment.ReceiptRef, payment.RecordedBy,
		nullString(payment.IdempotencyKey), payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
		return mapTxError(err)
	}
	return nil
}

// scanPayments drains and closes rows.
func scanPayments(rows *sql.Rows) ([]domain.Payment, error) {
	defer rows.Close()

	payments := make([]domain.Payment, 0, 16)
	for rows.Next() {
		var p domain.Payment
		var saleID sql.NullString
		var idempotencyKey sql.NullString
		if err := rows.Scan(&p.ID, &p.CounterpartyID, &saleID, &p.Amount, &p.ReceiptRef, &p.RecordedBy, &idempotencyKey, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.SaleID = saleID.String
		p.IdempotencyKey = idempotencyKey.String
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func paymentsFor(ctx context.Context, q queryer, counterpartyID string) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, counterparty_id, sale_id, amount, receipt_ref, recorded_by, idempotency_key, created_at
		FROM payments
		WHERE counterparty_id = $1
		ORDER BY created_at ASC, id ASC
	`, counterpartyID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func (s *Store) GetCounterparty(ctx context.Context, id string) (*domain.Counterparty, error) {
	return getCounterparty(ctx, s.db, "id", id, "", false)
}

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (*domain.Counterparty, error) {
	return getCounterparty(ctx, s.db, "contact_info", phone, domain.CounterpartyCreditCustomer, false)
}

func (s *Store) ListCounterparties(ctx context.Context, counterpartyType string) ([]domain.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, contact_info, total_purchases, open_balance, created_at, updated_at
		FROM counterparties
		WHERE ($1 = '' OR type = $1)
		ORDER BY lower(name) ASC, id ASC
	`, counterpartyType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Counterparty, 0, 32)
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateReseller(ctx context.Context, reseller domain.Counterparty) (*domain.Counterparty, error) {
	if reseller.ID == "" {
		reseller.ID = xid.New("resl")
	}
	if reseller.CreatedAt.IsZero() {
		reseller.CreatedAt = time.Now().UTC()
	}
	reseller.Type = domain.CounterpartyBulkReseller
	reseller.UpdatedAt = reseller.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counterparties (id, type, name, contact_info, total_purchases, open_balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,0,$5,$5)
	`, reseller.ID, reseller.Type, reseller.Name, reseller.ContactInfo, reseller.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: reseller with contact %q already exists", store.ErrConflict, reseller.ContactInfo)
		}
		return nil, err
	}
	return &reseller, nil
}

func (s *Store) DeleteReseller(ctx context.Context, id string) error {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	reseller, err := getCounterparty(ctx, tx, "id", id, domain.CounterpartyBulkReseller, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: reseller %s", store.ErrNotFound, id)
		}
		return err
	}
	if !reseller.OpenBalance.IsZero() {
		return fmt.Errorf("%w: reseller %s still has an open balance of %s", store.ErrConflict, id, reseller.OpenBalance.StringFixed(2))
	}

	var openSerial string
	err = tx.QueryRowContext(ctx, `
		SELECT serial_number
		FROM credit_book_items
		WHERE reseller_id = $1 AND status = $2
		LIMIT 1
	`, id, domain.CreditBookOpen).Scan(&openSerial)
	switch {
	case err == nil:
		return fmt.Errorf("%w: reseller %s still holds laptop %s", store.ErrConflict, id, openSerial)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	// Credit-book rows and payments go with the reseller via ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, `DELETE FROM counterparties WHERE id = $1`, id); err != nil {
		return mapTxError(err)
	}
	return mapTxError(tx.Commit())
}

func (s *Store) AddCreditBookItems(ctx context.Context, resellerID string, branchName string, items []domain.CreditBookItem) ([]domain.CreditBookItem, *domain.Counterparty, error) {
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: no laptops to add", store.ErrValidation)
	}

	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	reseller, err := getCounterparty(ctx, tx, "id", resellerID, domain.CounterpartyBulkReseller, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, resellerID)
		}
		return nil, nil, err
	}
	if err := requireBranch(ctx, tx, branchName); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	added := slices.Clone(items)
	total := decimal.Zero
	for i, item := range added {
		unit, err := getStockUnit(ctx, tx, item.SerialNumber, true)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: unknown serial number %s", store.ErrValidation, item.SerialNumber)
			}
			return nil, nil, err
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
		if added[i].ID == "" {
			added[i].ID = xid.New("cbi")
		}
		if added[i].CreatedAt.IsZero() {
			added[i].CreatedAt = now
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_book_items (
				id, reseller_id, serial_number, product_name, specifications, branch_name, given_price, status, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, added[i].ID, resellerID, item.SerialNumber, unit.ProductName, unit.Specifications, branchName, item.GivenPrice,
			domain.CreditBookOpen, added[i].CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, nil, fmt.Errorf("%w: serial %s is already consigned", store.ErrConflict, item.SerialNumber)
			}
			return nil, nil, mapTxError(err)
		}
		if err := setStockStatus(ctx, tx, item.SerialNumber, domain.StockConsigned); err != nil {
			return nil, nil, mapTxError(err)
		}
		total = total.Add(item.GivenPrice)
	}

	if err := adjustBalance(ctx, tx, resellerID, total, total, now); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxError(err)
	}

	reseller.OpenBalance = reseller.OpenBalance.Add(total)
	reseller.TotalPurchases = reseller.TotalPurchases.Add(total)
	reseller.UpdatedAt = now
	return added, reseller, nil
}

func (s *Store) ReturnCreditBookItem(ctx context.Context, resellerID string, serialNumber string, at time.Time) (*domain.CreditBookItem, *domain.Counterparty, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	reseller, err := getCounterparty(ctx, tx, "id", resellerID, domain.CounterpartyBulkReseller, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, resellerID)
		}
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, reseller_id, serial_number, product_name, specifications, branch_name, given_price, status, created_at, returned_at
		FROM credit_book_items
		WHERE reseller_id = $1 AND serial_number = $2 AND status = $3
		FOR UPDATE
	`, resellerID, serialNumber, domain.CreditBookOpen)
	if err != nil {
		return nil, nil, err
	}
	found, err := scanCreditBookItems(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(found) == 0 {
		return nil, nil, fmt.Errorf("%w: serial %s is not in the credit book of reseller %s", store.ErrNotFound, serialNumber, resellerID)
	}

	returnedAt := at.UTC()
	item := found[0]
	item.Status = domain.CreditBookReturned
	item.ReturnedAt = &returnedAt

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_book_items
		SET status = $2, returned_at = $3
		WHERE id = $1
	`, item.ID, item.Status, returnedAt); err != nil {
		return nil, nil, mapTxError(err)
	}
	if err := adjustBalance(ctx, tx, resellerID, item.GivenPrice.Neg(), decimal.Zero, returnedAt); err != nil {
		return nil, nil, err
	}
	if err := setStockStatus(ctx, tx, serialNumber, domain.StockAvailable); err != nil {
		return nil, nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxError(err)
	}

	reseller.OpenBalance = reseller.OpenBalance.Sub(item.GivenPrice)
	reseller.UpdatedAt = returnedAt
	return &item, reseller, nil
}

// CustomerLedger reads the customer, their sales and their payments from one
// snapshot, so the stored balance always matches the rows returned with it.
func (s *Store) CustomerLedger(ctx context.Context, phone string) (*domain.CustomerLedger, error) {
	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ledger, err := customerLedger(ctx, tx, phone, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return ledger, nil
}

func (s *Store) ResellerLedger(ctx context.Context, id string) (*domain.ResellerLedger, error) {
	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ledger, err := resellerLedger(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return ledger, nil
}

func (s *Store) RecalculateCustomerBalance(ctx context.Context, phone string) (*domain.CustomerReconciliation, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ledger, err := customerLedger(ctx, tx, phone, true)
	if err != nil {
		return nil, err
	}
	result := reconcile.Customer(*ledger)
	if err := setBalance(ctx, tx, ledger.Customer.ID, result.CorrectBalance); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &result, nil
}

func (s *Store) RecalculateResellerBalance(ctx context.Context, id string) (*domain.ResellerReconciliation, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ledger, err := resellerLedger(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	result := reconcile.Reseller(*ledger)
	if err := setBalance(ctx, tx, ledger.Reseller.ID, result.CorrectBalance); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &result, nil
}

func customerLedger(ctx context.Context, q queryer, phone string, forUpdate bool) (*domain.CustomerLedger, error) {
	customer, err := getCounterparty(ctx, q, "contact_info", phone, domain.CounterpartyCreditCustomer, forUpdate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, phone)
		}
		return nil, err
	}
	ledger := &domain.CustomerLedger{Customer: *customer}

	rows, err := q.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE counterparty_id = $1 ORDER BY created_at ASC, length(id) ASC, id ASC`, customer.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	saleIDs := make([]string, 0, 16)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		ledger.Sales = append(ledger.Sales, *sale)
		saleIDs = append(saleIDs, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	itemsBySale, err := loadSaleItems(ctx, q, saleIDs)
	if err != nil {
		return nil, err
	}
	for i := range ledger.Sales {
		ledger.Sales[i].Items = itemsBySale[ledger.Sales[i].ID]
	}

	ledger.Payments, err = paymentsFor(ctx, q, customer.ID)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func resellerLedger(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.ResellerLedger, error) {
	reseller, err := getCounterparty(ctx, q, "id", id, domain.CounterpartyBulkReseller, forUpdate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: reseller %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	ledger := &domain.ResellerLedger{Reseller: *reseller}

	rows, err := q.QueryContext(ctx, `
		SELECT id, reseller_id, serial_number, product_name, specifications, branch_name, given_price, status, created_at, returned_at
		FROM credit_book_items
		WHERE reseller_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	ledger.Items, err = scanCreditBookItems(rows)
	if err != nil {
		return nil, err
	}

	ledger.Payments, err = paymentsFor(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// scanCreditBookItems drains and closes rows.
func scanCreditBookItems(rows *sql.Rows) ([]domain.CreditBookItem, error) {
	defer rows.Close()

	items := make([]domain.CreditBookItem, 0, 16)
	for rows.Next() {
		var item domain.CreditBookItem
		var returnedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.ResellerID,
			&item.SerialNumber,
			&item.ProductName,
			&item.Specifications,
			&item.BranchName,
			&item.GivenPrice,
			&item.Status,
			&item.CreatedAt,
			&returnedAt,
		); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		item.ReturnedAt = timePtr(returnedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func getCounterparty(ctx context.Context, q queryer, column string, value string, counterpartyType string, forUpdate bool) (*domain.Counterparty, error) {
	if column != "id" && column != "contact_info" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`
		SELECT id, type, name, contact_info, total_purchases, open_balance, created_at, updated_at
		FROM counterparties
		WHERE %s = $1 AND ($2 = '' OR type = $2)
	`, column)
	if forUpdate {
		query += " FOR UPDATE"
	}

	cp, err := scanCounterparty(q.QueryRowContext(ctx, query, value, counterpartyType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return cp, nil
}

func scanCounterparty(row rowScanner) (*domain.Counterparty, error) {
	var cp domain.Counterparty
	if err := row.Scan(&cp.ID, &cp.Type, &cp.Name, &cp.ContactInfo, &cp.TotalPurchases, &cp.OpenBalance, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

func adjustBalance(ctx context.Context, q queryer, id string, balanceDelta decimal.Decimal, purchasesDelta decimal.Decimal, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE counterparties
		SET open_balance = open_balance + $2,
			total_purchases = total_purchases + $3,
			updated_at = $4
		WHERE id = $1
	`, id, balanceDelta, purchasesDelta, at)
	return mapTxError(err)
}

func setBalance(ctx context.Context, q queryer, id string, balance decimal.Decimal) error {
	_, err := q.ExecContext(ctx, `
		UPDATE counterparties
		SET open_balance = $2, updated_at = now()
		WHERE id = $1
	`, id, balance)
	return mapTxError(err)
}
