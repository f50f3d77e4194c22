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

const saleColumns = `
	id, branch_name, payment_type, counterparty_id, customer_name, customer_phone, sold_by,
	vat_enabled, vat_percentage, sales_note, total_amount, profit, receipt_ref, idempotency_key, created_at
`

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale needs at least one item", store.ErrValidation)
	}

	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireBranch(ctx, tx, sale.BranchName); err != nil {
		return nil, err
	}

	items := slices.Clone(sale.Items)
	for i, item := range items {
		unit, err := getStockUnit(ctx, tx, item.SerialNumber, true)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown serial number %s", store.ErrValidation, item.SerialNumber)
			}
			return nil, err
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

	if sale.IsCredit() {
		// Upsert keeps the first recorded name and grows the balance in place.
		err := tx.QueryRowContext(ctx, `
			INSERT INTO counterparties (
				id, type, name, contact_info, total_purchases, open_balance, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$5,$6,$6)
			ON CONFLICT (type, contact_info)
			DO UPDATE SET
				open_balance = counterparties.open_balance + EXCLUDED.open_balance,
				total_purchases = counterparties.total_purchases + EXCLUDED.total_purchases,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		`, xid.New("cust"), domain.CounterpartyCreditCustomer, sale.CustomerName, sale.CustomerPhone, sale.TotalAmount, sale.CreatedAt).Scan(&sale.CounterpartyID)
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (nextval('sale_number_seq')::text,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`, sale.BranchName, sale.PaymentType, nullString(sale.CounterpartyID), sale.CustomerName, sale.CustomerPhone, sale.SoldBy,
		sale.VATEnabled, sale.VATPercentage, sale.SalesNote, sale.TotalAmount, sale.Profit, sale.ReceiptRef,
		nullString(sale.IdempotencyKey), sale.CreatedAt).Scan(&sale.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
		return nil, mapTxError(err)
	}

	for i, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, serial_number, product_name, specifications, price, ram_price, storage_price,
				vat_amount, line_total, cost_price, returned, returned_at, position
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false,null,$11)
		`, sale.ID, item.SerialNumber, item.ProductName, item.Specifications, item.Price, item.RAMPrice, item.StoragePrice,
			item.VATAmount, item.LineTotal, item.CostPrice, i)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: serial %s listed twice", store.ErrValidation, item.SerialNumber)
			}
			return nil, mapTxError(err)
		}
		if err := setStockStatus(ctx, tx, item.SerialNumber, domain.StockSold); err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "id", id, false)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) ReturnSaleItem(ctx context.Context, saleID string, serialNumber string, paymentType string, customerPhone string, at time.Time) (*domain.SaleReturn, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := loadSale(ctx, tx, "id", saleID, true)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sale == nil || sale.PaymentType != paymentType {
		return nil, fmt.Errorf("%w: no %s sale %s", store.ErrNotFound, paymentType, saleID)
	}

	var customer *domain.Counterparty
	if sale.IsCredit() {
		customer, err = getCounterparty(ctx, tx, "id", sale.CounterpartyID, domain.CounterpartyCreditCustomer, true)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if customer == nil || customer.ContactInfo != customerPhone {
			return nil, fmt.Errorf("%w: sale %s does not belong to customer %s", store.ErrNotFound, saleID, customerPhone)
		}
	}

	idx := sale.ItemIndex(serialNumber)
	if idx < 0 {
		return nil, fmt.Errorf("%w: serial %s is not a sold item of sale %s", store.ErrNotFound, serialNumber, saleID)
	}

	paid, err := paidOnSale(ctx, tx, sale.ID)
	if err != nil {
		return nil, err
	}
	unsettledBefore := reconcile.Unsettled(*sale, paid)

	returnedAt := at.UTC()
	sale.Items[idx].Returned = true
	sale.Items[idx].ReturnedAt = &returnedAt
	sale.Recompute()
	item := sale.Items[idx]

	result := &domain.SaleReturn{Item: item, RefundDue: item.LineTotal}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sale_items
		SET returned = true, returned_at = $3
		WHERE sale_id = $1 AND serial_number = $2
	`, sale.ID, serialNumber, returnedAt); err != nil {
		return nil, mapTxError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET total_amount = $2, profit = $3
		WHERE id = $1
	`, sale.ID, sale.TotalAmount, sale.Profit); err != nil {
		return nil, mapTxError(err)
	}

	if customer != nil {
		reduced := decimal.Min(item.LineTotal, unsettledBefore)
		result.AmountReduced = reduced
		result.RefundDue = item.LineTotal.Sub(reduced)
		if err := adjustBalance(ctx, tx, customer.ID, reduced.Neg(), decimal.Zero, returnedAt); err != nil {
			return nil, err
		}
	}
	if err := setStockStatus(ctx, tx, serialNumber, domain.StockAvailable); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	result.Sale = *sale
	return result, nil
}

func loadSale(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`SELECT %s FROM sales WHERE %s = $1`, saleColumns, column)
	if forUpdate {
		query += " FOR UPDATE"
	}

	sale, err := scanSale(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	byID, err := loadSaleItems(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = byID[sale.ID]
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var counterpartyID sql.NullString
	var idempotencyKey sql.NullString
	err := row.Scan(
		&sale.ID,
		&sale.BranchName,
		&sale.PaymentType,
		&counterpartyID,
		&sale.CustomerName,
		&sale.CustomerPhone,
		&sale.SoldBy,
		&sale.VATEnabled,
		&sale.VATPercentage,
		&sale.SalesNote,
		&sale.TotalAmount,
		&sale.Profit,
		&sale.ReceiptRef,
		&idempotencyKey,
		&sale.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sale.CounterpartyID = counterpartyID.String
	sale.IdempotencyKey = idempotencyKey.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, serial_number, product_name, specifications, price, ram_price, storage_price,
			vat_amount, line_total, cost_price, returned, returned_at
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		var returnedAt sql.NullTime
		if err := rows.Scan(
			&saleID,
			&item.SerialNumber,
			&item.ProductName,
			&item.Specifications,
			&item.Price,
			&item.RAMPrice,
			&item.StoragePrice,
			&item.VATAmount,
			&item.LineTotal,
			&item.CostPrice,
			&item.Returned,
			&returnedAt,
		); err != nil {
			return nil, err
		}
		item.ReturnedAt = timePtr(returnedAt)
		result[saleID] = append(result[saleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func paidOnSale(ctx context.Context, q queryer, saleID string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payments
		WHERE sale_id = $1
	`, saleID).Scan(&paid)
	return paid, err
}
