// Package reconcile recomputes counterparty balances from ledger rows.
//
// The stored open balance is a materialised value; these functions derive
// what it should be from sales, payments and credit-book items.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"jimas/backend/internal/domain"
)

// PaidBySale sums customer payments per sale id.
func PaidBySale(payments []domain.Payment) map[string]decimal.Decimal {
	paid := make(map[string]decimal.Decimal, len(payments))
	for _, p := range payments {
		if p.SaleID == "" {
			continue
		}
		paid[p.SaleID] = paid[p.SaleID].Add(p.Amount)
	}
	return paid
}

// Unsettled is what is still owed on one sale. It never goes below zero: a
// sale paid beyond its (reduced) total owes nothing.
func Unsettled(sale domain.Sale, paid decimal.Decimal) decimal.Decimal {
	remaining := sale.TotalAmount.Sub(paid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// UnsettledSales lists the customer's credit sales that still carry a
// balance, oldest first.
func UnsettledSales(ledger domain.CustomerLedger) []domain.UnsettledSale {
	paid := PaidBySale(ledger.Payments)
	result := make([]domain.UnsettledSale, 0, len(ledger.Sales))
	for _, sale := range ledger.Sales {
		if !sale.IsCredit() {
			continue
		}
		remaining := Unsettled(sale, paid[sale.ID])
		if !remaining.IsPositive() {
			continue
		}
		items := make([]domain.UnsettledSaleItem, 0, len(sale.Items))
		for _, item := range sale.Items {
			if item.Returned {
				continue
			}
			items = append(items, domain.UnsettledSaleItem{
				SerialNumber:   item.SerialNumber,
				ProductName:    item.ProductName,
				Specifications: item.Specifications,
				LineTotal:      item.LineTotal,
			})
		}
		result = append(result, domain.UnsettledSale{
			SaleID:           domain.SaleRef(sale.ID),
			TotalAmount:      sale.TotalAmount,
			AmountPaid:       paid[sale.ID],
			UnsettledBalance: remaining,
			Items:            items,
			SalesNote:        sale.SalesNote,
			CreatedAt:        sale.CreatedAt,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Customer recomputes a credit customer's balance as the sum of unsettled
// balances over all their credit sales.
func Customer(ledger domain.CustomerLedger) domain.CustomerReconciliation {
	paid := PaidBySale(ledger.Payments)
	correct := decimal.Zero
	for _, sale := range ledger.Sales {
		if !sale.IsCredit() {
			continue
		}
		correct = correct.Add(Unsettled(sale, paid[sale.ID]))
	}
	correct = domain.RoundMoney(correct)
	previous := ledger.Customer.OpenBalance
	return domain.CustomerReconciliation{
		PreviousBalance: previous,
		CorrectBalance:  correct,
		Difference:      correct.Sub(previous),
	}
}

// Reseller recomputes a reseller's balance as given prices of open
// credit-book items minus every payment they made.
func Reseller(ledger domain.ResellerLedger) domain.ResellerReconciliation {
	itemsTotal := decimal.Zero
	for _, item := range ledger.Items {
		if item.Status != domain.CreditBookOpen {
			continue
		}
		itemsTotal = itemsTotal.Add(item.GivenPrice)
	}
	paymentsTotal := decimal.Zero
	for _, p := range ledger.Payments {
		paymentsTotal = paymentsTotal.Add(p.Amount)
	}
	correct := domain.RoundMoney(itemsTotal.Sub(paymentsTotal))
	previous := ledger.Reseller.OpenBalance
	return domain.ResellerReconciliation{
		PreviousBalance: previous,
		ItemsTotal:      domain.RoundMoney(itemsTotal),
		PaymentsTotal:   domain.RoundMoney(paymentsTotal),
		CorrectBalance:  correct,
		Difference:      correct.Sub(previous),
	}
}

// CustomerDrift reports a customer whose stored balance disagrees with the
// ledger, or nil when they agree.
func CustomerDrift(ledger domain.CustomerLedger) *domain.DriftReport {
	result := Customer(ledger)
	if result.Difference.IsZero() {
		return nil
	}
	return driftReport(ledger.Customer, result.CorrectBalance, result.Difference)
}

// ResellerDrift is CustomerDrift for bulk resellers.
func ResellerDrift(ledger domain.ResellerLedger) *domain.DriftReport {
	result := Reseller(ledger)
	if result.Difference.IsZero() {
		return nil
	}
	return driftReport(ledger.Reseller, result.CorrectBalance, result.Difference)
}

func driftReport(cp domain.Counterparty, correct decimal.Decimal, difference decimal.Decimal) *domain.DriftReport {
	return &domain.DriftReport{
		CounterpartyID: cp.ID,
		Type:           cp.Type,
		Name:           cp.Name,
		ContactInfo:    cp.ContactInfo,
		StoredBalance:  cp.OpenBalance,
		CorrectBalance: correct,
		Difference:     difference,
	}
}
