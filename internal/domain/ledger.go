package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to the smallest currency unit (two decimal places).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineAmounts prices one sale line: the base is price plus upgrades, VAT is
// applied per line so a returned line takes exactly its own share with it.
func LineAmounts(price, ramPrice, storagePrice decimal.Decimal, vatEnabled bool, vatPercentage decimal.Decimal) (vat decimal.Decimal, total decimal.Decimal) {
	base := price.Add(ramPrice).Add(storagePrice)
	if !vatEnabled {
		return decimal.Zero, RoundMoney(base)
	}
	vat = RoundMoney(base.Mul(vatPercentage).Div(hundred))
	return vat, RoundMoney(base).Add(vat)
}

// Recompute refreshes TotalAmount and Profit from the items still sold.
func (s *Sale) Recompute() {
	total := decimal.Zero
	cost := decimal.Zero
	for _, item := range s.Items {
		if item.Returned {
			continue
		}
		total = total.Add(item.LineTotal)
		cost = cost.Add(item.CostPrice)
	}
	s.TotalAmount = RoundMoney(total)
	s.Profit = RoundMoney(total.Sub(cost))
}

func (s *Sale) IsCredit() bool {
	return s.PaymentType == PaymentTypeCredit
}

// ItemIndex returns the position of a still-sold item with the serial, or -1.
func (s *Sale) ItemIndex(serialNumber string) int {
	for i, item := range s.Items {
		if item.SerialNumber == serialNumber && !item.Returned {
			return i
		}
	}
	return -1
}

// PaymentOutcome is the state left behind by one applied payment.
type PaymentOutcome struct {
	Payment          Payment
	Counterparty     Counterparty
	UnsettledBalance decimal.Decimal
	Duplicate        bool
}
