package workflow

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CustomerPrice returns the end-customer price for a dealer price under the
// given markup percent: ceil(dealer * (1 + markup/100)) to whole currency
// units. Ceiling, never bankers rounding, so the panel never undercharges by
// a fraction.
func CustomerPrice(dealerPrice, markupPercent decimal.Decimal) decimal.Decimal {
	if dealerPrice.IsNegative() {
		return decimal.Zero
	}
	if markupPercent.IsNegative() {
		markupPercent = decimal.Zero
	}
	return dealerPrice.Mul(hundred.Add(markupPercent)).DivRound(hundred, 4).Ceil()
}

// PriceForOwner applies markup only for customers. Resellers pay the dealer
// price as-is.
func PriceForOwner(dealerPrice, markupPercent decimal.Decimal, isCustomer bool) decimal.Decimal {
	if !isCustomer {
		return dealerPrice
	}
	return CustomerPrice(dealerPrice, markupPercent)
}

// MinorUnits converts a decimal amount to the smallest currency unit for the
// payment gateway, e.g. exponent 2 turns 10.5 into 1050. Rounding is
// half-away-from-zero after the shift, so 10.005 at exponent 2 becomes 1001.
func MinorUnits(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}
