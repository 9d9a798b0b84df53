package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultUnknownMethodIsCOD is the classification applied to an empty or
// unrecognized payment method. Ambiguous orders are treated as cash on
// delivery so the courier is told to collect; changing this silently changes
// who owes money on every ambiguous order, so it is a named policy constant
// rather than a fallback buried in the classifier.
const DefaultUnknownMethodIsCOD = true

// codMethods are the payment-method strings the storefronts send for cash on
// delivery, compared case-insensitively after trimming.
var codMethods = map[string]bool{
	"cod":                 true,
	"efectivo":            true,
	"cash":                true,
	"cash on delivery":    true,
	"contra entrega":      true,
	"contraentrega":       true,
	"pago contra entrega": true,
	"pago en efectivo":    true,
}

// prepaidMethods are the known already-paid methods. Anything outside both
// sets falls to DefaultUnknownMethodIsCOD.
var prepaidMethods = map[string]bool{
	"tarjeta":            true,
	"tarjeta de credito": true,
	"tarjeta de crédito": true,
	"transferencia":      true,
	"prepago":            true,
	"prepaid":            true,
	"credit card":        true,
	"card":               true,
	"bank transfer":      true,
	"giros tigo":         true,
	"billetera":          true,
	"online payment":     true,
}

// IsCashOnDelivery classifies a raw payment-method string. Pure function, no
// failure modes: empty input classifies per DefaultUnknownMethodIsCOD.
func IsCashOnDelivery(paymentMethod string) bool {
	m := strings.ToLower(strings.TrimSpace(paymentMethod))
	if m == "" {
		return DefaultUnknownMethodIsCOD
	}
	if codMethods[m] {
		return true
	}
	if prepaidMethods[m] {
		return false
	}
	return DefaultUnknownMethodIsCOD
}

// AmountToCollect is what the courier must collect at the door: the full
// order total for COD, zero for prepaid.
func AmountToCollect(paymentMethod string, totalPrice decimal.Decimal) decimal.Decimal {
	if IsCashOnDelivery(paymentMethod) {
		return totalPrice
	}
	return decimal.Zero
}

// NormalizePaymentMethod renders the courier-facing label used on dispatch
// sheets: the courier only cares whether to collect or not.
func NormalizePaymentMethod(paymentMethod string) string {
	if IsCashOnDelivery(paymentMethod) {
		return "CONTRA ENTREGA"
	}
	return "PAGADO"
}
