package config

import (
	"os"
	"strings"
)

const (
	OverpaymentModeAllow  = "allow"
	OverpaymentModeClamp  = "clamp"
	OverpaymentModeReject = "reject"
)

// SettlementOverpaymentMode controls what happens when a payment pushes
// amount_paid past net_receivable on a settlement.
//
// Set via env:
// - SETTLEMENT_OVERPAYMENT_MODE=allow|clamp|reject (default allow)
//
// allow:  amount_paid may exceed net_receivable; a negative balance_due is
// carrier credit.
// clamp:  only the portion up to balance_due is applied.
// reject: the payment is refused with an error.
func SettlementOverpaymentMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SETTLEMENT_OVERPAYMENT_MODE")))
	switch v {
	case OverpaymentModeClamp, OverpaymentModeReject:
		return v
	default:
		return OverpaymentModeAllow
	}
}

// OutboxDirectProcessing enables the in-process outbox dispatcher for
// environments without Pub/Sub.
//
// Set via env:
// - OUTBOX_DIRECT_PROCESSING=true|false (default: run as a safety net)
func OutboxDirectProcessing() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")))
	if val == "false" {
		return false
	}
	return true
}
