package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComputeSettlementTotals(t *testing.T) {
	collected := dec("148000")
	rows := []DispatchSessionOrder{
		// delivered COD, courier reported a slightly short amount
		{Outcome: DeliveryOutcomeDelivered, IsCod: true, AmountToCollect: dec("150000"), AmountCollected: &collected, DeliveryFee: dec("15000")},
		// delivered COD with no reported amount: expected amount stands in
		{Outcome: DeliveryOutcomeDelivered, IsCod: true, AmountToCollect: dec("80000"), DeliveryFee: dec("20000")},
		// delivered prepaid: fee earned, nothing collected
		{Outcome: DeliveryOutcomeDelivered, IsCod: false, AmountToCollect: decimal.Zero, DeliveryFee: dec("15000")},
		// failed attempt: half fee
		{Outcome: DeliveryOutcomeNotDelivered, IsCod: true, AmountToCollect: dec("50000"), DeliveryFee: dec("20000")},
		// rejected counts as a failed attempt too
		{Outcome: DeliveryOutcomeRejected, IsCod: true, AmountToCollect: dec("30000"), DeliveryFee: dec("15000")},
		// pending contributes nothing
		{Outcome: DeliveryOutcomePending, IsCod: true, AmountToCollect: dec("999999"), DeliveryFee: dec("15000")},
	}

	totals := computeSettlementTotals(rows)
	if totals.OrderCount != 6 || totals.DeliveredCount != 3 || totals.FailedCount != 2 || totals.PendingCount != 1 {
		t.Fatalf("unexpected counts: %+v", totals)
	}
	if !totals.TotalCodCollected.Equal(dec("228000")) {
		t.Errorf("TotalCodCollected = %s, expected 228000", totals.TotalCodCollected)
	}
	if !totals.TotalCarrierFees.Equal(dec("50000")) {
		t.Errorf("TotalCarrierFees = %s, expected 50000", totals.TotalCarrierFees)
	}
	if !totals.FailedAttemptFees.Equal(dec("17500")) {
		t.Errorf("FailedAttemptFees = %s, expected 17500", totals.FailedAttemptFees)
	}
	if !totals.NetReceivable().Equal(dec("160500")) {
		t.Errorf("NetReceivable = %s, expected 160500", totals.NetReceivable())
	}
}

func TestNetReceivable_AllPrepaidGoesNegative(t *testing.T) {
	rows := []DispatchSessionOrder{
		{Outcome: DeliveryOutcomeDelivered, IsCod: false, DeliveryFee: dec("15000")},
		{Outcome: DeliveryOutcomeDelivered, IsCod: false, DeliveryFee: dec("20000")},
	}
	net := computeSettlementTotals(rows).NetReceivable()
	if !net.Equal(dec("-35000")) {
		t.Fatalf("NetReceivable = %s, expected -35000 (store owes the carrier)", net)
	}
}

func TestApplySettlementPayment_Transitions(t *testing.T) {
	net := dec("100000")

	applied, err := applySettlementPayment(net, decimal.Zero, dec("40000"), config.OverpaymentModeAllow)
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if applied.Status != SettlementStatusPartial || !applied.BalanceDue.Equal(dec("60000")) {
		t.Fatalf("partial payment: %+v", applied)
	}

	applied, err = applySettlementPayment(net, applied.AmountPaid, dec("60000"), config.OverpaymentModeAllow)
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if applied.Status != SettlementStatusPaid || !applied.BalanceDue.IsZero() {
		t.Fatalf("final payment: %+v", applied)
	}

	applied, err = applySettlementPayment(net, decimal.Zero, decimal.Zero, config.OverpaymentModeAllow)
	if err != nil {
		t.Fatalf("zero payment: %v", err)
	}
	if applied.Status != SettlementStatusPending {
		t.Fatalf("zero payment should stay pending, got %s", applied.Status)
	}
}

func TestApplySettlementPayment_OverpaymentModes(t *testing.T) {
	net := dec("100000")

	applied, err := applySettlementPayment(net, decimal.Zero, dec("120000"), config.OverpaymentModeAllow)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !applied.BalanceDue.Equal(dec("-20000")) || applied.Status != SettlementStatusPaid {
		t.Fatalf("allow: %+v", applied)
	}

	applied, err = applySettlementPayment(net, decimal.Zero, dec("120000"), config.OverpaymentModeClamp)
	if err != nil {
		t.Fatalf("clamp: %v", err)
	}
	if !applied.AmountPaid.Equal(net) || !applied.BalanceDue.IsZero() {
		t.Fatalf("clamp: %+v", applied)
	}

	if _, err := applySettlementPayment(net, decimal.Zero, dec("120000"), config.OverpaymentModeReject); err == nil {
		t.Fatal("reject mode should refuse an overpayment")
	}
}

func TestApplySettlementPayment_NegativeNetIsNeverClamped(t *testing.T) {
	// store owes carrier: recording the outbound payment must work in every mode
	net := dec("-35000")
	for _, mode := range []string{config.OverpaymentModeAllow, config.OverpaymentModeClamp, config.OverpaymentModeReject} {
		applied, err := applySettlementPayment(net, decimal.Zero, dec("35000"), mode)
		if err != nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
		if applied.Status != SettlementStatusPaid {
			t.Fatalf("mode %s: %+v", mode, applied)
		}
	}
}

func TestApplySettlementPayment_RejectsNegativePayment(t *testing.T) {
	if _, err := applySettlementPayment(dec("100000"), decimal.Zero, dec("-1"), config.OverpaymentModeAllow); err == nil {
		t.Fatal("negative payment should be rejected")
	}
}
