package models

import "testing"

func TestMapDeliveryOutcome(t *testing.T) {
	cases := []struct {
		in       string
		expected DeliveryOutcome
	}{
		{"ENTREGADO", DeliveryOutcomeDelivered},
		{"entregado ok", DeliveryOutcomeDelivered},
		{"Delivered", DeliveryOutcomeDelivered},
		// negated form must win over the substring it contains
		{"NO ENTREGADO", DeliveryOutcomeNotDelivered},
		{"no entregado - cliente ausente", DeliveryOutcomeNotDelivered},
		{"NOT DELIVERED", DeliveryOutcomeNotDelivered},
		{"RECHAZADO", DeliveryOutcomeRejected},
		{"cliente rechazó", DeliveryOutcomeRejected},
		{"REPROGRAMADO", DeliveryOutcomeRescheduled},
		{"rescheduled", DeliveryOutcomeRescheduled},
		{"DEVUELTO", DeliveryOutcomeReturned},
		{"devolución", DeliveryOutcomeReturned},
		{"", DeliveryOutcomePending},
		{"   ", DeliveryOutcomePending},
		{"???", DeliveryOutcomePending},
	}
	for _, tc := range cases {
		if got := mapDeliveryOutcome(tc.in); got != tc.expected {
			t.Errorf("mapDeliveryOutcome(%q) = %s, expected %s", tc.in, got, tc.expected)
		}
	}
}

func TestMapFailureReason(t *testing.T) {
	cases := []struct {
		in       string
		expected FailureReason
	}{
		{"", FailureReasonNone},
		{"cliente ausente", FailureReasonCustomerAbsent},
		{"NO ESTABA", FailureReasonCustomerAbsent},
		{"direccion incorrecta", FailureReasonWrongAddress},
		{"DIRECCIÓN ERRADA", FailureReasonWrongAddress},
		{"rechazado", FailureReasonCustomerRejected},
		{"sin dinero", FailureReasonNoMoney},
		{"no tenía efectivo", FailureReasonNoMoney},
		{"reprogramado", FailureReasonRescheduled},
		{"zona peligrosa", FailureReasonInaccessibleZone},
		{"se rompió el paquete", FailureReasonOther},
	}
	for _, tc := range cases {
		if got := mapFailureReason(tc.in); got != tc.expected {
			t.Errorf("mapFailureReason(%q) = %s, expected %s", tc.in, got, tc.expected)
		}
	}
}

func TestDiscrepancyPolicyBindings(t *testing.T) {
	if ImportDiscrepancyPolicy.Blocks(false) {
		t.Fatal("the sheet import must only warn on a money mismatch")
	}
	if !ReconciliationDiscrepancyPolicy.Blocks(false) {
		t.Fatal("manual reconciliation must fail closed on an unconfirmed mismatch")
	}
	if ReconciliationDiscrepancyPolicy.Blocks(true) {
		t.Fatal("a confirmed mismatch must proceed")
	}
}
