package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsCashOnDelivery_KnownMethods(t *testing.T) {
	cases := []struct {
		in       string
		expected bool
	}{
		{"cod", true},
		{"COD", true},
		{"  Efectivo ", true},
		{"Contra Entrega", true},
		{"contraentrega", true},
		{"pago en efectivo", true},
		{"tarjeta", false},
		{"Tarjeta de Crédito", false},
		{"transferencia", false},
		{"Giros Tigo", false},
		{"billetera", false},
		{"online payment", false},
	}
	for _, tc := range cases {
		if got := IsCashOnDelivery(tc.in); got != tc.expected {
			t.Errorf("IsCashOnDelivery(%q) = %v, expected %v", tc.in, got, tc.expected)
		}
	}
}

func TestIsCashOnDelivery_UnknownDefaultsToCOD(t *testing.T) {
	for _, in := range []string{"", "   ", "metodo raro", "cheque"} {
		if got := IsCashOnDelivery(in); got != DefaultUnknownMethodIsCOD {
			t.Errorf("IsCashOnDelivery(%q) = %v, expected default %v", in, got, DefaultUnknownMethodIsCOD)
		}
	}
}

func TestAmountToCollect(t *testing.T) {
	total := decimal.NewFromInt(150000)
	if got := AmountToCollect("efectivo", total); !got.Equal(total) {
		t.Errorf("COD order should collect the full total, got %s", got)
	}
	if got := AmountToCollect("tarjeta", total); !got.IsZero() {
		t.Errorf("prepaid order should collect zero, got %s", got)
	}
}

func TestNormalizePaymentMethod(t *testing.T) {
	if got := NormalizePaymentMethod("efectivo"); got != "CONTRA ENTREGA" {
		t.Errorf("expected CONTRA ENTREGA, got %q", got)
	}
	if got := NormalizePaymentMethod("transferencia"); got != "PAGADO" {
		t.Errorf("expected PAGADO, got %q", got)
	}
}
