package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func zone(name string, fee string) *CarrierZone {
	return &CarrierZone{CarrierId: 1, ZoneName: name, Fee: dec(fee)}
}

func TestResolveFee_ExactMatchIsCaseInsensitive(t *testing.T) {
	table := NewZoneRateTable(1, []*CarrierZone{
		zone("Asunción", "15000"),
		zone("Luque", "20000"),
		zone("default", "25000"),
	})
	if fee := table.ResolveFee("asunción"); !fee.Equal(dec("15000")) {
		t.Errorf("ResolveFee(asunción) = %s", fee)
	}
	if fee := table.ResolveFee("  LUQUE "); !fee.Equal(dec("20000")) {
		t.Errorf("ResolveFee(LUQUE) = %s", fee)
	}
}

func TestResolveFee_FallbackBuckets(t *testing.T) {
	table := NewZoneRateTable(1, []*CarrierZone{
		zone("Asunción", "15000"),
		zone("Otros", "30000"),
	})
	if fee := table.ResolveFee("Encarnación"); !fee.Equal(dec("30000")) {
		t.Errorf("unmapped city should price off the otros bucket, got %s", fee)
	}

	// default outranks otros
	table = NewZoneRateTable(1, []*CarrierZone{
		zone("Otros", "30000"),
		zone("default", "25000"),
	})
	if fee := table.ResolveFee("Encarnación"); !fee.Equal(dec("25000")) {
		t.Errorf("default bucket should win, got %s", fee)
	}
}

func TestResolveFee_FirstZoneWhenNoFallback(t *testing.T) {
	table := NewZoneRateTable(1, []*CarrierZone{
		zone("Asunción", "15000"),
		zone("Luque", "20000"),
	})
	if table.HasFallbackZone() {
		t.Fatal("table should not report a fallback zone")
	}
	if fee := table.ResolveFee("Encarnación"); !fee.Equal(dec("15000")) {
		t.Errorf("expected the first configured zone's fee, got %s", fee)
	}
}

func TestResolveFee_EmptyTableUsesFlatFallback(t *testing.T) {
	table := NewZoneRateTable(1, nil)
	if fee := table.ResolveFee("Asunción"); !fee.Equal(FallbackDeliveryFee) {
		t.Errorf("expected FallbackDeliveryFee, got %s", fee)
	}
}

func TestNewZoneRateTable_FirstDuplicateWins(t *testing.T) {
	table := NewZoneRateTable(1, []*CarrierZone{
		zone("Luque", "20000"),
		zone("luque", "99999"),
	})
	if table.Size() != 1 {
		t.Fatalf("duplicate names should fold, size = %d", table.Size())
	}
	if fee := table.ResolveFee("Luque"); !fee.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("first configured fee should win, got %s", fee)
	}
}
