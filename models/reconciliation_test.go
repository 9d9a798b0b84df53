package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitEqually_SumsBackToTotal(t *testing.T) {
	cases := []struct {
		total string
		n     int
	}{
		{"100", 3},
		{"100000", 7},
		{"0.01", 2},
		{"150000", 1},
		{"99999.99", 4},
	}
	for _, tc := range cases {
		total := dec(tc.total)
		shares := splitEqually(total, tc.n)
		if len(shares) != tc.n {
			t.Fatalf("splitEqually(%s, %d) returned %d shares", tc.total, tc.n, len(shares))
		}
		sum := decimal.Zero
		for _, s := range shares {
			sum = sum.Add(s)
		}
		if !sum.Equal(total) {
			t.Errorf("splitEqually(%s, %d) shares sum to %s", tc.total, tc.n, sum)
		}
	}
}

func TestSplitEqually_RemainderLandsOnLastShare(t *testing.T) {
	shares := splitEqually(dec("100"), 3)
	if !shares[0].Equal(dec("33.33")) || !shares[1].Equal(dec("33.33")) {
		t.Fatalf("even shares wrong: %v", shares)
	}
	if !shares[2].Equal(dec("33.34")) {
		t.Fatalf("remainder share wrong: %v", shares)
	}
}

func TestSplitEqually_EmptyAndZero(t *testing.T) {
	if shares := splitEqually(dec("100"), 0); len(shares) != 0 {
		t.Fatalf("expected no shares for n=0, got %v", shares)
	}
	shares := splitEqually(decimal.Zero, 3)
	for _, s := range shares {
		if !s.IsZero() {
			t.Fatalf("zero total should split into zeros, got %v", shares)
		}
	}
}

func reconciliationBatch(expected ...string) []*reconciliationOrder {
	batch := make([]*reconciliationOrder, len(expected))
	for i, e := range expected {
		batch[i] = &reconciliationOrder{expected: dec(e)}
	}
	return batch
}

func collectedSum(batch []*reconciliationOrder) decimal.Decimal {
	sum := decimal.Zero
	for _, ro := range batch {
		sum = sum.Add(ro.collected)
	}
	return sum
}

func TestDistributeDiscrepancy_EvenShortfall(t *testing.T) {
	batch := reconciliationBatch("100000", "100000")
	distributeDiscrepancy(batch, dec("-20000"))
	for i, ro := range batch {
		if !ro.collected.Equal(dec("90000")) {
			t.Errorf("order %d collected %s, want 90000", i, ro.collected)
		}
		if !ro.flagged {
			t.Errorf("order %d not flagged", i)
		}
	}
}

func TestDistributeDiscrepancy_ShortfallNeverGoesNegative(t *testing.T) {
	// reported 100000 against expected {10000, 170000}: a flat split would
	// push the small order to -30000; it must stop at zero and the big order
	// must absorb the rest so collected sums match the reported total
	batch := reconciliationBatch("10000", "170000")
	distributeDiscrepancy(batch, dec("-80000"))

	if !batch[0].collected.IsZero() {
		t.Errorf("small order collected %s, want 0", batch[0].collected)
	}
	if !batch[1].collected.Equal(dec("100000")) {
		t.Errorf("big order collected %s, want 100000", batch[1].collected)
	}
	if sum := collectedSum(batch); !sum.Equal(dec("100000")) {
		t.Errorf("collected amounts sum to %s, want the reported 100000", sum)
	}
	for i, ro := range batch {
		if !ro.flagged {
			t.Errorf("order %d not flagged", i)
		}
	}
}

func TestDistributeDiscrepancy_TotalLoss(t *testing.T) {
	batch := reconciliationBatch("10000", "20000", "30000")
	distributeDiscrepancy(batch, dec("-60000"))
	for i, ro := range batch {
		if !ro.collected.IsZero() {
			t.Errorf("order %d collected %s, want 0", i, ro.collected)
		}
	}
}

func TestDistributeDiscrepancy_Overage(t *testing.T) {
	batch := reconciliationBatch("50000", "50000", "50000")
	distributeDiscrepancy(batch, dec("100"))
	if sum := collectedSum(batch); !sum.Equal(dec("150100")) {
		t.Errorf("collected amounts sum to %s, want 150100", sum)
	}
	if !batch[2].collected.Equal(dec("50033.34")) {
		t.Errorf("last share %s, want 50033.34", batch[2].collected)
	}
}
