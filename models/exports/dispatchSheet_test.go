package exports

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSession() *models.DispatchSession {
	return &models.DispatchSession{
		ID:               1,
		SessionCode:      "DISP-15082026-001",
		DispatchDate:     time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
		Carrier:          &models.Carrier{Name: "Entregas Ya"},
		OrderCount:       2,
		TotalCodExpected: dec("230000"),
		TotalPrepaid:     0,
		Orders: []models.DispatchSessionOrder{
			{
				OrderNumber:     "PED-1001",
				CustomerName:    "Ana Benítez",
				CustomerPhone:   "0981123456",
				Address:         "Av. Mariscal López 1234",
				City:            "Asunción",
				PaymentMethod:   "efectivo",
				IsCod:           true,
				AmountToCollect: dec("150000"),
				DeliveryFee:     dec("15000"),
			},
			{
				OrderNumber:     "PED-1002",
				CustomerName:    "Carlos Ruiz",
				CustomerPhone:   "0982654321",
				Address:         "Calle Palma 567",
				City:            "Luque",
				PaymentMethod:   "efectivo",
				IsCod:           true,
				AmountToCollect: dec("80000"),
				DeliveryFee:     dec("20000"),
			},
		},
	}
}

func TestDispatchSheetRoundTrip(t *testing.T) {
	session := testSession()
	store := &models.Store{Name: "Tienda Demo"}

	f, err := BuildDispatchSheet(session, store, nil)
	if err != nil {
		t.Fatalf("BuildDispatchSheet: %v", err)
	}

	// fill in the editable columns the way a courier would
	row := sheetFirstDataRow
	f.SetCellValue(DispatchSheetName, colDeliveryStatus+fmt.Sprint(row), "ENTREGADO")
	f.SetCellValue(DispatchSheetName, colAmountCollected+fmt.Sprint(row), "148.000")
	f.SetCellValue(DispatchSheetName, colDeliveryStatus+fmt.Sprint(row+1), "NO ENTREGADO")
	f.SetCellValue(DispatchSheetName, colFailureReason+fmt.Sprint(row+1), "CLIENTE AUSENTE")
	f.SetCellValue(DispatchSheetName, colNotes+fmt.Sprint(row+1), "volver mañana")

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	rows, warnings, err := ParseDeliverySheet(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ParseDeliverySheet: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	if rows[0].OrderNumber != "PED-1001" || rows[0].DeliveryStatus != "ENTREGADO" {
		t.Fatalf("row 0: %+v", rows[0])
	}
	if rows[0].AmountCollected == nil || !rows[0].AmountCollected.Equal(dec("148000")) {
		t.Fatalf("row 0 amount: %+v", rows[0].AmountCollected)
	}
	if rows[1].OrderNumber != "PED-1002" || rows[1].DeliveryStatus != "NO ENTREGADO" {
		t.Fatalf("row 1: %+v", rows[1])
	}
	if rows[1].FailureReason != "CLIENTE AUSENTE" || rows[1].Notes != "volver mañana" {
		t.Fatalf("row 1 reason/notes: %+v", rows[1])
	}
	if rows[1].AmountCollected != nil {
		t.Fatalf("row 1 should have no amount, got %s", rows[1].AmountCollected)
	}
}

func TestParseDeliverySheet_SkipsSummaryRow(t *testing.T) {
	session := testSession()
	f, err := BuildDispatchSheet(session, &models.Store{Name: "Tienda"}, nil)
	if err != nil {
		t.Fatalf("BuildDispatchSheet: %v", err)
	}
	// the TOTAL A COBRAR summary row is below the data; give it a stray value
	// in column A to prove the parser ignores it
	summaryRow := sheetFirstDataRow + len(session.Orders) + 1
	f.SetCellValue(DispatchSheetName, colOrderNumber+fmt.Sprint(summaryRow), "TOTAL")

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	rows, _, err := ParseDeliverySheet(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ParseDeliverySheet: %v", err)
	}
	if len(rows) != len(session.Orders) {
		t.Fatalf("expected %d rows, got %d", len(session.Orders), len(rows))
	}
}

func TestParseSheetAmount(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"150000", "150000"},
		{"150.000", "150000"},
		{"1.234.567", "1234567"},
		{"150,50", "150.5"},
		{"1.234,50", "1234.5"},
		{"12.34", "12.34"},
		{"1.5", "1.5"},
		{" 80 000 ", "80000"},
	}
	for _, tc := range cases {
		got, err := parseSheetAmount(tc.in)
		if err != nil {
			t.Fatalf("parseSheetAmount(%q) error: %v", tc.in, err)
		}
		if got.String() != tc.expected {
			t.Errorf("parseSheetAmount(%q) = %s, expected %s", tc.in, got, tc.expected)
		}
	}
	if _, err := parseSheetAmount("n/a"); err == nil {
		t.Error("parseSheetAmount should reject non-numeric input")
	}
}

func TestRenderDispatchCSVRoundTrip(t *testing.T) {
	session := testSession()
	data, err := RenderDispatchCSV(session)
	if err != nil {
		t.Fatalf("RenderDispatchCSV: %v", err)
	}
	rows, warnings, err := ParseDeliveryCSV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseDeliveryCSV: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].OrderNumber != "PED-1001" || rows[0].DeliveryStatus != "" {
		t.Fatalf("row 0: %+v", rows[0])
	}
}

func TestDeliveryStatusDropdownMatchesWireFormat(t *testing.T) {
	want := []string{"ENTREGADO", "NO ENTREGADO", "RECHAZADO", "REPROGRAMADO"}
	if len(DeliveryStatusOptions) != len(want) {
		t.Fatalf("dropdown has %d options, want %d", len(DeliveryStatusOptions), len(want))
	}
	for i, opt := range want {
		if DeliveryStatusOptions[i] != opt {
			t.Fatalf("dropdown option %d = %q, want %q", i, DeliveryStatusOptions[i], opt)
		}
	}
}
