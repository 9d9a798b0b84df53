package models_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
)

// Manual reconciliation against a real MySQL + Redis: the unconfirmed-money
// gate, the missing-failure-reason gate, the equal split of a confirmed
// shortfall with the per-order zero floor, and the agreement between the
// settlement aggregates and the carrier ledger.
func TestManualReconciliationDiscrepancyFlow(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "codops_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	seedCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	store, err := models.CreateStore(seedCtx, &models.NewStore{
		Name:  "Tienda Conciliación",
		Email: "owner@conciliacion.test",
	})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	ctx = utils.SetStoreIdInContext(ctx, store.ID.String())

	carrier, err := models.CreateCarrier(ctx, &models.NewCarrier{Name: "Moto Express", Phone: "0982123456"})
	if err != nil {
		t.Fatalf("CreateCarrier: %v", err)
	}
	for _, z := range []struct {
		name string
		fee  string
	}{
		{"Asunción", "15000"},
		{"default", "25000"},
	} {
		if _, err := models.UpsertCarrierZone(ctx, &models.NewCarrierZone{
			CarrierId: carrier.ID, ZoneName: z.name, Fee: mustDec(t, z.fee),
		}); err != nil {
			t.Fatalf("UpsertCarrierZone(%s): %v", z.name, err)
		}
	}

	type orderSpec struct {
		number string
		city   string
		method string
		total  string
	}
	specs := []orderSpec{
		{"REC-3001", "Asunción", "efectivo", "10000"},
		{"REC-3002", "Asunción", "contra entrega", "170000"},
		{"REC-3003", "Luque", "tarjeta", "50000"},
		{"REC-3004", "Asunción", "efectivo", "30000"},
	}
	byNumber := make(map[string]int, len(specs))
	orderIds := make([]int, 0, len(specs))
	for _, s := range specs {
		order, err := models.CreateOrder(ctx, &models.NewOrder{
			OrderNumber:   s.number,
			CustomerName:  "Cliente " + s.number,
			City:          s.city,
			PaymentMethod: s.method,
			TotalPrice:    mustDec(t, s.total),
		})
		if err != nil {
			t.Fatalf("CreateOrder(%s): %v", s.number, err)
		}
		if _, err := models.MarkOrderReadyToShip(ctx, order.ID); err != nil {
			t.Fatalf("MarkOrderReadyToShip(%s): %v", s.number, err)
		}
		byNumber[s.number] = order.ID
		orderIds = append(orderIds, order.ID)
	}

	// reconciliation closes shipped orders, so they must go out first
	if _, err := models.CreateDispatchSession(ctx, &models.NewDispatchSession{
		CarrierId: carrier.ID,
		OrderIds:  orderIds,
	}); err != nil {
		t.Fatalf("CreateDispatchSession: %v", err)
	}

	batch := []models.ReconciliationOrderInput{
		{OrderId: byNumber["REC-3001"], Delivered: true},
		{OrderId: byNumber["REC-3002"], Delivered: true},
		{OrderId: byNumber["REC-3003"], Delivered: true},
		{OrderId: byNumber["REC-3004"], Delivered: false, FailureReason: "cliente ausente"},
	}
	reported := mustDec(t, "100000")

	// a failed order without a reason blocks the whole batch
	noReason := make([]models.ReconciliationOrderInput, len(batch))
	copy(noReason, batch)
	noReason[3].FailureReason = ""
	if _, err := models.ProcessManualReconciliation(ctx, &models.NewManualReconciliation{
		CarrierId:            carrier.ID,
		Orders:               noReason,
		TotalAmountCollected: reported,
		DiscrepancyConfirmed: true,
	}); err == nil {
		t.Fatal("a not-delivered order without a failure reason should be rejected")
	}

	// expected COD is 180000; reporting 100000 unconfirmed must fail closed
	if _, err := models.ProcessManualReconciliation(ctx, &models.NewManualReconciliation{
		CarrierId:            carrier.ID,
		Orders:               batch,
		TotalAmountCollected: reported,
	}); err == nil {
		t.Fatal("an unconfirmed discrepancy should be rejected")
	}

	settlement, err := models.ProcessManualReconciliation(ctx, &models.NewManualReconciliation{
		CarrierId:            carrier.ID,
		Orders:               batch,
		TotalAmountCollected: reported,
		DiscrepancyConfirmed: true,
	})
	if err != nil {
		t.Fatalf("ProcessManualReconciliation: %v", err)
	}
	if settlement.Source != models.SettlementSourceManual {
		t.Fatalf("settlement source = %s", settlement.Source)
	}
	if settlement.DeliveredCount != 3 || settlement.FailedCount != 1 {
		t.Fatalf("settlement counts: %+v", settlement)
	}
	// the shortfall splits equally but no order drops below zero, so the
	// collected total must equal what the courier actually handed over
	if !settlement.TotalCodCollected.Equal(reported) {
		t.Fatalf("TotalCodCollected = %s, want the reported %s", settlement.TotalCodCollected, reported)
	}
	if !settlement.Discrepancy.Equal(mustDec(t, "-80000")) {
		t.Fatalf("Discrepancy = %s", settlement.Discrepancy)
	}
	if !settlement.DiscrepancyConfirmed {
		t.Fatal("settlement should record the confirmed discrepancy")
	}
	// fees: 15000+15000 Asunción + 25000 default for Luque; half of 15000 failed
	if !settlement.TotalCarrierFees.Equal(mustDec(t, "55000")) {
		t.Fatalf("TotalCarrierFees = %s", settlement.TotalCarrierFees)
	}
	if !settlement.FailedAttemptFees.Equal(mustDec(t, "7500")) {
		t.Fatalf("FailedAttemptFees = %s", settlement.FailedAttemptFees)
	}
	if !settlement.NetReceivable.Equal(mustDec(t, "37500")) {
		t.Fatalf("NetReceivable = %s", settlement.NetReceivable)
	}

	// the small COD order absorbs only what it expected; the big one the rest
	small, err := models.GetOrderByNumber(ctx, "REC-3001")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if small.Status != models.OrderStatusDelivered || !small.HasAmountDiscrepancy {
		t.Fatalf("REC-3001: %+v", small)
	}
	if small.AmountCollected == nil || !small.AmountCollected.IsZero() {
		t.Fatalf("REC-3001 amount collected: %+v", small.AmountCollected)
	}
	big, err := models.GetOrderByNumber(ctx, "REC-3002")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if big.AmountCollected == nil || !big.AmountCollected.Equal(reported) {
		t.Fatalf("REC-3002 amount collected: %+v", big.AmountCollected)
	}
	if !big.HasAmountDiscrepancy {
		t.Fatal("REC-3002 should be flagged")
	}
	prepaid, err := models.GetOrderByNumber(ctx, "REC-3003")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if prepaid.HasAmountDiscrepancy {
		t.Fatal("a prepaid order never carries the discrepancy flag")
	}

	// the failed order goes back to the dispatchable pool with its reason
	failed, err := models.GetOrderByNumber(ctx, "REC-3004")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if failed.Status != models.OrderStatusReadyToShip || failed.AssignedCarrierId != nil {
		t.Fatalf("failed order should return to the dispatchable pool: %+v", failed)
	}
	if !strings.Contains(failed.DeliveryNotes, "cliente ausente") {
		t.Fatalf("failure reason missing from notes: %q", failed.DeliveryNotes)
	}

	// both books must agree: the ledger-derived balance equals the net
	balance, err := models.GetCarrierBalance(ctx, carrier.ID)
	if err != nil {
		t.Fatalf("GetCarrierBalance: %v", err)
	}
	if !balance.NetBalance.Equal(settlement.NetReceivable) {
		t.Fatalf("ledger balance %s diverges from settlement net %s", balance.NetBalance, settlement.NetReceivable)
	}
}

// A settlement racing an outcome import must never split the difference: the
// settlement aggregates always match the outcome rows it actually closed, and
// an import that loses the race is rejected rather than written onto a
// settled session.
func TestSettlementAndImportRaceStayConsistent(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "codops_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	seedCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	store, err := models.CreateStore(seedCtx, &models.NewStore{
		Name:  "Tienda Carrera",
		Email: "owner@carrera.test",
	})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	ctx = utils.SetStoreIdInContext(ctx, store.ID.String())

	carrier, err := models.CreateCarrier(ctx, &models.NewCarrier{Name: "Flete Norte", Phone: "0983123456"})
	if err != nil {
		t.Fatalf("CreateCarrier: %v", err)
	}
	if _, err := models.UpsertCarrierZone(ctx, &models.NewCarrierZone{
		CarrierId: carrier.ID, ZoneName: "default", Fee: mustDec(t, "20000"),
	}); err != nil {
		t.Fatalf("UpsertCarrierZone: %v", err)
	}

	orderIds := make([]int, 0, 2)
	for i, total := range []string{"90000", "110000"} {
		order, err := models.CreateOrder(ctx, &models.NewOrder{
			OrderNumber:   fmt.Sprintf("CAR-%d", 4001+i),
			CustomerName:  "Cliente Carrera",
			City:          "Asunción",
			PaymentMethod: "efectivo",
			TotalPrice:    mustDec(t, total),
		})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		if _, err := models.MarkOrderReadyToShip(ctx, order.ID); err != nil {
			t.Fatalf("MarkOrderReadyToShip: %v", err)
		}
		orderIds = append(orderIds, order.ID)
	}

	session, err := models.CreateDispatchSession(ctx, &models.NewDispatchSession{
		CarrierId: carrier.ID,
		OrderIds:  orderIds,
	})
	if err != nil {
		t.Fatalf("CreateDispatchSession: %v", err)
	}

	var wg sync.WaitGroup
	var importErr, settleErr error
	var settlement *models.DailySettlement
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, importErr = models.ImportDeliveryOutcomes(ctx, session.ID, []models.DeliveryOutcomeRow{
			{OrderNumber: "CAR-4001", DeliveryStatus: "ENTREGADO"},
			{OrderNumber: "CAR-4002", DeliveryStatus: "ENTREGADO"},
		})
	}()
	go func() {
		defer wg.Done()
		settlement, settleErr = models.ProcessSettlement(ctx, session.ID, "")
	}()
	wg.Wait()

	if settleErr != nil {
		t.Fatalf("ProcessSettlement: %v", settleErr)
	}

	// whichever interleaving happened, the settlement must agree with the
	// snapshot rows it closed
	closed, err := models.GetDispatchSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetDispatchSession: %v", err)
	}
	wantCod, wantFees := decimal.Zero, decimal.Zero
	wantDelivered := 0
	for _, row := range closed.Orders {
		if row.Outcome == models.DeliveryOutcomeDelivered {
			wantDelivered++
			wantFees = wantFees.Add(row.DeliveryFee)
			wantCod = wantCod.Add(row.AmountToCollect)
		}
	}
	if settlement.DeliveredCount != wantDelivered {
		t.Fatalf("DeliveredCount = %d, rows say %d", settlement.DeliveredCount, wantDelivered)
	}
	if !settlement.TotalCodCollected.Equal(wantCod) {
		t.Fatalf("TotalCodCollected = %s, rows say %s", settlement.TotalCodCollected, wantCod)
	}
	if !settlement.TotalCarrierFees.Equal(wantFees) {
		t.Fatalf("TotalCarrierFees = %s, rows say %s", settlement.TotalCarrierFees, wantFees)
	}

	if importErr == nil {
		// the import won: every outcome it wrote is inside the settlement
		if wantDelivered != 2 {
			t.Fatalf("import succeeded but only %d outcomes were settled", wantDelivered)
		}
	} else {
		// the settlement won: the losing import left no stray outcomes
		if !strings.Contains(importErr.Error(), "settled") {
			t.Fatalf("unexpected import error: %v", importErr)
		}
		if wantDelivered != 0 {
			t.Fatalf("import was rejected but %d outcomes were recorded", wantDelivered)
		}
	}
}
