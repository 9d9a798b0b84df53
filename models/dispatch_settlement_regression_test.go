package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
)

// Full dispatch lifecycle against a real MySQL + Redis: dispatch three orders,
// import courier outcomes, settle the session, pay the settlement, and check
// that the settlement math, the order statuses and the carrier ledger all
// agree at every step.
func TestDispatchSettlementLifecycle(t *testing.T) {
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
		Name:  "Tienda Test",
		Email: "owner@tienda.test",
	})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	ctx = utils.SetStoreIdInContext(ctx, store.ID.String())

	carrier, err := models.CreateCarrier(ctx, &models.NewCarrier{Name: "Entregas Ya", Phone: "0981123456"})
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
		fee, _ := decimal.NewFromString(z.fee)
		if _, err := models.UpsertCarrierZone(ctx, &models.NewCarrierZone{
			CarrierId: carrier.ID, ZoneName: z.name, Fee: fee,
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
		{"PED-2001", "Asunción", "efectivo", "150000"},
		{"PED-2002", "Luque", "contra entrega", "80000"},
		{"PED-2003", "Asunción", "tarjeta", "60000"},
	}
	orderIds := make([]int, 0, len(specs))
	for _, s := range specs {
		total, _ := decimal.NewFromString(s.total)
		order, err := models.CreateOrder(ctx, &models.NewOrder{
			OrderNumber:   s.number,
			CustomerName:  "Cliente " + s.number,
			City:          s.city,
			PaymentMethod: s.method,
			TotalPrice:    total,
		})
		if err != nil {
			t.Fatalf("CreateOrder(%s): %v", s.number, err)
		}
		if _, err := models.MarkOrderReadyToShip(ctx, order.ID); err != nil {
			t.Fatalf("MarkOrderReadyToShip(%s): %v", s.number, err)
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
	if !strings.HasPrefix(session.SessionCode, "DISP-") {
		t.Fatalf("unexpected session code %q", session.SessionCode)
	}
	if session.OrderCount != 3 || session.TotalPrepaid != 1 {
		t.Fatalf("session counts: %+v", session)
	}
	if !session.TotalCodExpected.Equal(mustDec(t, "230000")) {
		t.Fatalf("TotalCodExpected = %s", session.TotalCodExpected)
	}

	// Luque is unmapped and must have priced off the default bucket.
	for _, row := range session.Orders {
		if row.OrderNumber == "PED-2002" && !row.DeliveryFee.Equal(mustDec(t, "25000")) {
			t.Fatalf("PED-2002 fee = %s, expected the default zone fee", row.DeliveryFee)
		}
	}

	// dispatched orders are claimed: re-dispatching any of them must fail
	if _, err := models.CreateDispatchSession(ctx, &models.NewDispatchSession{
		CarrierId: carrier.ID,
		OrderIds:  orderIds[:1],
	}); err == nil {
		t.Fatal("re-dispatching an already-dispatched order should fail")
	}

	collected := mustDec(t, "148000")
	result, err := models.ImportDeliveryOutcomes(ctx, session.ID, []models.DeliveryOutcomeRow{
		{OrderNumber: "PED-2001", DeliveryStatus: "ENTREGADO", AmountCollected: &collected},
		{OrderNumber: "PED-2002", DeliveryStatus: "NO ENTREGADO", FailureReason: "cliente ausente"},
		{OrderNumber: "PED-2003", DeliveryStatus: "ENTREGADO"},
	})
	if err != nil {
		t.Fatalf("ImportDeliveryOutcomes: %v", err)
	}
	if result.Processed != 3 || len(result.Errors) != 0 {
		t.Fatalf("import result: %+v", result)
	}
	// the short COD amount on PED-2001 is a warning, never an error
	if len(result.Warnings) == 0 {
		t.Fatal("expected an amount-discrepancy warning")
	}

	settlement, err := models.ProcessSettlement(ctx, session.ID, "")
	if err != nil {
		t.Fatalf("ProcessSettlement: %v", err)
	}
	if !strings.HasPrefix(settlement.SettlementCode, "LIQ-") {
		t.Fatalf("unexpected settlement code %q", settlement.SettlementCode)
	}
	// delivered: 148000 COD, fees 15000+15000; failed attempt: half of 25000
	if !settlement.TotalCodCollected.Equal(mustDec(t, "148000")) {
		t.Fatalf("TotalCodCollected = %s", settlement.TotalCodCollected)
	}
	if !settlement.TotalCarrierFees.Equal(mustDec(t, "30000")) {
		t.Fatalf("TotalCarrierFees = %s", settlement.TotalCarrierFees)
	}
	if !settlement.FailedAttemptFees.Equal(mustDec(t, "12500")) {
		t.Fatalf("FailedAttemptFees = %s", settlement.FailedAttemptFees)
	}
	if !settlement.NetReceivable.Equal(mustDec(t, "105500")) {
		t.Fatalf("NetReceivable = %s", settlement.NetReceivable)
	}

	// settling twice must not double-book
	if _, err := models.ProcessSettlement(ctx, session.ID, ""); err == nil {
		t.Fatal("second settlement of the same session should fail")
	}

	delivered, err := models.GetOrderByNumber(ctx, "PED-2001")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if delivered.Status != models.OrderStatusDelivered {
		t.Fatalf("PED-2001 status = %s", delivered.Status)
	}
	if delivered.AmountCollected == nil || !delivered.AmountCollected.Equal(collected) {
		t.Fatalf("PED-2001 amount collected: %+v", delivered.AmountCollected)
	}

	failed, err := models.GetOrderByNumber(ctx, "PED-2002")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if failed.Status != models.OrderStatusReadyToShip || failed.AssignedCarrierId != nil {
		t.Fatalf("failed order should return to the dispatchable pool: %+v", failed)
	}

	balance, err := models.GetCarrierBalance(ctx, carrier.ID)
	if err != nil {
		t.Fatalf("GetCarrierBalance: %v", err)
	}
	if !balance.NetBalance.Equal(mustDec(t, "105500")) {
		t.Fatalf("NetBalance = %s, expected 105500 (carrier holds the net)", balance.NetBalance)
	}

	paid, err := models.MarkSettlementPaid(ctx, settlement.ID, &models.NewSettlementPayment{
		Amount: mustDec(t, "105500"),
		Method: "transferencia",
	})
	if err != nil {
		t.Fatalf("MarkSettlementPaid: %v", err)
	}
	if paid.Status != models.SettlementStatusPaid || !paid.BalanceDue.IsZero() {
		t.Fatalf("settlement after payment: status=%s balance=%s", paid.Status, paid.BalanceDue)
	}

	balance, err = models.GetCarrierBalance(ctx, carrier.ID)
	if err != nil {
		t.Fatalf("GetCarrierBalance after payment: %v", err)
	}
	if !balance.NetBalance.IsZero() {
		t.Fatalf("NetBalance after full payment = %s, expected 0", balance.NetBalance)
	}

	// every mutation above must have queued an outbox record in-transaction
	var outboxCount int64
	if err := config.GetDB().WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("store_id = ?", store.ID.String()).
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount < 3 {
		t.Fatalf("expected outbox records for dispatch, settle and pay; got %d", outboxCount)
	}
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("codops-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("codops-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=codops_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
