package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconciliationOrderInput is one order's result in a manual reconciliation
// batch, keyed by order id with a plain delivered flag.
type ReconciliationOrderInput struct {
	OrderId       int    `json:"order_id" validate:"required"`
	Delivered     bool   `json:"delivered"`
	FailureReason string `json:"failure_reason"`
	Notes         string `json:"notes"`
}

// NewManualReconciliation closes out a batch of shipped orders against one
// carrier with a single aggregate collected amount for the whole batch.
type NewManualReconciliation struct {
	CarrierId            int                        `json:"carrier_id" validate:"required"`
	Orders               []ReconciliationOrderInput `json:"orders" validate:"required,min=1,dive"`
	TotalAmountCollected decimal.Decimal            `json:"total_amount_collected"`
	DiscrepancyConfirmed bool                       `json:"discrepancy_confirmed"`
	Notes                string                     `json:"notes"`
}

// splitEqually divides a discrepancy evenly across n orders, every share the
// same absolute size regardless of order value, with the rounding remainder
// folded into the last share so the parts always sum back to the total.
func splitEqually(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	shares := make([]decimal.Decimal, n)
	share := total.DivRound(decimal.NewFromInt(int64(n)), 2)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		shares[i] = share
		running = running.Add(share)
	}
	shares[n-1] = total.Sub(running)
	return shares
}

// distributeDiscrepancy spreads a confirmed discrepancy equally over the
// delivered COD orders and flags each of them. A shortfall share never pushes
// an order's collected amount below zero: a clamped order absorbs only what it
// expected, and the unabsorbed rest is re-split across the remaining orders,
// so the collected amounts always sum to the reported total.
func distributeDiscrepancy(orders []*reconciliationOrder, discrepancy decimal.Decimal) {
	for _, ro := range orders {
		ro.collected = ro.expected
		ro.flagged = true
	}
	remaining := discrepancy
	open := append([]*reconciliationOrder(nil), orders...)
	for len(open) > 0 && !remaining.IsZero() {
		shares := splitEqually(remaining, len(open))
		remaining = decimal.Zero
		var still []*reconciliationOrder
		for i, ro := range open {
			after := ro.collected.Add(shares[i])
			if after.IsNegative() {
				remaining = remaining.Add(after)
				ro.collected = decimal.Zero
				continue
			}
			ro.collected = after
			still = append(still, ro)
		}
		open = still
	}
}

type reconciliationOrder struct {
	order     *Order
	delivered bool
	reason    FailureReason
	notes     string
	fee       decimal.Decimal
	expected  decimal.Decimal
	collected decimal.Decimal
	flagged   bool
}

// ProcessManualReconciliation is the authoritative exit gate for shipped
// orders outside the sheet-import flow: it validates the batch strictly,
// refuses to proceed on an unconfirmed money discrepancy, distributes a
// confirmed discrepancy equally over the delivered COD orders, and produces
// a DailySettlement plus the ledger movements in one transaction.
func ProcessManualReconciliation(ctx context.Context, input *NewManualReconciliation) (*DailySettlement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.TotalAmountCollected.IsNegative() {
		return nil, errors.New("total amount collected cannot be negative")
	}
	if err := utils.ValidateResourceId[Carrier](ctx, storeId, input.CarrierId); err != nil {
		return nil, errors.New("carrier not found")
	}

	zones, err := GetActiveCarrierZones(ctx, input.CarrierId)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, errors.New("carrier has no active zones configured; cannot price deliveries")
	}
	rateTable := NewZoneRateTable(input.CarrierId, zones)

	username, _ := utils.GetUsernameFromContext(ctx)

	var settlement *DailySettlement
	for attempt := 0; ; attempt++ {
		settlement, err = processManualReconciliationTx(ctx, storeId, username, input, rateTable)
		if err == nil {
			break
		}
		if isDuplicateKeyError(err) && attempt < 5 {
			continue
		}
		return nil, err
	}
	return settlement, nil
}

func processManualReconciliationTx(ctx context.Context, storeId string, username string, input *NewManualReconciliation, rateTable *ZoneRateTable) (*DailySettlement, error) {
	db := config.GetDB()
	now := time.Now()

	orderIds := make([]int, 0, len(input.Orders))
	inputByOrderId := make(map[int]ReconciliationOrderInput, len(input.Orders))
	for _, o := range input.Orders {
		if _, dup := inputByOrderId[o.OrderId]; dup {
			return nil, fmt.Errorf("order %d appears more than once in the batch", o.OrderId)
		}
		inputByOrderId[o.OrderId] = o
		orderIds = append(orderIds, o.OrderId)
	}

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var orders []*Order
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id IN ?", storeId, orderIds).
		Order("id").
		Find(&orders).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if missing := missingOrderIds(orderIds, orders); len(missing) > 0 {
		tx.Rollback()
		return nil, fmt.Errorf("orders not found: %v", missing)
	}

	// strict batch validation: reconciliation only closes shipped orders
	// held by this carrier, and every failed order must say why
	batch := make([]*reconciliationOrder, 0, len(orders))
	var deliveredCod []*reconciliationOrder
	for _, order := range orders {
		if order.Status != OrderStatusShipped {
			tx.Rollback()
			return nil, fmt.Errorf("order %s is %s, not shipped; only shipped orders can be reconciled", order.OrderNumber, order.Status)
		}
		if order.AssignedCarrierId == nil || *order.AssignedCarrierId != input.CarrierId {
			tx.Rollback()
			return nil, fmt.Errorf("order %s is not assigned to this carrier", order.OrderNumber)
		}

		in := inputByOrderId[order.ID]
		ro := &reconciliationOrder{
			order:     order,
			delivered: in.Delivered,
			notes:     in.Notes,
			fee:       rateTable.ResolveFee(order.City),
		}
		if !in.Delivered {
			ro.reason = mapFailureReason(in.FailureReason)
			if ro.reason == FailureReasonNone {
				tx.Rollback()
				return nil, fmt.Errorf("order %s was not delivered but no failure reason was given", order.OrderNumber)
			}
		} else if order.IsCOD() {
			ro.expected = order.CODAmount()
			ro.collected = ro.expected
			deliveredCod = append(deliveredCod, ro)
		}
		batch = append(batch, ro)
	}

	// money gate: unexplained differences block the whole batch
	expectedCod := decimal.Zero
	for _, ro := range deliveredCod {
		expectedCod = expectedCod.Add(ro.expected)
	}
	discrepancy := input.TotalAmountCollected.Sub(expectedCod)
	if discrepancy.Abs().GreaterThan(DiscrepancyTolerance) {
		if ReconciliationDiscrepancyPolicy.Blocks(input.DiscrepancyConfirmed) {
			tx.Rollback()
			return nil, fmt.Errorf(
				"reported total %s differs from expected COD total %s by %s; confirm the discrepancy to proceed",
				input.TotalAmountCollected.StringFixed(2), expectedCod.StringFixed(2), discrepancy.StringFixed(2))
		}
		if len(deliveredCod) == 0 {
			tx.Rollback()
			return nil, errors.New("a collected amount was reported but no delivered COD order can absorb it")
		}
		distributeDiscrepancy(deliveredCod, discrepancy)
	}

	totals := settlementTotals{OrderCount: len(batch)}
	for _, ro := range batch {
		if ro.delivered {
			totals.DeliveredCount++
			totals.TotalCarrierFees = totals.TotalCarrierFees.Add(ro.fee)
			totals.TotalCodCollected = totals.TotalCodCollected.Add(ro.collected)
		} else {
			totals.FailedCount++
			totals.FailedAttemptFees = totals.FailedAttemptFees.Add(ro.fee.Mul(FailedAttemptFeeRate))
		}
	}

	seqNo, code, err := nextDailyCode[DailySettlement](ctx, storeId, CodePrefixSettlement, "settlement_date", now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	net := totals.NetReceivable()
	settlement := DailySettlement{
		StoreId:              storeId,
		SettlementCode:       code,
		SequenceNo:           seqNo,
		CarrierId:            input.CarrierId,
		Source:               SettlementSourceManual,
		SettlementDate:       now,
		OrderCount:           totals.OrderCount,
		DeliveredCount:       totals.DeliveredCount,
		FailedCount:          totals.FailedCount,
		TotalCodCollected:    totals.TotalCodCollected,
		TotalCarrierFees:     totals.TotalCarrierFees,
		FailedAttemptFees:    totals.FailedAttemptFees,
		Discrepancy:          discrepancy,
		DiscrepancyConfirmed: input.DiscrepancyConfirmed,
		NetReceivable:        net,
		AmountPaid:           decimal.Zero,
		BalanceDue:           net,
		Status:               SettlementStatusPending,
		Notes:                input.Notes,
		CreatedBy:            username,
	}
	if err := tx.WithContext(ctx).Create(&settlement).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, ro := range batch {
		if err := applyReconciledOrder(ctx, tx.WithContext(ctx), storeId, input.CarrierId, &settlement, ro, now); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	err = PublishEvent(ctx, tx.WithContext(ctx), storeId, now, settlement.ID, ReferenceTypeDailySettlement, EventActionSettled, &settlement)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

// applyReconciledOrder updates one order's main record and writes its ledger
// movements: delivered closes the order, failed sends it back for re-dispatch
// with the failure noted.
func applyReconciledOrder(ctx context.Context, tx *gorm.DB, storeId string, carrierId int, settlement *DailySettlement, ro *reconciliationOrder, now time.Time) error {
	orderId := ro.order.ID
	links := func(m *CarrierAccountMovement) {
		m.OrderId = &orderId
		m.DailySettlementId = &settlement.ID
	}

	if ro.delivered {
		updates := map[string]interface{}{
			"status":                 OrderStatusDelivered,
			"delivered_at":           now,
			"amount_collected":       ro.collected,
			"has_amount_discrepancy": ro.flagged,
		}
		if ro.notes != "" {
			updates["delivery_notes"] = ro.notes
		}
		err := tx.Model(&Order{}).
			Where("store_id = ? AND id = ?", storeId, orderId).
			Updates(updates).Error
		if err != nil {
			return err
		}

		if ro.order.IsCOD() && ro.collected.GreaterThan(decimal.Zero) {
			_, err = appendCarrierMovement(ctx, tx, storeId, carrierId, MovementTypeCodCollected, ro.collected,
				"COD collected on order "+ro.order.OrderNumber, now, links)
			if err != nil {
				return err
			}
		}
		_, err = appendCarrierMovement(ctx, tx, storeId, carrierId, MovementTypeDeliveryFee, ro.fee,
			"delivery fee on order "+ro.order.OrderNumber, now, links)
		return err
	}

	notes := "failed delivery: " + string(ro.reason)
	if ro.notes != "" {
		notes = notes + " - " + ro.notes
	}
	err := tx.Model(&Order{}).
		Where("store_id = ? AND id = ?", storeId, orderId).
		Updates(map[string]interface{}{
			"status":              OrderStatusReadyToShip,
			"assigned_carrier_id": nil,
			"shipped_at":          nil,
			"delivery_notes":      strings.TrimSpace(notes),
		}).Error
	if err != nil {
		return err
	}

	_, err = appendCarrierMovement(ctx, tx, storeId, carrierId, MovementTypeFailedAttemptFee, ro.fee.Mul(FailedAttemptFeeRate),
		"failed attempt fee on order "+ro.order.OrderNumber, now, links)
	return err
}
