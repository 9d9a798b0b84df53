package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FailedAttemptFeeRate: a failed delivery attempt costs the store half the
// normal fee for that zone. Fixed business rule, per order, not configurable.
var FailedAttemptFeeRate = decimal.NewFromFloat(0.5)

// DiscrepancyTolerance below which a reported-vs-expected COD difference is
// ignored rather than flagged.
var DiscrepancyTolerance = decimal.NewFromFloat(0.01)

// DailySettlement closes the money side of one dispatch session or manual
// reconciliation batch. Positive NetReceivable means the carrier holds store
// money; negative means the store owes the carrier (typical all-prepaid day).
type DailySettlement struct {
	ID             int              `gorm:"primary_key" json:"id"`
	StoreId        string           `gorm:"uniqueIndex:idx_store_settlement_code;not null" json:"store_id"`
	SettlementCode string           `gorm:"size:50;uniqueIndex:idx_store_settlement_code;not null" json:"settlement_code"`
	SequenceNo     int64            `gorm:"not null" json:"sequence_no"`
	CarrierId      int              `gorm:"index;not null" json:"carrier_id"`
	Carrier        *Carrier         `json:"carrier"`
	Source         SettlementSource `gorm:"size:30;not null" json:"source"`
	SettlementDate time.Time        `gorm:"index;not null" json:"settlement_date"`

	DispatchSessionId *int `gorm:"uniqueIndex" json:"dispatch_session_id"`

	OrderCount     int `gorm:"not null" json:"order_count"`
	DeliveredCount int `gorm:"not null" json:"delivered_count"`
	FailedCount    int `gorm:"not null" json:"failed_count"`

	TotalCodCollected decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_cod_collected"`
	TotalCarrierFees  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_carrier_fees"`
	FailedAttemptFees decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"failed_attempt_fees"`

	Discrepancy          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"discrepancy"`
	DiscrepancyConfirmed bool            `gorm:"not null;default:false" json:"discrepancy_confirmed"`

	NetReceivable decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"net_receivable"`
	AmountPaid    decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount_paid"`
	BalanceDue    decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"balance_due"`
	Status        SettlementStatus `gorm:"size:20;index;not null;default:'pending'" json:"status"`

	Notes     string    `gorm:"size:1000" json:"notes"`
	CreatedBy string    `gorm:"size:255" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d DailySettlement) GetId() int {
	return d.ID
}

func (d DailySettlement) GetCursor() string {
	return d.SettlementDate.Format(time.RFC3339)
}

// settlementTotals are the aggregates both settlement paths compute the same
// way from the per-order snapshots.
type settlementTotals struct {
	OrderCount     int
	DeliveredCount int
	FailedCount    int
	PendingCount   int

	TotalCodCollected decimal.Decimal
	TotalCarrierFees  decimal.Decimal
	FailedAttemptFees decimal.Decimal
}

// computeSettlementTotals folds the session orders into settlement aggregates.
// Delivered orders earn the carrier their full fee and surrender collected
// COD; every non-delivered outcome is a failed attempt at half fee. Pending
// rows contribute nothing.
func computeSettlementTotals(rows []DispatchSessionOrder) settlementTotals {
	t := settlementTotals{OrderCount: len(rows)}
	for _, row := range rows {
		switch row.Outcome {
		case DeliveryOutcomeDelivered:
			t.DeliveredCount++
			t.TotalCarrierFees = t.TotalCarrierFees.Add(row.DeliveryFee)
			if row.IsCod {
				collected := row.AmountToCollect
				if row.AmountCollected != nil {
					collected = *row.AmountCollected
				}
				t.TotalCodCollected = t.TotalCodCollected.Add(collected)
			}
		case DeliveryOutcomePending:
			t.PendingCount++
		default:
			t.FailedCount++
			t.FailedAttemptFees = t.FailedAttemptFees.Add(row.DeliveryFee.Mul(FailedAttemptFeeRate))
		}
	}
	return t
}

// NetReceivable is the core settlement formula:
// collected COD minus earned fees minus failed-attempt penalties.
func (t settlementTotals) NetReceivable() decimal.Decimal {
	return t.TotalCodCollected.Sub(t.TotalCarrierFees).Sub(t.FailedAttemptFees)
}

// appliedPayment is the result of applying one payment to a settlement.
type appliedPayment struct {
	AmountPaid decimal.Decimal
	BalanceDue decimal.Decimal
	Status     SettlementStatus
}

// applySettlementPayment adds one payment to a settlement's running totals.
// Payments are additive; how an overpayment is treated depends on mode:
// allow lets balance_due go negative, clamp caps the applied amount, reject
// errors out.
func applySettlementPayment(netReceivable decimal.Decimal, amountPaid decimal.Decimal, payment decimal.Decimal, mode string) (appliedPayment, error) {
	if payment.IsNegative() {
		return appliedPayment{}, errors.New("payment amount cannot be negative")
	}

	newPaid := amountPaid.Add(payment)
	if newPaid.GreaterThan(netReceivable) && netReceivable.GreaterThan(decimal.Zero) {
		switch mode {
		case config.OverpaymentModeClamp:
			newPaid = netReceivable
		case config.OverpaymentModeReject:
			return appliedPayment{}, fmt.Errorf("payment exceeds balance due: paying %s against an open balance of %s",
				payment.StringFixed(2), netReceivable.Sub(amountPaid).StringFixed(2))
		}
	}

	status := SettlementStatusPartial
	if newPaid.GreaterThanOrEqual(netReceivable) {
		status = SettlementStatusPaid
	} else if newPaid.IsZero() {
		status = SettlementStatusPending
	}

	return appliedPayment{
		AmountPaid: newPaid,
		BalanceDue: netReceivable.Sub(newPaid),
		Status:     status,
	}, nil
}

// ProcessSettlement settles a dispatch session: computes the aggregates from
// its order snapshots, writes the DailySettlement and the per-order ledger
// movements, marks the session settled, and synchronizes the main order
// statuses. One transaction; a conditional status update on the session
// prevents two racing settlements from both succeeding.
func ProcessSettlement(ctx context.Context, sessionId int, notes string) (*DailySettlement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}

	session, err := GetDispatchSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status == DispatchStatusSettled || session.Status == DispatchStatusCancelled {
		return nil, fmt.Errorf("dispatch session %s is %s and cannot be settled", session.SessionCode, session.Status)
	}

	username, _ := utils.GetUsernameFromContext(ctx)

	var settlement *DailySettlement
	for attempt := 0; ; attempt++ {
		settlement, err = processSettlementTx(ctx, storeId, username, session, notes)
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

func processSettlementTx(ctx context.Context, storeId string, username string, session *DispatchSession, notes string) (*DailySettlement, error) {
	db := config.GetDB()
	now := time.Now()

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	// conditional update: only one settlement wins the race on this session
	result := tx.WithContext(ctx).Model(&DispatchSession{}).
		Where("store_id = ? AND id = ? AND status IN ?", storeId, session.ID, activeDispatchStatuses).
		Updates(map[string]interface{}{"status": DispatchStatusSettled, "settled_at": now})
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("dispatch session %s was settled or cancelled by a concurrent operation", session.SessionCode)
	}

	// the snapshots are re-read under lock so outcomes imported after the
	// caller loaded the session still land in this settlement
	var rows []DispatchSessionOrder
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND dispatch_session_id = ?", storeId, session.ID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	totals := computeSettlementTotals(rows)
	if totals.PendingCount > 0 {
		config.LogWarn(config.GetLogger(), "models", "processSettlementTx", "settlement",
			map[string]interface{}{"session_code": session.SessionCode, "pending_count": totals.PendingCount},
			"session has orders with no recorded outcome; they contribute nothing to this settlement")
	}

	seqNo, code, err := nextDailyCode[DailySettlement](ctx, storeId, CodePrefixSettlement, "settlement_date", now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	net := totals.NetReceivable()
	settlement := DailySettlement{
		StoreId:           storeId,
		SettlementCode:    code,
		SequenceNo:        seqNo,
		CarrierId:         session.CarrierId,
		Source:            SettlementSourceDispatch,
		SettlementDate:    now,
		DispatchSessionId: &session.ID,
		OrderCount:        totals.OrderCount,
		DeliveredCount:    totals.DeliveredCount,
		FailedCount:       totals.FailedCount,
		TotalCodCollected: totals.TotalCodCollected,
		TotalCarrierFees:  totals.TotalCarrierFees,
		FailedAttemptFees: totals.FailedAttemptFees,
		NetReceivable:     net,
		AmountPaid:        decimal.Zero,
		BalanceDue:        net,
		Status:            SettlementStatusPending,
		Notes:             notes,
		CreatedBy:         username,
	}
	if err := tx.WithContext(ctx).Create(&settlement).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := writeSettlementMovements(ctx, tx.WithContext(ctx), storeId, session, &settlement, rows); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := syncOrderStatuses(ctx, tx.WithContext(ctx), storeId, rows, now); err != nil {
		tx.Rollback()
		return nil, err
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

// writeSettlementMovements appends the per-order ledger rows a settlement
// implies: COD collected and full fee for delivered orders, half fee for
// failed attempts.
func writeSettlementMovements(ctx context.Context, tx *gorm.DB, storeId string, session *DispatchSession, settlement *DailySettlement, rows []DispatchSessionOrder) error {
	for i := range rows {
		row := rows[i]
		orderId := row.OrderId
		links := func(m *CarrierAccountMovement) {
			m.OrderId = &orderId
			m.DispatchSessionId = &session.ID
			m.DailySettlementId = &settlement.ID
		}

		switch row.Outcome {
		case DeliveryOutcomeDelivered:
			if row.IsCod {
				collected := row.AmountToCollect
				if row.AmountCollected != nil {
					collected = *row.AmountCollected
				}
				if collected.GreaterThan(decimal.Zero) {
					_, err := appendCarrierMovement(ctx, tx, storeId, session.CarrierId, MovementTypeCodCollected, collected,
						"COD collected on order "+row.OrderNumber, settlement.SettlementDate, links)
					if err != nil {
						return err
					}
				}
			}
			_, err := appendCarrierMovement(ctx, tx, storeId, session.CarrierId, MovementTypeDeliveryFee, row.DeliveryFee,
				"delivery fee on order "+row.OrderNumber, settlement.SettlementDate, links)
			if err != nil {
				return err
			}
		case DeliveryOutcomePending:
			// no outcome, no money moved
		default:
			_, err := appendCarrierMovement(ctx, tx, storeId, session.CarrierId, MovementTypeFailedAttemptFee, row.DeliveryFee.Mul(FailedAttemptFeeRate),
				"failed attempt fee on order "+row.OrderNumber, settlement.SettlementDate, links)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// syncOrderStatuses pushes the recorded outcomes onto the main order rows:
// delivered orders close, failed ones return to the dispatchable pool with
// their notes.
func syncOrderStatuses(ctx context.Context, tx *gorm.DB, storeId string, rows []DispatchSessionOrder, now time.Time) error {
	for _, row := range rows {
		switch row.Outcome {
		case DeliveryOutcomeDelivered:
			updates := map[string]interface{}{
				"status":       OrderStatusDelivered,
				"delivered_at": now,
			}
			if row.AmountCollected != nil {
				updates["amount_collected"] = *row.AmountCollected
			}
			if row.Notes != "" {
				updates["delivery_notes"] = row.Notes
			}
			err := tx.Model(&Order{}).
				Where("store_id = ? AND id = ?", storeId, row.OrderId).
				Updates(updates).Error
			if err != nil {
				return err
			}
		case DeliveryOutcomePending:
			// leave shipped; the order is still out with the courier
		default:
			updates := map[string]interface{}{
				"status":              OrderStatusReadyToShip,
				"assigned_carrier_id": nil,
				"shipped_at":          nil,
			}
			if row.Notes != "" {
				updates["delivery_notes"] = row.Notes
			}
			err := tx.Model(&Order{}).
				Where("store_id = ? AND id = ?", storeId, row.OrderId).
				Updates(updates).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

type NewSettlementPayment struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate *time.Time      `json:"payment_date"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference"`
	Notes       string          `json:"notes"`
}

// MarkSettlementPaid applies one payment to a settlement. Payments are
// additive so several partials accumulate; each one also produces a
// CarrierPaymentRecord and a ledger movement so both books agree.
func MarkSettlementPaid(ctx context.Context, settlementId int, input *NewSettlementPayment) (*DailySettlement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("payment amount must be positive")
	}

	paymentDate := time.Now()
	if input.PaymentDate != nil {
		paymentDate = *input.PaymentDate
	}
	username, _ := utils.GetUsernameFromContext(ctx)

	var settlement *DailySettlement
	var err error
	for attempt := 0; ; attempt++ {
		settlement, err = markSettlementPaidTx(ctx, storeId, username, settlementId, input, paymentDate)
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

func markSettlementPaidTx(ctx context.Context, storeId string, username string, settlementId int, input *NewSettlementPayment, paymentDate time.Time) (*DailySettlement, error) {
	db := config.GetDB()

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var settlement DailySettlement
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id = ?", storeId, settlementId).
		First(&settlement).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if settlement.Status == SettlementStatusCancelled {
		tx.Rollback()
		return nil, fmt.Errorf("settlement %s is cancelled", settlement.SettlementCode)
	}

	applied, err := applySettlementPayment(settlement.NetReceivable, settlement.AmountPaid, input.Amount, config.SettlementOverpaymentMode())
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// positive balance: the carrier is handing money over; negative: the
	// store is paying out the carrier's fees
	direction := PaymentDirectionInbound
	if settlement.NetReceivable.IsNegative() {
		direction = PaymentDirectionOutbound
	}

	seqNo, code, err := nextDailyCode[CarrierPaymentRecord](ctx, storeId, CodePrefixPayment, "payment_date", paymentDate)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	record := CarrierPaymentRecord{
		StoreId:     storeId,
		PaymentCode: code,
		SequenceNo:  seqNo,
		CarrierId:   settlement.CarrierId,
		Direction:   direction,
		Amount:      input.Amount,
		PaymentDate: paymentDate,
		Method:      input.Method,
		Reference:   input.Reference,
		Notes:       input.Notes,
		Status:      PaymentRecordStatusCompleted,
		CreatedBy:   username,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	movementType := MovementTypePaymentSent
	if direction == PaymentDirectionOutbound {
		movementType = MovementTypePaymentReceived
	}
	_, err = appendCarrierMovement(ctx, tx.WithContext(ctx), storeId, settlement.CarrierId, movementType, input.Amount,
		"payment on settlement "+settlement.SettlementCode, paymentDate, func(m *CarrierAccountMovement) {
			m.DailySettlementId = &settlement.ID
			m.CarrierPaymentRecordId = &record.ID
		})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&settlement).Updates(map[string]interface{}{
		"amount_paid": applied.AmountPaid,
		"balance_due": applied.BalanceDue,
		"status":      applied.Status,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	settlement.AmountPaid = applied.AmountPaid
	settlement.BalanceDue = applied.BalanceDue
	settlement.Status = applied.Status

	err = PublishEvent(ctx, tx.WithContext(ctx), storeId, paymentDate, settlement.ID, ReferenceTypeDailySettlement, EventActionPaid, &settlement)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

func GetDailySettlement(ctx context.Context, id int) (*DailySettlement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var settlement DailySettlement
	err := db.WithContext(ctx).Preload("Carrier").
		Where("store_id = ? AND id = ?", storeId, id).
		First(&settlement).Error
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// PaginateDailySettlements pages newest-first by (settlement_date, id).
func PaginateDailySettlements(ctx context.Context, carrierId *int, status *SettlementStatus, limit int, after *string) ([]Edge[DailySettlement], *PageInfo, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, nil, errors.New("store id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&DailySettlement{}).
		Where("store_id = ?", storeId)
	if carrierId != nil {
		dbCtx = dbCtx.Where("carrier_id = ?", *carrierId)
	}
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	return FetchPageCompositeCursor[DailySettlement](dbCtx, limit, after, "settlement_date", "<")
}
