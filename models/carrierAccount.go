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

// CarrierAccountMovement is one signed, append-only ledger entry against a
// carrier. Corrections are new offsetting movements, never updates. See
// MovementType for the sign convention; the carrier balance is a plain SUM.
type CarrierAccountMovement struct {
	ID           int             `gorm:"primary_key" json:"id"`
	StoreId      string          `gorm:"index;not null" json:"store_id"`
	CarrierId    int             `gorm:"index;not null" json:"carrier_id"`
	MovementType MovementType    `gorm:"size:30;index;not null" json:"movement_type"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description  string          `gorm:"size:500" json:"description"`
	MovementDate time.Time       `gorm:"index;not null" json:"movement_date"`

	OrderId                *int `gorm:"index" json:"order_id"`
	DispatchSessionId      *int `gorm:"index" json:"dispatch_session_id"`
	DailySettlementId      *int `gorm:"index" json:"daily_settlement_id"`
	CarrierPaymentRecordId *int `gorm:"index" json:"carrier_payment_record_id"`

	// set when a later payment consumes this movement; unsettled aggregates
	// filter on it being NULL
	SettledByPaymentId *int `gorm:"index" json:"settled_by_payment_id"`

	CreatedBy string    `gorm:"size:255" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CarrierPaymentRecord documents one real-world money transfer between store
// and carrier, outside or alongside the settlement flow.
type CarrierPaymentRecord struct {
	ID          int                 `gorm:"primary_key" json:"id"`
	StoreId     string              `gorm:"uniqueIndex:idx_store_payment_code;not null" json:"store_id"`
	PaymentCode string              `gorm:"size:50;uniqueIndex:idx_store_payment_code;not null" json:"payment_code"`
	SequenceNo  int64               `gorm:"not null" json:"sequence_no"`
	CarrierId   int                 `gorm:"index;not null" json:"carrier_id"`
	Direction   PaymentDirection    `gorm:"size:20;not null" json:"direction"`
	Amount      decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"amount"`
	PaymentDate time.Time           `gorm:"index;not null" json:"payment_date"`
	Method      string              `gorm:"size:100" json:"method"`
	Reference   string              `gorm:"size:255" json:"reference"`
	Notes       string              `gorm:"size:1000" json:"notes"`
	Status      PaymentRecordStatus `gorm:"size:20;not null;default:'completed'" json:"status"`
	CreatedBy   string              `gorm:"size:255" json:"created_by"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// CarrierBalance is a derived view over the movement ledger, never stored.
type CarrierBalance struct {
	CarrierId      int             `json:"carrier_id"`
	NetBalance     decimal.Decimal `json:"net_balance"`
	MovementCount  int64           `json:"movement_count"`
	LastMovementAt *time.Time      `json:"last_movement_at"`
}

// movementSign maps each movement type to the sign its stored amount carries.
var movementSign = map[MovementType]int{
	MovementTypeCodCollected:     1,
	MovementTypeDeliveryFee:      -1,
	MovementTypeFailedAttemptFee: -1,
	MovementTypePaymentReceived:  1,
	MovementTypePaymentSent:      -1,
	MovementTypeAdjustmentCredit: -1,
	MovementTypeAdjustmentDebit:  1,
	MovementTypeDiscount:         -1,
	MovementTypeRefund:           -1,
}

// signedMovementAmount applies the ledger sign convention to a magnitude.
func signedMovementAmount(movementType MovementType, magnitude decimal.Decimal) (decimal.Decimal, error) {
	sign, ok := movementSign[movementType]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown movement type %q", movementType)
	}
	magnitude = magnitude.Abs()
	if sign < 0 {
		return magnitude.Neg(), nil
	}
	return magnitude, nil
}

// appendCarrierMovement writes one signed ledger row inside the caller's
// transaction. magnitude is taken as an absolute value; the sign comes from
// the movement type.
func appendCarrierMovement(ctx context.Context, tx *gorm.DB, storeId string, carrierId int, movementType MovementType, magnitude decimal.Decimal, description string, movementDate time.Time, links func(*CarrierAccountMovement)) (*CarrierAccountMovement, error) {
	amount, err := signedMovementAmount(movementType, magnitude)
	if err != nil {
		return nil, err
	}
	username, _ := utils.GetUsernameFromContext(ctx)
	movement := CarrierAccountMovement{
		StoreId:      storeId,
		CarrierId:    carrierId,
		MovementType: movementType,
		Amount:       amount,
		Description:  description,
		MovementDate: movementDate,
		CreatedBy:    username,
	}
	if links != nil {
		links(&movement)
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}
	return &movement, nil
}

type NewCarrierAdjustment struct {
	CarrierId   int                 `json:"carrier_id" validate:"required"`
	Direction   AdjustmentDirection `json:"direction" validate:"required,oneof=credit debit"`
	Amount      decimal.Decimal     `json:"amount" validate:"required"`
	Description string              `json:"description" validate:"required"`
}

// CreateCarrierAdjustment appends a manual correction movement. Credit is in
// the carrier's favor (reduces what they owe), debit in the store's.
func CreateCarrierAdjustment(ctx context.Context, input *NewCarrierAdjustment) (*CarrierAccountMovement, error) {
	db := config.GetDB()

	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("adjustment amount must be positive")
	}
	if err := utils.ValidateResourceId[Carrier](ctx, storeId, input.CarrierId); err != nil {
		return nil, errors.New("carrier not found")
	}

	movementType := MovementTypeAdjustmentDebit
	if input.Direction == AdjustmentDirectionCredit {
		movementType = MovementTypeAdjustmentCredit
	}

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	movement, err := appendCarrierMovement(ctx, tx.WithContext(ctx), storeId, input.CarrierId, movementType, input.Amount, input.Description, time.Now(), nil)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return movement, nil
}

// GetCarrierBalance derives the carrier's running balance from the ledger.
// Positive means the carrier owes the store.
func GetCarrierBalance(ctx context.Context, carrierId int) (*CarrierBalance, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()

	var row struct {
		NetBalance     decimal.NullDecimal
		MovementCount  int64
		LastMovementAt *time.Time
	}
	err := db.WithContext(ctx).Model(&CarrierAccountMovement{}).
		Select("SUM(amount) AS net_balance, COUNT(*) AS movement_count, MAX(movement_date) AS last_movement_at").
		Where("store_id = ? AND carrier_id = ?", storeId, carrierId).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	balance := CarrierBalance{
		CarrierId:      carrierId,
		MovementCount:  row.MovementCount,
		LastMovementAt: row.LastMovementAt,
	}
	if row.NetBalance.Valid {
		balance.NetBalance = row.NetBalance.Decimal
	}
	return &balance, nil
}

// GetUnsettledCarrierMovements lists movements no payment has consumed yet.
// Payment rows themselves never appear; they consume, they are not consumed.
func GetUnsettledCarrierMovements(ctx context.Context, carrierId int) ([]*CarrierAccountMovement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var movements []*CarrierAccountMovement
	err := db.WithContext(ctx).
		Where("store_id = ? AND carrier_id = ?", storeId, carrierId).
		Where("settled_by_payment_id IS NULL").
		Where("movement_type NOT IN ?", []MovementType{MovementTypePaymentReceived, MovementTypePaymentSent}).
		Order("movement_date, id").
		Find(&movements).Error
	if err != nil {
		return nil, err
	}
	return movements, nil
}

func GetCarrierMovements(ctx context.Context, carrierId int, from *time.Time, to *time.Time) ([]*CarrierAccountMovement, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	query := db.WithContext(ctx).
		Where("store_id = ? AND carrier_id = ?", storeId, carrierId)
	if from != nil {
		query = query.Where("movement_date >= ?", *from)
	}
	if to != nil {
		query = query.Where("movement_date < ?", *to)
	}
	var movements []*CarrierAccountMovement
	if err := query.Order("movement_date, id").Find(&movements).Error; err != nil {
		return nil, err
	}
	return movements, nil
}

type NewCarrierPayment struct {
	CarrierId     int              `json:"carrier_id" validate:"required"`
	Direction     PaymentDirection `json:"direction" validate:"required,oneof=inbound outbound"`
	Amount        decimal.Decimal  `json:"amount" validate:"required"`
	PaymentDate   *time.Time       `json:"payment_date"`
	Method        string           `json:"method"`
	Reference     string           `json:"reference"`
	Notes         string           `json:"notes"`
	MovementIds   []int            `json:"movement_ids"`
	SettlementIds []int            `json:"settlement_ids"`
}

// RegisterCarrierPayment records a real money transfer and closes out the
// ledger rows it covers: the listed movements are marked consumed and the
// payment amount is applied to the listed settlements in order. This is how a
// lump payment settles many small COD collections at once, outside the
// per-session settlement flow.
func RegisterCarrierPayment(ctx context.Context, input *NewCarrierPayment) (*CarrierPaymentRecord, error) {
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
	if err := utils.ValidateResourceId[Carrier](ctx, storeId, input.CarrierId); err != nil {
		return nil, errors.New("carrier not found")
	}

	paymentDate := time.Now()
	if input.PaymentDate != nil {
		paymentDate = *input.PaymentDate
	}
	username, _ := utils.GetUsernameFromContext(ctx)

	var record *CarrierPaymentRecord
	var err error
	for attempt := 0; ; attempt++ {
		record, err = registerCarrierPaymentTx(ctx, storeId, username, input, paymentDate)
		if err == nil {
			break
		}
		if isDuplicateKeyError(err) && attempt < 5 {
			continue
		}
		return nil, err
	}
	return record, nil
}

func registerCarrierPaymentTx(ctx context.Context, storeId string, username string, input *NewCarrierPayment, paymentDate time.Time) (*CarrierPaymentRecord, error) {
	db := config.GetDB()

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
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
		CarrierId:   input.CarrierId,
		Direction:   input.Direction,
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

	// the payment itself is a ledger movement: inbound means the carrier
	// remitted money to the store, reducing what they owe (payment_sent, -);
	// outbound means the store paid the carrier (payment_received, +)
	movementType := MovementTypePaymentReceived
	if input.Direction == PaymentDirectionInbound {
		movementType = MovementTypePaymentSent
	}
	_, err = appendCarrierMovement(ctx, tx.WithContext(ctx), storeId, input.CarrierId, movementType, input.Amount,
		"carrier payment "+code, paymentDate, func(m *CarrierAccountMovement) {
			m.CarrierPaymentRecordId = &record.ID
		})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(input.MovementIds) > 0 {
		movementIds := utils.UniqueSlice(input.MovementIds)
		result := tx.WithContext(ctx).Model(&CarrierAccountMovement{}).
			Where("store_id = ? AND carrier_id = ? AND id IN ? AND settled_by_payment_id IS NULL", storeId, input.CarrierId, movementIds).
			Update("settled_by_payment_id", record.ID)
		if result.Error != nil {
			tx.Rollback()
			return nil, result.Error
		}
		if result.RowsAffected != int64(len(movementIds)) {
			tx.Rollback()
			return nil, errors.New("some movements do not exist, belong to another carrier, or are already settled")
		}
	}

	if len(input.SettlementIds) > 0 {
		if err := applyPaymentToSettlements(ctx, tx.WithContext(ctx), storeId, input.CarrierId, record.ID, input.Amount, utils.UniqueSlice(input.SettlementIds)); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	err = PublishEvent(ctx, tx.WithContext(ctx), storeId, paymentDate, record.ID, ReferenceTypeCarrierPayment, EventActionPaid, &record)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// applyPaymentToSettlements walks the settlements in the given order, paying
// each up to its open balance; whatever remains after the last one is applied
// there and the overpayment mode decides its fate.
func applyPaymentToSettlements(ctx context.Context, tx *gorm.DB, storeId string, carrierId int, paymentId int, amount decimal.Decimal, settlementIds []int) error {
	var settlements []*DailySettlement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id IN ?", storeId, settlementIds).
		Order("settlement_date, id").
		Find(&settlements).Error
	if err != nil {
		return err
	}
	if len(settlements) != len(settlementIds) {
		return errors.New("some settlements were not found")
	}

	remaining := amount
	for i, settlement := range settlements {
		if settlement.CarrierId != carrierId {
			return fmt.Errorf("settlement %s belongs to another carrier", settlement.SettlementCode)
		}
		if settlement.Status == SettlementStatusCancelled {
			return fmt.Errorf("settlement %s is cancelled", settlement.SettlementCode)
		}

		share := remaining
		if i < len(settlements)-1 {
			open := settlement.NetReceivable.Sub(settlement.AmountPaid)
			if open.IsNegative() {
				open = decimal.Zero
			}
			if share.GreaterThan(open) {
				share = open
			}
		}
		remaining = remaining.Sub(share)

		applied, err := applySettlementPayment(settlement.NetReceivable, settlement.AmountPaid, share, config.SettlementOverpaymentMode())
		if err != nil {
			return fmt.Errorf("settlement %s: %w", settlement.SettlementCode, err)
		}
		err = tx.Model(settlement).Updates(map[string]interface{}{
			"amount_paid": applied.AmountPaid,
			"balance_due": applied.BalanceDue,
			"status":      applied.Status,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// BackfillCarrierMovements retroactively writes cod_collected and
// delivery_fee movements for delivered session orders that predate the
// ledger. One-time migration helper, idempotent per order.
func BackfillCarrierMovements(ctx context.Context, carrierId *int) (int, error) {
	db := config.GetDB()

	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return 0, errors.New("store id is required")
	}

	query := db.WithContext(ctx).Model(&DispatchSessionOrder{}).
		Select("dispatch_session_orders.*, dispatch_sessions.carrier_id AS session_carrier_id, dispatch_sessions.dispatch_date").
		Joins("JOIN dispatch_sessions ON dispatch_sessions.id = dispatch_session_orders.dispatch_session_id").
		Where("dispatch_session_orders.store_id = ?", storeId).
		Where("dispatch_session_orders.outcome = ?", DeliveryOutcomeDelivered).
		Where("NOT EXISTS (SELECT 1 FROM carrier_account_movements m WHERE m.store_id = dispatch_session_orders.store_id AND m.order_id = dispatch_session_orders.order_id AND m.movement_type = ?)", MovementTypeCodCollected)
	if carrierId != nil {
		query = query.Where("dispatch_sessions.carrier_id = ?", *carrierId)
	}

	var rows []struct {
		DispatchSessionOrder
		SessionCarrierId int
		DispatchDate     time.Time
	}
	if err := query.Scan(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx := db.Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	written := 0
	for _, row := range rows {
		orderId := row.OrderId
		sessionId := row.DispatchSessionId
		links := func(m *CarrierAccountMovement) {
			m.OrderId = &orderId
			m.DispatchSessionId = &sessionId
		}

		if row.IsCod {
			collected := row.AmountToCollect
			if row.AmountCollected != nil {
				collected = *row.AmountCollected
			}
			if collected.GreaterThan(decimal.Zero) {
				_, err := appendCarrierMovement(ctx, tx.WithContext(ctx), storeId, row.SessionCarrierId, MovementTypeCodCollected, collected,
					"backfill: COD collected on order "+row.OrderNumber, row.DispatchDate, links)
				if err != nil {
					tx.Rollback()
					return 0, err
				}
				written++
			}
		}
		_, err := appendCarrierMovement(ctx, tx.WithContext(ctx), storeId, row.SessionCarrierId, MovementTypeDeliveryFee, row.DeliveryFee,
			"backfill: delivery fee on order "+row.OrderNumber, row.DispatchDate, links)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		written++
	}
	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return written, nil
}
