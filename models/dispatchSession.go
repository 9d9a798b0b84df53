package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatchSession is one batch handoff of orders to one carrier on one date.
// Immutable after creation except status, transition timestamps and the
// aggregate totals the settlement flow maintains.
type DispatchSession struct {
	ID               int                    `gorm:"primary_key" json:"id"`
	StoreId          string                 `gorm:"uniqueIndex:idx_store_session_code;not null" json:"store_id"`
	SessionCode      string                 `gorm:"size:50;uniqueIndex:idx_store_session_code;not null" json:"session_code"`
	SequenceNo       int64                  `gorm:"not null" json:"sequence_no"`
	CarrierId        int                    `gorm:"index;not null" json:"carrier_id"`
	Carrier          *Carrier               `json:"carrier"`
	DispatchDate     time.Time              `gorm:"index;not null" json:"dispatch_date"`
	OrderCount       int                    `gorm:"not null" json:"order_count"`
	TotalCodExpected decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"total_cod_expected"`
	TotalPrepaid     int                    `gorm:"not null" json:"total_prepaid"`
	Status           DispatchStatus         `gorm:"size:20;index;not null;default:'dispatched'" json:"status"`
	Orders           []DispatchSessionOrder `gorm:"foreignKey:DispatchSessionId" json:"orders"`
	DispatchedAt     time.Time              `json:"dispatched_at"`
	ProcessingAt     *time.Time             `json:"processing_at"`
	SettledAt        *time.Time             `json:"settled_at"`
	CancelledAt      *time.Time             `json:"cancelled_at"`
	CreatedBy        string                 `gorm:"size:255" json:"created_by"`
	CreatedAt        time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d DispatchSession) GetId() int {
	return d.ID
}

func (d DispatchSession) GetCursor() string {
	return d.DispatchDate.Format(time.RFC3339)
}

// DispatchSessionOrder snapshots one order's delivery-relevant fields at
// dispatch time. The snapshot is what settlement math runs on, so later edits
// to the order never change what the carrier owes. Outcome fields are written
// once, at import or reconciliation time.
type DispatchSessionOrder struct {
	ID                int    `gorm:"primary_key" json:"id"`
	StoreId           string `gorm:"index;not null" json:"store_id"`
	DispatchSessionId int    `gorm:"index;not null" json:"dispatch_session_id"`
	OrderId           int    `gorm:"index;not null" json:"order_id"`

	OrderNumber     string          `gorm:"size:255" json:"order_number"`
	CustomerName    string          `gorm:"size:255" json:"customer_name"`
	CustomerPhone   string          `gorm:"size:255" json:"customer_phone"`
	Address         string          `gorm:"size:500" json:"address"`
	City            string          `gorm:"size:255" json:"city"`
	ZoneName        string          `gorm:"size:255" json:"zone_name"`
	PaymentMethod   string          `gorm:"size:255" json:"payment_method"`
	IsCod           bool            `gorm:"not null" json:"is_cod"`
	TotalPrice      decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_price"`
	AmountToCollect decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_to_collect"`
	DeliveryFee     decimal.Decimal `gorm:"type:decimal(20,4)" json:"delivery_fee"`

	Outcome           DeliveryOutcome  `gorm:"size:20;not null;default:'pending'" json:"outcome"`
	AmountCollected   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_collected"`
	FailureReason     FailureReason    `gorm:"size:30" json:"failure_reason"`
	Notes             string           `gorm:"size:1000" json:"notes"`
	OutcomeRecordedAt *time.Time       `json:"outcome_recorded_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDispatchSession struct {
	CarrierId    int        `json:"carrier_id" validate:"required"`
	OrderIds     []int      `json:"order_ids" validate:"required,min=1"`
	DispatchDate *time.Time `json:"dispatch_date"`
}

// activeDispatchStatuses are the states in which a session still claims its
// orders. Settled and cancelled sessions release them.
var activeDispatchStatuses = []DispatchStatus{DispatchStatusDispatched, DispatchStatusProcessing}

type sessionConflict struct {
	OrderId     int    `json:"order_id"`
	OrderNumber string `json:"order_number"`
	SessionCode string `json:"session_code"`
}

// findActiveSessionConflicts lists requested orders already claimed by an
// active session. Runs against tx so CreateDispatchSession can re-check under
// its row locks.
func findActiveSessionConflicts(db *gorm.DB, storeId string, orderIds []int) ([]sessionConflict, error) {
	var conflicts []sessionConflict
	err := db.Table("dispatch_session_orders").
		Select("dispatch_session_orders.order_id, dispatch_session_orders.order_number, dispatch_sessions.session_code").
		Joins("JOIN dispatch_sessions ON dispatch_sessions.id = dispatch_session_orders.dispatch_session_id").
		Where("dispatch_session_orders.store_id = ?", storeId).
		Where("dispatch_session_orders.order_id IN ?", orderIds).
		Where("dispatch_sessions.status IN ?", activeDispatchStatuses).
		Scan(&conflicts).Error
	return conflicts, err
}

func conflictError(conflicts []sessionConflict) error {
	parts := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		parts = append(parts, fmt.Sprintf("%s (session %s)", c.OrderNumber, c.SessionCode))
	}
	return fmt.Errorf("orders already belong to an active dispatch session: %s", strings.Join(parts, ", "))
}

// CreateDispatchSession groups orders into an immutable dispatch batch for
// one carrier: prices each order off the carrier's zone table, classifies
// COD vs prepaid, snapshots the children, and ships the orders. Everything
// runs in one transaction with the conflict check repeated under row locks.
func CreateDispatchSession(ctx context.Context, input *NewDispatchSession) (*DispatchSession, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	orderIds := utils.UniqueSlice(input.OrderIds)

	if err := utils.ValidateResourceId[Carrier](ctx, storeId, input.CarrierId); err != nil {
		return nil, errors.New("carrier not found")
	}

	zones, err := GetActiveCarrierZones(ctx, input.CarrierId)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, errors.New("carrier has no active zones configured; add at least one zone rate before dispatching")
	}
	rateTable := NewZoneRateTable(input.CarrierId, zones)
	if !rateTable.HasFallbackZone() {
		config.LogWarn(logger, "models", "CreateDispatchSession", "dispatch preflight",
			map[string]interface{}{"carrier_id": input.CarrierId},
			"carrier has no default/fallback zone; unmapped cities will price off the first configured zone")
	}

	dispatchDate := time.Now()
	if input.DispatchDate != nil {
		dispatchDate = *input.DispatchDate
	}

	// cheap pre-checks outside the tx for friendly errors; both are repeated
	// under the row locks below
	var orders []*Order
	if err := db.WithContext(ctx).
		Where("store_id = ? AND id IN ?", storeId, orderIds).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	if missing := missingOrderIds(orderIds, orders); len(missing) > 0 {
		return nil, fmt.Errorf("orders not found: %v", missing)
	}
	conflicts, err := findActiveSessionConflicts(db.WithContext(ctx), storeId, orderIds)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, conflictError(conflicts)
	}

	username, _ := utils.GetUsernameFromContext(ctx)

	var session *DispatchSession
	for attempt := 0; ; attempt++ {
		session, err = createDispatchSessionTx(ctx, storeId, username, input.CarrierId, orderIds, dispatchDate, rateTable)
		if err == nil {
			break
		}
		// lost a same-day code race; the sequence helper hands out a fresh
		// number on retry
		if isDuplicateKeyError(err) && attempt < 5 {
			continue
		}
		return nil, err
	}

	return session, nil
}

func createDispatchSessionTx(ctx context.Context, storeId string, username string, carrierId int, orderIds []int, dispatchDate time.Time, rateTable *ZoneRateTable) (*DispatchSession, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	// lock the order rows, then repeat the membership checks under the lock
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
	conflicts, err := findActiveSessionConflicts(tx.WithContext(ctx), storeId, orderIds)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(conflicts) > 0 {
		tx.Rollback()
		return nil, conflictError(conflicts)
	}

	seqNo, code, err := nextDailyCode[DispatchSession](ctx, storeId, CodePrefixDispatch, "dispatch_date", dispatchDate)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	totalCodExpected := decimal.Zero
	totalPrepaid := 0
	children := make([]DispatchSessionOrder, 0, len(orders))
	for _, order := range orders {
		if order.Status != OrderStatusReadyToShip && order.Status != OrderStatusConfirmed {
			config.LogWarn(logger, "models", "CreateDispatchSession", "dispatch preflight",
				map[string]interface{}{"order_id": order.ID, "order_number": order.OrderNumber, "status": order.Status},
				"order is not in a dispatchable status; including it anyway")
		}

		isCod := order.IsCOD()
		amountToCollect := order.CODAmount()
		if isCod {
			totalCodExpected = totalCodExpected.Add(amountToCollect)
		} else {
			totalPrepaid++
		}

		children = append(children, DispatchSessionOrder{
			StoreId:         storeId,
			OrderId:         order.ID,
			OrderNumber:     order.OrderNumber,
			CustomerName:    order.CustomerName,
			CustomerPhone:   order.CustomerPhone,
			Address:         order.Address,
			City:            order.City,
			ZoneName:        strings.ToLower(strings.TrimSpace(order.City)),
			PaymentMethod:   order.PaymentMethod,
			IsCod:           isCod,
			TotalPrice:      order.TotalPrice,
			AmountToCollect: amountToCollect,
			DeliveryFee:     rateTable.ResolveFee(order.City),
			Outcome:         DeliveryOutcomePending,
		})
	}

	session := DispatchSession{
		StoreId:          storeId,
		SessionCode:      code,
		SequenceNo:       seqNo,
		CarrierId:        carrierId,
		DispatchDate:     dispatchDate,
		OrderCount:       len(orders),
		TotalCodExpected: totalCodExpected,
		TotalPrepaid:     totalPrepaid,
		Status:           DispatchStatusDispatched,
		Orders:           children,
		DispatchedAt:     now,
		CreatedBy:        username,
	}
	if err := tx.WithContext(ctx).Create(&session).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&Order{}).
		Where("store_id = ? AND id IN ?", storeId, orderIds).
		Updates(map[string]interface{}{
			"status":              OrderStatusShipped,
			"assigned_carrier_id": carrierId,
			"shipped_at":          now,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	err = PublishEvent(ctx, tx.WithContext(ctx), storeId, now, session.ID, ReferenceTypeDispatchSession, EventActionCreated, &session)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// CancelDispatchSession voids a not-yet-settled session and returns its
// unresolved orders to the dispatchable pool. Orders with a recorded outcome
// keep their state.
func CancelDispatchSession(ctx context.Context, sessionId int) (*DispatchSession, error) {
	db := config.GetDB()

	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var session DispatchSession
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id = ?", storeId, sessionId).
		First(&session).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if session.Status == DispatchStatusSettled || session.Status == DispatchStatusCancelled {
		tx.Rollback()
		return nil, fmt.Errorf("dispatch session %s is %s and cannot be cancelled", session.SessionCode, session.Status)
	}

	var pendingOrderIds []int
	err = tx.WithContext(ctx).Model(&DispatchSessionOrder{}).
		Where("store_id = ? AND dispatch_session_id = ? AND outcome = ?", storeId, sessionId, DeliveryOutcomePending).
		Pluck("order_id", &pendingOrderIds).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(pendingOrderIds) > 0 {
		err = tx.WithContext(ctx).Model(&Order{}).
			Where("store_id = ? AND id IN ? AND status = ?", storeId, pendingOrderIds, OrderStatusShipped).
			Updates(map[string]interface{}{
				"status":              OrderStatusReadyToShip,
				"assigned_carrier_id": nil,
				"shipped_at":          nil,
			}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	now := time.Now()
	err = tx.WithContext(ctx).Model(&session).
		Updates(map[string]interface{}{"status": DispatchStatusCancelled, "cancelled_at": now}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	session.Status = DispatchStatusCancelled
	session.CancelledAt = &now

	err = PublishEvent(ctx, tx.WithContext(ctx), storeId, now, session.ID, ReferenceTypeDispatchSession, EventActionCancelled, &session)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func GetDispatchSession(ctx context.Context, id int) (*DispatchSession, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var session DispatchSession
	err := db.WithContext(ctx).Preload("Orders").Preload("Carrier").
		Where("store_id = ? AND id = ?", storeId, id).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func GetDispatchSessionByCode(ctx context.Context, code string) (*DispatchSession, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var session DispatchSession
	err := db.WithContext(ctx).Preload("Orders").Preload("Carrier").
		Where("store_id = ? AND session_code = ?", storeId, code).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// PaginateDispatchSessions pages newest-first by (dispatch_date, id).
func PaginateDispatchSessions(ctx context.Context, carrierId *int, status *DispatchStatus, limit int, after *string) ([]Edge[DispatchSession], *PageInfo, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, nil, errors.New("store id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&DispatchSession{}).
		Where("store_id = ?", storeId)
	if carrierId != nil {
		dbCtx = dbCtx.Where("carrier_id = ?", *carrierId)
	}
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	return FetchPageCompositeCursor[DispatchSession](dbCtx, limit, after, "dispatch_date", "<")
}

func missingOrderIds(requested []int, found []*Order) []int {
	present := make(map[int]bool, len(found))
	for _, o := range found {
		present[o.ID] = true
	}
	var missing []int
	for _, id := range requested {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
