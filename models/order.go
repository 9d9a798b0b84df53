package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
)

// Order is the sales order as the dispatch flow sees it. Orders are created
// upstream (storefront sync); this service only transitions their fulfilment
// state and records collection results.
type Order struct {
	ID                   int              `gorm:"primary_key" json:"id"`
	StoreId              string           `gorm:"uniqueIndex:idx_store_order_no;not null" json:"store_id"`
	OrderNumber          string           `gorm:"size:255;uniqueIndex:idx_store_order_no;not null" json:"order_number"`
	CustomerName         string           `gorm:"size:255" json:"customer_name"`
	CustomerPhone        string           `gorm:"size:255" json:"customer_phone"`
	Address              string           `gorm:"size:500" json:"address"`
	City                 string           `gorm:"size:255" json:"city"`
	PaymentMethod        string           `gorm:"size:255" json:"payment_method"`
	TotalPrice           decimal.Decimal  `gorm:"type:decimal(20,4)" json:"total_price"`
	Status               OrderStatus      `gorm:"size:50;index" json:"status"`
	AssignedCarrierId    *int             `gorm:"index" json:"assigned_carrier_id"`
	ShippedAt            *time.Time       `json:"shipped_at"`
	DeliveredAt          *time.Time       `json:"delivered_at"`
	AmountCollected      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_collected"`
	HasAmountDiscrepancy bool             `gorm:"default:false" json:"has_amount_discrepancy"`
	DeliveryNotes        string           `gorm:"size:1000" json:"delivery_notes"`
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrder struct {
	OrderNumber   string          `json:"order_number" validate:"required"`
	CustomerName  string          `json:"customer_name" validate:"required"`
	CustomerPhone string          `json:"customer_phone"`
	Address       string          `json:"address"`
	City          string          `json:"city"`
	PaymentMethod string          `json:"payment_method"`
	TotalPrice    decimal.Decimal `json:"total_price"`
}

// IsCOD classifies this order's payment method.
func (o *Order) IsCOD() bool {
	return IsCashOnDelivery(o.PaymentMethod)
}

// CODAmount is what the courier must collect at the door.
func (o *Order) CODAmount() decimal.Decimal {
	return AmountToCollect(o.PaymentMethod, o.TotalPrice)
}

func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.TotalPrice.IsNegative() {
		return nil, errors.New("total price cannot be negative")
	}
	if err := utils.ValidateUnique[Order](ctx, storeId, "order_number", input.OrderNumber, 0); err != nil {
		return nil, errors.New("order number already exists")
	}

	order := Order{
		StoreId:       storeId,
		OrderNumber:   input.OrderNumber,
		CustomerName:  input.CustomerName,
		CustomerPhone: input.CustomerPhone,
		Address:       input.Address,
		City:          input.City,
		PaymentMethod: input.PaymentMethod,
		TotalPrice:    input.TotalPrice,
		Status:        OrderStatusConfirmed,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	return utils.FetchModel[Order](ctx, storeId, id)
}

func GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).
		Where("store_id = ? AND order_number = ?", storeId, orderNumber).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderReadyToShip moves a confirmed order into the dispatchable pool.
func MarkOrderReadyToShip(ctx context.Context, id int) (*Order, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Order{}).
		Where("store_id = ? AND id = ? AND status = ?", storeId, id, OrderStatusConfirmed).
		Update("status", OrderStatusReadyToShip)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("order is not in confirmed status")
	}
	return utils.FetchModel[Order](ctx, storeId, id)
}

// GetDispatchableOrders lists ready_to_ship orders, optionally filtered by city.
func GetDispatchableOrders(ctx context.Context, city *string) ([]*Order, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	query := db.WithContext(ctx).
		Where("store_id = ? AND status = ?", storeId, OrderStatusReadyToShip)
	if city != nil && *city != "" {
		query = query.Where("city = ?", *city)
	}
	var orders []*Order
	if err := query.Order("id").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
