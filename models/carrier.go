package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
)

type Carrier struct {
	ID          int       `gorm:"primary_key" json:"id"`
	StoreId     string    `gorm:"index;not null" json:"store_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	ContactName string    `gorm:"size:255" json:"contact_name"`
	Phone       string    `gorm:"size:50" json:"phone"`
	Email       string    `gorm:"size:255" json:"email"`
	Notes       string    `gorm:"type:text" json:"notes"`
	IsActive    *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCarrier struct {
	Name        string `json:"name" validate:"required"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Notes       string `json:"notes"`
}

func CreateCarrier(ctx context.Context, input *NewCarrier) (*Carrier, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("carrier phone number is not valid")
		}
	}

	carrier := Carrier{
		StoreId:     storeId,
		Name:        input.Name,
		ContactName: input.ContactName,
		Phone:       input.Phone,
		Email:       input.Email,
		Notes:       input.Notes,
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&carrier).Error; err != nil {
		return nil, err
	}
	return &carrier, nil
}

func GetCarrier(ctx context.Context, id int) (*Carrier, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	return utils.FetchModel[Carrier](ctx, storeId, id)
}

func GetCarriers(ctx context.Context, activeOnly bool) ([]*Carrier, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("store_id = ?", storeId)
	if activeOnly {
		dbCtx = dbCtx.Where("is_active = ?", true)
	}
	var results []*Carrier
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleCarrierActive(ctx context.Context, id int, active bool) (*Carrier, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	carrier, err := utils.FetchModel[Carrier](ctx, storeId, id)
	if err != nil {
		return nil, err
	}
	carrier.IsActive = &active
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(carrier).Error; err != nil {
		return nil, err
	}
	return carrier, nil
}
