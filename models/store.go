package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/google/uuid"
)

// Store is the tenant. Storefront CRUD over stores lives in the platform
// service; this backend only needs the row for scoping, branding and timezone.
type Store struct {
	ID        uuid.UUID `gorm:"type:char(36);primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:50" json:"phone"`
	LogoUrl   string    `gorm:"size:512" json:"logo_url"`
	Timezone  string    `gorm:"size:100;default:'America/Asuncion'" json:"timezone"`
	IsActive  *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStore struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone"`
	Timezone string `json:"timezone"`
}

// User is a staff login. Permission modeling is out of scope; the single Role
// string exists only so the auth middleware can mark platform admins.
type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StoreId   string    `gorm:"index;not null" json:"store_id"`
	Username  string    `gorm:"size:255;not null;uniqueIndex" json:"username"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     *string   `gorm:"size:255" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Role      string    `gorm:"size:100;default:'Staff'" json:"role"`
	IsActive  *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateStore(ctx context.Context, input *NewStore) (*Store, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	tz := input.Timezone
	if tz == "" {
		tz = "America/Asuncion"
	}

	store := Store{
		ID:       uuid.New(),
		Name:     input.Name,
		Email:    input.Email,
		Phone:    input.Phone,
		Timezone: tz,
		IsActive: utils.NewTrue(),
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&store).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := createDefaultOwner(tx, ctx, store.ID.String(), input.Email, input.Name); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &store, nil
}

func GetStoreById(ctx context.Context, storeId string) (*Store, error) {
	if storeId == "" {
		return nil, errors.New("store id is required")
	}
	db := config.GetDB()
	var store Store
	if err := db.WithContext(ctx).Where("id = ?", storeId).First(&store).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &store, nil
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}
