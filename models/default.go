package models

import (
	"context"

	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"gorm.io/gorm"
)

func createDefaultOwner(tx *gorm.DB, ctx context.Context, storeId string, email string, name string) (*User, error) {

	hashedPassword, err := utils.HashPassword("default123")
	if err != nil {
		return nil, err
	}

	owner := User{
		StoreId:  storeId,
		Username: email,
		Name:     name,
		Email:    &email,
		Password: string(hashedPassword),
		Role:     "Owner",
		IsActive: utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(&owner).Error; err != nil {
		return nil, err
	}

	return &owner, nil
}
