package models

import (
	"context"
	"errors"
	"time"

	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/utils"
	"gorm.io/gorm"
)

// Customer is the service recipient (tomador) on an emitted document.
type Customer struct {
	ID                    int       `gorm:"primary_key" json:"id"`
	BusinessId            string    `gorm:"index;not null" json:"business_id"`
	Name                  string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email                 string    `gorm:"size:100" json:"email"`
	Phone                 string    `gorm:"size:20" json:"phone"`
	TaxId                 string    `gorm:"size:20;index" json:"tax_id"`
	MunicipalRegistration string    `gorm:"size:30" json:"municipal_registration"`
	Address               string    `gorm:"type:text" json:"address"`
	City                  string    `gorm:"size:100" json:"city"`
	CityCode              string    `gorm:"size:10" json:"city_code"`
	Notes                 string    `gorm:"type:text" json:"notes"`
	IsActive              *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name                  string `json:"name" binding:"required"`
	Email                 string `json:"email"`
	Phone                 string `json:"phone"`
	TaxId                 string `json:"tax_id"`
	MunicipalRegistration string `json:"municipal_registration"`
	Address               string `json:"address"`
	City                  string `json:"city"`
	CityCode              string `json:"city_code"`
	Notes                 string `json:"notes"`
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return nil, errors.New("business id not found in context")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	db := config.GetDB()

	customer := Customer{
		BusinessId:            businessId,
		Name:                  input.Name,
		Email:                 input.Email,
		Phone:                 input.Phone,
		TaxId:                 input.TaxId,
		MunicipalRegistration: input.MunicipalRegistration,
		Address:               input.Address,
		City:                  input.City,
		CityCode:              input.CityCode,
		Notes:                 input.Notes,
	}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func GetCustomerById(ctx context.Context, id int) (*Customer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return nil, errors.New("business id not found in context")
	}
	db := config.GetDB()

	var customer Customer
	err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &customer, nil
}
