package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/utils"
	"gorm.io/gorm"
)

// Business is the tenant: the service provider (prestador) emitting fiscal
// documents under its municipal registration.
type Business struct {
	ID                    uuid.UUID `gorm:"primary_key" json:"id"`
	Name                  string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	LegalName             string    `gorm:"size:255" json:"legal_name"`
	Email                 string    `gorm:"size:255" json:"email"`
	Phone                 string    `gorm:"size:20" json:"phone"`
	TaxId                 string    `gorm:"size:20;index" json:"tax_id"`
	MunicipalRegistration string    `gorm:"size:30" json:"municipal_registration"`
	CityCode              string    `gorm:"size:10" json:"city_code"`
	RpsSeries             string    `gorm:"size:10;default:'1'" json:"rps_series"`
	Address               string    `gorm:"type:text" json:"address"`
	City                  string    `gorm:"size:100" json:"city"`
	Timezone              string    `gorm:"size:50" json:"timezone"`
	IsActive              *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name                  string `json:"name" binding:"required"`
	LegalName             string `json:"legal_name"`
	Email                 string `json:"email" binding:"required"`
	Phone                 string `json:"phone"`
	TaxId                 string `json:"tax_id"`
	MunicipalRegistration string `json:"municipal_registration"`
	CityCode              string `json:"city_code"`
	RpsSeries             string `json:"rps_series"`
	Address               string `json:"address"`
	City                  string `json:"city"`
	Timezone              string `json:"timezone"`
}

func businessCacheKey(id string) string {
	return fmt.Sprintf("business:%s", id)
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	db := config.GetDB()

	business := Business{
		ID:                    uuid.New(),
		Name:                  input.Name,
		LegalName:             input.LegalName,
		Email:                 input.Email,
		Phone:                 input.Phone,
		TaxId:                 input.TaxId,
		MunicipalRegistration: input.MunicipalRegistration,
		CityCode:              input.CityCode,
		RpsSeries:             input.RpsSeries,
		Address:               input.Address,
		City:                  input.City,
		Timezone:              input.Timezone,
	}
	if business.RpsSeries == "" {
		business.RpsSeries = "1"
	}

	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(businessCacheKey(business.ID.String()), business, time.Hour)
	return &business, nil
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {
	var business Business
	if found, err := config.GetRedisObject(businessCacheKey(id), &business); err == nil && found {
		return &business, nil
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Where("id = ?", id).Take(&business).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = config.SetRedisObject(businessCacheKey(id), business, time.Hour)
	return &business, nil
}
