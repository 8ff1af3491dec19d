package models

import (
	"context"
	"time"

	"github.com/notaflow/fiscal_backend/config"
	"github.com/shopspring/decimal"
)

// EmissionRecord is the canonical persisted outcome of one emission attempt,
// keyed by the caller-supplied correlation reference (unique, upsert target).
// Fields merged from the authority's structured document take precedence over
// the raw status payload; the raw payload is retained verbatim for audit.
type EmissionRecord struct {
	ID                          uint             `gorm:"primary_key" json:"id"`
	Reference                   string           `gorm:"uniqueIndex;size:100;not null" json:"reference"`
	BusinessId                  string           `gorm:"index;not null" json:"business_id"`
	Status                      EmissionStatus   `gorm:"size:30;not null" json:"status"`
	DocumentNumber              string           `gorm:"size:30" json:"document_number"`
	VerificationCode            string           `gorm:"size:60" json:"verification_code"`
	IssuedAt                    *time.Time       `json:"issued_at"`
	ServiceAmount               *decimal.Decimal `gorm:"type:decimal(20,4)" json:"service_amount"`
	DeductionsAmount            *decimal.Decimal `gorm:"type:decimal(20,4)" json:"deductions_amount"`
	IssRate                     *decimal.Decimal `gorm:"type:decimal(10,4)" json:"iss_rate"`
	IssAmount                   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"iss_amount"`
	NetAmount                   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"net_amount"`
	IssuerName                  string           `gorm:"size:255" json:"issuer_name"`
	IssuerTaxId                 string           `gorm:"size:20" json:"issuer_tax_id"`
	IssuerMunicipalRegistration string           `gorm:"size:30" json:"issuer_municipal_registration"`
	RecipientName               string           `gorm:"size:255" json:"recipient_name"`
	RecipientTaxId              string           `gorm:"size:20" json:"recipient_tax_id"`
	ServiceDescription          string           `gorm:"type:text" json:"service_description"`
	RawPayload                  []byte           `gorm:"type:json" json:"raw_payload"`
	CreatedAt                   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListEmissionRecords(ctx context.Context, businessId string, limit int) ([]EmissionRecord, error) {
	db := config.GetDB()

	if limit <= 0 {
		limit = 500
	}
	var records []EmissionRecord
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("updated_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
