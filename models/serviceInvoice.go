package models

import (
	"context"
	"errors"
	"time"

	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ServiceInvoice is the fiscal service document (NFS-e) as prepared by the
// tenant before submission to the authority integration. Monetary fields mirror
// the authority's computed-tax field set.
type ServiceInvoice struct {
	ID                int                  `gorm:"primary_key" json:"id"`
	BusinessId        string               `gorm:"index;not null" json:"business_id"`
	CustomerId        int                  `gorm:"index;not null" json:"customer_id" binding:"required"`
	RpsNumber         int                  `gorm:"index" json:"rps_number"`
	RpsSeries         string               `gorm:"size:10" json:"rps_series"`
	IssueDate         time.Time            `json:"issue_date"`
	ServiceCode       string               `gorm:"size:20" json:"service_code"`
	Description       string               `gorm:"type:text" json:"description"`
	ServiceAmount     decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"service_amount"`
	DeductionsAmount  decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"deductions_amount"`
	IssRate           decimal.Decimal      `gorm:"type:decimal(10,4);default:0" json:"iss_rate"`
	IssAmount         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"iss_amount"`
	IssWithheld       *bool                `gorm:"default:false;not null" json:"iss_withheld"`
	PisAmount         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"pis_amount"`
	CofinsAmount      decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"cofins_amount"`
	InssAmount        decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"inss_amount"`
	IrAmount          decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"ir_amount"`
	CsllAmount        decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"csll_amount"`
	NetAmount         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"net_amount"`
	CurrentStatus     ServiceInvoiceStatus `gorm:"type:enum('Draft','Submitted','Authorized','Rejected','Void');not null;default:'Draft'" json:"current_status"`
	EmissionReference *string              `gorm:"size:100;index" json:"emission_reference"`
	DocumentNumber    string               `gorm:"size:30" json:"document_number"`
	CreatedAt         time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewServiceInvoice struct {
	CustomerId       int             `json:"customer_id" binding:"required"`
	IssueDate        time.Time       `json:"issue_date"`
	ServiceCode      string          `json:"service_code" binding:"required"`
	Description      string          `json:"description" binding:"required"`
	ServiceAmount    decimal.Decimal `json:"service_amount" binding:"required"`
	DeductionsAmount decimal.Decimal `json:"deductions_amount"`
	IssRate          decimal.Decimal `json:"iss_rate"`
	IssWithheld      *bool           `json:"iss_withheld"`
	PisAmount        decimal.Decimal `json:"pis_amount"`
	CofinsAmount     decimal.Decimal `json:"cofins_amount"`
	InssAmount       decimal.Decimal `json:"inss_amount"`
	IrAmount         decimal.Decimal `json:"ir_amount"`
	CsllAmount       decimal.Decimal `json:"csll_amount"`
}

func CreateServiceInvoice(ctx context.Context, input *NewServiceInvoice) (*ServiceInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return nil, errors.New("business id not found in context")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, err
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()

	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = time.Now()
	}

	issAmount := input.ServiceAmount.
		Sub(input.DeductionsAmount).
		Mul(input.IssRate).
		Div(decimal.NewFromInt(100)).
		Round(2)
	netAmount := input.ServiceAmount.
		Sub(input.PisAmount).
		Sub(input.CofinsAmount).
		Sub(input.InssAmount).
		Sub(input.IrAmount).
		Sub(input.CsllAmount)
	if input.IssWithheld != nil && *input.IssWithheld {
		netAmount = netAmount.Sub(issAmount)
	}

	invoice := ServiceInvoice{
		BusinessId:       businessId,
		CustomerId:       input.CustomerId,
		RpsSeries:        business.RpsSeries,
		IssueDate:        issueDate,
		ServiceCode:      input.ServiceCode,
		Description:      input.Description,
		ServiceAmount:    input.ServiceAmount,
		DeductionsAmount: input.DeductionsAmount,
		IssRate:          input.IssRate,
		IssAmount:        issAmount,
		IssWithheld:      input.IssWithheld,
		PisAmount:        input.PisAmount,
		CofinsAmount:     input.CofinsAmount,
		InssAmount:       input.InssAmount,
		IrAmount:         input.IrAmount,
		CsllAmount:       input.CsllAmount,
		NetAmount:        netAmount,
		CurrentStatus:    ServiceInvoiceStatusDraft,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// RPS numbering is sequential per tenant.
		var maxRps int
		if err := tx.Model(&ServiceInvoice{}).
			Where("business_id = ?", businessId).
			Select("COALESCE(MAX(rps_number), 0)").
			Scan(&maxRps).Error; err != nil {
			return err
		}
		invoice.RpsNumber = maxRps + 1
		return tx.Create(&invoice).Error
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func GetServiceInvoiceById(ctx context.Context, id int) (*ServiceInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return nil, errors.New("business id not found in context")
	}
	db := config.GetDB()

	var invoice ServiceInvoice
	err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// MarkServiceInvoiceSubmitted records the correlation reference handed to the
// authority integration when the document was submitted.
func MarkServiceInvoiceSubmitted(ctx context.Context, id int, reference string) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return errors.New("business id not found in context")
	}
	db := config.GetDB()

	return db.WithContext(ctx).Model(&ServiceInvoice{}).
		Where("id = ? AND business_id = ?", id, businessId).
		Updates(map[string]interface{}{
			"current_status":     ServiceInvoiceStatusSubmitted,
			"emission_reference": reference,
		}).Error
}

// UpdateServiceInvoiceOutcome reflects a terminal emission outcome on the
// invoice row the reference belongs to. Missing invoice rows are not an error:
// a record can be monitored for references submitted by another channel.
func UpdateServiceInvoiceOutcome(ctx context.Context, businessId string, reference string, status ServiceInvoiceStatus, documentNumber string) error {
	db := config.GetDB()

	updates := map[string]interface{}{"current_status": status}
	if documentNumber != "" {
		updates["document_number"] = documentNumber
	}
	return db.WithContext(ctx).Model(&ServiceInvoice{}).
		Where("business_id = ? AND emission_reference = ?", businessId, reference).
		Updates(updates).Error
}

// ReferenceBelongsToBusiness reports whether an emission reference is known to
// the tenant, either on one of its invoices or on an already persisted
// emission record.
func ReferenceBelongsToBusiness(ctx context.Context, businessId string, reference string) (bool, error) {
	count, err := utils.ResourceCountWhere[ServiceInvoice](ctx, businessId, "emission_reference = ?", reference)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	count, err = utils.ResourceCountWhere[EmissionRecord](ctx, businessId, "reference = ?", reference)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
