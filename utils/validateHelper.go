package utils

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/notaflow/fiscal_backend/config"
)

var validate = validator.New()

func init() {
	// Request DTOs carry gin-style `binding` tags; validating with the same
	// tag keeps model-level checks identical to the HTTP layer's.
	validate.SetTagName("binding")
}

// ValidateStruct runs `binding` tags on any request DTO.
func ValidateStruct(input interface{}) error {
	return validate.Struct(input)
}

// check if id exists, using ctx's business_id in WHERE, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// count records, using WHERE business_id = ? AND $condition
// business_id can be blank for admin user
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	if businessId != "" {
		dbCtx.Where("business_id = ?", businessId)
	}
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
