package emission

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/models"
	"github.com/notaflow/fiscal_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBRecordStore persists emission records in MySQL. The reference column
// carries a unique index, so concurrent writes for the same reference resolve
// last-write-wins instead of duplicating.
type DBRecordStore struct {
	DB *gorm.DB
}

func NewRecordStore(db *gorm.DB) *DBRecordStore {
	return &DBRecordStore{DB: db}
}

// business_id stays out of the update set: an upsert can refresh a record's
// fields but never move it to another tenant.
var emissionUpsertColumns = []string{
	"status",
	"document_number", "verification_code", "issued_at",
	"service_amount", "deductions_amount", "iss_rate", "iss_amount", "net_amount",
	"issuer_name", "issuer_tax_id", "issuer_municipal_registration",
	"recipient_name", "recipient_tax_id", "service_description",
	"raw_payload", "updated_at",
}

// db resolves the injected handle, falling back to the shared connection so
// the store can be constructed before the database is ready at startup.
func (s *DBRecordStore) db() *gorm.DB {
	if s.DB != nil {
		return s.DB
	}
	return config.GetDB()
}

func (s *DBRecordStore) Upsert(ctx context.Context, record *models.EmissionRecord) error {
	conn := s.db()
	if conn == nil {
		return errors.New("record store has no database")
	}
	db := conn.WithContext(ctx)

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference"}},
		DoUpdates: clause.AssignmentColumns(emissionUpsertColumns),
	}).Create(record).Error
	if err == nil {
		return nil
	}

	// Races on the very first insert can still surface a duplicate-key error
	// on some MySQL versions; resolve it as a plain update.
	if IsDuplicateKeyErr(err) {
		return db.Model(&models.EmissionRecord{}).
			Where("reference = ?", record.Reference).
			Select(emissionUpsertColumns).
			Updates(record).Error
	}
	return err
}

func (s *DBRecordStore) GetByReference(ctx context.Context, businessId string, reference string) (*models.EmissionRecord, error) {
	conn := s.db()
	if conn == nil {
		return nil, errors.New("record store has no database")
	}

	var record models.EmissionRecord
	err := conn.WithContext(ctx).
		Where("business_id = ? AND reference = ?", businessId, reference).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
