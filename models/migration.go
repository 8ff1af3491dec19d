package models

import (
	"log"

	"github.com/notaflow/fiscal_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{},
		&Customer{},
		&ServiceInvoice{},
		&EmissionRecord{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
