package models

import (
	"github.com/mmsattv/panel_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	logger := config.GetLogger()

	err := db.AutoMigrate(
		&User{},
		&Customer{},
		&Operation{},
		&LedgerEntry{},
	)
	if err != nil {
		config.LogError(logger, "models", "MigrateTable", "auto migrate", nil, err)
		panic(err)
	}
}
