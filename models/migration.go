package models

import (
	"log"

	"bitbucket.org/mmdatafocus/codops_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Store{}, &User{},
		&Carrier{}, &CarrierZone{},
		&Order{},
		&DispatchSession{}, &DispatchSessionOrder{},
		&DailySettlement{},
		&CarrierAccountMovement{}, &CarrierPaymentRecord{},
		&OutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
