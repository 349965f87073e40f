package database

import (
	"wallfetch/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.DownloadTask{},
	)
}
