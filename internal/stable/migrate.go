package stable

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate applies the stabilization schema using Gorm's AutoMigrate and logs
// progress.
func Migrate(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	if db == nil {
		return eris.New("gorm DB is required")
	}

	logFields := logrus.Fields{"component": "stable.migrate"}
	if logger != nil {
		logger.WithFields(logFields).Info("applying stabilization schema")
	}

	if err := db.WithContext(ctx).AutoMigrate(&StablePoint{}, &transclusionRow{}, &imageRow{}); err != nil {
		if logger != nil {
			logger.WithFields(logFields).WithField("error", err.Error()).Error("stabilization schema migration failed")
		}
		return eris.Wrap(err, "auto migrating stabilization schema")
	}

	if logger != nil {
		logger.WithFields(logFields).Info("stabilization schema migration complete")
	}

	return nil
}
