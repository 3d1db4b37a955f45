package migration

import (
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/config"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL path is postgres only. Other dialects take the
		// schema straight from the models.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&apikeydomain.Key{},
				&usagedomain.Period{},
				&usagedomain.Receipt{},
				&subscriptiondomain.Subscription{},
				&subscriptiondomain.EventRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
