package migration

import (
	"strings"

	identitydomain "github.com/counselkit/metering/internal/identity/domain"
	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if !strings.EqualFold(conn.Dialector.Name(), "postgres") {
			// Versioned SQL migrations target Postgres; other dialects are
			// for local development and get the schema from the models.
			return conn.AutoMigrate(
				&ledgerdomain.Account{},
				&ledgerdomain.Transaction{},
				&ledgerdomain.IdempotencyRecord{},
				&usagedomain.UsageEvent{},
				&identitydomain.APIToken{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		return RunMigrations(sqlDB)
	}),
)
