package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"nightowl-rewards/internal/httpapi"
	"nightowl-rewards/pkg/config"
	"nightowl-rewards/pkg/db"
	"nightowl-rewards/pkg/health"
	"nightowl-rewards/pkg/logger"
	"nightowl-rewards/pkg/redis"
	"nightowl-rewards/pkg/sequence"
	"nightowl-rewards/pkg/server"
	"nightowl-rewards/pkg/task"
	"nightowl-rewards/services/badge"
	"nightowl-rewards/services/catalog"
	"nightowl-rewards/services/ledger"
	"nightowl-rewards/services/referral"
	"nightowl-rewards/services/rewards"
	"nightowl-rewards/services/streak"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		fx.Provide(provideSnowflakeNode),
		catalog.Module,
		ledger.Module,
		streak.Module,
		referral.Module,
		badge.Module,
		rewards.Module,
		rewards.TaskModule,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fx.Invoke(
			autoMigrate,
			registerTaskHandlers,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ledger.Transaction{},
		&ledger.Account{},
		&streak.Streak{},
		&referral.Code{},
		&referral.Referral{},
		&badge.Badge{},
		&badge.UserBadge{},
	)
}

func registerTaskHandlers(mux *asynq.ServeMux, t *rewards.Task) {
	rewards.RegisterHandlers(mux, t)
}
