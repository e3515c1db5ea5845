package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/config"
	"eventops-engine/pkg/db"
	"eventops-engine/pkg/logger"
	"eventops-engine/pkg/redis"
	"eventops-engine/pkg/server"
	"eventops-engine/services/checkin"
	"eventops-engine/services/metrics"
	"eventops-engine/services/query"
	"eventops-engine/services/ranking"
	"eventops-engine/services/scoring"
	"eventops-engine/services/stream"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		fx.Provide(
			provideTracerProvider,
			provideSnowflakeNode,
		),
		fx.Invoke(migrate),
		fx.Invoke(db.Otel, db.Metric),
		stream.Module,
		fx.Invoke(stream.RegisterRoutes),
		checkin.Module,
		ranking.Module,
		metrics.Module,
		query.Module,
		server.ProvideHTTPServer,
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

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&stream.StreamEvent{},
		&checkin.Ticket{},
		&checkin.CheckInAttempt{},
		&scoring.ScoreEvent{},
		&scoring.ActorScore{},
		&scoring.ConsumerCursor{},
		&ranking.RankingSnapshot{},
		&ranking.RankingEntry{},
		&metrics.MetricSnapshot{},
	)
}
