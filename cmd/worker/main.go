package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/config"
	"eventops-engine/pkg/db"
	"eventops-engine/pkg/logger"
	"eventops-engine/pkg/redis"
	"eventops-engine/pkg/taskname"
	"eventops-engine/services/metrics"
	"eventops-engine/services/ranking"
	"eventops-engine/services/scoring"
	"eventops-engine/services/stream"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		fx.Provide(
			provideSnowflakeNode,
			ranking.NewMaterializer,
			metrics.NewRefresher,
		),
		stream.Module,
		scoring.Module,
		pkgasynq.Server,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func registerHandlers(mux *asynq.ServeMux, scores *scoring.Service, mat *ranking.Materializer, ref *metrics.Refresher) {
	mux.HandleFunc(taskname.ScoreDrain, scores.HandleScoreDrainTask)
	mux.HandleFunc(taskname.RankingMaterialize, mat.HandleMaterializeTask)
	mux.HandleFunc(taskname.MetricsRefresh, ref.HandleRefreshTask)
}
