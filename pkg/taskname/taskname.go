package taskname

const (
	// Scoring tasks
	ScoreDrain = "score:drain"

	// Snapshot tasks
	RankingMaterialize = "ranking:materialize"
	MetricsRefresh     = "metrics:refresh"
)
