package rediskey

import "fmt"

// Snapshot cache keys (global convention across the engine)
const (
	RankingPrefix = "snapshot:ranking"
	MetricPrefix  = "snapshot:metric"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRankingKey returns "snapshot:ranking:{scopeKey}"
func BuildRankingKey(scopeKey string) string {
	return NamespaceKey(RankingPrefix, scopeKey)
}

// BuildMetricKey returns "snapshot:metric:{scopeKey}:{windowKind}:{windowStart}"
func BuildMetricKey(scopeKey, windowKind, windowStart string) string {
	return fmt.Sprintf("%s:%s:%s:%s", MetricPrefix, scopeKey, windowKind, windowStart)
}
