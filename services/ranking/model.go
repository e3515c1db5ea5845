package ranking

import (
	"time"
)

// RankingSnapshot is one immutable, generation-numbered materialization of
// a scope's leaderboard. Publishing flips Published inside a transaction;
// readers only ever see the highest published generation, never a
// partially written one.
type RankingSnapshot struct {
	ID          int64     `gorm:"column:id;primaryKey"`
	ScopeKey    string    `gorm:"column:scope_key;uniqueIndex:idx_scope_generation;type:varchar(128);not null"`
	Generation  int64     `gorm:"column:generation;uniqueIndex:idx_scope_generation;not null"`
	GeneratedAt time.Time `gorm:"column:generated_at"`
	Published   bool      `gorm:"column:published;index;not null;default:false"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (RankingSnapshot) TableName() string {
	return "ranking_snapshots"
}

type RankingEntry struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	SnapshotID     int64     `gorm:"column:snapshot_id;index;not null"`
	Position       int       `gorm:"column:position;not null"`
	ActorID        string    `gorm:"column:actor_id;not null"`
	TotalPoints    int64     `gorm:"column:total_points;not null"`
	LastActivityAt time.Time `gorm:"column:last_activity_at"`
	// TieBreak is the serialized tie-break key (last activity millis +
	// actor id) kept for audit; ordering is already baked into Position.
	TieBreak string `gorm:"column:tie_break;type:varchar(128)"`
}

func (RankingEntry) TableName() string {
	return "ranking_entries"
}
