package scoring

import (
	"time"

	"gorm.io/datatypes"
)

// Score event kinds.
const (
	KindCheckin     = "CHECKIN"
	KindSale        = "SALE"
	KindStreakBonus = "STREAK_BONUS"
)

// ScoreEvent is an immutable point-change fact. The unique source event id
// makes replaying the stream safe: a duplicate source event can never
// produce a second fact.
type ScoreEvent struct {
	ID            int64     `gorm:"column:id;primaryKey"`
	ActorID       string    `gorm:"column:actor_id;index;not null"`
	CompanyID     string    `gorm:"column:company_id;index"`
	Month         string    `gorm:"column:month;type:varchar(7);index"`
	Kind          string    `gorm:"column:kind;type:varchar(20);not null"`
	PointDelta    int64     `gorm:"column:point_delta;not null"`
	OccurredAt    time.Time `gorm:"column:occurred_at;index"`
	SourceEventID string    `gorm:"column:source_event_id;uniqueIndex;type:varchar(191);not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// ActorScore is the derived running state for one actor in one
// (company, month) scope. It is a pure fold over the actor's ScoreEvents
// and can always be rebuilt from them.
type ActorScore struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	ActorID   string `gorm:"column:actor_id;uniqueIndex:idx_actor_scope;not null"`
	CompanyID string `gorm:"column:company_id;uniqueIndex:idx_actor_scope"`
	Month     string `gorm:"column:month;type:varchar(7);uniqueIndex:idx_actor_scope"`

	TotalPoints int64  `gorm:"column:total_points;not null;default:0"`
	Streak      int    `gorm:"column:streak;not null;default:0"`
	StreakDay   string `gorm:"column:streak_day;type:varchar(10)"` // last qualifying calendar day

	// AwardedThresholds holds the streak thresholds already paid out in
	// the current streak lifetime; it resets when the streak resets.
	AwardedThresholds datatypes.JSON `gorm:"column:awarded_thresholds"`
	Badges            datatypes.JSON `gorm:"column:badges"`

	LastActivityAt time.Time `gorm:"column:last_activity_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// ConsumerCursor tracks how far the accumulator has drained one actor's
// slice of the event stream. It holds the last applied stream event id:
// ids are assigned in arrival order, so advancing by id alone also picks
// up events delivered late with an older occurred_at. The
// compare-and-swap advance on last_event_id serializes concurrent drains
// for the same actor.
type ConsumerCursor struct {
	ActorID     string    `gorm:"column:actor_id;primaryKey;type:varchar(64)"`
	LastEventID int64     `gorm:"column:last_event_id;not null;default:0"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}
