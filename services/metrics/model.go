package metrics

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Window kinds. Day windows follow the engine-local timezone from config;
// hour windows are clock hours in the same zone.
const (
	WindowDay  = "day"
	WindowHour = "hour"
)

// MetricSnapshot is one generation-numbered materialization of a scope's
// aggregates for a single time window. Final snapshots are computed once,
// after the window's grace period elapses, and never recomputed.
type MetricSnapshot struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	ScopeKey    string         `gorm:"column:scope_key;uniqueIndex:idx_metric_scope_window_gen;type:varchar(128);not null"`
	WindowKind  string         `gorm:"column:window_kind;uniqueIndex:idx_metric_scope_window_gen;type:varchar(10);not null"`
	WindowStart time.Time      `gorm:"column:window_start;uniqueIndex:idx_metric_scope_window_gen;not null"`
	Generation  int64          `gorm:"column:generation;uniqueIndex:idx_metric_scope_window_gen;not null"`
	Values      datatypes.JSON `gorm:"column:values"`
	GeneratedAt time.Time      `gorm:"column:generated_at"`
	Published   bool           `gorm:"column:published;index;not null;default:false"`
	Final       bool           `gorm:"column:final;not null;default:false"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
}

func (MetricSnapshot) TableName() string {
	return "metric_snapshots"
}

// MetricValues is the JSON body of a snapshot.
type MetricValues struct {
	IssuedTickets     int64         `json:"issued_tickets"`
	ConfirmedCheckins int64         `json:"confirmed_checkins"`
	RejectedCheckins  int64         `json:"rejected_checkins"`
	AttendanceRate    float64       `json:"attendance_rate"`
	SaleCount         int64         `json:"sale_count"`
	RevenueSum        int64         `json:"revenue_sum"`
	HourDistribution  map[int]int64 `json:"hour_distribution"`
}

// Window identifies one aggregation interval.
type Window struct {
	Kind  string
	Start time.Time
}

func DayWindow(t time.Time, loc *time.Location) Window {
	local := t.In(loc)
	return Window{
		Kind:  WindowDay,
		Start: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
	}
}

func HourWindow(t time.Time, loc *time.Location) Window {
	local := t.In(loc)
	return Window{
		Kind:  WindowHour,
		Start: time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc),
	}
}

func (w Window) End() time.Time {
	if w.Kind == WindowHour {
		return w.Start.Add(time.Hour)
	}
	return w.Start.AddDate(0, 0, 1)
}

// Closed reports whether the window's end plus the grace period has
// passed, meaning late events are no longer expected.
func (w Window) Closed(now time.Time, grace time.Duration) bool {
	return w.End().Add(grace).Before(now)
}

func (w Window) Key() string {
	return fmt.Sprintf("%s:%d", w.Kind, w.Start.Unix())
}
