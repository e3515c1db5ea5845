package stream

import (
	"time"

	"gorm.io/datatypes"
)

// Event types appended by the engine and its external collaborators.
const (
	TypeCheckInConfirmed = "checkin.confirmed"
	TypeCheckInRejected  = "checkin.rejected"
	TypeSaleConfirmed    = "sale.confirmed"
)

// StreamEvent is one record of the durable, append-only domain event log.
// Rows are never updated or deleted; consumers replay them in id order,
// which is arrival order.
type StreamEvent struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	Type      string `gorm:"column:type;type:varchar(50);index;not null"`
	ActorID   string `gorm:"column:actor_id;index;not null"`
	CompanyID string `gorm:"column:company_id;index"`
	EventID   string `gorm:"column:event_id;index"`
	// SourceID is the producer-side identifier used for replay dedup:
	// the idempotency key for check-in events, the PDV source event id
	// for sales.
	SourceID   string         `gorm:"column:source_id;uniqueIndex;type:varchar(191);not null"`
	OccurredAt time.Time      `gorm:"column:occurred_at;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
}

func (StreamEvent) TableName() string {
	return "stream_events"
}

// SaleConfirmed is the input contract of the external PDV sales module.
type SaleConfirmed struct {
	ActorID       string    `json:"actor_id"`
	CompanyID     string    `json:"company_id"`
	EventID       string    `json:"event_id"`
	Amount        int64     `json:"amount"`
	OccurredAt    time.Time `json:"occurred_at"`
	SourceEventID string    `json:"source_event_id"`
}
