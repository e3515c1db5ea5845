package checkin

import (
	"time"
)

// Ticket consumption states. ISSUED is the only non-terminal state.
const (
	TicketIssued   = "ISSUED"
	TicketConsumed = "CONSUMED"
	TicketVoid     = "VOID"
)

// Attempt outcomes and rejection reasons.
const (
	OutcomePending   = "PENDING"
	OutcomeConfirmed = "CONFIRMED"
	OutcomeRejected  = "REJECTED"

	ReasonAlreadyConsumed = "ALREADY_CONSUMED"
	ReasonVoidTicket      = "VOID_TICKET"
)

// Ticket is a unit of admission. Rows are created on sale confirmation,
// consumed at most once by Attempt, voided by the ticketing module on
// refund, and never deleted.
type Ticket struct {
	ID               string     `gorm:"column:id;primaryKey;type:varchar(64)"`
	EventID          string     `gorm:"column:event_id;index;not null"`
	CompanyID        string     `gorm:"column:company_id;index;not null"`
	HolderID         string     `gorm:"column:holder_id;index;not null"`
	State            string     `gorm:"column:state;type:varchar(20);not null;default:'ISSUED'"`
	IssuedAt         time.Time  `gorm:"column:issued_at"`
	ConsumedAt       *time.Time `gorm:"column:consumed_at"`
	ConsumingAttempt *string    `gorm:"column:consuming_attempt;type:varchar(128)"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime"`
}

// CheckInAttempt records the stable outcome for one idempotency key.
// Replays of the key return this row untouched.
type CheckInAttempt struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey;type:varchar(128)"`
	TicketID       string    `gorm:"column:ticket_id;index;not null"`
	ActorID        string    `gorm:"column:actor_id;index;not null"`
	SubmittedAt    time.Time `gorm:"column:submitted_at"`
	Outcome        string    `gorm:"column:outcome;type:varchar(20);not null;default:'PENDING'"`
	RejectReason   *string   `gorm:"column:reject_reason;type:varchar(50)"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

type AttemptRequest struct {
	IdempotencyKey string    `json:"idempotency_key" binding:"required"`
	TicketID       string    `json:"ticket_id" binding:"required"`
	ActorID        string    `json:"actor_id" binding:"required"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type AttemptResult struct {
	IdempotencyKey string    `json:"idempotency_key"`
	TicketID       string    `json:"ticket_id"`
	Outcome        string    `json:"outcome"`
	RejectReason   string    `json:"reject_reason,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (r AttemptResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}

type IssueRequest struct {
	TicketID  string    `json:"ticket_id" binding:"required"`
	EventID   string    `json:"event_id" binding:"required"`
	CompanyID string    `json:"company_id" binding:"required"`
	HolderID  string    `json:"holder_id" binding:"required"`
	IssuedAt  time.Time `json:"issued_at"`
}

func resultFromAttempt(att *CheckInAttempt) *AttemptResult {
	res := &AttemptResult{
		IdempotencyKey: att.IdempotencyKey,
		TicketID:       att.TicketID,
		Outcome:        att.Outcome,
		SubmittedAt:    att.SubmittedAt,
	}
	if att.RejectReason != nil {
		res.RejectReason = *att.RejectReason
	}
	return res
}
