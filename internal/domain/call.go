package domain

import (
	"time"
)

// CallState represents the acceptance state of a call
type CallState string

const (
	CallStatePending  CallState = "pending"
	CallStateAccepted CallState = "accepted"
	CallStateRejected CallState = "rejected"
	CallStateEnded    CallState = "ended"
)

// CallRecord is the persisted trace of one telephony call handled by this
// gateway. CallID is the opaque identifier issued by the realtime service.
type CallRecord struct {
	ID            string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallID        string    `json:"call_id" db:"call_id" gorm:"column:call_id;unique"`
	State         CallState `json:"state" db:"state" gorm:"column:state"`
	StreamURL     string    `json:"stream_url" db:"stream_url" gorm:"column:stream_url"`
	SIPFrom       string    `json:"sip_from" db:"sip_from" gorm:"column:sip_from"`
	SIPTo         string    `json:"sip_to" db:"sip_to" gorm:"column:sip_to"`
	FailureReason string    `json:"failure_reason" db:"failure_reason" gorm:"column:failure_reason"`
	AcceptedAt    time.Time `json:"accepted_at" db:"accepted_at" gorm:"column:accepted_at"`
	EndedAt       time.Time `json:"ended_at" db:"ended_at" gorm:"column:ended_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}
