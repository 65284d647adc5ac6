package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	TransportStream = "stream"
	TransportSMS    = "sms"

	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusReceived = "received"
)

//CommandLog audits one outbound dispatch or one inbound message.
//Rows leave pending exactly once and are never changed after that.
type CommandLog struct {
	gorm.Model
	DeviceIMEI        *string `gorm:"index;size:32"`
	PhoneNumber       string  `gorm:"size:32"`
	Direction         string  `gorm:"size:8;not null"`
	Transport         string  `gorm:"size:8;not null"`
	RawPayload        string  `gorm:"type:text"`
	CommandType       string  `gorm:"size:32"`
	ParsedFields      string  `gorm:"type:text"`
	Status            string  `gorm:"index;size:16;not null"`
	Error             string  `gorm:"type:text"`
	ProviderMessageID string  `gorm:"size:128"`
	SentAt            *time.Time
	FailedAt          *time.Time
	ReceivedAt        *time.Time
}
