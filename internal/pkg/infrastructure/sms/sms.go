// Package sms contains the short message transports used to reach devices out of band.
package sms

import (
	"context"
	"time"
)

//Inbound is one short message received from a device
type Inbound struct {
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

//InboundHandler is called for every message a transport receives
type InboundHandler func(ctx context.Context, msg Inbound)

//Transport sends text to phone and returns the provider's message id
type Transport interface {
	Send(ctx context.Context, phone, text string) (string, error)
}
