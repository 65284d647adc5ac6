// Package events publishes stored telemetry on the message bus.
package events

import (
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/telemetry"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/juju/errors"
)

const (
	TopicLocation = "telemetry.location"
	TopicHealth   = "telemetry.health"
	TopicAlarm    = "telemetry.alarm"

	contentType = "application/json"
)

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//Origin identifies the device and the time a message was received
type Origin struct {
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
}

type LocationObserved struct {
	Origin    Origin   `json:"origin"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Valid     bool     `json:"valid"`
	Battery   *int     `json:"battery,omitempty"`
}

func (m *LocationObserved) TopicName() string   { return TopicLocation }
func (m *LocationObserved) ContentType() string { return contentType }

type HealthObserved struct {
	Origin          Origin   `json:"origin"`
	HeartRate       *int     `json:"heartRate,omitempty"`
	SystolicBP      *int     `json:"systolicBP,omitempty"`
	DiastolicBP     *int     `json:"diastolicBP,omitempty"`
	SpO2            *int     `json:"spo2,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TemperatureMode string   `json:"temperatureMode,omitempty"`
}

func (m *HealthObserved) TopicName() string   { return TopicHealth }
func (m *HealthObserved) ContentType() string { return contentType }

type AlarmRaised struct {
	Origin    Origin   `json:"origin"`
	AlarmType string   `json:"alarmType"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (m *AlarmRaised) TopicName() string   { return TopicAlarm }
func (m *AlarmRaised) ContentType() string { return contentType }

//Publisher turns every record of a stored batch into one topic message
type Publisher struct {
	messenger MessagingContext
}

func NewPublisher(messenger MessagingContext) *Publisher {
	return &Publisher{messenger: messenger}
}

//Publish sends every record of b. It keeps going after a failed publish and returns the first error.
func (p *Publisher) Publish(b telemetry.Batch) error {
	var first error
	send := func(m messaging.TopicMessage) {
		if err := p.messenger.PublishOnTopic(m); err != nil && first == nil {
			first = errors.Annotatef(err, "publish on %s", m.TopicName())
		}
	}

	for _, l := range b.Locations {
		send(&LocationObserved{
			Origin:    origin(b.IMEI, l.RecordedAt),
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			Altitude:  l.Altitude,
			Speed:     l.Speed,
			Valid:     l.Valid,
			Battery:   l.BatteryPct,
		})
	}
	for _, h := range b.Health {
		send(&HealthObserved{
			Origin:          origin(b.IMEI, h.RecordedAt),
			HeartRate:       h.HeartRate,
			SystolicBP:      h.SystolicBP,
			DiastolicBP:     h.DiastolicBP,
			SpO2:            h.SpO2,
			Temperature:     h.Temperature,
			TemperatureMode: h.TemperatureMode,
		})
	}
	for _, a := range b.Alarms {
		send(&AlarmRaised{
			Origin:    origin(b.IMEI, a.RecordedAt),
			AlarmType: a.AlarmType,
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
		})
	}

	return first
}

func origin(imei string, at time.Time) Origin {
	return Origin{Device: imei, Timestamp: at.UTC().Format(time.RFC3339)}
}
