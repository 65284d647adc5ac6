package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/telemetry"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSendsOneMessagePerRecord(t *testing.T) {
	m := &msgMock{}
	now := time.Date(2022, 4, 14, 12, 0, 0, 0, time.UTC)
	hr := 72

	err := NewPublisher(m).Publish(telemetry.Batch{
		IMEI:      "860000000000001",
		Locations: []models.LocationRecord{{Latitude: 1, Longitude: 2, RecordedAt: now}},
		Health:    []models.HealthRecord{{HeartRate: &hr, RecordedAt: now}},
		Alarms:    []models.AlarmRecord{{AlarmType: models.AlarmTypeGeneric, RecordedAt: now}},
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(3), m.PublishCount)
	assert.Equal(t, []string{TopicLocation, TopicHealth, TopicAlarm}, m.topics)

	loc := m.messages[0].(*LocationObserved)
	assert.Equal(t, Origin{Device: "860000000000001", Timestamp: "2022-04-14T12:00:00Z"}, loc.Origin)
}

func TestAlarmWithoutPositionCarriesNoCoordinates(t *testing.T) {
	m := &msgMock{}
	lat, lon := 59.3, 18.1

	err := NewPublisher(m).Publish(telemetry.Batch{
		IMEI: "860000000000001",
		Alarms: []models.AlarmRecord{
			{AlarmType: models.AlarmTypeGeneric, RecordedAt: time.Now()},
			{AlarmType: models.AlarmTypeGeneric, Latitude: &lat, Longitude: &lon, RecordedAt: time.Now()},
		},
	})
	require.NoError(t, err)
	require.Len(t, m.messages, 2)

	body, err := json.Marshal(m.messages[0])
	require.NoError(t, err)
	assert.NotContains(t, string(body), "latitude")

	located := m.messages[1].(*AlarmRaised)
	require.NotNil(t, located.Latitude)
	assert.Equal(t, lat, *located.Latitude)
}

func TestPublishReturnsFirstError(t *testing.T) {
	m := &msgMock{err: errors.New("channel closed")}
	now := time.Now()

	err := NewPublisher(m).Publish(telemetry.Batch{
		IMEI:   "1",
		Alarms: []models.AlarmRecord{{RecordedAt: now}, {RecordedAt: now}},
	})
	require.Error(t, err)
	assert.Equal(t, uint32(2), m.PublishCount)
}

type msgMock struct {
	PublishCount uint32
	err          error
	topics       []string
	messages     []messaging.TopicMessage
}

func (m *msgMock) PublishOnTopic(message messaging.TopicMessage) error {
	m.PublishCount++
	m.topics = append(m.topics, message.TopicName())
	m.messages = append(m.messages, message)
	return m.err
}
