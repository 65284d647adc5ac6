package sms

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQTTBridgePublishesOutbound(t *testing.T) {
	m := newMqttMock()
	b := NewMQTTBridgeWithClient(m, "sms", logging.NewLogger())

	id, err := b.Send(context.Background(), "+46700000001", "pw,123456,ts#")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, m.published, 1)
	assert.Equal(t, "sms/outbound", m.published[0].T)

	var msg bridgeMessage
	require.NoError(t, json.Unmarshal(m.published[0].P, &msg))
	assert.Equal(t, bridgeMessage{ID: id, Phone: "+46700000001", Text: "pw,123456,ts#"}, msg)
}

func TestMQTTBridgeSendFailure(t *testing.T) {
	m := newMqttMock()
	m.pubErr = errors.New("not connected")

	_, err := NewMQTTBridgeWithClient(m, "sms", logging.NewLogger()).Send(context.Background(), "+1", "x")
	assert.Error(t, err)
}

func TestMQTTBridgeDeliversInbound(t *testing.T) {
	m := newMqttMock()
	b := NewMQTTBridgeWithClient(m, "sms", logging.NewLogger())

	var got []Inbound
	require.NoError(t, b.Subscribe(func(ctx context.Context, msg Inbound) {
		got = append(got, msg)
	}))

	m.deliver(t, "sms/inbound", []byte(`{"phone":"+46700000001","text":"TS:1.2.3.4,80,0,12,87,4"}`))
	m.deliver(t, "sms/inbound", []byte(`not json`))

	require.Len(t, got, 1)
	assert.Equal(t, "+46700000001", got[0].Phone)
	assert.False(t, got[0].ReceivedAt.IsZero())
}

type mockMsg struct {
	T string
	P []byte
}

func (msg mockMsg) Ack()              {}
func (msg mockMsg) Duplicate() bool   { return false }
func (msg mockMsg) MessageID() uint16 { return 0 }
func (msg mockMsg) Payload() []byte   { return msg.P }
func (msg mockMsg) Qos() byte         { return 1 }
func (msg mockMsg) Retained() bool    { return false }
func (msg mockMsg) Topic() string     { return msg.T }

type mockToken struct{ err error }

func (tok mockToken) Error() error                   { return tok.err }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
func (tok mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mqttMock struct {
	pubErr    error
	published []mockMsg
	subs      map[string]mqtt.MessageHandler
}

func newMqttMock() *mqttMock {
	return &mqttMock{subs: map[string]mqtt.MessageHandler{}}
}

func (m *mqttMock) deliver(t *testing.T, topic string, payload []byte) {
	handler, ok := m.subs[topic]
	require.True(t, ok, "not subscribed for topic=%s", topic)
	handler(m, mockMsg{T: topic, P: payload})
}

func (m *mqttMock) IsConnected() bool       { return true }
func (m *mqttMock) IsConnectionOpen() bool  { return true }
func (m *mqttMock) Connect() mqtt.Token     { return mockToken{} }
func (m *mqttMock) Disconnect(quiesce uint) {}

func (m *mqttMock) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if m.pubErr != nil {
		return mockToken{m.pubErr}
	}
	m.published = append(m.published, mockMsg{T: topic, P: payload.([]byte)})
	return mockToken{}
}

func (m *mqttMock) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.subs[topic] = callback
	return mockToken{}
}

func (m *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (m *mqttMock) Unsubscribe(...string) mqtt.Token        { panic("not implemented") }
func (m *mqttMock) AddRoute(string, mqtt.MessageHandler)    { panic("not implemented") }
func (m *mqttMock) OptionsReader() mqtt.ClientOptionsReader { panic("not implemented") }
