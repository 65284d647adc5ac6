package sms

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/juju/errors"
)

const (
	outboundTopic = "/outbound"
	inboundTopic  = "/inbound"
	connectWait   = 10 * time.Second
)

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

//MQTTBridge talks to a GSM modem bridge: outbound messages are published on <prefix>/outbound,
//received messages arrive on <prefix>/inbound
type MQTTBridge struct {
	client mqtt.Client
	prefix string
	log    logging.Logger
}

type bridgeMessage struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func NewMQTTBridge(opt MQTTOptions, log logging.Logger) (*MQTTBridge, error) {
	mopt := mqtt.NewClientOptions()
	mopt.AddBroker(opt.Broker)
	mopt.SetClientID(opt.ClientID)
	if opt.Username != "" {
		mopt.SetUsername(opt.Username)
	}
	if opt.Password != "" {
		mopt.SetPassword(opt.Password)
	}
	mopt.SetAutoReconnect(true)
	mopt.SetCleanSession(true)

	client := mqtt.NewClient(mopt)
	token := client.Connect()
	if !token.WaitTimeout(connectWait) {
		return nil, errors.Timeoutf("connect to %s", opt.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "connect to %s", opt.Broker)
	}

	return NewMQTTBridgeWithClient(client, opt.TopicPrefix, log), nil
}

//NewMQTTBridgeWithClient wraps an already connected client
func NewMQTTBridgeWithClient(client mqtt.Client, prefix string, log logging.Logger) *MQTTBridge {
	return &MQTTBridge{client: client, prefix: prefix, log: log}
}

func (b *MQTTBridge) Send(ctx context.Context, phone, text string) (string, error) {
	msg := bridgeMessage{ID: uuid.NewString(), Phone: phone, Text: text}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Trace(err)
	}

	topic := b.prefix + outboundTopic
	token := b.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return "", errors.Annotatef(err, "publish to %s", topic)
		}
	case <-ctx.Done():
		return "", errors.Annotatef(ctx.Err(), "publish to %s", topic)
	}

	return msg.ID, nil
}

//Subscribe delivers every message from the bridge to handler
func (b *MQTTBridge) Subscribe(handler InboundHandler) error {
	topic := b.prefix + inboundTopic
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		var in Inbound
		if err := json.Unmarshal(m.Payload(), &in); err != nil {
			b.log.Warnf("dropped undecodable inbound message on %s: %s", m.Topic(), err.Error())
			return
		}
		if in.ReceivedAt.IsZero() {
			in.ReceivedAt = time.Now().UTC()
		}
		handler(context.Background(), in)
	})
	if !token.WaitTimeout(connectWait) {
		return errors.Timeoutf("subscribe to %s", topic)
	}
	return errors.Annotatef(token.Error(), "subscribe to %s", topic)
}

func (b *MQTTBridge) Close() {
	b.client.Disconnect(250)
}
