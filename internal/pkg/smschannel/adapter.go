package smschannel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/sms"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/telemetry"
	"github.com/juju/errors"
)

const unrecognizedError = "unrecognized message"

type Store interface {
	GetDeviceFromPhoneNumber(phoneNumber string) (*models.Device, error)
	UpdateDeviceCache(imei string, update models.DeviceCacheUpdate) error
	CreateCommandLog(entry *models.CommandLog) error
}

type Submitter interface {
	Submit(b telemetry.Batch) bool
}

//Result describes how one inbound message was handled
type Result struct {
	IMEI      string                 `json:"imei,omitempty"`
	Type      string                 `json:"command_type"`
	Fields    map[string]interface{} `json:"parsed_fields"`
	CommandID uint                   `json:"command_log_id"`
}

type Adapter struct {
	store Store
	sink  Submitter
	locks *telemetry.DeviceLocks
	log   logging.Logger
	stat  *stats.Stats
}

func NewAdapter(store Store, sink Submitter, locks *telemetry.DeviceLocks, log logging.Logger, stat *stats.Stats) *Adapter {
	if locks == nil {
		locks = telemetry.NewDeviceLocks()
	}
	if stat == nil {
		stat = stats.New()
	}
	return &Adapter{store: store, sink: sink, locks: locks, log: log, stat: stat}
}

//HandleInbound recognizes msg, applies it to the sending device and appends it to the command log.
//The log row is written whether or not the text or the sender could be recognized.
func (a *Adapter) HandleInbound(ctx context.Context, msg sms.Inbound) (Result, error) {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	phone := strings.TrimSpace(msg.Phone)
	log := a.log.WithField("phone", phone)

	parsed := Recognize(msg.Text)
	a.stat.SMSInbound.Add(parsed.Type, 1)
	result := Result{Type: parsed.Type, Fields: parsed.Fields}

	entry := &models.CommandLog{
		PhoneNumber: phone,
		Direction:   models.DirectionReceived,
		Transport:   models.TransportSMS,
		RawPayload:  msg.Text,
		CommandType: parsed.Type,
		Status:      models.StatusReceived,
		ReceivedAt:  &at,
	}
	if parsed.Type == TypeUnknown {
		entry.Error = unrecognizedError
	}
	if fields, err := json.Marshal(parsed.Fields); err == nil {
		entry.ParsedFields = string(fields)
	}

	device, err := a.store.GetDeviceFromPhoneNumber(phone)
	switch {
	case err == nil:
		imei := device.CanonicalIMEI
		entry.DeviceIMEI = &imei
		result.IMEI = imei
	case errors.IsNotFound(err):
		a.stat.UnknownDevices.Add(1)
		log.Warnf("sms from unknown device")
	default:
		log.Errorf("failed to look up sms sender: %s", errors.Details(err))
	}

	if err := a.store.CreateCommandLog(entry); err != nil {
		a.stat.PersistenceFailures.Add(1)
		log.Errorf("failed to log inbound sms: %s", errors.Details(err))
		return result, errors.Annotate(err, "log inbound sms")
	}
	result.CommandID = entry.ID

	if result.IMEI == "" || parsed.Type == TypeUnknown {
		return result, nil
	}

	batch := batchFor(result.IMEI, parsed, at)
	if err := a.applyCache(result.IMEI, batch.Cache); err != nil {
		a.stat.PersistenceFailures.Add(1)
		log.WithField("imei", result.IMEI).Errorf("failed to update device cache from sms: %s", errors.Details(err))
	}

	batch.Cache = models.DeviceCacheUpdate{}
	if batch.Records() > 0 && !a.sink.Submit(batch) {
		log.Warnf("sink closed, dropped sms telemetry")
	}

	return result, nil
}

func (a *Adapter) applyCache(imei string, update models.DeviceCacheUpdate) error {
	if update.Empty() {
		return nil
	}
	return a.locks.WithLock(imei, func() error {
		return a.store.UpdateDeviceCache(imei, update)
	})
}

func batchFor(imei string, p Parsed, at time.Time) telemetry.Batch {
	if p.Command != nil {
		return telemetry.Normalize(imei, p.Command, at)
	}

	b := telemetry.Batch{IMEI: imei, Cache: p.Cache}
	if b.Cache.Latitude != nil {
		b.Cache.LocationAt = &at
	}
	if b.Cache.Battery != nil || b.Cache.Signal != nil {
		b.Cache.StatusAt = &at
	}
	if p.Location != nil {
		loc := *p.Location
		loc.DeviceIMEI = imei
		loc.RecordedAt = at
		b.Locations = append(b.Locations, loc)
	}
	return b
}
