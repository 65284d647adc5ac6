// Package dispatch sends operator commands to devices over the short message transport and
// records every attempt in the command log.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/sms"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/juju/errors"
)

const DefaultTimeout = 10 * time.Second

//ErrNoTransport is returned before anything is written when a device cannot be reached
var ErrNoTransport = errors.New("no transport")

//TransportFailure carries the provider error of a failed send
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	return "transport failure: " + e.Err.Error()
}

//IsTransportFailure reports whether err was caused by the provider
func IsTransportFailure(err error) bool {
	_, ok := errors.Cause(err).(*TransportFailure)
	return ok
}

type Store interface {
	CreateCommandLog(entry *models.CommandLog) error
	CompleteCommandLog(id uint, status, providerMessageID, errorText string, at time.Time) error
}

type Options struct {
	Transport       sms.Transport
	DefaultPassword string
	Timeout         time.Duration
	Log             logging.Logger
	Stat            *stats.Stats
}

type Dispatcher struct {
	store           Store
	transport       sms.Transport
	defaultPassword string
	timeout         time.Duration
	log             logging.Logger
	stat            *stats.Stats
	now             func() time.Time
}

func NewDispatcher(store Store, opt Options) *Dispatcher {
	if opt.DefaultPassword == "" {
		opt.DefaultPassword = DefaultPassword
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Log == nil {
		opt.Log = logging.NewLogger()
	}
	if opt.Stat == nil {
		opt.Stat = stats.New()
	}
	return &Dispatcher{
		store:           store,
		transport:       opt.Transport,
		defaultPassword: opt.DefaultPassword,
		timeout:         opt.Timeout,
		log:             opt.Log,
		stat:            opt.Stat,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

//Dispatch sends req to device once. The returned row is pending only if completing it failed.
func (d *Dispatcher) Dispatch(ctx context.Context, device *models.Device, req Request) (*models.CommandLog, error) {
	phone := strings.TrimSpace(device.PhoneNumber)
	if phone == "" || d.transport == nil {
		return nil, errors.Annotatef(ErrNoTransport, "device %s", device.CanonicalIMEI)
	}

	password := device.Password
	if password == "" {
		password = d.defaultPassword
	}
	text, err := req.Encode(password)
	if err != nil {
		return nil, errors.Trace(err)
	}

	imei := device.CanonicalIMEI
	entry := &models.CommandLog{
		DeviceIMEI:  &imei,
		PhoneNumber: phone,
		Direction:   models.DirectionSent,
		Transport:   models.TransportSMS,
		RawPayload:  text,
		CommandType: Classify(text),
		Status:      models.StatusPending,
	}
	if err := d.store.CreateCommandLog(entry); err != nil {
		return nil, errors.Annotate(err, "create command log")
	}

	log := d.log.WithField("imei", imei).WithField("command_log", entry.ID)

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	providerID, sendErr := d.transport.Send(sendCtx, phone, text)

	at := d.now()
	if sendErr != nil {
		d.stat.DispatchFailed.Add(1)
		log.Errorf("failed to send %s: %s", entry.CommandType, sendErr.Error())

		if err := d.store.CompleteCommandLog(entry.ID, models.StatusFailed, "", sendErr.Error(), at); err != nil {
			return entry, errors.Annotate(err, "complete command log")
		}
		entry.Status = models.StatusFailed
		entry.Error = sendErr.Error()
		entry.FailedAt = &at
		return entry, &TransportFailure{Err: sendErr}
	}

	d.stat.DispatchSent.Add(1)
	log.Infof("sent %s, provider id %s", entry.CommandType, providerID)

	if err := d.store.CompleteCommandLog(entry.ID, models.StatusSent, providerID, "", at); err != nil {
		return entry, errors.Annotate(err, "complete command log")
	}
	entry.Status = models.StatusSent
	entry.ProviderMessageID = providerID
	entry.SentAt = &at
	return entry, nil
}

// keyed by the first field after the password
var commandTypes = map[string]string{
	"factory":  "factory_reset",
	"poweroff": "power_off",
	"reset":    "reboot",
	"upload":   "upload_interval",
	"center":   "center_number",
	"sos":      "sos_numbers",
	"apn":      "apn",
	"ip":       "set_server",
	"cr":       "locate",
	"ts":       "status",
}

//CommandTypeCustom classifies a command whose keyword is not known
const CommandTypeCustom = "custom"

//Classify derives the command type of an encoded command from its keyword field
func Classify(text string) string {
	section := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(text), "#"))
	if strings.HasPrefix(section, "pw,") {
		// drop the password
		if i := strings.Index(section[3:], ","); i >= 0 {
			section = section[3+i+1:]
		} else {
			section = ""
		}
	}

	keyword := strings.TrimSpace(strings.SplitN(section, ",", 2)[0])
	// sos1..sos3 set a single slot
	if strings.HasPrefix(keyword, "sos") && strings.Trim(keyword[3:], "0123456789") == "" {
		keyword = "sos"
	}
	if typ, ok := commandTypes[keyword]; ok {
		return typ
	}
	return CommandTypeCustom
}
