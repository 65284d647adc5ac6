package application

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/dispatch"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/sms"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/registry"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/smschannel"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIMEI = "865028000000001"

func TestHealthEndpoint(t *testing.T) {
	w := serve(t, newTestRouter(&dbMock{}, Services{}), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusOfUnknownDeviceIsNotFound(t *testing.T) {
	w := serve(t, newTestRouter(&dbMock{}, Services{Status: &statusMock{}}), http.MethodGet, "/api/devices/nope/status", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusCombinesRegistryAndStoredCache(t *testing.T) {
	stored := time.Now().Add(-time.Hour)
	live := time.Now().Add(-time.Minute)
	lat, lon := 59.3293, 18.0686
	battery := 87

	db := &dbMock{device: &models.Device{
		CanonicalIMEI: testIMEI,
		LastSeenAt:    &stored,
		LastLatitude:  &lat,
		LastLongitude: &lon,
		LastBattery:   &battery,
	}}
	st := &statusMock{status: registry.Status{Connected: true, LastSeen: &live}, online: true}

	w := serve(t, newTestRouter(db, Services{Status: st}), http.MethodGet, "/api/devices/"+testIMEI+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := deviceStatus{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, testIMEI, body.IMEI)
	assert.True(t, body.Connected)
	assert.True(t, body.Online)
	require.NotNil(t, body.LastSeen)
	assert.True(t, body.LastSeen.Equal(live))
	assert.Equal(t, lat, *body.Latitude)
	assert.Equal(t, battery, *body.Battery)
	assert.False(t, body.HasPhone)
	assert.True(t, st.askedOnline.Equal(live))
}

func TestStatusPrefersNewerStoredLastSeen(t *testing.T) {
	stored := time.Now().Add(-time.Second)
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI, LastSeenAt: &stored, Connected: true}}
	st := &statusMock{}

	w := serve(t, newTestRouter(db, Services{Status: st}), http.MethodGet, "/api/devices/"+testIMEI+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := deviceStatus{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Connected)
	require.NotNil(t, body.LastSeen)
	assert.True(t, body.LastSeen.Equal(stored))
}

func TestDispatchRawCommand(t *testing.T) {
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI, PhoneNumber: "+46701234567"}}
	d := &dispatcherMock{}

	w := serve(t, newTestRouter(db, Services{Dispatcher: d}), http.MethodPost,
		"/api/devices/"+testIMEI+"/commands", []byte(`{"command":"CR"}`))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, dispatch.RawCommand{Text: "CR"}, d.req)
	assert.Equal(t, testIMEI, d.device.CanonicalIMEI)

	body := commandLogView{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.StatusSent, body.Status)
}

func TestDispatchNamedRequest(t *testing.T) {
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI}}
	d := &dispatcherMock{}

	w := serve(t, newTestRouter(db, Services{Dispatcher: d}), http.MethodPost,
		"/api/devices/"+testIMEI+"/commands", []byte(`{"request":"upload_interval","args":["60"]}`))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, dispatch.SetUploadInterval{Seconds: 60}, d.req)
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI}}
	d := &dispatcherMock{}
	router := newTestRouter(db, Services{Dispatcher: d})

	for _, body := range []string{`{}`, `not json`, `{"request":"self_destruct"}`, `{"request":"upload_interval","args":["soon"]}`} {
		w := serve(t, router, http.MethodPost, "/api/devices/"+testIMEI+"/commands", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, 0, d.calls)
}

func TestDispatchToUnknownDevice(t *testing.T) {
	d := &dispatcherMock{}
	w := serve(t, newTestRouter(&dbMock{}, Services{Dispatcher: d}), http.MethodPost,
		"/api/devices/nope/commands", []byte(`{"command":"CR"}`))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, d.calls)
}

func TestDispatchWithoutTransport(t *testing.T) {
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI}}
	d := &dispatcherMock{err: errors.Annotate(dispatch.ErrNoTransport, "device")}

	w := serve(t, newTestRouter(db, Services{Dispatcher: d}), http.MethodPost,
		"/api/devices/"+testIMEI+"/commands", []byte(`{"command":"CR"}`))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDispatchTransportFailureReturnsTheFailedRow(t *testing.T) {
	db := &dbMock{device: &models.Device{CanonicalIMEI: testIMEI, PhoneNumber: "+46701234567"}}
	d := &dispatcherMock{
		entry: &models.CommandLog{Status: models.StatusFailed, Error: "provider down"},
		err:   &dispatch.TransportFailure{Err: errors.New("provider down")},
	}

	w := serve(t, newTestRouter(db, Services{Dispatcher: d}), http.MethodPost,
		"/api/devices/"+testIMEI+"/commands", []byte(`{"command":"CR"}`))

	require.Equal(t, http.StatusBadGateway, w.Code)
	body := commandLogView{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.StatusFailed, body.Status)
	assert.Equal(t, "provider down", body.Error)
}

func TestCommandLogHistory(t *testing.T) {
	imei := testIMEI
	db := &dbMock{logs: []models.CommandLog{
		{DeviceIMEI: &imei, Direction: models.DirectionSent, Status: models.StatusSent},
		{DeviceIMEI: &imei, Direction: models.DirectionReceived, Status: models.StatusReceived},
	}}
	router := newTestRouter(db, Services{})

	w := serve(t, router, http.MethodGet, "/api/devices/"+testIMEI+"/commands?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, db.limit)
	assert.Equal(t, testIMEI, db.logIMEI)

	views := []commandLogView{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 2)

	w = serve(t, router, http.MethodGet, "/api/devices/"+testIMEI+"/commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultCommandLogLimit, db.limit)

	w = serve(t, router, http.MethodGet, "/api/devices/"+testIMEI+"/commands?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboundSMS(t *testing.T) {
	h := &smsMock{result: smschannel.Result{IMEI: testIMEI, Type: smschannel.TypeBattery, CommandID: 7}}

	w := serve(t, newTestRouter(&dbMock{}, Services{SMS: h}), http.MethodPost, "/api/sms/inbound",
		[]byte(`{"phone":"+46701234567","text":"batt:80%"}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "+46701234567", h.msg.Phone)
	assert.Equal(t, "batt:80%", h.msg.Text)
	assert.Contains(t, w.Body.String(), `"command_log_id":7`)
}

func TestInboundSMSRequiresPhone(t *testing.T) {
	h := &smsMock{}

	w := serve(t, newTestRouter(&dbMock{}, Services{SMS: h}), http.MethodPost, "/api/sms/inbound", []byte(`{"text":"hi"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "", h.msg.Text)
}

func TestInboundSMSStoreFailure(t *testing.T) {
	h := &smsMock{err: errors.New("db gone")}

	w := serve(t, newTestRouter(&dbMock{}, Services{SMS: h}), http.MethodPost, "/api/sms/inbound",
		[]byte(`{"phone":"+46701234567","text":"hi"}`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDebugVarsAreServed(t *testing.T) {
	w := serve(t, newTestRouter(&dbMock{}, Services{}), http.MethodGet, "/debug/vars", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{"))
}

func newTestRouter(db *dbMock, svc Services) http.Handler {
	return createRequestRouter(logging.NewLogger(), db, svc)
}

func serve(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type statusMock struct {
	status      registry.Status
	online      bool
	askedOnline time.Time
}

func (s *statusMock) Status(ctx context.Context, imei string) registry.Status {
	return s.status
}

func (s *statusMock) IsOnline(lastSeen *time.Time) bool {
	if lastSeen != nil {
		s.askedOnline = *lastSeen
	}
	return s.online
}

type dispatcherMock struct {
	calls  int
	device *models.Device
	req    dispatch.Request
	entry  *models.CommandLog
	err    error
}

func (d *dispatcherMock) Dispatch(ctx context.Context, device *models.Device, req dispatch.Request) (*models.CommandLog, error) {
	d.calls++
	d.device = device
	d.req = req
	if d.err != nil {
		return d.entry, d.err
	}
	return &models.CommandLog{Direction: models.DirectionSent, Status: models.StatusSent}, nil
}

type smsMock struct {
	msg    sms.Inbound
	result smschannel.Result
	err    error
}

func (s *smsMock) HandleInbound(ctx context.Context, msg sms.Inbound) (smschannel.Result, error) {
	s.msg = msg
	return s.result, s.err
}

type dbMock struct {
	device  *models.Device
	logs    []models.CommandLog
	logIMEI string
	limit   int
}

func (db *dbMock) CreateDevice(device *models.Device) (*models.Device, error) {
	db.device = device
	return device, nil
}

func (db *dbMock) GetDeviceFromIMEI(imei string) (*models.Device, error) {
	if db.device == nil || db.device.CanonicalIMEI != imei {
		return nil, errors.NotFoundf("device %s", imei)
	}
	return db.device, nil
}

func (db *dbMock) GetDeviceFromIdentifier(identifier string) (*models.Device, error) {
	return db.GetDeviceFromIMEI(identifier)
}

func (db *dbMock) GetDeviceFromPhoneNumber(phoneNumber string) (*models.Device, error) {
	return nil, errors.NotFoundf("device %s", phoneNumber)
}

func (db *dbMock) GetDevices() ([]models.Device, error) {
	return nil, nil
}

func (db *dbMock) UpdateDeviceCache(imei string, update models.DeviceCacheUpdate) error {
	return nil
}

func (db *dbMock) CreateLocationRecord(record *models.LocationRecord) error { return nil }
func (db *dbMock) CreateHealthRecord(record *models.HealthRecord) error     { return nil }
func (db *dbMock) CreateAlarmRecord(record *models.AlarmRecord) error       { return nil }
func (db *dbMock) CreateCommandLog(entry *models.CommandLog) error          { return nil }

func (db *dbMock) CompleteCommandLog(id uint, status, providerMessageID, errorText string, at time.Time) error {
	return nil
}

func (db *dbMock) GetCommandLogs(imei string, limit int) ([]models.CommandLog, error) {
	db.logIMEI = imei
	db.limit = limit
	return db.logs, nil
}
