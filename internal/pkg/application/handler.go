package application

import (
	"compress/flate"
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/dispatch"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/sms"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/registry"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/smschannel"
	"github.com/juju/errors"
	"github.com/rs/cors"
)

const defaultCommandLogLimit = 50

type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

//ServeHTTP makes the router usable as an http.Handler
func (router *RequestRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router.impl.ServeHTTP(w, r)
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

//StatusSource answers liveness questions about devices connected to this process
type StatusSource interface {
	Status(ctx context.Context, imei string) registry.Status
	IsOnline(lastSeen *time.Time) bool
}

//CommandDispatcher sends operator commands to devices
type CommandDispatcher interface {
	Dispatch(ctx context.Context, device *models.Device, req dispatch.Request) (*models.CommandLog, error)
}

//InboundSMSHandler takes care of messages posted by an http sms provider
type InboundSMSHandler interface {
	HandleInbound(ctx context.Context, msg sms.Inbound) (smschannel.Result, error)
}

//Services are the collaborators the api delegates to
type Services struct {
	Status     StatusSource
	Dispatcher CommandDispatcher
	SMS        InboundSMSHandler
}

func createRequestRouter(log logging.Logger, db database.Datastore, svc Services) *RequestRouter {
	router := newRequestRouter()
	router.impl.Use(database.Middleware(db))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/api/devices/{imei}/status", newDeviceStatusHandler(log, svc.Status))
	router.Post("/api/devices/{imei}/commands", newDispatchCommandHandler(log, svc.Dispatcher))
	router.Get("/api/devices/{imei}/commands", newCommandLogHandler(log))
	router.Post("/api/sms/inbound", newInboundSMSHandler(log, svc.SMS))
	router.impl.Handle("/debug/vars", expvar.Handler())

	return router
}

//NewHTTPServer creates the api server listening on the given port
func NewHTTPServer(log logging.Logger, port string, db database.Datastore, svc Services) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           createRequestRouter(log, db, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type deviceStatus struct {
	IMEI      string     `json:"imei"`
	Connected bool       `json:"connected"`
	LastSeen  *time.Time `json:"last_seen"`
	Online    bool       `json:"online"`

	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	LocationAt   *time.Time `json:"location_at,omitempty"`
	HeartRate    *int       `json:"heart_rate,omitempty"`
	SystolicBP   *int       `json:"systolic_bp,omitempty"`
	DiastolicBP  *int       `json:"diastolic_bp,omitempty"`
	SpO2         *int       `json:"spo2,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	Battery      *int       `json:"battery,omitempty"`
	Signal       *int       `json:"signal,omitempty"`
	Steps        *int       `json:"steps,omitempty"`
	StatusAt     *time.Time `json:"status_at,omitempty"`
	ServerIP     string     `json:"server_ip,omitempty"`
	ServerPort   *int       `json:"server_port,omitempty"`
	APN          string     `json:"apn,omitempty"`
	GPSZone      *int       `json:"gps_zone,omitempty"`
	HasPhone     bool       `json:"has_phone"`
	TransportID  string     `json:"transport_id,omitempty"`
	Registration *string    `json:"registration_code,omitempty"`
}

func newDeviceStatusHandler(log logging.Logger, status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := deviceFromRequest(w, r, log)
		if !ok {
			return
		}

		st := status.Status(r.Context(), device.CanonicalIMEI)

		lastSeen := st.LastSeen
		if device.LastSeenAt != nil && (lastSeen == nil || device.LastSeenAt.After(*lastSeen)) {
			lastSeen = device.LastSeenAt
		}

		writeJSON(w, http.StatusOK, deviceStatus{
			IMEI:         device.CanonicalIMEI,
			Connected:    st.Connected || device.Connected,
			LastSeen:     lastSeen,
			Online:       status.IsOnline(lastSeen),
			Latitude:     device.LastLatitude,
			Longitude:    device.LastLongitude,
			LocationAt:   device.LastLocationAt,
			HeartRate:    device.LastHeartRate,
			SystolicBP:   device.LastSystolicBP,
			DiastolicBP:  device.LastDiastolicBP,
			SpO2:         device.LastSpO2,
			Temperature:  device.LastTemperature,
			Battery:      device.LastBattery,
			Signal:       device.LastSignal,
			Steps:        device.LastSteps,
			StatusAt:     device.LastStatusAt,
			ServerIP:     device.ServerIP,
			ServerPort:   device.ServerPort,
			APN:          device.APN,
			GPSZone:      device.GPSZone,
			HasPhone:     device.PhoneNumber != "",
			TransportID:  device.TransportID,
			Registration: device.RegistrationCode,
		})
	}
}

type dispatchRequest struct {
	Command string   `json:"command"`
	Request string   `json:"request"`
	Args    []string `json:"args"`
}

func newDispatchCommandHandler(log logging.Logger, dispatcher CommandDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := dispatchRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var req dispatch.Request
		switch {
		case strings.TrimSpace(body.Command) != "":
			req = dispatch.RawCommand{Text: body.Command}
		case body.Request != "":
			var err error
			if req, err = dispatch.NewRequest(body.Request, body.Args); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "command or request is required")
			return
		}

		device, ok := deviceFromRequest(w, r, log)
		if !ok {
			return
		}

		entry, err := dispatcher.Dispatch(r.Context(), device, req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusCreated, newCommandLogView(*entry))
		case errors.Cause(err) == dispatch.ErrNoTransport:
			writeError(w, http.StatusUnprocessableEntity, dispatch.ErrNoTransport.Error())
		case errors.IsNotValid(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case dispatch.IsTransportFailure(err) && entry != nil:
			writeJSON(w, http.StatusBadGateway, newCommandLogView(*entry))
		default:
			log.Errorf("dispatch to %s failed: %s", device.CanonicalIMEI, errors.Details(err))
			writeError(w, http.StatusInternalServerError, "dispatch failed")
		}
	}
}

func newCommandLogHandler(log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		db, err := database.GetFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		limit := defaultCommandLogLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}

		entries, err := db.GetCommandLogs(chi.URLParam(r, "imei"), limit)
		if err != nil {
			log.Errorf("failed to query command logs: %s", errors.Details(err))
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		views := make([]commandLogView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newCommandLogView(e))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func newInboundSMSHandler(log logging.Logger, handler InboundSMSHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := sms.Inbound{}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(msg.Phone) == "" {
			writeError(w, http.StatusBadRequest, "phone is required")
			return
		}

		result, err := handler.HandleInbound(r.Context(), msg)
		if err != nil {
			log.Errorf("failed to handle inbound sms: %s", errors.Details(err))
			writeError(w, http.StatusInternalServerError, "inbound message not stored")
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

func deviceFromRequest(w http.ResponseWriter, r *http.Request, log logging.Logger) (*models.Device, bool) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}

	imei := chi.URLParam(r, "imei")
	device, err := db.GetDeviceFromIdentifier(imei)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "device not found")
		} else {
			log.Errorf("failed to look up device %s: %s", imei, errors.Details(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
		}
		return nil, false
	}

	return device, true
}

type commandLogView struct {
	ID                uint       `json:"id"`
	DeviceIMEI        *string    `json:"imei,omitempty"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	Direction         string     `json:"direction"`
	Transport         string     `json:"transport"`
	RawPayload        string     `json:"raw_payload"`
	CommandType       string     `json:"command_type"`
	ParsedFields      string     `json:"parsed_fields,omitempty"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	ReceivedAt        *time.Time `json:"received_at,omitempty"`
}

func newCommandLogView(e models.CommandLog) commandLogView {
	return commandLogView{
		ID:                e.ID,
		DeviceIMEI:        e.DeviceIMEI,
		PhoneNumber:       e.PhoneNumber,
		Direction:         e.Direction,
		Transport:         e.Transport,
		RawPayload:        e.RawPayload,
		CommandType:       e.CommandType,
		ParsedFields:      e.ParsedFields,
		Status:            e.Status,
		Error:             e.Error,
		ProviderMessageID: e.ProviderMessageID,
		CreatedAt:         e.CreatedAt,
		SentAt:            e.SentAt,
		FailedAt:          e.FailedAt,
		ReceivedAt:        e.ReceivedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
