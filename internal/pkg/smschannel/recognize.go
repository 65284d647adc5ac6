// Package smschannel turns free text replies from devices into the same telemetry the stream
// transport produces.
package smschannel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/protocol"
)

// Classifications, stored as CommandLog.command_type
const (
	TypeStatus    = "status"
	TypeLocation  = "location"
	TypeBattery   = "battery"
	TypeHeartbeat = "heartbeat"
	TypeReport    = "location_report"
	TypeAck       = "ack"
	TypeUnknown   = "unknown"
)

var (
	mapsQuery      = regexp.MustCompile(`[?&]q=(-?\d+(?:\.\d+)?),\s*(-?\d+(?:\.\d+)?)`)
	batteryPercent = regexp.MustCompile(`(\d{1,3})\s*%\s*$`)
)

// Parsed is the outcome of recognizing one message. Messages shaped like a stream command carry
// Command, the others carry the cache fields they set, without timestamps.
type Parsed struct {
	Type    string
	Fields  map[string]interface{}
	Command protocol.Command
	Cache   models.DeviceCacheUpdate
	// Location is set for a bare location echo that did not come through a protocol command
	Location *models.LocationRecord
}

type recognizer func(text string) (Parsed, bool)

// first match wins
var recognizers = []recognizer{
	recognizeStatus,
	recognizeMapsURL,
	recognizeBattery,
	recognizeProtocol("LK,", TypeHeartbeat),
	recognizeProtocol("UD,", TypeReport),
	recognizeAck,
}

// Recognize classifies text. Anything no recognizer accepts is TypeUnknown.
func Recognize(text string) Parsed {
	text = strings.TrimSpace(text)
	for _, r := range recognizers {
		if p, ok := r(text); ok {
			return p
		}
	}
	return Parsed{Type: TypeUnknown, Fields: map[string]interface{}{}}
}

// TS:<server_ip>,<server_port>,<apn>,<gps_zone>,<battery_level>,<signal_strength>
func recognizeStatus(text string) (Parsed, bool) {
	if !strings.HasPrefix(strings.ToUpper(text), "TS:") {
		return Parsed{}, false
	}

	parts := strings.Split(text[3:], ",")
	p := Parsed{Type: TypeStatus, Fields: map[string]interface{}{}}

	field := func(i int) (string, bool) {
		if i >= len(parts) {
			return "", false
		}
		v := strings.TrimSpace(parts[i])
		return v, v != ""
	}
	number := func(i int) (int, bool) {
		v, ok := field(i)
		if !ok {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		return n, err == nil
	}

	if v, ok := field(0); ok {
		p.Fields["server_ip"] = v
		p.Cache.ServerIP = &v
	}
	if n, ok := number(1); ok {
		p.Fields["server_port"] = n
		p.Cache.ServerPort = &n
	}
	if v, ok := field(2); ok {
		p.Fields["apn"] = v
		p.Cache.APN = &v
	}
	if n, ok := number(3); ok {
		p.Fields["gps_zone"] = n
		p.Cache.GPSZone = &n
	}
	if n, ok := number(4); ok {
		p.Fields["battery_level"] = n
		p.Cache.Battery = &n
	}
	if n, ok := number(5); ok {
		p.Fields["signal_strength"] = n
		p.Cache.Signal = &n
	}

	return p, true
}

func recognizeMapsURL(text string) (Parsed, bool) {
	m := mapsQuery.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, false
	}

	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Parsed{}, false
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Parsed{}, false
	}

	p := Parsed{
		Type:     TypeLocation,
		Fields:   map[string]interface{}{"latitude": lat, "longitude": lon},
		Location: &models.LocationRecord{Latitude: lat, Longitude: lon, Valid: true},
	}
	p.Cache.Latitude = &lat
	p.Cache.Longitude = &lon
	return p, true
}

func recognizeBattery(text string) (Parsed, bool) {
	if !strings.Contains(strings.ToLower(text), "batt") {
		return Parsed{}, false
	}
	m := batteryPercent.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return Parsed{}, false
	}

	p := Parsed{Type: TypeBattery, Fields: map[string]interface{}{"battery_level": level}}
	p.Cache.Battery = &level
	return p, true
}

// recognizeProtocol accepts a message shaped like a stream command section
func recognizeProtocol(prefix, typ string) recognizer {
	return func(text string) (Parsed, bool) {
		if !strings.HasPrefix(strings.ToUpper(text), prefix) {
			return Parsed{}, false
		}

		fields := strings.Split(text, ",")
		fields[0] = strings.ToUpper(fields[0])
		cmd, err := protocol.DecodeCommand(fields)
		if err != nil {
			return Parsed{}, false
		}

		p := Parsed{Type: typ, Fields: map[string]interface{}{}, Command: cmd}

		switch c := cmd.(type) {
		case protocol.Heartbeat:
			putInt(p.Fields, "steps", c.Steps)
			putInt(p.Fields, "rolls", c.Rolls)
			putInt(p.Fields, "battery_level", c.Battery)
			putInt(p.Fields, "signal_strength", c.Signal)
		case protocol.Location:
			p.Fields["latitude"] = c.Latitude
			p.Fields["longitude"] = c.Longitude
			p.Fields["valid"] = c.Valid
			putInt(p.Fields, "battery_level", c.Battery)
			putInt(p.Fields, "satellites", c.Satellites)
			putInt(p.Fields, "signal_strength", c.GSMSignal)
			putInt(p.Fields, "steps", c.Steps)
		}

		return p, true
	}
}

func recognizeAck(text string) (Parsed, bool) {
	switch strings.ToLower(text) {
	case "ok", "ok,":
		return Parsed{Type: TypeAck, Fields: map[string]interface{}{}}, true
	}
	return Parsed{}, false
}

func putInt(fields map[string]interface{}, key string, v *int) {
	if v != nil {
		fields[key] = *v
	}
}
