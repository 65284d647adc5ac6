package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

var (
	ErrMalformedFrame   = errors.New("frame is malformed")
	ErrMalformedCommand = errors.New("command fields are malformed")
)

// positional layout shared by UD, UD2 and AL
const (
	posDate = iota + 1
	posTime
	posValid
	posLatitude
	posLatitudeHemi
	posLongitude
	posLongitudeHemi
	posSpeed
	posCourse
	posAltitude
	posSatellites
	posGSMSignal
	posBattery
	posSteps
)

const (
	posLKSteps = iota + 1
	posLKRolls
	posLKBattery
	posLKSignal
)

const fixTimeLayout = "020106150405"

// Envelope is one decoded frame.
type Envelope struct {
	Tag      string
	DeviceID string
	Length   string
	Fields   []string
	Command  Command
}

// Decode parses one frame as returned by Extractor.Feed. The brackets are optional.
func Decode(frame []byte) (*Envelope, error) {
	inner := strings.TrimSpace(string(frame))
	inner = strings.TrimPrefix(inner, string(frameOpen))
	inner = strings.TrimSuffix(inner, string(frameClose))

	segments := strings.SplitN(inner, "*", 4)
	if len(segments) != 4 {
		return nil, errors.Annotatef(ErrMalformedFrame, "%d segments", len(segments))
	}
	if segments[1] == "" {
		return nil, errors.Annotate(ErrMalformedFrame, "empty device identifier")
	}
	if segments[3] == "" {
		return nil, errors.Annotate(ErrMalformedFrame, "empty command")
	}

	env := &Envelope{
		Tag:      segments[0],
		DeviceID: segments[1],
		Length:   segments[2],
		Fields:   strings.Split(segments[3], ","),
	}

	cmd, err := DecodeCommand(env.Fields)
	if err != nil {
		return nil, errors.Annotatef(err, "device=%s", env.DeviceID)
	}
	env.Command = cmd

	return env, nil
}

// DecodeCommand turns a field list headed by the keyword into a Command variant.
func DecodeCommand(fields []string) (Command, error) {
	if len(fields) == 0 || fields[0] == "" {
		return nil, errors.Annotate(ErrMalformedCommand, "missing keyword")
	}

	switch fields[0] {
	case KeywordHeartbeat:
		return decodeHeartbeat(fields), nil
	case KeywordLocation, KeywordLocation2:
		return decodeLocation(fields)
	case KeywordAlarm:
		return decodeAlarm(fields), nil
	case KeywordBloodPressure:
		return decodeBloodPressure(fields), nil
	case KeywordOxygen:
		return decodeOxygen(fields)
	case KeywordBodyTemperature:
		return decodeBodyTemperature(fields)
	}

	return Other{Name: fields[0], Fields: append([]string(nil), fields[1:]...)}, nil
}

func decodeHeartbeat(fields []string) Heartbeat {
	return Heartbeat{
		Steps:   optInt(fields, posLKSteps),
		Rolls:   optInt(fields, posLKRolls),
		Battery: optInt(fields, posLKBattery),
		Signal:  optInt(fields, posLKSignal),
	}
}

func decodeLocation(fields []string) (Location, error) {
	if len(fields) <= posLongitudeHemi {
		return Location{}, errors.Annotatef(ErrMalformedCommand, "%s needs %d fields, got %d", fields[0], posLongitudeHemi+1, len(fields))
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[posLatitude]), 64)
	if err != nil {
		return Location{}, errors.Annotatef(ErrMalformedCommand, "latitude %q", fields[posLatitude])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[posLongitude]), 64)
	if err != nil {
		return Location{}, errors.Annotatef(ErrMalformedCommand, "longitude %q", fields[posLongitude])
	}

	loc := Location{
		Name:       fields[0],
		Valid:      strings.EqualFold(strings.TrimSpace(fields[posValid]), "A"),
		Latitude:   ApplyHemisphere(lat, fields[posLatitudeHemi]),
		Longitude:  ApplyHemisphere(lon, fields[posLongitudeHemi]),
		Speed:      optFloat(fields, posSpeed),
		Course:     optFloat(fields, posCourse),
		Altitude:   optFloat(fields, posAltitude),
		Satellites: optInt(fields, posSatellites),
		GSMSignal:  optInt(fields, posGSMSignal),
		Battery:    optInt(fields, posBattery),
		Steps:      optInt(fields, posSteps),
	}

	if ts, err := time.Parse(fixTimeLayout, fields[posDate]+fields[posTime]); err == nil {
		loc.FixedAt = &ts
	}

	return loc, nil
}

func decodeAlarm(fields []string) Alarm {
	loc, err := decodeLocation(fields)
	if err != nil {
		return Alarm{Position: Location{Name: KeywordAlarm}}
	}
	loc.Name = KeywordAlarm
	return Alarm{Position: loc, HasPosition: true}
}

func decodeBloodPressure(fields []string) BloodPressure {
	return BloodPressure{
		Systolic:  intOrZero(fields, 1),
		Diastolic: intOrZero(fields, 2),
		HeartRate: intOrZero(fields, 3),
	}
}

func decodeOxygen(fields []string) (Oxygen, error) {
	v := optInt(fields, 1)
	if v == nil {
		return Oxygen{}, errors.Annotate(ErrMalformedCommand, "oxygen without percentage")
	}
	return Oxygen{SpO2: *v}, nil
}

func decodeBodyTemperature(fields []string) (BodyTemperature, error) {
	t := optFloat(fields, 2)
	if t == nil {
		return BodyTemperature{}, errors.Annotate(ErrMalformedCommand, "btemp2 without temperature")
	}
	return BodyTemperature{
		Forehead:    strings.TrimSpace(fields[1]) == "1",
		Temperature: *t,
	}, nil
}

// ApplyHemisphere negates v for the southern and western hemispheres.
// Any other letter, or none, leaves v positive.
func ApplyHemisphere(v float64, hemisphere string) float64 {
	if v < 0 {
		v = -v
	}
	switch strings.ToUpper(strings.TrimSpace(hemisphere)) {
	case "S", "W":
		return -v
	}
	return v
}

func optInt(fields []string, i int) *int {
	if i >= len(fields) {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
	if err != nil {
		return nil
	}
	return &v
}

func optFloat(fields []string, i int) *float64 {
	if i >= len(fields) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
	if err != nil {
		return nil
	}
	return &v
}

func intOrZero(fields []string, i int) int {
	if v := optInt(fields, i); v != nil {
		return *v
	}
	return 0
}
