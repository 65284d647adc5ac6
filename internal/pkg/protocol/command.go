package protocol

import "time"

// Keywords understood by the decoder.
const (
	KeywordHeartbeat       = "LK"
	KeywordLocation        = "UD"
	KeywordLocation2       = "UD2"
	KeywordAlarm           = "AL"
	KeywordBloodPressure   = "bphrt"
	KeywordOxygen          = "oxygen"
	KeywordBodyTemperature = "btemp2"
)

// Command is the closed set of decoded command variants. Anything outside the
// dispatch table decodes to Other.
type Command interface {
	Keyword() string
	isCommand()
}

// Heartbeat is the LK keepalive. Every field is optional on the wire.
type Heartbeat struct {
	Steps   *int
	Rolls   *int
	Battery *int
	Signal  *int
}

// Location is a UD/UD2 position report.
type Location struct {
	Name       string
	FixedAt    *time.Time
	Valid      bool
	Latitude   float64
	Longitude  float64
	Speed      *float64
	Course     *float64
	Altitude   *float64
	Satellites *int
	GSMSignal  *int
	Battery    *int
	Steps      *int
}

// Alarm is an AL report. The subtype bits are not decoded. HasPosition is false when
// the device sent no usable coordinates.
type Alarm struct {
	Position    Location
	HasPosition bool
}

// BloodPressure is a bphrt measurement. Zero means "not measured".
type BloodPressure struct {
	Systolic  int
	Diastolic int
	HeartRate int
}

// Oxygen is an SpO2 percentage.
type Oxygen struct {
	SpO2 int
}

// BodyTemperature is a btemp2 measurement.
type BodyTemperature struct {
	Forehead    bool
	Temperature float64
}

// Other carries a keyword outside the dispatch table.
type Other struct {
	Name   string
	Fields []string
}

func (Heartbeat) Keyword() string       { return KeywordHeartbeat }
func (l Location) Keyword() string      { return l.Name }
func (Alarm) Keyword() string           { return KeywordAlarm }
func (BloodPressure) Keyword() string   { return KeywordBloodPressure }
func (Oxygen) Keyword() string          { return KeywordOxygen }
func (BodyTemperature) Keyword() string { return KeywordBodyTemperature }
func (o Other) Keyword() string         { return o.Name }

func (Heartbeat) isCommand()       {}
func (Location) isCommand()        {}
func (Alarm) isCommand()           {}
func (BloodPressure) isCommand()   {}
func (Oxygen) isCommand()          {}
func (BodyTemperature) isCommand() {}
func (Other) isCommand()           {}

// Measured reports whether the message carries an actual reading rather than an empty keepalive-shaped payload.
func (bp BloodPressure) Measured() bool {
	return bp.HeartRate > 0 || bp.Systolic > 0
}
