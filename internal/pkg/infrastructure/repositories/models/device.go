package models

import (
	"time"

	"gorm.io/gorm"
)

//Device is the canonical record all identifier aliases of a wearable resolve to
type Device struct {
	gorm.Model
	CanonicalIMEI    string  `gorm:"uniqueIndex;size:32;not null"`
	RegistrationCode *string `gorm:"uniqueIndex;size:64"`
	TransportID      string  `gorm:"size:64"`
	PhoneNumber      string  `gorm:"index;size:32"`
	Password         string  `gorm:"size:32"`

	Connected  bool
	LastSeenAt *time.Time

	LastLatitude   *float64
	LastLongitude  *float64
	LastLocationAt *time.Time

	LastHeartRate     *int
	LastHeartRateAt   *time.Time
	LastSystolicBP    *int       `gorm:"column:last_systolic_bp"`
	LastDiastolicBP   *int       `gorm:"column:last_diastolic_bp"`
	LastBPAt          *time.Time `gorm:"column:last_bp_at"`
	LastSpO2          *int       `gorm:"column:last_sp_o2"`
	LastSpO2At        *time.Time `gorm:"column:last_sp_o2_at"`
	LastTemperature   *float64
	LastTemperatureAt *time.Time

	LastBattery  *int
	LastSignal   *int
	LastSteps    *int
	LastStatusAt *time.Time

	ServerIP   string `gorm:"column:server_ip;size:64"`
	ServerPort *int
	APN        string `gorm:"column:apn;size:64"`
	GPSZone    *int   `gorm:"column:gps_zone"`
}

//DeviceCacheUpdate carries the subset of the Device cache one message touched. Nil fields are left alone.
type DeviceCacheUpdate struct {
	TransportID *string
	Connected   *bool
	SeenAt      *time.Time

	Latitude   *float64
	Longitude  *float64
	LocationAt *time.Time

	HeartRate   *int
	SystolicBP  *int
	DiastolicBP *int
	SpO2        *int
	Temperature *float64
	VitalsAt    *time.Time

	Battery  *int
	Signal   *int
	Steps    *int
	StatusAt *time.Time

	ServerIP   *string
	ServerPort *int
	APN        *string
	GPSZone    *int
}

//CacheGroup is a set of cache columns written together. A group with a Guard column is only
//applied when the stored guard timestamp is not newer than At.
type CacheGroup struct {
	Guard   string
	At      time.Time
	Columns map[string]interface{}
}

//Empty reports whether the update would not change any column
func (u DeviceCacheUpdate) Empty() bool {
	return len(u.Groups()) == 0
}

//Groups splits the non-nil fields into independently applied column groups, each stamped with
//its own observation time
func (u DeviceCacheUpdate) Groups() []CacheGroup {
	groups := []CacheGroup{}

	guarded := func(guard string, at *time.Time, cols map[string]interface{}) {
		if at == nil {
			groups = append(groups, CacheGroup{Columns: cols})
			return
		}
		ts := at.UTC()
		cols[guard] = ts
		groups = append(groups, CacheGroup{Guard: guard, At: ts, Columns: cols})
	}

	session := map[string]interface{}{}
	if u.TransportID != nil {
		session["transport_id"] = *u.TransportID
	}
	if u.Connected != nil {
		session["connected"] = *u.Connected
	}
	if len(session) > 0 {
		groups = append(groups, CacheGroup{Columns: session})
	}

	if u.SeenAt != nil {
		guarded("last_seen_at", u.SeenAt, map[string]interface{}{})
	}

	if u.Latitude != nil && u.Longitude != nil {
		guarded("last_location_at", u.LocationAt, map[string]interface{}{
			"last_latitude":  *u.Latitude,
			"last_longitude": *u.Longitude,
		})
	}

	if u.HeartRate != nil {
		guarded("last_heart_rate_at", u.VitalsAt, map[string]interface{}{"last_heart_rate": *u.HeartRate})
	}
	if u.SystolicBP != nil || u.DiastolicBP != nil {
		cols := map[string]interface{}{}
		if u.SystolicBP != nil {
			cols["last_systolic_bp"] = *u.SystolicBP
		}
		if u.DiastolicBP != nil {
			cols["last_diastolic_bp"] = *u.DiastolicBP
		}
		guarded("last_bp_at", u.VitalsAt, cols)
	}
	if u.SpO2 != nil {
		guarded("last_sp_o2_at", u.VitalsAt, map[string]interface{}{"last_sp_o2": *u.SpO2})
	}
	if u.Temperature != nil {
		guarded("last_temperature_at", u.VitalsAt, map[string]interface{}{"last_temperature": *u.Temperature})
	}

	status := map[string]interface{}{}
	if u.Battery != nil {
		status["last_battery"] = *u.Battery
	}
	if u.Signal != nil {
		status["last_signal"] = *u.Signal
	}
	if u.Steps != nil {
		status["last_steps"] = *u.Steps
	}
	if len(status) > 0 {
		guarded("last_status_at", u.StatusAt, status)
	}

	settings := map[string]interface{}{}
	if u.ServerIP != nil {
		settings["server_ip"] = *u.ServerIP
	}
	if u.ServerPort != nil {
		settings["server_port"] = *u.ServerPort
	}
	if u.APN != nil {
		settings["apn"] = *u.APN
	}
	if u.GPSZone != nil {
		settings["gps_zone"] = *u.GPSZone
	}
	if len(settings) > 0 {
		groups = append(groups, CacheGroup{Columns: settings})
	}

	return groups
}
