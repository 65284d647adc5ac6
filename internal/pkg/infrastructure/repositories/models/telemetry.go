package models

import (
	"time"

	"gorm.io/gorm"
)

//AlarmTypeGeneric is stored when the alarm subtype bits are not decoded
const AlarmTypeGeneric = "sos"

const (
	TemperatureModeForehead = "forehead"
	TemperatureModeWrist    = "wrist"
)

//LocationRecord is an append-only position fix reported by a device
type LocationRecord struct {
	gorm.Model
	DeviceIMEI string `gorm:"index:location_device_time;size:32;not null"`
	Latitude   float64
	Longitude  float64
	Altitude   *float64
	Speed      *float64
	Course     *float64
	Valid      bool
	BatteryPct *int
	Satellites *int
	GSMSignal  *int `gorm:"column:gsm_signal"`
	Steps      *int
	FixedAt    *time.Time
	RecordedAt time.Time `gorm:"index:location_device_time"`
}

//HealthRecord stores only the vitals one message carried
type HealthRecord struct {
	gorm.Model
	DeviceIMEI      string `gorm:"index:health_device_time;size:32;not null"`
	HeartRate       *int
	SystolicBP      *int `gorm:"column:systolic_bp"`
	DiastolicBP     *int `gorm:"column:diastolic_bp"`
	SpO2            *int `gorm:"column:sp_o2"`
	Temperature     *float64
	TemperatureMode string    `gorm:"size:16"`
	RecordedAt      time.Time `gorm:"index:health_device_time"`
}

//AlarmRecord is an alarm raised by a device. The position is nil when the device had no usable fix.
type AlarmRecord struct {
	gorm.Model
	DeviceIMEI string `gorm:"index:alarm_device_time;size:32;not null"`
	AlarmType  string `gorm:"size:32;not null"`
	Latitude   *float64
	Longitude  *float64
	RecordedAt time.Time `gorm:"index:alarm_device_time"`
}
