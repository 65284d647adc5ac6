// Package telemetry turns decoded commands into canonical records and persists them.
package telemetry

import (
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/protocol"
)

//Batch is everything one message produced for one device
type Batch struct {
	IMEI      string
	Locations []models.LocationRecord
	Health    []models.HealthRecord
	Alarms    []models.AlarmRecord
	Cache     models.DeviceCacheUpdate
}

//Empty reports whether the batch would neither insert a record nor touch the device cache
func (b Batch) Empty() bool {
	return len(b.Locations) == 0 && len(b.Health) == 0 && len(b.Alarms) == 0 && b.Cache.Empty()
}

//Records counts the telemetry records in the batch
func (b Batch) Records() int {
	return len(b.Locations) + len(b.Health) + len(b.Alarms)
}

//Normalize maps cmd onto the records of imei, stamped with the receipt time
func Normalize(imei string, cmd protocol.Command, receivedAt time.Time) Batch {
	b := Batch{IMEI: imei}
	at := receivedAt

	switch c := cmd.(type) {
	case protocol.Heartbeat:
		b.Cache.Steps = c.Steps
		b.Cache.Battery = c.Battery
		b.Cache.Signal = c.Signal
		b.Cache.StatusAt = &at

	case protocol.Location:
		b.Locations = append(b.Locations, locationRecord(imei, c, at))
		b.Cache.Latitude = float64Ptr(c.Latitude)
		b.Cache.Longitude = float64Ptr(c.Longitude)
		b.Cache.LocationAt = &at
		b.Cache.Battery = c.Battery
		b.Cache.Signal = c.GSMSignal
		b.Cache.Steps = c.Steps
		b.Cache.StatusAt = &at

	case protocol.Alarm:
		alarm := models.AlarmRecord{
			DeviceIMEI: imei,
			AlarmType:  models.AlarmTypeGeneric,
			RecordedAt: at,
		}
		if c.HasPosition {
			alarm.Latitude = float64Ptr(c.Position.Latitude)
			alarm.Longitude = float64Ptr(c.Position.Longitude)
			b.Cache.Latitude = alarm.Latitude
			b.Cache.Longitude = alarm.Longitude
			b.Cache.LocationAt = &at
		}
		b.Alarms = append(b.Alarms, alarm)

	case protocol.BloodPressure:
		if !c.Measured() {
			break
		}
		h := models.HealthRecord{DeviceIMEI: imei, RecordedAt: at}
		h.SystolicBP = positive(c.Systolic)
		h.DiastolicBP = positive(c.Diastolic)
		h.HeartRate = positive(c.HeartRate)
		b.Health = append(b.Health, h)
		b.Cache.SystolicBP = h.SystolicBP
		b.Cache.DiastolicBP = h.DiastolicBP
		b.Cache.HeartRate = h.HeartRate
		b.Cache.VitalsAt = &at

	case protocol.Oxygen:
		spo2 := c.SpO2
		b.Health = append(b.Health, models.HealthRecord{DeviceIMEI: imei, SpO2: &spo2, RecordedAt: at})
		b.Cache.SpO2 = &spo2
		b.Cache.VitalsAt = &at

	case protocol.BodyTemperature:
		temp := c.Temperature
		mode := models.TemperatureModeWrist
		if c.Forehead {
			mode = models.TemperatureModeForehead
		}
		b.Health = append(b.Health, models.HealthRecord{DeviceIMEI: imei, Temperature: &temp, TemperatureMode: mode, RecordedAt: at})
		b.Cache.Temperature = &temp
		b.Cache.VitalsAt = &at
	}

	return b
}

func locationRecord(imei string, l protocol.Location, at time.Time) models.LocationRecord {
	return models.LocationRecord{
		DeviceIMEI: imei,
		Latitude:   l.Latitude,
		Longitude:  l.Longitude,
		Altitude:   l.Altitude,
		Speed:      l.Speed,
		Course:     l.Course,
		Valid:      l.Valid,
		BatteryPct: l.Battery,
		Satellites: l.Satellites,
		GSMSignal:  l.GSMSignal,
		Steps:      l.Steps,
		FixedAt:    l.FixedAt,
		RecordedAt: at,
	}
}

func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func float64Ptr(v float64) *float64 {
	return &v
}
