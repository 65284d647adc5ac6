package smschannel

import (
	"testing"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text   string
		typ    string
		fields map[string]interface{}
	}{
		{
			"TS:52.28.132.157,80,0,12,87,4", TypeStatus,
			map[string]interface{}{"server_ip": "52.28.132.157", "server_port": 80, "apn": "0", "gps_zone": 12, "battery_level": 87, "signal_strength": 4},
		},
		{
			"http://maps.google.com/maps?q=41.123456,12.654321", TypeLocation,
			map[string]interface{}{"latitude": 41.123456, "longitude": 12.654321},
		},
		{
			"Current location: https://maps.google.com/?q=-33.5,-70.25 sent", TypeLocation,
			map[string]interface{}{"latitude": -33.5, "longitude": -70.25},
		},
		{
			"maps.google.com/maps?q=41.123456,12.654321", TypeLocation,
			map[string]interface{}{"latitude": 41.123456, "longitude": 12.654321},
		},
		{"Battery level 64%", TypeBattery, map[string]interface{}{"battery_level": 64}},
		{"BATT:7 %", TypeBattery, map[string]interface{}{"battery_level": 7}},
		{"LK,120,3,55", TypeHeartbeat, map[string]interface{}{"steps": 120, "rolls": 3, "battery_level": 55}},
		{
			"UD,220414,134652,A,41.1,S,12.6,W,0,0,0,6,40,77,10", TypeReport,
			map[string]interface{}{"latitude": -41.1, "longitude": -12.6, "valid": true, "battery_level": 77, "satellites": 6, "signal_strength": 40, "steps": 10},
		},
		{"ok", TypeAck, map[string]interface{}{}},
		{"OK,", TypeAck, map[string]interface{}{}},
		{"okay then", TypeUnknown, map[string]interface{}{}},
		{"battery is fine", TypeUnknown, map[string]interface{}{}},
		{"UD,broken", TypeUnknown, map[string]interface{}{}},
		{"", TypeUnknown, map[string]interface{}{}},
	}

	for _, c := range cases {
		c := c
		t.Run(c.text, func(t *testing.T) {
			t.Parallel()
			p := Recognize(c.text)
			assert.Equal(t, c.typ, p.Type)
			assert.Equal(t, c.fields, p.Fields)
		})
	}
}

func TestRecognizeStatusSetsCache(t *testing.T) {
	p := Recognize("TS:52.28.132.157,80,0,12,87,4")

	require.NotNil(t, p.Cache.ServerIP)
	assert.Equal(t, "52.28.132.157", *p.Cache.ServerIP)
	assert.Equal(t, 80, *p.Cache.ServerPort)
	assert.Equal(t, 12, *p.Cache.GPSZone)
	assert.Equal(t, 87, *p.Cache.Battery)
	assert.Equal(t, 4, *p.Cache.Signal)
}

func TestRecognizeFirstMatchWins(t *testing.T) {
	// a status reply wins over the battery recognizer even though it ends in a percentage
	p := Recognize("TS:1.2.3.4,80,batt,1,50%")
	assert.Equal(t, TypeStatus, p.Type)

	p = Recognize("lk,1,2,3")
	assert.Equal(t, TypeHeartbeat, p.Type)
	assert.IsType(t, protocol.Heartbeat{}, p.Command)
}
