package protocol

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const udFrame = "[3G*8800000015*0079*UD,220414,134652,A,22.571707,S,113.8613968,W,0.1,0.0,100,7,60,90,1000]"

func TestDecodeHeartbeat(t *testing.T) {
	env, err := Decode([]byte("[3G*8800000015*000D*LK,50,100,95]"))
	require.NoError(t, err)

	assert.Equal(t, "3G", env.Tag)
	assert.Equal(t, "8800000015", env.DeviceID)

	hb, ok := env.Command.(Heartbeat)
	require.True(t, ok)
	require.NotNil(t, hb.Battery)
	assert.Equal(t, 95, *hb.Battery)
	assert.Equal(t, 50, *hb.Steps)
	assert.Nil(t, hb.Signal)
}

func TestDecodeLocationAppliesHemisphere(t *testing.T) {
	env, err := Decode([]byte(udFrame))
	require.NoError(t, err)

	loc, ok := env.Command.(Location)
	require.True(t, ok)
	assert.Equal(t, KeywordLocation, loc.Keyword())
	assert.True(t, loc.Valid)
	assert.InDelta(t, -22.571707, loc.Latitude, 1e-9)
	assert.InDelta(t, -113.8613968, loc.Longitude, 1e-9)
	require.NotNil(t, loc.Battery)
	assert.Equal(t, 90, *loc.Battery)
	require.NotNil(t, loc.Steps)
	assert.Equal(t, 1000, *loc.Steps)
	require.NotNil(t, loc.FixedAt)
	// date is DDMMYY
	assert.Equal(t, time.Date(2014, 4, 22, 13, 46, 52, 0, time.UTC), *loc.FixedAt)
}

func TestApplyHemisphere(t *testing.T) {
	t.Parallel()

	cases := []struct {
		v    float64
		hemi string
		want float64
	}{
		{12.5, "N", 12.5},
		{12.5, "S", -12.5},
		{12.5, "E", 12.5},
		{12.5, "w", -12.5},
		{-12.5, "N", 12.5},
		{12.5, "", 12.5},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, ApplyHemisphere(c.v, c.hemi), "%v %s", c.v, c.hemi)
	}
}

func TestDecodeVitals(t *testing.T) {
	env, err := Decode([]byte("[3G*1*0011*bphrt,120,80,72]"))
	require.NoError(t, err)
	bp := env.Command.(BloodPressure)
	assert.Equal(t, BloodPressure{Systolic: 120, Diastolic: 80, HeartRate: 72}, bp)
	assert.True(t, bp.Measured())

	env, err = Decode([]byte("[3G*1*000B*bphrt,0,0,0]"))
	require.NoError(t, err)
	assert.False(t, env.Command.(BloodPressure).Measured())

	env, err = Decode([]byte("[3G*1*0009*oxygen,97]"))
	require.NoError(t, err)
	assert.Equal(t, Oxygen{SpO2: 97}, env.Command)

	env, err = Decode([]byte("[3G*1*000D*btemp2,1,36.6]"))
	require.NoError(t, err)
	assert.Equal(t, BodyTemperature{Forehead: true, Temperature: 36.6}, env.Command)

	env, err = Decode([]byte("[3G*1*000D*btemp2,0,35.9]"))
	require.NoError(t, err)
	assert.False(t, env.Command.(BodyTemperature).Forehead)
}

func TestDecodeAlarmWithoutPosition(t *testing.T) {
	env, err := Decode([]byte("[3G*1*0002*AL]"))
	require.NoError(t, err)

	al, ok := env.Command.(Alarm)
	require.True(t, ok)
	assert.False(t, al.HasPosition)
}

func TestDecodeUnknownKeywordIsOther(t *testing.T) {
	env, err := Decode([]byte("[3G*1*000B*CONFIG,a,b]"))
	require.NoError(t, err)
	assert.Equal(t, Other{Name: "CONFIG", Fields: []string{"a", "b"}}, env.Command)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	frames := map[string]error{
		"[3G*1*LK]":              ErrMalformedFrame,
		"[3G**0002*LK]":          ErrMalformedFrame,
		"[3G*1*0000*]":           ErrMalformedFrame,
		"[3G*1*0004*UD,1]":       ErrMalformedCommand,
		"[3G*1*0004*oxygen,x]":   ErrMalformedCommand,
		"[3G*1*0004*btemp2,1,x]": ErrMalformedCommand,
		"[3G*1*0004*UD,220414,134652,A,abc,N,1,E]": ErrMalformedCommand,
	}

	for frame, want := range frames {
		_, err := Decode([]byte(frame))
		require.Error(t, err, frame)
		assert.Equal(t, want, errors.Cause(err), frame)
	}
}

func TestAckEchoesReportedIdentifier(t *testing.T) {
	env, err := Decode([]byte("[SG*REG-77*0002*LK]"))
	require.NoError(t, err)
	assert.True(t, NeedsAck(env.Command))
	assert.Equal(t, "[SG*REG-77*0002*LK]", string(Ack(env)))

	env, err = Decode([]byte(udFrame))
	require.NoError(t, err)
	assert.False(t, NeedsAck(env.Command))

	assert.Equal(t, "[3G*1*0009*pw,123456]", string(Encode("3G", "1", "pw,123456")))
	assert.Equal(t, "[3G*1*000A*pw,123456#]", string(Encode("3G", "1", "pw,123456#")))
}
