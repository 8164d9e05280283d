package validation_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/illmade-knight/go-waterbridge/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *validation.Validator {
	return validation.NewValidator(validation.DefaultConfig(), validation.WithClock(func() time.Time { return fixedNow }))
}

func dataMsg(payload string) types.RawMessage {
	return types.RawMessage{Topic: "devices/dev-1/data", Payload: []byte(payload), ReceiveTime: fixedNow}
}

func TestValidate_PartiallyInvalidReadingIsAccepted(t *testing.T) {
	v := newTestValidator()
	payload := fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":100,"tds":450,"turbidity":12}`, fixedNow.Unix())

	reading, err := v.Validate(dataMsg(payload))
	require.NoError(t, err)

	assert.Equal(t, "dev-1", reading.DeviceID)
	assert.Equal(t, types.TopicSensorReadings, reading.OutputTopic)
	assert.False(t, reading.Parameters[types.ParamPH].Valid, "pH outside [0,14] must be flagged")
	assert.True(t, reading.Parameters[types.ParamTDS].Valid)
	assert.True(t, reading.Parameters[types.ParamTurbidity].Valid)
	assert.Equal(t, 450.0, *reading.Parameters[types.ParamTDS].Value)
	assert.NotContains(t, reading.Parameters, types.ParamTemperature)

	require.Len(t, reading.Issues, 1)
	assert.ErrorIs(t, reading.Issues[0], validation.ErrOutOfRange)
	var verr *validation.Error
	require.True(t, errors.As(reading.Issues[0], &verr))
	assert.Equal(t, types.ParamPH, verr.Parameter)
	assert.Equal(t, 100.0, verr.Value)
}

func TestValidate_AllInvalidReadingIsStillForwarded(t *testing.T) {
	v := newTestValidator()
	payload := fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":-3,"tds":null,"turbidity":5,"turbidity_valid":false}`, fixedNow.Unix())

	reading, err := v.Validate(dataMsg(payload))
	require.NoError(t, err)
	assert.Equal(t, 0, reading.ValidCount())
	assert.Nil(t, reading.Parameters[types.ParamTDS].Value)
	assert.Nil(t, reading.Parameters[types.ParamTurbidity].Value, "device-flagged parameters are stored as absent")
	assert.Len(t, reading.Issues, 1, "only the range failure is an issue")
}

func TestValidate_Rejections(t *testing.T) {
	v := newTestValidator()
	stale := time.Date(2019, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
	future := fixedNow.Add(10 * time.Minute).Unix()
	withinTolerance := fixedNow.Add(4 * time.Minute).Unix()

	testCases := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"invalid json", "devices/dev-1/data", `{"deviceId":`, validation.ErrMalformed},
		{"array payload", "devices/dev-1/data", `[1,2]`, validation.ErrMalformed},
		{"missing device", "devices/dev-1/data", fmt.Sprintf(`{"timestamp":%d,"ph":7}`, fixedNow.Unix()), validation.ErrMalformed},
		{"missing timestamp", "devices/dev-1/data", `{"deviceId":"dev-1","ph":7}`, validation.ErrMalformed},
		{"string timestamp", "devices/dev-1/data", `{"deviceId":"dev-1","timestamp":"yesterday","ph":7}`, validation.ErrMalformed},
		{"no parameters", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d}`, fixedNow.Unix()), validation.ErrMalformed},
		{"non numeric parameter", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":"seven"}`, fixedNow.Unix()), validation.ErrMalformed},
		{"topic mismatch", "devices/dev-2/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":7}`, fixedNow.Unix()), validation.ErrMalformed},
		{"stale", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":7}`, stale), validation.ErrStaleTimestamp},
		{"future", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":7}`, future), validation.ErrFutureTimestamp},
		{"epoch milliseconds", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":7}`, fixedNow.UnixMilli()), validation.ErrFutureTimestamp},
		{"huge exponent", "devices/dev-1/data", `{"deviceId":"dev-1","timestamp":1e300,"ph":7}`, validation.ErrFutureTimestamp},
		{"negative", "devices/dev-1/data", `{"deviceId":"dev-1","timestamp":-1,"ph":7}`, validation.ErrStaleTimestamp},
		{"within tolerance", "devices/dev-1/data", fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"ph":7}`, withinTolerance), nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reading, err := v.Validate(types.RawMessage{Topic: tc.topic, Payload: []byte(tc.payload), ReceiveTime: fixedNow})
			if tc.want == nil {
				require.NoError(t, err)
				require.NotNil(t, reading)
				return
			}
			require.Error(t, err)
			assert.Nil(t, reading)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidate_FractionalTimestamp(t *testing.T) {
	v := newTestValidator()
	reading, err := v.Validate(dataMsg(fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d.5,"temperature":21.5}`, fixedNow.Unix()-60)))
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(-60*time.Second+500*time.Millisecond), reading.Timestamp)
	assert.True(t, reading.Parameters[types.ParamTemperature].Valid)
}

func TestValidate_CustomRanges(t *testing.T) {
	cfg := validation.DefaultConfig()
	cfg.Ranges = map[string]validation.Range{types.ParamTDS: {Min: 0, Max: 500}}
	v := validation.NewValidator(cfg, validation.WithClock(func() time.Time { return fixedNow }))

	reading, err := v.Validate(dataMsg(fmt.Sprintf(`{"deviceId":"dev-1","timestamp":%d,"tds":900,"ph":7}`, fixedNow.Unix())))
	require.NoError(t, err)
	assert.False(t, reading.Parameters[types.ParamTDS].Valid)
	assert.True(t, reading.Parameters[types.ParamPH].Valid, "ranges not overridden keep their defaults")
}

func TestValidateStatus(t *testing.T) {
	v := newTestValidator()

	t.Run("explicit online with timestamp", func(t *testing.T) {
		ts := fixedNow.Add(-time.Minute)
		event, err := v.ValidateStatus(types.RawMessage{
			Topic:       "devices/dev-1/status",
			Payload:     []byte(fmt.Sprintf(`{"deviceId":"dev-1","status":"ONLINE","timestamp":%d}`, ts.Unix())),
			ReceiveTime: fixedNow,
		})
		require.NoError(t, err)
		assert.Equal(t, types.StateOnline, event.State)
		assert.False(t, event.LWT)
		assert.Equal(t, fixedNow, event.Timestamp, "ordered by receive time")
		assert.Equal(t, ts, event.ReportedAt)
	})

	t.Run("explicit online without timestamp", func(t *testing.T) {
		event, err := v.ValidateStatus(types.RawMessage{
			Topic:       "devices/dev-1/status",
			Payload:     []byte(`{"deviceId":"dev-1","status":"online"}`),
			ReceiveTime: fixedNow,
		})
		require.NoError(t, err)
		assert.Equal(t, fixedNow, event.Timestamp)
		assert.True(t, event.ReportedAt.IsZero())
	})

	t.Run("status timestamp in milliseconds", func(t *testing.T) {
		_, err := v.ValidateStatus(types.RawMessage{
			Topic:       "devices/dev-1/status",
			Payload:     []byte(fmt.Sprintf(`{"deviceId":"dev-1","status":"online","timestamp":%d}`, fixedNow.UnixMilli())),
			ReceiveTime: fixedNow,
		})
		assert.ErrorIs(t, err, validation.ErrFutureTimestamp)
	})

	t.Run("lwt uses delivery time", func(t *testing.T) {
		event, err := v.ValidateStatus(types.RawMessage{
			Topic:       "devices/dev-1/status",
			Payload:     []byte(`{"deviceId":"dev-1","status":"offline","lwt":true,"timestamp":1600000000}`),
			ReceiveTime: fixedNow,
		})
		require.NoError(t, err)
		assert.Equal(t, types.StateOffline, event.State)
		assert.True(t, event.LWT)
		assert.Equal(t, fixedNow, event.Timestamp)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := v.ValidateStatus(types.RawMessage{Topic: "devices/dev-1/status", Payload: []byte(`{"deviceId":"dev-1","status":"sleeping"}`)})
		assert.ErrorIs(t, err, validation.ErrMalformed)
	})
}

func TestValidateRegistration(t *testing.T) {
	v := newTestValidator()
	reg, err := v.ValidateRegistration(types.RawMessage{
		Topic:       "devices/dev-9/register",
		Payload:     []byte(`{"deviceId":"dev-9","firmware":"1.2.0","location":{"lat":1.5,"lng":2.5}}`),
		ReceiveTime: fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-9", reg.DeviceID)
	assert.Equal(t, "1.2.0", reg.Attributes["firmware"])
	assert.NotContains(t, reg.Attributes, "deviceId")

	_, err = v.ValidateRegistration(types.RawMessage{Topic: "devices/dev-9/register", Payload: []byte(`{"firmware":"1.2.0"}`)})
	assert.ErrorIs(t, err, validation.ErrMalformed)
}

func TestParseTopic(t *testing.T) {
	id, kind, ok := validation.ParseTopic("devices/abc/status")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, validation.MessageStatus, kind)

	for _, bad := range []string{"devices/abc", "devices//data", "things/abc/data", "devices/abc/other", "devices/abc/data/extra"} {
		_, _, ok := validation.ParseTopic(bad)
		assert.False(t, ok, bad)
	}
}
