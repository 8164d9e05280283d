// Package validation classifies raw device payloads into validated readings,
// status events and registrations, or rejects them.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
)

// Range is an inclusive physical range for a parameter.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Config holds the validator's bounds.
type Config struct {
	// MinEpoch is the calendar floor; older readings are stale.
	MinEpoch time.Time `yaml:"min_epoch" env:"MIN_EPOCH"`
	// FutureTolerance is how far ahead of the bridge clock a timestamp may be.
	FutureTolerance time.Duration `yaml:"future_tolerance" env:"FUTURE_TOLERANCE"`
	// Ranges maps parameter names to their physical range.
	Ranges map[string]Range `yaml:"ranges"`
}

// DefaultConfig returns the bounds used in production.
func DefaultConfig() Config {
	return Config{
		MinEpoch:        time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		FutureTolerance: 5 * time.Minute,
		Ranges: map[string]Range{
			types.ParamPH:          {Min: 0, Max: 14},
			types.ParamTDS:         {Min: 0, Max: 2000},
			types.ParamTurbidity:   {Min: 0, Max: 1000},
			types.ParamTemperature: {Min: -5, Max: 60},
		},
	}
}

// Validator is stateless apart from its configuration and clock; it is safe
// for concurrent use.
type Validator struct {
	cfg Config
	now func() time.Time
}

// Option customises a Validator.
type Option func(*Validator)

// WithClock replaces the wall clock used for the future-timestamp check.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator. Missing ranges fall back to the defaults.
func NewValidator(cfg Config, opts ...Option) *Validator {
	defaults := DefaultConfig()
	if cfg.MinEpoch.IsZero() {
		cfg.MinEpoch = defaults.MinEpoch
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = defaults.FutureTolerance
	}
	ranges := make(map[string]Range, len(defaults.Ranges))
	for k, r := range defaults.Ranges {
		ranges[k] = r
	}
	for k, r := range cfg.Ranges {
		ranges[k] = r
	}
	cfg.Ranges = ranges

	v := &Validator{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate classifies a devices/{id}/data message. A nil error means the
// reading may be buffered; parameter-level problems are reported on
// reading.Issues, never as the returned error.
func (v *Validator) Validate(raw types.RawMessage) (*types.ValidatedReading, error) {
	fields, err := decodeObject(raw.Payload)
	if err != nil {
		return nil, err
	}
	deviceID, err := requireDeviceID(fields, raw.Topic)
	if err != nil {
		return nil, err
	}

	tsRaw, ok := fields["timestamp"]
	if !ok {
		return nil, malformed("missing timestamp")
	}
	secs, err := parseEpoch(tsRaw)
	if err != nil {
		return nil, err
	}

	present := 0
	for _, name := range types.Parameters {
		if _, ok := fields[name]; ok {
			present++
		}
	}
	if present == 0 {
		return nil, malformed("no parameters present")
	}

	ts, err := v.checkTimestamp(secs)
	if err != nil {
		return nil, err
	}

	reading := &types.ValidatedReading{
		DeviceID:    deviceID,
		Timestamp:   ts,
		Parameters:  make(map[string]types.ParameterValue, present),
		OutputTopic: types.TopicSensorReadings,
	}
	for _, name := range types.Parameters {
		valueRaw, ok := fields[name]
		if !ok {
			continue
		}
		pv, issue, err := v.checkParameter(name, valueRaw, fields[name+"_valid"])
		if err != nil {
			return nil, err
		}
		reading.Parameters[name] = pv
		if issue != nil {
			reading.Issues = append(reading.Issues, issue)
		}
	}
	return reading, nil
}

// ValidateStatus classifies a devices/{id}/status message. Timestamp is always
// the receive time; a payload timestamp is bounds-checked and kept as ReportedAt.
func (v *Validator) ValidateStatus(raw types.RawMessage) (*types.StatusEvent, error) {
	fields, err := decodeObject(raw.Payload)
	if err != nil {
		return nil, err
	}
	deviceID, err := requireDeviceID(fields, raw.Topic)
	if err != nil {
		return nil, err
	}

	var status string
	if s, ok := fields["status"]; !ok || json.Unmarshal(s, &status) != nil {
		return nil, malformed("missing or invalid status")
	}
	event := &types.StatusEvent{DeviceID: deviceID, Timestamp: raw.ReceiveTime.UTC()}
	switch strings.ToLower(status) {
	case "online":
		event.State = types.StateOnline
	case "offline":
		event.State = types.StateOffline
	default:
		return nil, malformed("unknown status %q", status)
	}
	if l, ok := fields["lwt"]; ok {
		if err := json.Unmarshal(l, &event.LWT); err != nil {
			return nil, malformed("lwt flag is not a boolean")
		}
	}
	// Liveness is ordered by receive time for every source. A will payload was
	// fixed at connect time, so it carries no reported time at all.
	if event.LWT {
		return event, nil
	}
	if tsRaw, ok := fields["timestamp"]; ok && string(tsRaw) != "null" {
		secs, err := parseEpoch(tsRaw)
		if err != nil {
			return nil, err
		}
		if event.ReportedAt, err = v.checkTimestamp(secs); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// ValidateRegistration classifies a devices/{id}/register message. Only the
// device id is checked; remaining fields are passed through as attributes.
func (v *Validator) ValidateRegistration(raw types.RawMessage) (*types.Registration, error) {
	fields, err := decodeObject(raw.Payload)
	if err != nil {
		return nil, err
	}
	deviceID, err := requireDeviceID(fields, raw.Topic)
	if err != nil {
		return nil, err
	}
	reg := &types.Registration{
		DeviceID:   deviceID,
		Timestamp:  raw.ReceiveTime.UTC(),
		Attributes: make(map[string]interface{}, len(fields)),
	}
	for k, val := range fields {
		if k == "deviceId" {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, malformed("attribute %s: %v", k, err)
		}
		reg.Attributes[k] = decoded
	}
	return reg, nil
}

// checkTimestamp bounds epoch seconds before converting them, so values far
// outside the calendar (milliseconds, negatives) still get a timestamp reason.
func (v *Validator) checkTimestamp(secs float64) (time.Time, error) {
	if secs < unixSeconds(v.cfg.MinEpoch) {
		return time.Time{}, &Error{Kind: KindStaleTimestamp, Detail: fmt.Sprintf("%v is before %s", secs, v.cfg.MinEpoch.Format(time.RFC3339))}
	}
	if limit := v.now().Add(v.cfg.FutureTolerance); secs > unixSeconds(limit) {
		return time.Time{}, &Error{Kind: KindFutureTimestamp, Detail: fmt.Sprintf("%v is after %s", secs, limit.Format(time.RFC3339))}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// checkParameter returns the stored value for one parameter and, if it is out
// of range, the issue to report. A non-nil error means the payload is malformed.
func (v *Validator) checkParameter(name string, valueRaw, validRaw json.RawMessage) (types.ParameterValue, *Error, error) {
	if validRaw != nil && string(validRaw) != "null" {
		var deviceValid bool
		if err := json.Unmarshal(validRaw, &deviceValid); err != nil {
			return types.ParameterValue{}, nil, malformed("%s_valid is not a boolean", name)
		}
		if !deviceValid {
			return types.ParameterValue{Valid: false}, nil, nil
		}
	}
	if string(valueRaw) == "null" {
		return types.ParameterValue{Valid: false}, nil, nil
	}
	var value float64
	if err := json.Unmarshal(valueRaw, &value); err != nil {
		return types.ParameterValue{}, nil, malformed("%s is not a number", name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return types.ParameterValue{Value: &value}, &Error{Kind: KindOutOfRange, Parameter: name, Value: value, Detail: "not finite"}, nil
	}
	r, known := v.cfg.Ranges[name]
	if known && !r.Contains(value) {
		return types.ParameterValue{Value: &value, Valid: false},
			&Error{Kind: KindOutOfRange, Parameter: name, Value: value, Detail: fmt.Sprintf("outside [%g, %g]", r.Min, r.Max)},
			nil
	}
	return types.ParameterValue{Value: &value, Valid: true}, nil, nil
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if fields == nil {
		return nil, malformed("payload is not an object")
	}
	return fields, nil
}

// requireDeviceID extracts deviceId and checks it against the id in the MQTT topic, if any.
func requireDeviceID(fields map[string]json.RawMessage, topic string) (string, error) {
	var deviceID string
	raw, ok := fields["deviceId"]
	if !ok || json.Unmarshal(raw, &deviceID) != nil || deviceID == "" {
		return "", malformed("missing or invalid deviceId")
	}
	if topicID, _, ok := ParseTopic(topic); ok && topicID != deviceID {
		return "", malformed("deviceId %q does not match topic %q", deviceID, topic)
	}
	return deviceID, nil
}

// parseEpoch only checks the timestamp is a number; bounds are checkTimestamp's job.
func parseEpoch(raw json.RawMessage) (float64, error) {
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return 0, malformed("timestamp is not epoch seconds")
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, malformed("timestamp is not finite")
	}
	return secs, nil
}
