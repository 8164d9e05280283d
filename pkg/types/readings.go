package types

import (
	"time"
)

// Outbound Pub/Sub topics fed by the bridge.
const (
	TopicSensorReadings     = "iot-sensor-readings"
	TopicDeviceStatus       = "iot-device-status"
	TopicDeviceRegistration = "iot-device-registration"
)

// OutboundTopics lists every topic the bridge buffers and publishes to.
var OutboundTopics = []string{TopicSensorReadings, TopicDeviceStatus, TopicDeviceRegistration}

// Water-quality parameters reported by the sensor devices.
const (
	ParamTDS         = "tds"
	ParamPH          = "ph"
	ParamTurbidity   = "turbidity"
	ParamTemperature = "temperature"
)

// Parameters is the fixed, ordered set of parameters a reading may carry.
var Parameters = []string{ParamTDS, ParamPH, ParamTurbidity, ParamTemperature}

// RawMessage is an inbound MQTT message before classification. It is discarded
// once the validator has looked at it.
type RawMessage struct {
	Topic       string
	Payload     []byte
	ReceiveTime time.Time
}

// ParameterValue is a single measured parameter. A nil Value means the device
// did not supply a usable measurement.
type ParameterValue struct {
	Value *float64 `json:"value"`
	Valid bool     `json:"valid"`
}

// ValidatedReading is a reading that passed the message-level checks. Individual
// parameters may still be flagged invalid.
type ValidatedReading struct {
	DeviceID    string                    `json:"deviceId"`
	Timestamp   time.Time                 `json:"timestamp"`
	Parameters  map[string]ParameterValue `json:"parameters"`
	OutputTopic string                    `json:"-"`

	// Issues records parameter-level problems found during validation.
	// They are logged by the caller, never published.
	Issues []error `json:"-"`
}

// ValidCount returns the number of parameters that passed validation.
func (r *ValidatedReading) ValidCount() int {
	n := 0
	for _, p := range r.Parameters {
		if p.Valid {
			n++
		}
	}
	return n
}
