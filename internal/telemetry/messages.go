// Package telemetry turns a live game telemetry feed into a synthetic haptic stream.
package telemetry

import "encoding/json"

type MessageType string

const (
	TypeTelemetry MessageType = "telemetry"
	TypeEvent     MessageType = "event"
	TypeHaptic    MessageType = "haptic"
)

// Message is one JSON text message of the telemetry socket.
// Which fields are meaningful depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// telemetry
	Speed  float64 `json:"speed"`
	Accel  float64 `json:"accel"`
	Elytra bool    `json:"elytra"`

	// event
	Kind      string  `json:"kind"`
	Intensity float64 `json:"intensity"`

	// haptic
	F0            float64 `json:"f0"`
	F1            float64 `json:"f1"`
	Ms            float64 `json:"ms"`
	Gain          float64 `json:"gain"`
	Noise         float64 `json:"noise"`
	Pattern       string  `json:"pattern"`
	PulsePeriodMs float64 `json:"pulsePeriodMs"`
	PulseWidthMs  float64 `json:"pulseWidthMs"`
	DelayMs       float64 `json:"delayMs"`
}

// ParseMessage decodes a socket message. ok is false for anything malformed or
// of an unknown type; such messages are dropped.
func ParseMessage(data []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	switch m.Type {
	case TypeTelemetry:
	case TypeEvent:
		if m.Kind == "" {
			return Message{}, false
		}
	case TypeHaptic:
		if m.Ms <= 0 || m.F0 < 0 || m.F1 < 0 {
			return Message{}, false
		}
	default:
		return Message{}, false
	}
	return m, true
}

// Base frequency of the tone an event of the given kind produces.
func EventFrequency(kind string) float64 {
	switch kind {
	case "damage":
		return 45
	case "hit":
		return 55
	case "land":
		return 35
	case "explosion":
		return 30
	case "firework":
		return 40
	}
	return 50
}
