package ws

import "encoding/json"

// Message represents a WebSocket message with type-based routing.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types - inbound
const (
	TypePositionReport  = "position_report"
	TypeCaptureCode     = "capture_code"
	TypeCaptureHandcuff = "capture_handcuff"
	TypeCaptureResolve  = "capture_resolve"
	TypeJokerActivate   = "joker_activate"
	TypeSpeedhuntStart  = "speedhunt_start"
	TypeSpeedhuntPing   = "speedhunt_ping"
	TypeGameControl     = "game_control"

	// organizer-only
	TypeManualPing       = "manual_ping"
	TypePositionOverride = "position_override"
)

// Message types - outbound
const (
	TypePing            = "ping"
	TypeCaptureUpdate   = "capture_update"
	TypeBoundaryEvent   = "boundary_event"
	TypeProximityAlert  = "proximity_alert"
	TypeStationaryEvent = "stationary_event"
	TypeGameStatus      = "game_status"
	TypeError           = "error"
)

// ErrorMessage is sent when a request is rejected; Reason carries the
// user-visible explanation.
type ErrorMessage struct {
	Reason string `json:"reason"`
}

// NewErrorMessage creates a Message with an error payload.
func NewErrorMessage(reason string) Message {
	data, _ := json.Marshal(ErrorMessage{Reason: reason})
	return Message{Type: TypeError, Data: data}
}

// NewMessage creates a Message with a typed payload.
func NewMessage(msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: data}, nil
}
