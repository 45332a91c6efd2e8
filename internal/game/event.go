package game

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a broadcast-worthy state change.
type EventType string

const (
	EventPing              EventType = "ping"
	EventBoundaryViolation EventType = "boundary_violation"
	EventBoundaryWarning   EventType = "boundary_warning"
	EventElimination       EventType = "elimination"
	EventProximityDanger   EventType = "proximity_danger"
	EventProximityWarning  EventType = "proximity_warning"
	EventStationaryEnter   EventType = "stationary_enter"
	EventStationaryLeave   EventType = "stationary_leave"
	EventCaptureUpdate     EventType = "capture_update"
	EventJokerActivated    EventType = "joker_activated"
	EventSpeedhuntStarted  EventType = "speedhunt_started"
	EventGameStatus        EventType = "game_status"
	EventEmergency         EventType = "emergency"
)

// Event is a discrete notification payload. Payload carries enough data to
// render without a follow-up query.
type Event struct {
	ID            string         `json:"id"`
	GameID        string         `json:"game_id"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewEvent creates an event for a game.
func NewEvent(gameID, participantID string, t EventType, payload map[string]any) Event {
	return Event{
		ID:            uuid.New().String(),
		GameID:        gameID,
		ParticipantID: participantID,
		Type:          t,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

// Notifier delivers events to connected consumers. Broadcast fans an event
// out to everyone in the game; Notify targets one participant only.
type Notifier interface {
	Broadcast(ctx context.Context, ev Event)
	Notify(ctx context.Context, participantID string, ev Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Broadcast(context.Context, Event)      {}
func (NopNotifier) Notify(context.Context, string, Event) {}
