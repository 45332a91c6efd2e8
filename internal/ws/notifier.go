package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

// HubNotifier delivers game events over the hub's WebSocket connections.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier creates a notifier backed by hub.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Broadcast sends the event to every connection in the event's game.
func (n *HubNotifier) Broadcast(_ context.Context, ev game.Event) {
	msg, ok := eventMessage(ev)
	if !ok {
		return
	}
	n.hub.BroadcastGame(ev.GameID, msg)
}

// Notify sends the event to one participant's connections only.
func (n *HubNotifier) Notify(_ context.Context, participantID string, ev game.Event) {
	msg, ok := eventMessage(ev)
	if !ok {
		return
	}
	n.hub.SendToParticipant(participantID, msg)
}

// eventMessage wraps an event in the wire message for its channel. The full
// event rides as payload; the message type tells clients which UI surface it
// belongs to.
func eventMessage(ev game.Event) (Message, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "type", ev.Type, "error", err)
		return Message{}, false
	}
	return Message{Type: messageType(ev.Type), Data: data}, true
}

func messageType(t game.EventType) string {
	switch t {
	case game.EventPing:
		return TypePing
	case game.EventCaptureUpdate:
		return TypeCaptureUpdate
	case game.EventBoundaryViolation, game.EventBoundaryWarning:
		return TypeBoundaryEvent
	case game.EventProximityDanger, game.EventProximityWarning:
		return TypeProximityAlert
	case game.EventStationaryEnter, game.EventStationaryLeave:
		return TypeStationaryEvent
	default:
		return TypeGameStatus
	}
}
