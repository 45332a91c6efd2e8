package handler

import (
	"context"
	"encoding/json"

	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

// BoundaryResetter clears a participant's boundary-violation timer after an
// organizer corrects their position. Implemented by the boundary watcher.
type BoundaryResetter interface {
	Reset(participantID string)
}

// ControlHandler executes organizer game-control commands.
type ControlHandler struct {
	store    Store
	tracker  *tracking.Engine
	resetter BoundaryResetter
	notifier game.Notifier
}

type gameControlRequest struct {
	Action string `json:"action"` // start, pause, resume, finish
}

// HandleControl transitions the game's lifecycle status.
func (h *ControlHandler) HandleControl(client *ws.Client, msg ws.Message) {
	if !client.Identity.Role.IsAdmin() {
		client.SendMessage(ws.NewErrorMessage("organizer role required"))
		return
	}
	var req gameControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid control data"))
		return
	}

	var status game.Status
	switch req.Action {
	case "start", "resume":
		status = game.StatusActive
	case "pause":
		status = game.StatusPaused
	case "finish":
		status = game.StatusFinished
	default:
		client.SendMessage(ws.NewErrorMessage("unknown action: " + req.Action))
		return
	}

	ctx := context.Background()
	gameID := client.Identity.GameID
	g, err := h.store.GetGame(ctx, gameID)
	if err != nil {
		sendError(client, err)
		return
	}
	if !g.CanMutate() {
		client.SendMessage(ws.NewErrorMessage("finished games cannot change status"))
		return
	}
	if err := h.store.UpdateGameStatus(ctx, gameID, status); err != nil {
		sendError(client, err)
		return
	}

	h.notifier.Broadcast(ctx, game.NewEvent(gameID, "", game.EventGameStatus, map[string]any{
		"status": status.String(),
		"action": req.Action,
	}))
}

type manualPingRequest struct {
	ParticipantID string   `json:"participant_id"`
	RadiusMeters  *float64 `json:"radius_meters,omitempty"` // nil uses the game default
}

// HandleManualPing reveals one participant on organizer demand.
func (h *ControlHandler) HandleManualPing(client *ws.Client, msg ws.Message) {
	if !client.Identity.Role.IsAdmin() {
		client.SendMessage(ws.NewErrorMessage("organizer role required"))
		return
	}
	var req manualPingRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ParticipantID == "" {
		client.SendMessage(ws.NewErrorMessage("participant id required"))
		return
	}

	ctx := context.Background()
	gameID := client.Identity.GameID
	g, err := h.store.GetGame(ctx, gameID)
	if err != nil {
		sendError(client, err)
		return
	}
	radius := g.Config.PingRadiusMeters
	if req.RadiusMeters != nil {
		radius = *req.RadiusMeters
	}

	ping, err := h.tracker.GeneratePing(ctx, gameID, req.ParticipantID, radius, 0, game.PingManual)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypePing, ping)
}

type positionOverrideRequest struct {
	ParticipantID string  `json:"participant_id"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
}

// HandleOverride records an organizer-supplied position for a participant and
// clears their boundary-violation timer so the correction takes effect.
func (h *ControlHandler) HandleOverride(client *ws.Client, msg ws.Message) {
	if !client.Identity.Role.IsAdmin() {
		client.SendMessage(ws.NewErrorMessage("organizer role required"))
		return
	}
	var req positionOverrideRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ParticipantID == "" {
		client.SendMessage(ws.NewErrorMessage("participant id required"))
		return
	}

	id := client.Identity
	_, err := h.tracker.OverridePosition(context.Background(), id.GameID, req.ParticipantID, id.ParticipantID, geo.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		sendError(client, err)
		return
	}
	h.resetter.Reset(req.ParticipantID)
}
