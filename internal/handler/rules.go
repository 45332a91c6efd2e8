package handler

import (
	"context"
	"encoding/json"

	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/rules"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

// RuleHandler drives joker activation and speedhunts over the wire.
type RuleHandler struct {
	engine *rules.Engine
}

type jokerActivateRequest struct {
	RuleType string   `json:"rule_type"`
	Lat      *float64 `json:"lat,omitempty"` // fake-ping target coordinate
	Lng      *float64 `json:"lng,omitempty"`
}

// HandleActivate consumes a one-time joker for the requesting participant.
func (h *RuleHandler) HandleActivate(client *ws.Client, msg ws.Message) {
	var req jokerActivateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid joker data"))
		return
	}
	t := game.ParseRuleType(req.RuleType)
	if t == game.RuleUnknown {
		client.SendMessage(ws.NewErrorMessage("unknown rule type: " + req.RuleType))
		return
	}

	var opts rules.ActivateOptions
	if req.Lat != nil && req.Lng != nil {
		opts.FakePoint = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	}

	id := client.Identity
	st, err := h.engine.ActivateJoker(context.Background(), id.GameID, id.ParticipantID, t, opts)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypeGameStatus, st)
}

type speedhuntStartRequest struct {
	TargetID string `json:"target_id"`
}

// HandleSpeedhuntStart opens a speedhunt session for the requesting hunter.
func (h *RuleHandler) HandleSpeedhuntStart(client *ws.Client, msg ws.Message) {
	var req speedhuntStartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.TargetID == "" {
		client.SendMessage(ws.NewErrorMessage("target id required"))
		return
	}
	if client.Identity.Role != game.RoleHunter && !client.Identity.Role.IsAdmin() {
		client.SendMessage(ws.NewErrorMessage("only hunters start speedhunts"))
		return
	}

	id := client.Identity
	session, err := h.engine.StartSpeedhunt(context.Background(), id.GameID, id.ParticipantID, req.TargetID)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypeGameStatus, session)
}

// HandleSpeedhuntPing spends one ping of the hunter's active session.
func (h *RuleHandler) HandleSpeedhuntPing(client *ws.Client, _ ws.Message) {
	session, ping, err := h.engine.UseSpeedhuntPing(context.Background(), client.Identity.ParticipantID)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypePing, map[string]any{
		"session": session,
		"ping":    ping,
	})
}
