package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mkoberg/jagdfieber-server/internal/capture"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/rules"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

// Store is the persistence surface the router needs directly; everything
// else goes through the engines.
type Store interface {
	GetGame(ctx context.Context, id string) (*game.Game, error)
	UpdateGameStatus(ctx context.Context, id string, status game.Status) error
}

// Router dispatches incoming messages to the appropriate handler.
type Router struct {
	positions *PositionHandler
	captures  *CaptureHandler
	jokers    *RuleHandler
	control   *ControlHandler
}

// NewRouter creates a new message router.
func NewRouter(tracker *tracking.Engine, captures *capture.Engine, ruleEngine *rules.Engine, store Store, resetter BoundaryResetter, notifier game.Notifier) *Router {
	return &Router{
		positions: &PositionHandler{tracker: tracker},
		captures:  &CaptureHandler{engine: captures},
		jokers:    &RuleHandler{engine: ruleEngine},
		control:   &ControlHandler{store: store, tracker: tracker, resetter: resetter, notifier: notifier},
	}
}

// HandleMessage parses and routes an incoming client message.
func (r *Router) HandleMessage(cm *ws.ClientMessage) {
	var msg ws.Message
	if err := json.Unmarshal(cm.Data, &msg); err != nil {
		slog.Warn("invalid message format", "client", cm.Client.ID, "error", err)
		cm.Client.SendMessage(ws.NewErrorMessage("invalid message format"))
		return
	}

	// Identity is attached at upgrade time; a connection without one cannot
	// act on a game.
	if cm.Client.Identity.ParticipantID == "" {
		cm.Client.SendMessage(ws.NewErrorMessage("participant identity required"))
		return
	}

	switch msg.Type {
	case ws.TypePositionReport:
		r.positions.HandleReport(cm.Client, msg)

	case ws.TypeCaptureCode:
		r.captures.HandleCode(cm.Client, msg)
	case ws.TypeCaptureHandcuff:
		r.captures.HandleHandcuff(cm.Client, msg)
	case ws.TypeCaptureResolve:
		r.captures.HandleResolve(cm.Client, msg)

	case ws.TypeJokerActivate:
		r.jokers.HandleActivate(cm.Client, msg)
	case ws.TypeSpeedhuntStart:
		r.jokers.HandleSpeedhuntStart(cm.Client, msg)
	case ws.TypeSpeedhuntPing:
		r.jokers.HandleSpeedhuntPing(cm.Client, msg)

	case ws.TypeGameControl:
		r.control.HandleControl(cm.Client, msg)
	case ws.TypeManualPing:
		r.control.HandleManualPing(cm.Client, msg)
	case ws.TypePositionOverride:
		r.control.HandleOverride(cm.Client, msg)

	default:
		slog.Warn("unknown message type", "type", msg.Type, "client", cm.Client.ID)
		cm.Client.SendMessage(ws.NewErrorMessage("unknown message type: " + msg.Type))
	}
}

// sendError maps an engine error onto an error payload. Rejections carry
// their reason so players see why an action failed, not a generic error.
func sendError(client *ws.Client, err error) {
	client.SendMessage(ws.NewErrorMessage(err.Error()))
}

// reply marshals a typed payload back to the requesting client.
func reply(client *ws.Client, msgType string, payload any) {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		slog.Error("encoding reply failed", "type", msgType, "error", err)
		return
	}
	client.SendMessage(msg)
}
