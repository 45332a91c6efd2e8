package handler

import (
	"context"
	"encoding/json"

	"github.com/mkoberg/jagdfieber-server/internal/capture"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

// CaptureHandler drives the capture flow over the wire.
type CaptureHandler struct {
	engine *capture.Engine
}

type captureCodeRequest struct {
	Code string `json:"code"`
}

// HandleCode runs the code-scan capture path.
func (h *CaptureHandler) HandleCode(client *ws.Client, msg ws.Message) {
	var req captureCodeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Code == "" {
		client.SendMessage(ws.NewErrorMessage("capture code required"))
		return
	}

	id := client.Identity
	c, err := h.engine.AttemptByCode(context.Background(), id.GameID, id.ParticipantID, req.Code)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypeCaptureUpdate, c)
}

type captureHandcuffRequest struct {
	CaptureID string `json:"capture_id"`
	PhotoRef  string `json:"photo_ref"`
}

// HandleHandcuff finalizes a code capture with the handcuff photo.
func (h *CaptureHandler) HandleHandcuff(client *ws.Client, msg ws.Message) {
	var req captureHandcuffRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.CaptureID == "" {
		client.SendMessage(ws.NewErrorMessage("capture id required"))
		return
	}

	c, err := h.engine.ConfirmHandcuff(context.Background(), req.CaptureID, client.Identity.ParticipantID, req.PhotoRef)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypeCaptureUpdate, c)
}

type captureResolveRequest struct {
	CaptureID string `json:"capture_id"`
	Approve   bool   `json:"approve"`
}

// HandleResolve settles a pending capture by organizer decision.
func (h *CaptureHandler) HandleResolve(client *ws.Client, msg ws.Message) {
	var req captureResolveRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.CaptureID == "" {
		client.SendMessage(ws.NewErrorMessage("capture id required"))
		return
	}

	c, err := h.engine.Resolve(context.Background(), req.CaptureID, client.Identity.ParticipantID, req.Approve)
	if err != nil {
		sendError(client, err)
		return
	}
	reply(client, ws.TypeCaptureUpdate, c)
}
