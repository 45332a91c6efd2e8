package handler

import (
	"context"
	"encoding/json"

	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

// PositionHandler ingests GPS reports.
type PositionHandler struct {
	tracker *tracking.Engine
}

type positionReportRequest struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	SpeedKmh       float64 `json:"speed_kmh,omitempty"`
	Heading        float64 `json:"heading,omitempty"`
	Emergency      bool    `json:"emergency,omitempty"`
}

// HandleReport appends a position for the reporting participant.
func (h *PositionHandler) HandleReport(client *ws.Client, msg ws.Message) {
	var req positionReportRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid position data"))
		return
	}

	id := client.Identity
	_, err := h.tracker.SavePosition(context.Background(), id.GameID, id.ParticipantID, tracking.PositionReport{
		Point:          geo.Point{Lat: req.Lat, Lng: req.Lng},
		AccuracyMeters: req.AccuracyMeters,
		SpeedKmh:       req.SpeedKmh,
		Heading:        req.Heading,
		Emergency:      req.Emergency,
	})
	if err != nil {
		sendError(client, err)
	}
}
