package game

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/mkoberg/jagdfieber-server/internal/geo"
)

type BoundaryType int

const (
	BoundaryGameArea BoundaryType = iota
	BoundaryInnerZone
	BoundaryOuterZone
)

func (t BoundaryType) String() string {
	switch t {
	case BoundaryInnerZone:
		return "inner_zone"
	case BoundaryOuterZone:
		return "outer_zone"
	default:
		return "game_area"
	}
}

// MarshalJSON serializes BoundaryType as a string.
func (t BoundaryType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON deserializes BoundaryType from a string.
func (t *BoundaryType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "inner_zone":
		*t = BoundaryInnerZone
	case "outer_zone":
		*t = BoundaryOuterZone
	default:
		*t = BoundaryGameArea
	}
	return nil
}

// Zone maps the boundary type onto its geofence zone.
func (t BoundaryType) Zone() geo.Zone {
	switch t {
	case BoundaryInnerZone:
		return geo.ZoneInnerZone
	case BoundaryOuterZone:
		return geo.ZoneOuterZone
	default:
		return geo.ZoneGameArea
	}
}

// Boundary is a geofence polygon. Read-only at runtime.
type Boundary struct {
	ID      string       `json:"id"`
	GameID  string       `json:"game_id"`
	Type    BoundaryType `json:"type"`
	Polygon geo.Polygon  `json:"polygon"`
	Active  bool         `json:"active"`
}

// NewBoundary creates an active boundary for a game.
func NewBoundary(gameID string, t BoundaryType, polygon geo.Polygon) *Boundary {
	return &Boundary{
		ID:      uuid.New().String(),
		GameID:  gameID,
		Type:    t,
		Polygon: polygon,
		Active:  true,
	}
}

// BoundaryRegions converts active boundaries into geofence regions.
func BoundaryRegions(bs []*Boundary) []geo.Region {
	regions := make([]geo.Region, 0, len(bs))
	for _, b := range bs {
		if !b.Active {
			continue
		}
		regions = append(regions, geo.Region{Zone: b.Type.Zone(), Polygon: b.Polygon})
	}
	return regions
}
