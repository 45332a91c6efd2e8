package geo

import (
	"context"
	"encoding/json"
)

// Zone classifies where a point falls relative to a game's boundaries.
type Zone int

const (
	ZoneNone Zone = iota
	ZoneGameArea
	ZoneInnerZone
	ZoneOuterZone
)

func (z Zone) String() string {
	switch z {
	case ZoneGameArea:
		return "game_area"
	case ZoneInnerZone:
		return "inner_zone"
	case ZoneOuterZone:
		return "outer_zone"
	default:
		return "none"
	}
}

// MarshalJSON serializes Zone as a string.
func (z Zone) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.String())
}

// Region is an active boundary polygon tagged with the zone it defines.
type Region struct {
	Zone    Zone
	Polygon Polygon
}

// Classify resolves the zone for a point. The inner zone wins over an
// explicit outer zone, which wins over the game area; a point inside the
// game area but no explicit outer zone counts as outer zone. Points outside
// every region classify as ZoneNone.
func Classify(regions []Region, p Point) Zone {
	var inGameArea, hasOuter bool

	for _, r := range regions {
		if r.Zone == ZoneInnerZone && PointInPolygon(p, r.Polygon) {
			return ZoneInnerZone
		}
	}
	for _, r := range regions {
		switch r.Zone {
		case ZoneOuterZone:
			hasOuter = true
			if PointInPolygon(p, r.Polygon) {
				return ZoneOuterZone
			}
		case ZoneGameArea:
			if PointInPolygon(p, r.Polygon) {
				inGameArea = true
			}
		}
	}
	if inGameArea {
		if hasOuter {
			return ZoneGameArea
		}
		return ZoneOuterZone
	}
	return ZoneNone
}

// InGameArea reports whether the point falls inside any region at all.
func InGameArea(regions []Region, p Point) bool {
	return Classify(regions, p) != ZoneNone
}

// RegionSource provides the active regions for a game.
type RegionSource interface {
	Regions(ctx context.Context, gameID string) ([]Region, error)
}

// Evaluator classifies points against a game's boundary set.
type Evaluator struct {
	src RegionSource
}

// NewEvaluator creates an Evaluator backed by the given region source.
func NewEvaluator(src RegionSource) *Evaluator {
	return &Evaluator{src: src}
}

// Classify resolves the zone for a point in the given game.
func (e *Evaluator) Classify(ctx context.Context, gameID string, p Point) (Zone, error) {
	regions, err := e.src.Regions(ctx, gameID)
	if err != nil {
		return ZoneNone, err
	}
	return Classify(regions, p), nil
}
