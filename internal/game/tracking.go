package game

import (
	"encoding/json"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/geo"
)

// Position is one row of the append-only position log.
type Position struct {
	ID             string    `json:"id"`
	GameID         string    `json:"game_id"`
	ParticipantID  string    `json:"participant_id"`
	Point          geo.Point `json:"point"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	SpeedKmh       float64   `json:"speed_kmh,omitempty"`
	Heading        float64   `json:"heading,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Emergency      bool      `json:"emergency,omitempty"`
	Override       bool      `json:"override,omitempty"`
	OverriddenBy   string    `json:"overridden_by,omitempty"`
}

type PingSource int

const (
	PingPeriodic PingSource = iota
	PingSpeedhunt
	PingSilenthunt
	PingFake
	PingManual
)

func (s PingSource) String() string {
	switch s {
	case PingSpeedhunt:
		return "speedhunt"
	case PingSilenthunt:
		return "silenthunt"
	case PingFake:
		return "fake_ping"
	case PingManual:
		return "manual"
	default:
		return "periodic"
	}
}

// MarshalJSON serializes PingSource as a string.
func (s PingSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes PingSource from a string.
func (s *PingSource) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "speedhunt":
		*s = PingSpeedhunt
	case "silenthunt":
		*s = PingSilenthunt
	case "fake_ping":
		*s = PingFake
	case "manual":
		*s = PingManual
	default:
		*s = PingPeriodic
	}
	return nil
}

// Ping is a location disclosure for a player. Immutable once created.
// RevealedLocation may be offset from ActualLocation, and RevealedAt may be
// future-dated; consumers must not surface the ping before that timestamp.
type Ping struct {
	ID               string     `json:"id"`
	GameID           string     `json:"game_id"`
	ParticipantID    string     `json:"participant_id"`
	ActualLocation   geo.Point  `json:"actual_location"`
	RevealedLocation geo.Point  `json:"revealed_location"`
	RadiusMeters     float64    `json:"radius_meters"`
	Timestamp        time.Time  `json:"timestamp"`
	RevealedAt       time.Time  `json:"revealed_at"`
	Source           PingSource `json:"source"`
	IsFake           bool       `json:"is_fake"`
}

// Revealed reports whether the ping may be surfaced at the given time.
func (p *Ping) Revealed(now time.Time) bool {
	return !now.Before(p.RevealedAt)
}
