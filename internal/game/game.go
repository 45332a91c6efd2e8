package game

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status int

const (
	StatusDraft Status = iota
	StatusPending
	StatusActive
	StatusPaused
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	default:
		return "draft"
	}
}

// MarshalJSON serializes Status as a string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes Status from a string.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending":
		*s = StatusPending
	case "active":
		*s = StatusActive
	case "paused":
		*s = StatusPaused
	case "finished":
		*s = StatusFinished
	default:
		*s = StatusDraft
	}
	return nil
}

// Config holds the per-game rule parameters an organizer can tune.
type Config struct {
	PingIntervalSeconds           int     `json:"ping_interval_seconds"`
	PingRadiusMeters              float64 `json:"ping_radius_meters"`
	PingRevealDelaySeconds        int     `json:"ping_reveal_delay_seconds"`
	CaptureRadiusMeters           float64 `json:"capture_radius_meters"`
	CapturePendingTTLMinutes      int     `json:"capture_pending_ttl_minutes"`
	StaticCaptureCodes            bool    `json:"static_capture_codes"`
	NightModeStart                string  `json:"night_mode_start"` // "HH:MM", empty disables
	NightModeEnd                  string  `json:"night_mode_end"`
	BoundaryViolationLimitSeconds int     `json:"boundary_violation_limit_seconds"`
	ProximityDangerMeters         float64 `json:"proximity_danger_meters"`
	ProximityWarningMeters        float64 `json:"proximity_warning_meters"`
	InnerZonePingIntervalMinutes  int     `json:"inner_zone_ping_interval_minutes"`
	OuterZonePingIntervalMinutes  int     `json:"outer_zone_ping_interval_minutes"`
	SpeedhuntDailyLimit           int     `json:"speedhunt_daily_limit"`
	SpeedhuntPingCount            int     `json:"speedhunt_ping_count"`
	SpeedhuntPingIntervalSeconds  int     `json:"speedhunt_ping_interval_seconds"`
	PreventConsecutiveTarget      bool    `json:"prevent_consecutive_target"`
	CatchFreeDurationMinutes      int     `json:"catch_free_duration_minutes"`
	HotelBonusDurationMinutes     int     `json:"hotel_bonus_duration_minutes"`
	RegenerationDurationMinutes   int     `json:"regeneration_duration_minutes"`
	HunterRequestsDurationMinutes int     `json:"hunter_requests_duration_minutes"`
}

// DefaultConfig returns the stock rule parameters.
func DefaultConfig() Config {
	return Config{
		PingIntervalSeconds:           1800,
		PingRadiusMeters:              100,
		PingRevealDelaySeconds:        0,
		CaptureRadiusMeters:           10,
		CapturePendingTTLMinutes:      15,
		NightModeStart:                "22:00",
		NightModeEnd:                  "07:00",
		BoundaryViolationLimitSeconds: 600,
		ProximityDangerMeters:         150,
		ProximityWarningMeters:        400,
		InnerZonePingIntervalMinutes:  60,
		OuterZonePingIntervalMinutes:  30,
		SpeedhuntDailyLimit:           3,
		SpeedhuntPingCount:            3,
		SpeedhuntPingIntervalSeconds:  120,
		PreventConsecutiveTarget:      true,
		CatchFreeDurationMinutes:      180,
		HotelBonusDurationMinutes:     480,
		RegenerationDurationMinutes:   240,
		HunterRequestsDurationMinutes: 5,
	}
}

// InNightMode reports whether t falls inside the configured night window.
// The window may wrap past midnight (e.g. 22:00 to 07:00).
func (c Config) InNightMode(t time.Time) bool {
	if c.NightModeStart == "" || c.NightModeEnd == "" {
		return false
	}
	start, err1 := parseClock(c.NightModeStart)
	end, err2 := parseClock(c.NightModeEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}

// Game is a single chase game instance.
type Game struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creator_id"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGame creates a draft game owned by its creator.
func NewGame(name, creatorID string) *Game {
	now := time.Now()
	return &Game{
		ID:        uuid.New().String(),
		Name:      name,
		CreatorID: creatorID,
		Status:    StatusDraft,
		Config:    DefaultConfig(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsRunning reports whether the game is actively being played.
func (g *Game) IsRunning() bool {
	return g.Status == StatusActive
}

// CanMutate reports whether the game still accepts configuration changes.
func (g *Game) CanMutate() bool {
	return g.Status != StatusFinished
}
