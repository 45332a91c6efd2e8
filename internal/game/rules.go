package game

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RuleType is the closed set of rules and jokers the engine knows.
type RuleType int

const (
	RuleUnknown RuleType = iota
	RuleCatchFree
	RuleHotelBonus
	RuleFakePing
	RuleRegeneration
	RuleHunterRequests
	RuleSpeedhunt
	RuleSilenthunt
	RulePrivateArea
	RuleBoundaryCheck
)

func (t RuleType) String() string {
	switch t {
	case RuleCatchFree:
		return "catch_free"
	case RuleHotelBonus:
		return "hotel_bonus"
	case RuleFakePing:
		return "fake_ping"
	case RuleRegeneration:
		return "regeneration"
	case RuleHunterRequests:
		return "hunter_requests"
	case RuleSpeedhunt:
		return "speedhunt"
	case RuleSilenthunt:
		return "silenthunt"
	case RulePrivateArea:
		return "private_area"
	case RuleBoundaryCheck:
		return "boundary_check"
	default:
		return "unknown"
	}
}

// ParseRuleType resolves a rule type from its wire name.
func ParseRuleType(s string) RuleType {
	switch s {
	case "catch_free":
		return RuleCatchFree
	case "hotel_bonus":
		return RuleHotelBonus
	case "fake_ping":
		return RuleFakePing
	case "regeneration":
		return RuleRegeneration
	case "hunter_requests":
		return RuleHunterRequests
	case "speedhunt":
		return RuleSpeedhunt
	case "silenthunt":
		return RuleSilenthunt
	case "private_area":
		return RulePrivateArea
	case "boundary_check":
		return RuleBoundaryCheck
	default:
		return RuleUnknown
	}
}

// MarshalJSON serializes RuleType as a string.
func (t RuleType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON deserializes RuleType from a string.
func (t *RuleType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseRuleType(s)
	return nil
}

// OneTimeJoker reports whether the rule is a one-time-use ability.
func (t RuleType) OneTimeJoker() bool {
	switch t {
	case RuleCatchFree, RuleHotelBonus, RuleFakePing, RuleRegeneration, RuleHunterRequests:
		return true
	default:
		return false
	}
}

type RuleAction int

const (
	ActionLog RuleAction = iota
	ActionWarn
	ActionDisqualify
)

func (a RuleAction) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionDisqualify:
		return "disqualify"
	default:
		return "log"
	}
}

// MarshalJSON serializes RuleAction as a string.
func (a RuleAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON deserializes RuleAction from a string.
func (a *RuleAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "warn":
		*a = ActionWarn
	case "disqualify":
		*a = ActionDisqualify
	default:
		*a = ActionLog
	}
	return nil
}

// RuleConfig carries the per-rule-type parameters. Fields a rule type does
// not use stay zero; unknown keys in stored JSON are ignored.
type RuleConfig struct {
	DurationMinutes int `json:"duration_minutes,omitempty"`
	IntervalMinutes int `json:"interval_minutes,omitempty"`
	DailyLimit      int `json:"daily_limit,omitempty"`
	PingCount       int `json:"ping_count,omitempty"`
}

// RuleDefinition is an organizer-managed rule instance for one game.
type RuleDefinition struct {
	ID      string     `json:"id"`
	GameID  string     `json:"game_id"`
	Type    RuleType   `json:"type"`
	Enabled bool       `json:"enabled"`
	Action  RuleAction `json:"action"`
	Config  RuleConfig `json:"config"`
}

// NewRuleDefinition creates an enabled rule definition.
func NewRuleDefinition(gameID string, t RuleType, cfg RuleConfig) *RuleDefinition {
	return &RuleDefinition{
		ID:      uuid.New().String(),
		GameID:  gameID,
		Type:    t,
		Enabled: true,
		Action:  ActionLog,
		Config:  cfg,
	}
}

// ParticipantRuleState is the per-participant, per-rule-type state row.
// Unique per (ParticipantID, Type).
type ParticipantRuleState struct {
	ID            string            `json:"id"`
	GameID        string            `json:"game_id"`
	ParticipantID string            `json:"participant_id"`
	Type          RuleType          `json:"type"`
	Assigned      bool              `json:"assigned"`
	Active        bool              `json:"active"`
	ActivatedAt   time.Time         `json:"activated_at,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`
	UsageCount    int               `json:"usage_count"`
	LastResetAt   time.Time         `json:"last_reset_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ActiveAt reports whether the state is active at the given time. A zero
// ExpiresAt means the activation has no window and never expires on its own.
func (s *ParticipantRuleState) ActiveAt(now time.Time) bool {
	if !s.Active {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

type SpeedhuntStatus int

const (
	SpeedhuntActive SpeedhuntStatus = iota
	SpeedhuntCompleted
	SpeedhuntCancelled
)

func (s SpeedhuntStatus) String() string {
	switch s {
	case SpeedhuntCompleted:
		return "completed"
	case SpeedhuntCancelled:
		return "cancelled"
	default:
		return "active"
	}
}

// MarshalJSON serializes SpeedhuntStatus as a string.
func (s SpeedhuntStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SpeedhuntSession is a hunter-initiated burst of pings against one target.
// HunterID may reference a virtual hunter identity that is not persisted as
// a participant.
type SpeedhuntSession struct {
	ID          string          `json:"id"`
	GameID      string          `json:"game_id"`
	HunterID    string          `json:"hunter_id"`
	TargetID    string          `json:"target_id"`
	TotalPings  int             `json:"total_pings"`
	UsedPings   int             `json:"used_pings"`
	Status      SpeedhuntStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}
