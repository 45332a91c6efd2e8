package game

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role int

const (
	RoleNone Role = iota
	RoleHunter
	RolePlayer
	RoleOrga
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleHunter:
		return "hunter"
	case RolePlayer:
		return "player"
	case RoleOrga:
		return "orga"
	case RoleOperator:
		return "operator"
	default:
		return "none"
	}
}

// IsAdmin reports whether the role may administer the game.
func (r Role) IsAdmin() bool {
	return r == RoleOrga || r == RoleOperator
}

// MarshalJSON serializes Role as a string.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON deserializes Role from a string.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "hunter":
		*r = RoleHunter
	case "player":
		*r = RolePlayer
	case "orga":
		*r = RoleOrga
	case "operator":
		*r = RoleOperator
	default:
		*r = RoleNone
	}
	return nil
}

type ParticipantStatus int

const (
	ParticipantActive ParticipantStatus = iota
	ParticipantCaptured
	ParticipantDisqualified
)

func (s ParticipantStatus) String() string {
	switch s {
	case ParticipantCaptured:
		return "captured"
	case ParticipantDisqualified:
		return "disqualified"
	default:
		return "active"
	}
}

// MarshalJSON serializes ParticipantStatus as a string.
func (s ParticipantStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes ParticipantStatus from a string.
func (s *ParticipantStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "captured":
		*s = ParticipantCaptured
	case "disqualified":
		*s = ParticipantDisqualified
	default:
		*s = ParticipantActive
	}
	return nil
}

// Participant is a person taking part in a game.
type Participant struct {
	ID          string            `json:"id"`
	GameID      string            `json:"game_id"`
	UserID      string            `json:"user_id,omitempty"`
	Role        Role              `json:"role"`
	Status      ParticipantStatus `json:"status"`
	DisplayName string            `json:"display_name"`
	Number      int               `json:"number"`
	CodeSeed    string            `json:"-"` // players only; never serialized
	CreatedAt   time.Time         `json:"created_at"`
}

// NewParticipant creates an active participant. Players get a code seed for
// capture code generation.
func NewParticipant(gameID, displayName string, role Role, number int) *Participant {
	p := &Participant{
		ID:          uuid.New().String(),
		GameID:      gameID,
		Role:        role,
		Status:      ParticipantActive,
		DisplayName: displayName,
		Number:      number,
		CreatedAt:   time.Now(),
	}
	if role == RolePlayer {
		p.CodeSeed = uuid.New().String()
	}
	return p
}

// IsActive reports whether the participant is still in the game.
func (p *Participant) IsActive() bool {
	return p.Status == ParticipantActive
}
