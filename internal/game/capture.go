package game

import (
	"encoding/json"
	"time"
)

type CaptureStatus int

const (
	CapturePending CaptureStatus = iota
	CapturePendingHandcuff
	CaptureConfirmed
	CaptureRejected
	CaptureExpired
)

func (s CaptureStatus) String() string {
	switch s {
	case CapturePendingHandcuff:
		return "pending_handcuff"
	case CaptureConfirmed:
		return "confirmed"
	case CaptureRejected:
		return "rejected"
	case CaptureExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s CaptureStatus) Terminal() bool {
	return s == CaptureConfirmed || s == CaptureRejected || s == CaptureExpired
}

// MarshalJSON serializes CaptureStatus as a string.
func (s CaptureStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes CaptureStatus from a string.
func (s *CaptureStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending_handcuff":
		*s = CapturePendingHandcuff
	case "confirmed":
		*s = CaptureConfirmed
	case "rejected":
		*s = CaptureRejected
	case "expired":
		*s = CaptureExpired
	default:
		*s = CapturePending
	}
	return nil
}

// Capture records one capture attempt and its resolution.
type Capture struct {
	ID               string        `json:"id"`
	GameID           string        `json:"game_id"`
	HunterID         string        `json:"hunter_id"`
	PlayerID         string        `json:"player_id"`
	Status           CaptureStatus `json:"status"`
	DistanceMeters   float64       `json:"distance_meters,omitempty"`
	PhotoRef         string        `json:"photo_ref,omitempty"`
	HandcuffPhotoRef string        `json:"handcuff_photo_ref,omitempty"`
	ConfirmedBy      string        `json:"confirmed_by,omitempty"`
	InitiatedAt      time.Time     `json:"initiated_at"`
	ResolvedAt       time.Time     `json:"resolved_at,omitempty"`
}
