package store

import (
	"context"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

// PingQuery filters the ping history.
type PingQuery struct {
	GameID         string
	ParticipantIDs []string // empty matches all participants
	Sources        []game.PingSource
	From, To       time.Time // zero values disable the bound
	IncludeFake    bool
	RevealedBy     time.Time // only pings with RevealedAt <= RevealedBy; zero disables
}

// Store is the persistence surface for the coordination core.
//
// GetGame, GetParticipant and GetCapture return game.ErrNotFound for a
// missing row. The Find-style lookups (LatestPosition, LastPingBySource,
// GetRuleState, GetRuleDefinition, ActiveSpeedhunt, LastCompletedSpeedhunt)
// return (nil, nil) when nothing matches.
type Store interface {
	// Games
	CreateGame(ctx context.Context, g *game.Game) error
	GetGame(ctx context.Context, id string) (*game.Game, error)
	ListGamesByStatus(ctx context.Context, status game.Status) ([]*game.Game, error)
	UpdateGameStatus(ctx context.Context, id string, status game.Status) error

	// Participants
	CreateParticipant(ctx context.Context, p *game.Participant) error
	GetParticipant(ctx context.Context, id string) (*game.Participant, error)
	ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error)
	UpdateParticipantStatus(ctx context.Context, id string, status game.ParticipantStatus) error
	// OverrideParticipantStatus verifies the actor's admin role against the
	// participant row under an exclusive lock before writing, so a concurrent
	// override and a concurrent elimination cannot both commit on a stale read.
	OverrideParticipantStatus(ctx context.Context, actorID, participantID string, status game.ParticipantStatus) error

	// Boundaries
	CreateBoundary(ctx context.Context, b *game.Boundary) error
	ListBoundaries(ctx context.Context, gameID string) ([]*game.Boundary, error)

	// Positions (append-only)
	AppendPosition(ctx context.Context, p *game.Position) error
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)
	ListPositionsSince(ctx context.Context, participantID string, since time.Time) ([]*game.Position, error)

	// Pings (append-only)
	CreatePing(ctx context.Context, p *game.Ping) error
	ListPings(ctx context.Context, q PingQuery) ([]*game.Ping, error)
	LastPingBySource(ctx context.Context, participantID string, source game.PingSource) (*game.Ping, error)

	// Captures
	CreateCapture(ctx context.Context, c *game.Capture) error
	GetCapture(ctx context.Context, id string) (*game.Capture, error)
	UpdateCapture(ctx context.Context, c *game.Capture) error
	ListUnresolvedCaptures(ctx context.Context, before time.Time) ([]*game.Capture, error)

	// Rule definitions
	UpsertRuleDefinition(ctx context.Context, d *game.RuleDefinition) error
	GetRuleDefinition(ctx context.Context, gameID string, t game.RuleType) (*game.RuleDefinition, error)

	// Participant rule states (unique per participant + rule type)
	GetRuleState(ctx context.Context, participantID string, t game.RuleType) (*game.ParticipantRuleState, error)
	SaveRuleState(ctx context.Context, s *game.ParticipantRuleState) error
	// ActivateOneTime atomically consumes a one-time joker: the state must be
	// assigned with usage count zero, or no row changes and false is returned.
	ActivateOneTime(ctx context.Context, participantID string, t game.RuleType, activatedAt, expiresAt time.Time, metadata map[string]string) (bool, error)
	ListActiveRuleStates(ctx context.Context, gameID string, t game.RuleType) ([]*game.ParticipantRuleState, error)
	ListExpiredRuleStates(ctx context.Context, now time.Time) ([]*game.ParticipantRuleState, error)
	DeactivateRuleState(ctx context.Context, id string) error

	// Speedhunt sessions
	CreateSpeedhuntSession(ctx context.Context, s *game.SpeedhuntSession) error
	ActiveSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error)
	UpdateSpeedhuntSession(ctx context.Context, s *game.SpeedhuntSession) error
	ConsumeSpeedhuntPing(ctx context.Context, sessionID string) (*game.SpeedhuntSession, error)
	CountSpeedhuntsSince(ctx context.Context, hunterID string, since time.Time) (int, error)
	LastCompletedSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error)

	// Close releases storage resources.
	Close() error
}
