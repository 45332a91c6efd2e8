package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
)

// Store is the persistence surface the capture engine needs.
type Store interface {
	GetGame(ctx context.Context, id string) (*game.Game, error)
	GetParticipant(ctx context.Context, id string) (*game.Participant, error)
	ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error)
	UpdateParticipantStatus(ctx context.Context, id string, status game.ParticipantStatus) error
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)

	CreateCapture(ctx context.Context, c *game.Capture) error
	GetCapture(ctx context.Context, id string) (*game.Capture, error)
	UpdateCapture(ctx context.Context, c *game.Capture) error
	ListUnresolvedCaptures(ctx context.Context, before time.Time) ([]*game.Capture, error)
}

// ProtectionChecker reports whether a participant holds an active protection
// window. Implemented by the rule engine.
type ProtectionChecker interface {
	HasActiveProtection(ctx context.Context, participantID string, types ...game.RuleType) (bool, error)
}

// Engine drives the capture state machine.
type Engine struct {
	store      Store
	protection ProtectionChecker
	clock      clock.Clock
	notifier   game.Notifier
}

// NewEngine creates a capture engine.
func NewEngine(s Store, p ProtectionChecker, c clock.Clock, n game.Notifier) *Engine {
	return &Engine{store: s, protection: p, clock: c, notifier: n}
}

// AttemptByCode opens a capture after a hunter submits a player's capture
// code. A matching code proves physical proximity, so the attempt starts in
// PendingHandcuff and only the handcuff photo is outstanding.
func (e *Engine) AttemptByCode(ctx context.Context, gameID, hunterID, code string) (*game.Capture, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsRunning() {
		return nil, fmt.Errorf("game %s is not active: %w", gameID, game.ErrConflict)
	}
	hunter, err := e.store.GetParticipant(ctx, hunterID)
	if err != nil {
		return nil, err
	}
	if hunter.Role != game.RoleHunter || !hunter.IsActive() {
		return nil, fmt.Errorf("participant %s is not an active hunter: %w", hunterID, game.ErrForbidden)
	}

	target, err := e.findPlayerByCode(ctx, gameID, code, g.Config.StaticCaptureCodes)
	if err != nil {
		return nil, err
	}
	if target.ID == hunterID {
		return nil, fmt.Errorf("self-capture is not allowed: %w", game.ErrValidation)
	}
	if target.Status == game.ParticipantCaptured {
		return nil, fmt.Errorf("player %s is already captured: %w", target.ID, game.ErrConflict)
	}
	protected, err := e.protection.HasActiveProtection(ctx, target.ID, game.RuleCatchFree)
	if err != nil {
		return nil, err
	}
	if protected {
		return nil, fmt.Errorf("player %s has an active catch-free window: %w", target.ID, game.ErrForbidden)
	}

	c := &game.Capture{
		ID:             uuid.New().String(),
		GameID:         gameID,
		HunterID:       hunterID,
		PlayerID:       target.ID,
		Status:         game.CapturePendingHandcuff,
		DistanceMeters: e.measuredDistance(ctx, hunterID, target.ID),
		InitiatedAt:    e.clock.Now(),
	}
	if err := e.store.CreateCapture(ctx, c); err != nil {
		return nil, err
	}
	e.emit(ctx, c, hunterID)
	return c, nil
}

// AttemptByDistance opens a capture without a code. The server measures the
// gap between the latest known positions; beyond the capture radius the
// attempt is rejected as too far away. The resulting capture stays Pending
// until an organizer resolves it.
func (e *Engine) AttemptByDistance(ctx context.Context, gameID, hunterID, playerID string) (*game.Capture, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsRunning() {
		return nil, fmt.Errorf("game %s is not active: %w", gameID, game.ErrConflict)
	}
	hunter, err := e.store.GetParticipant(ctx, hunterID)
	if err != nil {
		return nil, err
	}
	if hunter.Role != game.RoleHunter || !hunter.IsActive() {
		return nil, fmt.Errorf("participant %s is not an active hunter: %w", hunterID, game.ErrForbidden)
	}
	target, err := e.store.GetParticipant(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if target.Role != game.RolePlayer {
		return nil, fmt.Errorf("participant %s is not a player: %w", playerID, game.ErrValidation)
	}
	if target.Status == game.ParticipantCaptured {
		return nil, fmt.Errorf("player %s is already captured: %w", playerID, game.ErrConflict)
	}
	protected, err := e.protection.HasActiveProtection(ctx, playerID, game.RuleCatchFree)
	if err != nil {
		return nil, err
	}
	if protected {
		return nil, fmt.Errorf("player %s has an active catch-free window: %w", playerID, game.ErrForbidden)
	}

	hunterPos, err := e.store.LatestPosition(ctx, hunterID)
	if err != nil {
		return nil, err
	}
	playerPos, err := e.store.LatestPosition(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if hunterPos == nil || playerPos == nil {
		return nil, fmt.Errorf("both positions must be known for a distance capture: %w", game.ErrValidation)
	}
	dist := geo.Distance(hunterPos.Point, playerPos.Point)
	if dist > g.Config.CaptureRadiusMeters {
		return nil, fmt.Errorf("target is too far away (%.1fm, radius %.1fm): %w", dist, g.Config.CaptureRadiusMeters, game.ErrValidation)
	}

	c := &game.Capture{
		ID:             uuid.New().String(),
		GameID:         gameID,
		HunterID:       hunterID,
		PlayerID:       playerID,
		Status:         game.CapturePending,
		DistanceMeters: dist,
		InitiatedAt:    e.clock.Now(),
	}
	if err := e.store.CreateCapture(ctx, c); err != nil {
		return nil, err
	}
	e.emit(ctx, c, hunterID)
	return c, nil
}

// ConfirmHandcuff attaches the handcuff photo and finalizes a
// PendingHandcuff capture. Only the initiating hunter may confirm.
func (e *Engine) ConfirmHandcuff(ctx context.Context, captureID, hunterID, photoRef string) (*game.Capture, error) {
	if photoRef == "" {
		return nil, fmt.Errorf("handcuff photo is required: %w", game.ErrValidation)
	}
	c, err := e.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, err
	}
	if c.HunterID != hunterID {
		return nil, fmt.Errorf("capture %s belongs to another hunter: %w", captureID, game.ErrForbidden)
	}
	if c.Status != game.CapturePendingHandcuff {
		return nil, fmt.Errorf("capture %s is %s, not awaiting a handcuff photo: %w", captureID, c.Status, game.ErrConflict)
	}

	c.HandcuffPhotoRef = photoRef
	c.Status = game.CaptureConfirmed
	c.ConfirmedBy = hunterID
	c.ResolvedAt = e.clock.Now()
	if err := e.store.UpdateCapture(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.UpdateParticipantStatus(ctx, c.PlayerID, game.ParticipantCaptured); err != nil {
		return nil, err
	}
	e.emit(ctx, c, hunterID)
	return c, nil
}

// Resolve settles a Pending capture by organizer decision. A code capture in
// PendingHandcuff is out of reach here: only the initiating hunter's handcuff
// photo moves it to Confirmed. Terminal captures cannot be resolved again.
func (e *Engine) Resolve(ctx context.Context, captureID, actorID string, approve bool) (*game.Capture, error) {
	actor, err := e.store.GetParticipant(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsAdmin() {
		return nil, fmt.Errorf("participant %s may not resolve captures: %w", actorID, game.ErrForbidden)
	}
	c, err := e.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("capture %s is already %s: %w", captureID, c.Status, game.ErrConflict)
	}
	if c.Status != game.CapturePending {
		return nil, fmt.Errorf("capture %s awaits the hunter's handcuff photo: %w", captureID, game.ErrConflict)
	}

	if approve {
		c.Status = game.CaptureConfirmed
	} else {
		c.Status = game.CaptureRejected
	}
	c.ConfirmedBy = actorID
	c.ResolvedAt = e.clock.Now()
	if err := e.store.UpdateCapture(ctx, c); err != nil {
		return nil, err
	}
	if approve {
		if err := e.store.UpdateParticipantStatus(ctx, c.PlayerID, game.ParticipantCaptured); err != nil {
			return nil, err
		}
	}
	e.emit(ctx, c, actorID)
	return c, nil
}

// ExpireStale expires unresolved captures older than the per-game pending
// TTL and returns the expired rows.
func (e *Engine) ExpireStale(ctx context.Context) ([]*game.Capture, error) {
	now := e.clock.Now()
	open, err := e.store.ListUnresolvedCaptures(ctx, now)
	if err != nil {
		return nil, err
	}

	games := make(map[string]*game.Game)
	var expired []*game.Capture
	for _, c := range open {
		g, ok := games[c.GameID]
		if !ok {
			g, err = e.store.GetGame(ctx, c.GameID)
			if err != nil {
				slog.Error("capture expiry: game lookup failed", "game", c.GameID, "error", err)
				continue
			}
			games[c.GameID] = g
		}
		ttl := time.Duration(g.Config.CapturePendingTTLMinutes) * time.Minute
		if ttl <= 0 || now.Sub(c.InitiatedAt) < ttl {
			continue
		}
		c.Status = game.CaptureExpired
		c.ResolvedAt = now
		if err := e.store.UpdateCapture(ctx, c); err != nil {
			slog.Error("capture expiry failed", "capture", c.ID, "error", err)
			continue
		}
		e.emit(ctx, c, "")
		expired = append(expired, c)
	}
	return expired, nil
}

func (e *Engine) findPlayerByCode(ctx context.Context, gameID, code string, static bool) (*game.Participant, error) {
	participants, err := e.store.ListParticipants(ctx, gameID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	for _, p := range participants {
		if p.Role != game.RolePlayer || p.CodeSeed == "" {
			continue
		}
		if VerifyCode(p.CodeSeed, code, static, now) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("capture code does not match any player: %w", game.ErrValidation)
}

// measuredDistance is informational on code captures; missing positions
// leave it at zero.
func (e *Engine) measuredDistance(ctx context.Context, hunterID, playerID string) float64 {
	hp, err := e.store.LatestPosition(ctx, hunterID)
	if err != nil || hp == nil {
		return 0
	}
	pp, err := e.store.LatestPosition(ctx, playerID)
	if err != nil || pp == nil {
		return 0
	}
	return geo.Distance(hp.Point, pp.Point)
}

func (e *Engine) emit(ctx context.Context, c *game.Capture, actorID string) {
	ev := game.NewEvent(c.GameID, c.PlayerID, game.EventCaptureUpdate, map[string]any{
		"capture_id":      c.ID,
		"status":          c.Status.String(),
		"hunter_id":       c.HunterID,
		"player_id":       c.PlayerID,
		"actor_id":        actorID,
		"distance_meters": c.DistanceMeters,
	})
	e.notifier.Broadcast(ctx, ev)
	if c.Status == game.CaptureConfirmed {
		e.notifier.Broadcast(ctx, game.NewEvent(c.GameID, c.PlayerID, game.EventElimination, map[string]any{
			"capture_id": c.ID,
			"hunter_id":  c.HunterID,
		}))
	}
}
