package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

// protectionTypes are the rule windows that shield a player from being
// targeted or captured.
var protectionTypes = []game.RuleType{
	game.RuleRegeneration,
	game.RuleHotelBonus,
	game.RuleCatchFree,
}

// StartSpeedhunt opens a ping burst against one target. A hunter can run at
// most one session at a time and at most the configured number per day,
// counted from local midnight.
func (e *Engine) StartSpeedhunt(ctx context.Context, gameID, hunterID, targetID string) (*game.SpeedhuntSession, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsRunning() {
		return nil, fmt.Errorf("game %s is not active: %w", gameID, game.ErrConflict)
	}

	def, err := e.store.GetRuleDefinition(ctx, gameID, game.RuleSpeedhunt)
	if err != nil {
		return nil, err
	}
	if def != nil && !def.Enabled {
		return nil, fmt.Errorf("speedhunt is disabled in this game: %w", game.ErrForbidden)
	}

	target, err := e.store.GetParticipant(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role != game.RolePlayer || !target.IsActive() {
		return nil, fmt.Errorf("target %s is not an active player: %w", targetID, game.ErrValidation)
	}

	active, err := e.store.ActiveSpeedhunt(ctx, hunterID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("hunter %s already has an active speedhunt: %w", hunterID, game.ErrForbidden)
	}

	now := e.clock.Now()
	limit := g.Config.SpeedhuntDailyLimit
	if def != nil && def.Config.DailyLimit > 0 {
		limit = def.Config.DailyLimit
	}
	if limit > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		used, err := e.store.CountSpeedhuntsSince(ctx, hunterID, midnight)
		if err != nil {
			return nil, err
		}
		if used >= limit {
			return nil, fmt.Errorf("speedhunt daily limit of %d reached: %w", limit, game.ErrConflict)
		}
	}

	protected, err := e.HasActiveProtection(ctx, targetID, protectionTypes...)
	if err != nil {
		return nil, err
	}
	if protected {
		return nil, fmt.Errorf("target %s has an active protection: %w", targetID, game.ErrForbidden)
	}

	if g.Config.PreventConsecutiveTarget {
		last, err := e.store.LastCompletedSpeedhunt(ctx, hunterID)
		if err != nil {
			return nil, err
		}
		if last != nil && last.TargetID == targetID {
			return nil, fmt.Errorf("target %s was this hunter's previous speedhunt target: %w", targetID, game.ErrForbidden)
		}
	}

	total := g.Config.SpeedhuntPingCount
	if def != nil && def.Config.PingCount > 0 {
		total = def.Config.PingCount
	}
	session := &game.SpeedhuntSession{
		ID:         uuid.New().String(),
		GameID:     gameID,
		HunterID:   hunterID,
		TargetID:   targetID,
		TotalPings: total,
		Status:     game.SpeedhuntActive,
		StartedAt:  now,
	}
	if err := e.store.CreateSpeedhuntSession(ctx, session); err != nil {
		return nil, err
	}

	e.notifier.Broadcast(ctx, game.NewEvent(gameID, targetID, game.EventSpeedhuntStarted, map[string]any{
		"session_id":  session.ID,
		"hunter_id":   hunterID,
		"total_pings": total,
	}))
	return session, nil
}

// UseSpeedhuntPing consumes one ping from the hunter's active session. The
// counter is spent through a conditional store update, so concurrent calls
// cannot over-spend the burst. The ping carries the configured reveal delay;
// the session completes itself when the last ping is spent.
func (e *Engine) UseSpeedhuntPing(ctx context.Context, hunterID string) (*game.SpeedhuntSession, *game.Ping, error) {
	session, err := e.store.ActiveSpeedhunt(ctx, hunterID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, fmt.Errorf("hunter %s has no active speedhunt: %w", hunterID, game.ErrNotFound)
	}

	spent, err := e.store.ConsumeSpeedhuntPing(ctx, session.ID)
	if err != nil {
		return nil, nil, err
	}
	if spent == nil {
		return nil, nil, fmt.Errorf("speedhunt %s has no pings left: %w", session.ID, game.ErrConflict)
	}
	session = spent

	g, err := e.store.GetGame(ctx, session.GameID)
	if err != nil {
		return nil, nil, err
	}
	delay := time.Duration(g.Config.SpeedhuntPingIntervalSeconds) * time.Second

	ping, err := e.pinger.GeneratePing(ctx, session.GameID, session.TargetID, 0, delay, game.PingSpeedhunt)
	if err != nil {
		return nil, nil, err
	}

	if session.UsedPings >= session.TotalPings {
		session.Status = game.SpeedhuntCompleted
		session.CompletedAt = e.clock.Now()
		if err := e.store.UpdateSpeedhuntSession(ctx, session); err != nil {
			return nil, nil, err
		}
	}
	return session, ping, nil
}

// CancelSpeedhunt aborts the hunter's active session. A cancelled session
// still counts toward the daily limit.
func (e *Engine) CancelSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error) {
	session, err := e.store.ActiveSpeedhunt(ctx, hunterID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("hunter %s has no active speedhunt: %w", hunterID, game.ErrNotFound)
	}
	session.Status = game.SpeedhuntCancelled
	session.CompletedAt = e.clock.Now()
	if err := e.store.UpdateSpeedhuntSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}
