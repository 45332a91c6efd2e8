package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
)

// Store is the persistence surface the rule engine needs.
type Store interface {
	GetGame(ctx context.Context, id string) (*game.Game, error)
	GetParticipant(ctx context.Context, id string) (*game.Participant, error)
	ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error)
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)

	GetRuleDefinition(ctx context.Context, gameID string, t game.RuleType) (*game.RuleDefinition, error)
	GetRuleState(ctx context.Context, participantID string, t game.RuleType) (*game.ParticipantRuleState, error)
	SaveRuleState(ctx context.Context, s *game.ParticipantRuleState) error
	ActivateOneTime(ctx context.Context, participantID string, t game.RuleType, activatedAt, expiresAt time.Time, metadata map[string]string) (bool, error)
	ListExpiredRuleStates(ctx context.Context, now time.Time) ([]*game.ParticipantRuleState, error)
	DeactivateRuleState(ctx context.Context, id string) error

	CreateSpeedhuntSession(ctx context.Context, s *game.SpeedhuntSession) error
	ActiveSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error)
	UpdateSpeedhuntSession(ctx context.Context, s *game.SpeedhuntSession) error
	ConsumeSpeedhuntPing(ctx context.Context, sessionID string) (*game.SpeedhuntSession, error)
	CountSpeedhuntsSince(ctx context.Context, hunterID string, since time.Time) (int, error)
	LastCompletedSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error)
}

// PingGenerator materializes pings on behalf of rule effects.
type PingGenerator interface {
	GeneratePing(ctx context.Context, gameID, participantID string, radiusMeters float64, revealDelay time.Duration, source game.PingSource) (*game.Ping, error)
	GenerateFakePing(ctx context.Context, gameID, participantID string, lat, lng float64) (*game.Ping, error)
}

// Engine manages per-participant rule and joker state.
type Engine struct {
	store    Store
	pinger   PingGenerator
	clock    clock.Clock
	notifier game.Notifier
}

// NewEngine creates a rule engine.
func NewEngine(s Store, p PingGenerator, c clock.Clock, n game.Notifier) *Engine {
	return &Engine{store: s, pinger: p, clock: c, notifier: n}
}

// GetOrCreateState returns the participant's state row for a rule type,
// creating an unassigned row on first access.
func (e *Engine) GetOrCreateState(ctx context.Context, gameID, participantID string, t game.RuleType) (*game.ParticipantRuleState, error) {
	st, err := e.store.GetRuleState(ctx, participantID, t)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	st = &game.ParticipantRuleState{
		ID:            uuid.New().String(),
		GameID:        gameID,
		ParticipantID: participantID,
		Type:          t,
	}
	if err := e.store.SaveRuleState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Assign grants a participant eligibility for a rule type.
func (e *Engine) Assign(ctx context.Context, gameID, participantID string, t game.RuleType) error {
	st, err := e.GetOrCreateState(ctx, gameID, participantID, t)
	if err != nil {
		return err
	}
	st.Assigned = true
	return e.store.SaveRuleState(ctx, st)
}

// Unassign revokes eligibility without touching usage history.
func (e *Engine) Unassign(ctx context.Context, participantID string, t game.RuleType) error {
	st, err := e.store.GetRuleState(ctx, participantID, t)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no %s state for participant %s: %w", t, participantID, game.ErrNotFound)
	}
	st.Assigned = false
	return e.store.SaveRuleState(ctx, st)
}

// IsActive reports whether a rule is active for a participant right now.
func (e *Engine) IsActive(ctx context.Context, participantID string, t game.RuleType) (bool, error) {
	st, err := e.store.GetRuleState(ctx, participantID, t)
	if err != nil {
		return false, err
	}
	return st != nil && st.ActiveAt(e.clock.Now()), nil
}

// HasActiveProtection reports whether any of the given rule types is active
// for the participant. Implements the protection check the capture engine
// and speedhunt admission depend on.
func (e *Engine) HasActiveProtection(ctx context.Context, participantID string, types ...game.RuleType) (bool, error) {
	for _, t := range types {
		active, err := e.IsActive(ctx, participantID, t)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

// ActivateOptions carries rule-specific activation input.
type ActivateOptions struct {
	// FakePoint is the coordinate a fake-ping joker publishes. Required for
	// game.RuleFakePing, ignored otherwise.
	FakePoint *geo.Point
}

// ActivateJoker consumes a one-time joker. Fails with ErrForbidden unless
// the state is assigned and unused; the check-then-set is a single
// conditional store update, so concurrent attempts cannot both win.
func (e *Engine) ActivateJoker(ctx context.Context, gameID, participantID string, t game.RuleType, opts ActivateOptions) (*game.ParticipantRuleState, error) {
	if !t.OneTimeJoker() {
		return nil, fmt.Errorf("%s is not a one-time joker: %w", t, game.ErrValidation)
	}

	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetRuleDefinition(ctx, gameID, t)
	if err != nil {
		return nil, err
	}
	if def != nil && !def.Enabled {
		return nil, fmt.Errorf("%s is disabled in this game: %w", t, game.ErrForbidden)
	}

	now := e.clock.Now()
	var expiresAt time.Time
	if d := jokerDuration(t, g.Config, def); d > 0 {
		expiresAt = now.Add(d)
	}

	var metadata map[string]string
	if t == game.RuleFakePing {
		if opts.FakePoint == nil || !opts.FakePoint.Valid() {
			return nil, fmt.Errorf("fake ping requires a valid coordinate: %w", game.ErrValidation)
		}
		metadata = map[string]string{
			"fake_lat": strconv.FormatFloat(opts.FakePoint.Lat, 'f', -1, 64),
			"fake_lng": strconv.FormatFloat(opts.FakePoint.Lng, 'f', -1, 64),
		}
	}

	// Make sure the row exists so the conditional update has something to hit.
	if _, err := e.GetOrCreateState(ctx, gameID, participantID, t); err != nil {
		return nil, err
	}

	ok, err := e.store.ActivateOneTime(ctx, participantID, t, now, expiresAt, metadata)
	if err != nil {
		return nil, err
	}
	if !ok {
		st, err := e.store.GetRuleState(ctx, participantID, t)
		if err != nil {
			return nil, err
		}
		if st == nil || !st.Assigned {
			return nil, fmt.Errorf("%s is not assigned to participant %s: %w", t, participantID, game.ErrForbidden)
		}
		return nil, fmt.Errorf("%s already used by participant %s: %w", t, participantID, game.ErrForbidden)
	}

	if t == game.RuleFakePing {
		if _, err := e.pinger.GenerateFakePing(ctx, gameID, participantID, opts.FakePoint.Lat, opts.FakePoint.Lng); err != nil {
			slog.Error("fake ping generation failed after activation", "participant", participantID, "error", err)
		}
	}

	e.notifier.Broadcast(ctx, game.NewEvent(gameID, participantID, game.EventJokerActivated, map[string]any{
		"rule_type":  t.String(),
		"expires_at": expiresAt,
	}))

	return e.store.GetRuleState(ctx, participantID, t)
}

// ViewHunterPositions returns the latest positions of all active hunters.
// Gated by an active hunter-requests window; the window is one-shot by the
// activation contract, so the view stays open only until it expires.
func (e *Engine) ViewHunterPositions(ctx context.Context, gameID, requesterID string) ([]*game.Position, error) {
	active, err := e.IsActive(ctx, requesterID, game.RuleHunterRequests)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("no active hunter-requests window: %w", game.ErrForbidden)
	}

	participants, err := e.store.ListParticipants(ctx, gameID)
	if err != nil {
		return nil, err
	}
	var out []*game.Position
	for _, p := range participants {
		if p.Role != game.RoleHunter || !p.IsActive() {
			continue
		}
		pos, err := e.store.LatestPosition(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			out = append(out, pos)
		}
	}
	return out, nil
}

// ExpireStates deactivates every active state whose window has passed and
// returns the states that were swept. Per-state failures are logged and do
// not abort the sweep.
func (e *Engine) ExpireStates(ctx context.Context) ([]*game.ParticipantRuleState, error) {
	expired, err := e.store.ListExpiredRuleStates(ctx, e.clock.Now())
	if err != nil {
		return nil, err
	}
	var swept []*game.ParticipantRuleState
	for _, st := range expired {
		if err := e.store.DeactivateRuleState(ctx, st.ID); err != nil {
			slog.Error("rule state deactivation failed", "state", st.ID, "rule", st.Type.String(), "error", err)
			continue
		}
		swept = append(swept, st)
	}
	return swept, nil
}

// FakePingCoordinate extracts the stored fake coordinate from a state's
// metadata.
func FakePingCoordinate(st *game.ParticipantRuleState) (geo.Point, bool) {
	lat, err1 := strconv.ParseFloat(st.Metadata["fake_lat"], 64)
	lng, err2 := strconv.ParseFloat(st.Metadata["fake_lng"], 64)
	if err1 != nil || err2 != nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}

func jokerDuration(t game.RuleType, cfg game.Config, def *game.RuleDefinition) time.Duration {
	if def != nil && def.Config.DurationMinutes > 0 {
		return time.Duration(def.Config.DurationMinutes) * time.Minute
	}
	var minutes int
	switch t {
	case game.RuleCatchFree:
		minutes = cfg.CatchFreeDurationMinutes
	case game.RuleHotelBonus:
		minutes = cfg.HotelBonusDurationMinutes
	case game.RuleRegeneration:
		minutes = cfg.RegenerationDurationMinutes
	case game.RuleHunterRequests:
		minutes = cfg.HunterRequestsDurationMinutes
	case game.RuleFakePing:
		// No active window: the joker is spent on use.
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
