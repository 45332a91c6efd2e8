package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/store"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
)

type recordingNotifier struct {
	mu        sync.Mutex
	broadcast []game.Event
	direct    map[string][]game.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{direct: make(map[string][]game.Event)}
}

func (r *recordingNotifier) Broadcast(_ context.Context, ev game.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, ev)
}

func (r *recordingNotifier) Notify(_ context.Context, participantID string, ev game.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[participantID] = append(r.direct[participantID], ev)
}

func (r *recordingNotifier) broadcastOfType(t game.EventType) []game.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []game.Event
	for _, ev := range r.broadcast {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *clock.Fake
	notes  *recordingNotifier
	game   *game.Game
	player *game.Participant
	hunter *game.Participant
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemoryStore()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	n := newRecordingNotifier()

	g := game.NewGame("Testjagd", "creator-1")
	g.Status = game.StatusActive
	require.NoError(t, m.CreateGame(ctx, g))

	player := game.NewParticipant(g.ID, "Mia", game.RolePlayer, 1)
	hunter := game.NewParticipant(g.ID, "Jonas", game.RoleHunter, 2)
	require.NoError(t, m.CreateParticipant(ctx, player))
	require.NoError(t, m.CreateParticipant(ctx, hunter))

	tracker := tracking.NewEngine(m, fc, n)
	return &fixture{
		engine: NewEngine(m, tracker, fc, n),
		store:  m,
		clock:  fc,
		notes:  n,
		game:   g,
		player: player,
		hunter: hunter,
	}
}

func (f *fixture) savePosition(t *testing.T, participantID string, pt geo.Point) {
	t.Helper()
	tracker := tracking.NewEngine(f.store, f.clock, f.notes)
	_, err := tracker.SavePosition(context.Background(), f.game.ID, participantID, tracking.PositionReport{Point: pt})
	require.NoError(t, err)
}

func TestActivateJoker_CatchFree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleCatchFree))

	st, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.UsageCount)
	assert.Equal(t, f.clock.Now().Add(180*time.Minute), st.ExpiresAt)
	assert.Len(t, f.notes.broadcastOfType(game.EventJokerActivated), 1)

	active, err := f.engine.IsActive(ctx, f.player.ID, game.RuleCatchFree)
	require.NoError(t, err)
	assert.True(t, active)

	// One-time: a second activation is rejected.
	_, err = f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestActivateJoker_Unassigned(t *testing.T) {
	f := setup(t)

	_, err := f.engine.ActivateJoker(context.Background(), f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestActivateJoker_NotAJoker(t *testing.T) {
	f := setup(t)

	_, err := f.engine.ActivateJoker(context.Background(), f.game.ID, f.player.ID, game.RuleSpeedhunt, ActivateOptions{})
	assert.ErrorIs(t, err, game.ErrValidation)
}

func TestActivateJoker_DisabledDefinition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	def := game.NewRuleDefinition(f.game.ID, game.RuleCatchFree, game.RuleConfig{})
	def.Enabled = false
	require.NoError(t, f.store.UpsertRuleDefinition(ctx, def))
	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleCatchFree))

	_, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestActivateJoker_DefinitionDurationWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	def := game.NewRuleDefinition(f.game.ID, game.RuleRegeneration, game.RuleConfig{DurationMinutes: 30})
	require.NoError(t, f.store.UpsertRuleDefinition(ctx, def))
	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleRegeneration))

	st, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleRegeneration, ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), st.ExpiresAt)
}

func TestActivateJoker_FakePing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleFakePing))

	t.Run("requires a coordinate", func(t *testing.T) {
		_, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleFakePing, ActivateOptions{})
		assert.ErrorIs(t, err, game.ErrValidation)
	})

	t.Run("publishes the fake location", func(t *testing.T) {
		st, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleFakePing, ActivateOptions{
			FakePoint: &geo.Point{Lat: 48.137, Lng: 11.575},
		})
		require.NoError(t, err)
		assert.True(t, st.ExpiresAt.IsZero(), "fake ping has no active window")

		pt, ok := FakePingCoordinate(st)
		require.True(t, ok)
		assert.Equal(t, geo.Point{Lat: 48.137, Lng: 11.575}, pt)

		pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID, IncludeFake: true})
		require.NoError(t, err)
		require.Len(t, pings, 1)
		assert.True(t, pings[0].IsFake)
		assert.Equal(t, geo.Point{Lat: 48.137, Lng: 11.575}, pings[0].RevealedLocation)
	})
}

func TestUnassign(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.engine.Unassign(ctx, f.player.ID, game.RuleCatchFree)
	assert.ErrorIs(t, err, game.ErrNotFound)

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleCatchFree))
	require.NoError(t, f.engine.Unassign(ctx, f.player.ID, game.RuleCatchFree))

	_, err = f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestHasActiveProtection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	protected, err := f.engine.HasActiveProtection(ctx, f.player.ID, protectionTypes...)
	require.NoError(t, err)
	assert.False(t, protected)

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus))
	_, err = f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus, ActivateOptions{})
	require.NoError(t, err)

	protected, err = f.engine.HasActiveProtection(ctx, f.player.ID, protectionTypes...)
	require.NoError(t, err)
	assert.True(t, protected)
}

func TestExpireStates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleCatchFree))
	_, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleCatchFree, ActivateOptions{})
	require.NoError(t, err)

	swept, err := f.engine.ExpireStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept, "window still open")

	f.clock.Advance(181 * time.Minute)
	swept, err = f.engine.ExpireStates(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, game.RuleCatchFree, swept[0].Type)

	active, err := f.engine.IsActive(ctx, f.player.ID, game.RuleCatchFree)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestViewHunterPositions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.savePosition(t, f.hunter.ID, geo.Point{Lat: 52.52, Lng: 13.405})
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.53, Lng: 13.41})

	_, err := f.engine.ViewHunterPositions(ctx, f.game.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrForbidden, "no open window yet")

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleHunterRequests))
	_, err = f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleHunterRequests, ActivateOptions{})
	require.NoError(t, err)

	positions, err := f.engine.ViewHunterPositions(ctx, f.game.ID, f.player.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1, "only hunter positions are exposed")
	assert.Equal(t, f.hunter.ID, positions[0].ParticipantID)

	// Window closes after the configured five minutes.
	f.clock.Advance(6 * time.Minute)
	_, err = f.engine.ViewHunterPositions(ctx, f.game.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestStartSpeedhunt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, game.SpeedhuntActive, session.Status)
	assert.Equal(t, 3, session.TotalPings)
	assert.Len(t, f.notes.broadcastOfType(game.EventSpeedhuntStarted), 1)

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrForbidden, "one active session per hunter")
}

func TestStartSpeedhunt_ProtectedTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Assign(ctx, f.game.ID, f.player.ID, game.RuleRegeneration))
	_, err := f.engine.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleRegeneration, ActivateOptions{})
	require.NoError(t, err)

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrForbidden)
}

func TestStartSpeedhunt_DailyLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	second := game.NewParticipant(f.game.ID, "Lena", game.RolePlayer, 3)
	require.NoError(t, f.store.CreateParticipant(ctx, second))
	targets := []string{f.player.ID, second.ID}

	for i := 0; i < 3; i++ {
		_, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, targets[i%2])
		require.NoError(t, err)
		_, err = f.engine.CancelSpeedhunt(ctx, f.hunter.ID)
		require.NoError(t, err)
	}

	_, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrConflict, "daily limit reached")

	// The counter resets at local midnight.
	f.clock.Advance(13 * time.Hour)
	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)
}

func TestStartSpeedhunt_ConsecutiveTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	_, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err = f.engine.UseSpeedhuntPing(ctx, f.hunter.ID)
		require.NoError(t, err)
	}

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	assert.ErrorIs(t, err, game.ErrForbidden, "same target twice in a row")

	second := game.NewParticipant(f.game.ID, "Lena", game.RolePlayer, 3)
	require.NoError(t, f.store.CreateParticipant(ctx, second))
	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, second.ID)
	require.NoError(t, err)
}

func TestStartSpeedhunt_InvalidTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.hunter.ID)
	assert.ErrorIs(t, err, game.ErrValidation, "hunters cannot be targeted")

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, "missing")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestUseSpeedhuntPing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	_, _, err := f.engine.UseSpeedhuntPing(ctx, f.hunter.ID)
	assert.ErrorIs(t, err, game.ErrNotFound, "no session yet")

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		session, ping, err := f.engine.UseSpeedhuntPing(ctx, f.hunter.ID)
		require.NoError(t, err)
		assert.Equal(t, i, session.UsedPings)
		assert.Equal(t, game.PingSpeedhunt, ping.Source)
		assert.Equal(t, f.clock.Now().Add(120*time.Second), ping.RevealedAt, "delayed reveal")
		if i == 3 {
			assert.Equal(t, game.SpeedhuntCompleted, session.Status)
		} else {
			assert.Equal(t, game.SpeedhuntActive, session.Status)
		}
	}

	_, _, err = f.engine.UseSpeedhuntPing(ctx, f.hunter.ID)
	assert.ErrorIs(t, err, game.ErrNotFound, "completed session is no longer active")
}

// Concurrent ping requests must never spend more than the session's budget.
func TestUseSpeedhuntPing_ConcurrentBudget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	session, err := f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)

	const callers = 8
	start := make(chan struct{})
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.engine.UseSpeedhuntPing(ctx, f.hunter.ID)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var spent, rejected int
	for err := range results {
		switch {
		case err == nil:
			spent++
		case errors.Is(err, game.ErrConflict) || errors.Is(err, game.ErrNotFound):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, session.TotalPings, spent, "exactly the budget is spent")
	assert.Equal(t, callers-session.TotalPings, rejected)

	pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID, Sources: []game.PingSource{game.PingSpeedhunt}})
	require.NoError(t, err)
	assert.Len(t, pings, session.TotalPings)
}

func TestCancelSpeedhunt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.engine.CancelSpeedhunt(ctx, f.hunter.ID)
	assert.ErrorIs(t, err, game.ErrNotFound)

	_, err = f.engine.StartSpeedhunt(ctx, f.game.ID, f.hunter.ID, f.player.ID)
	require.NoError(t, err)

	session, err := f.engine.CancelSpeedhunt(ctx, f.hunter.ID)
	require.NoError(t, err)
	assert.Equal(t, game.SpeedhuntCancelled, session.Status)

	active, err := f.store.ActiveSpeedhunt(ctx, f.hunter.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}
