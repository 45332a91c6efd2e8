package detect

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/store"
)

type stationaryFixture struct {
	watcher *StationaryWatcher
	store   *store.MemoryStore
	clock   *clock.Fake
	notes   *recordingNotifier
	game    *game.Game
	player  *game.Participant
}

func setupStationary(t *testing.T) *stationaryFixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemoryStore()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	n := newRecordingNotifier()

	g := game.NewGame("Testjagd", "creator-1")
	g.Status = game.StatusActive
	require.NoError(t, m.CreateGame(ctx, g))

	player := game.NewParticipant(g.ID, "Mia", game.RolePlayer, 1)
	require.NoError(t, m.CreateParticipant(ctx, player))

	return &stationaryFixture{
		watcher: NewStationaryWatcher(m, fc, n),
		store:   m,
		clock:   fc,
		notes:   n,
		game:    g,
		player:  player,
	}
}

func (f *stationaryFixture) report(t *testing.T, pt geo.Point) {
	t.Helper()
	require.NoError(t, f.store.AppendPosition(context.Background(), &game.Position{
		ID:            uuid.New().String(),
		GameID:        f.game.ID,
		ParticipantID: f.player.ID,
		Point:         pt,
		Timestamp:     f.clock.Now(),
	}))
}

// Three samples inside a few meters of each other.
func (f *stationaryFixture) reportCluster(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		f.report(t, geo.Point{Lat: 52.520 + float64(i)*0.00002, Lng: 13.405})
		f.clock.Advance(time.Minute)
	}
}

func TestStationaryWatcher_TooFewSamples(t *testing.T) {
	f := setupStationary(t)
	ctx := context.Background()

	f.report(t, geo.Point{Lat: 52.520, Lng: 13.405})
	f.watcher.Scan(ctx)

	assert.False(t, f.watcher.IsStationary(f.player.ID))
	assert.Empty(t, f.notes.broadcastOfType(game.EventStationaryEnter))
}

func TestStationaryWatcher_EnterAndLeave(t *testing.T) {
	f := setupStationary(t)
	ctx := context.Background()

	f.reportCluster(t)
	f.watcher.Scan(ctx)
	assert.True(t, f.watcher.IsStationary(f.player.ID))
	assert.Len(t, f.notes.broadcastOfType(game.EventStationaryEnter), 1)

	// Edge-triggered: a second stationary scan emits nothing new.
	f.clock.Advance(5 * time.Minute)
	f.watcher.Scan(ctx)
	assert.Len(t, f.notes.broadcastOfType(game.EventStationaryEnter), 1)

	// Moving ~550m ends the stay and reports its duration.
	f.report(t, geo.Point{Lat: 52.525, Lng: 13.405})
	f.watcher.Scan(ctx)
	assert.False(t, f.watcher.IsStationary(f.player.ID))

	left := f.notes.broadcastOfType(game.EventStationaryLeave)
	require.Len(t, left, 1)
	assert.Greater(t, left[0].Payload["stationary_seconds"].(float64), 0.0)
}

func TestStationaryWatcher_MovingPlayerNeverEnters(t *testing.T) {
	f := setupStationary(t)
	ctx := context.Background()

	// Samples 100+ meters apart.
	for i := 0; i < 3; i++ {
		f.report(t, geo.Point{Lat: 52.520 + float64(i)*0.001, Lng: 13.405})
		f.clock.Advance(time.Minute)
	}
	f.watcher.Scan(ctx)

	assert.False(t, f.watcher.IsStationary(f.player.ID))
	assert.Empty(t, f.notes.broadcastOfType(game.EventStationaryEnter))
	assert.Empty(t, f.notes.broadcastOfType(game.EventStationaryLeave), "never stationary, nothing to leave")
}

func TestStationaryWatcher_WindowExpiry(t *testing.T) {
	f := setupStationary(t)
	ctx := context.Background()

	f.reportCluster(t)
	f.watcher.Scan(ctx)
	require.True(t, f.watcher.IsStationary(f.player.ID))

	// All samples age out of the 30-minute window; with no fresh data the
	// state holds rather than flapping.
	f.clock.Advance(40 * time.Minute)
	f.watcher.Scan(ctx)
	assert.True(t, f.watcher.IsStationary(f.player.ID))
}
