package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/jagdfieber-server/internal/capture"
	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/rules"
	"github.com/mkoberg/jagdfieber-server/internal/store"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
	"github.com/mkoberg/jagdfieber-server/internal/ws"
)

type sentMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type recordingNotifier struct {
	mu        sync.Mutex
	broadcast []game.Event
}

func (r *recordingNotifier) Broadcast(_ context.Context, ev game.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, ev)
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, _ game.Event) {}

// stubResetter records boundary-timer resets.
type stubResetter struct {
	reset []string
}

func (s *stubResetter) Reset(participantID string) {
	s.reset = append(s.reset, participantID)
}

type routerFixture struct {
	router   *Router
	store    *store.MemoryStore
	clock    *clock.Fake
	rules    *rules.Engine
	tracker  *tracking.Engine
	resetter *stubResetter
	notes    *recordingNotifier
	game     *game.Game
	player   *game.Participant
	hunter   *game.Participant
	orga     *game.Participant
}

func setupRouter(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemoryStore()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	n := &recordingNotifier{}

	g := game.NewGame("Testjagd", "creator-1")
	g.Status = game.StatusActive
	require.NoError(t, m.CreateGame(ctx, g))

	player := game.NewParticipant(g.ID, "Mia", game.RolePlayer, 1)
	hunter := game.NewParticipant(g.ID, "Jonas", game.RoleHunter, 2)
	orga := game.NewParticipant(g.ID, "Orga", game.RoleOrga, 3)
	for _, p := range []*game.Participant{player, hunter, orga} {
		require.NoError(t, m.CreateParticipant(ctx, p))
	}

	tracker := tracking.NewEngine(m, fc, n)
	ruleEngine := rules.NewEngine(m, tracker, fc, n)
	captureEngine := capture.NewEngine(m, ruleEngine, fc, n)
	resetter := &stubResetter{}

	return &routerFixture{
		router:   NewRouter(tracker, captureEngine, ruleEngine, m, resetter, n),
		store:    m,
		clock:    fc,
		rules:    ruleEngine,
		tracker:  tracker,
		resetter: resetter,
		notes:    n,
		game:     g,
		player:   player,
		hunter:   hunter,
		orga:     orga,
	}
}

func (f *routerFixture) client(p *game.Participant) *ws.Client {
	return &ws.Client{
		ID: "client-" + p.ID,
		Identity: ws.Identity{
			ParticipantID: p.ID,
			Role:          p.Role,
			GameID:        p.GameID,
		},
		Send: make(chan []byte, 16),
	}
}

func (f *routerFixture) dispatch(t *testing.T, client *ws.Client, msgType string, payload any) {
	t.Helper()
	msg, err := ws.NewMessage(msgType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.router.HandleMessage(&ws.ClientMessage{Client: client, Data: data})
}

func drain(t *testing.T, client *ws.Client) []sentMessage {
	t.Helper()
	var out []sentMessage
	for {
		select {
		case data := <-client.Send:
			var msg sentMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHandleMessage_RequiresIdentity(t *testing.T) {
	f := setupRouter(t)
	client := &ws.Client{ID: "anon", Send: make(chan []byte, 16)}

	f.dispatch(t, client, ws.TypePositionReport, map[string]any{"lat": 52.52, "lng": 13.405})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeError, msgs[0].Type)
}

func TestHandleMessage_UnknownType(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.player)

	f.dispatch(t, client, "teleport", nil)

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeError, msgs[0].Type)
}

func TestHandlePositionReport(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.player)

	f.dispatch(t, client, ws.TypePositionReport, map[string]any{"lat": 52.52, "lng": 13.405})
	assert.Empty(t, drain(t, client), "a good report needs no reply")

	pos, err := f.store.LatestPosition(context.Background(), f.player.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 52.52, pos.Point.Lat, 0.0001)
}

func TestHandlePositionReport_InvalidCoordinates(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.player)

	f.dispatch(t, client, ws.TypePositionReport, map[string]any{"lat": 95.0, "lng": 13.405})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeError, msgs[0].Type)
}

func TestHandleCaptureCode(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.hunter)

	code := capture.CurrentCode(f.player.CodeSeed, f.clock.Now())
	f.dispatch(t, client, ws.TypeCaptureCode, map[string]any{"code": code})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	require.Equal(t, ws.TypeCaptureUpdate, msgs[0].Type)

	var payload struct {
		Status game.CaptureStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, game.CapturePendingHandcuff, payload.Status)
}

func TestHandleCaptureCode_WrongCodeSurfacesReason(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.hunter)

	f.dispatch(t, client, ws.TypeCaptureCode, map[string]any{"code": "AAAAAA"})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	require.Equal(t, ws.TypeError, msgs[0].Type)

	var payload ws.ErrorMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Contains(t, payload.Reason, "capture code")
}

func TestHandleJokerActivate(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()
	client := f.client(f.player)

	require.NoError(t, f.rules.Assign(ctx, f.game.ID, f.player.ID, game.RuleCatchFree))
	f.dispatch(t, client, ws.TypeJokerActivate, map[string]any{"rule_type": "catch_free"})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeGameStatus, msgs[0].Type)

	active, err := f.rules.IsActive(ctx, f.player.ID, game.RuleCatchFree)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestHandleJokerActivate_UnknownType(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.player)

	f.dispatch(t, client, ws.TypeJokerActivate, map[string]any{"rule_type": "teleport"})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeError, msgs[0].Type)
}

func TestHandleSpeedhuntStart_PlayersRejected(t *testing.T) {
	f := setupRouter(t)
	client := f.client(f.player)

	f.dispatch(t, client, ws.TypeSpeedhuntStart, map[string]any{"target_id": f.player.ID})

	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeError, msgs[0].Type)
}

func TestHandleSpeedhuntFlow(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()
	client := f.client(f.hunter)

	_, err := f.tracker.SavePosition(ctx, f.game.ID, f.player.ID, tracking.PositionReport{
		Point: geo.Point{Lat: 52.52, Lng: 13.405},
	})
	require.NoError(t, err)

	f.dispatch(t, client, ws.TypeSpeedhuntStart, map[string]any{"target_id": f.player.ID})
	msgs := drain(t, client)
	require.Len(t, msgs, 1)
	require.Equal(t, ws.TypeGameStatus, msgs[0].Type)

	f.dispatch(t, client, ws.TypeSpeedhuntPing, nil)
	msgs = drain(t, client)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypePing, msgs[0].Type)
}

func TestHandleManualPing(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()

	_, err := f.tracker.SavePosition(ctx, f.game.ID, f.player.ID, tracking.PositionReport{
		Point: geo.Point{Lat: 52.52, Lng: 13.405},
	})
	require.NoError(t, err)

	t.Run("players are rejected", func(t *testing.T) {
		client := f.client(f.player)
		f.dispatch(t, client, ws.TypeManualPing, map[string]any{"participant_id": f.player.ID})
		msgs := drain(t, client)
		require.Len(t, msgs, 1)
		assert.Equal(t, ws.TypeError, msgs[0].Type)
	})

	t.Run("organizer reveals the player", func(t *testing.T) {
		client := f.client(f.orga)
		f.dispatch(t, client, ws.TypeManualPing, map[string]any{"participant_id": f.player.ID})
		msgs := drain(t, client)
		require.Len(t, msgs, 1)
		require.Equal(t, ws.TypePing, msgs[0].Type)

		var ping game.Ping
		require.NoError(t, json.Unmarshal(msgs[0].Data, &ping))
		assert.Equal(t, game.PingManual, ping.Source)
		assert.Equal(t, f.player.ID, ping.ParticipantID)
	})
}

func TestHandlePositionOverride(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()

	t.Run("players are rejected", func(t *testing.T) {
		client := f.client(f.player)
		f.dispatch(t, client, ws.TypePositionOverride, map[string]any{
			"participant_id": f.player.ID, "lat": 52.52, "lng": 13.405,
		})
		msgs := drain(t, client)
		require.Len(t, msgs, 1)
		assert.Equal(t, ws.TypeError, msgs[0].Type)
		assert.Empty(t, f.resetter.reset)
	})

	t.Run("organizer corrects and resets the boundary timer", func(t *testing.T) {
		client := f.client(f.orga)
		f.dispatch(t, client, ws.TypePositionOverride, map[string]any{
			"participant_id": f.player.ID, "lat": 52.53, "lng": 13.41,
		})
		assert.Empty(t, drain(t, client))

		pos, err := f.store.LatestPosition(ctx, f.player.ID)
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.True(t, pos.Override)
		assert.Equal(t, f.orga.ID, pos.OverriddenBy)
		assert.InDelta(t, 52.53, pos.Point.Lat, 0.0001)
		assert.Equal(t, []string{f.player.ID}, f.resetter.reset)
	})
}

func TestHandleGameControl(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()

	t.Run("players are rejected", func(t *testing.T) {
		client := f.client(f.player)
		f.dispatch(t, client, ws.TypeGameControl, map[string]any{"action": "pause"})
		msgs := drain(t, client)
		require.Len(t, msgs, 1)
		assert.Equal(t, ws.TypeError, msgs[0].Type)
	})

	t.Run("organizer pauses the game", func(t *testing.T) {
		client := f.client(f.orga)
		f.dispatch(t, client, ws.TypeGameControl, map[string]any{"action": "pause"})
		assert.Empty(t, drain(t, client))

		g, err := f.store.GetGame(ctx, f.game.ID)
		require.NoError(t, err)
		assert.Equal(t, game.StatusPaused, g.Status)

		f.notes.mu.Lock()
		defer f.notes.mu.Unlock()
		var statusEvents int
		for _, ev := range f.notes.broadcast {
			if ev.Type == game.EventGameStatus {
				statusEvents++
			}
		}
		assert.Equal(t, 1, statusEvents)
	})

	t.Run("unknown action", func(t *testing.T) {
		client := f.client(f.orga)
		f.dispatch(t, client, ws.TypeGameControl, map[string]any{"action": "explode"})
		msgs := drain(t, client)
		require.Len(t, msgs, 1)
		assert.Equal(t, ws.TypeError, msgs[0].Type)
	})
}
