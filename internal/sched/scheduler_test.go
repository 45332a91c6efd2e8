package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/jagdfieber-server/internal/capture"
	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/queue"
	"github.com/mkoberg/jagdfieber-server/internal/rules"
	"github.com/mkoberg/jagdfieber-server/internal/store"
	"github.com/mkoberg/jagdfieber-server/internal/tracking"
)

// fakeQueue keeps jobs in memory with the same dedupe and retry semantics
// as the Redis queue.
type fakeQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []queue.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[job.ID] {
		return nil
	}
	q.seen[job.ID] = true
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context, _ time.Duration) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *fakeQueue) Retry(_ context.Context, job queue.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempts++
	if job.Attempts >= 3 {
		return false, nil
	}
	q.jobs = append(q.jobs, job)
	return true, nil
}

func (q *fakeQueue) pending() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

type stubStationary map[string]bool

func (s stubStationary) IsStationary(participantID string) bool { return s[participantID] }

type schedFixture struct {
	sched      *Scheduler
	store      *store.MemoryStore
	clock      *clock.Fake
	queue      *fakeQueue
	rules      *rules.Engine
	tracker    *tracking.Engine
	captures   *capture.Engine
	stationary stubStationary
	game       *game.Game
	player     *game.Participant
	hunter     *game.Participant
}

func setupScheduler(t *testing.T) *schedFixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemoryStore()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fq := newFakeQueue()

	g := game.NewGame("Testjagd", "creator-1")
	g.Status = game.StatusActive
	require.NoError(t, m.CreateGame(ctx, g))

	player := game.NewParticipant(g.ID, "Mia", game.RolePlayer, 1)
	hunter := game.NewParticipant(g.ID, "Jonas", game.RoleHunter, 2)
	orga := game.NewParticipant(g.ID, "Orga", game.RoleOrga, 3)
	for _, p := range []*game.Participant{player, hunter, orga} {
		require.NoError(t, m.CreateParticipant(ctx, p))
	}

	tracker := tracking.NewEngine(m, fc, game.NopNotifier{})
	ruleEngine := rules.NewEngine(m, tracker, fc, game.NopNotifier{})
	captureEngine := capture.NewEngine(m, ruleEngine, fc, game.NopNotifier{})
	stationary := stubStationary{}

	return &schedFixture{
		sched:      NewScheduler(m, ruleEngine, stationary, tracker, fq, captureEngine, fc),
		store:      m,
		clock:      fc,
		queue:      fq,
		rules:      ruleEngine,
		tracker:    tracker,
		captures:   captureEngine,
		stationary: stationary,
		game:       g,
		player:     player,
		hunter:     hunter,
	}
}

func (f *schedFixture) savePosition(t *testing.T, participantID string, pt geo.Point) {
	t.Helper()
	_, err := f.tracker.SavePosition(context.Background(), f.game.ID, participantID, tracking.PositionReport{Point: pt})
	require.NoError(t, err)
}

func TestEnqueuePeriodicPings(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)

	jobs := f.queue.pending()
	require.Len(t, jobs, 1, "players only, never hunters or organizers")
	assert.Equal(t, f.player.ID, jobs[0].ParticipantID)
	assert.Equal(t, JobTypePing, jobs[0].Type)

	// Same tick, same job id: the dedupe holds.
	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)
	assert.Len(t, f.queue.pending(), 1)

	// A later tick mints a fresh id.
	f.clock.Advance(30 * time.Minute)
	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)
	assert.Len(t, f.queue.pending(), 2)
}

func TestEnqueuePeriodicPings_NightMode(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC))
	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)

	assert.Empty(t, f.queue.pending(), "night mode suppresses periodic pings")
}

func TestEnqueuePeriodicPings_StationarySkipped(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.stationary[f.player.ID] = true
	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)

	assert.Empty(t, f.queue.pending())
}

func TestEnqueuePeriodicPings_ProtectedSkipped(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, f.rules.Assign(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus))
	_, err := f.rules.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus, rules.ActivateOptions{})
	require.NoError(t, err)

	f.sched.EnqueuePeriodicPings(ctx, f.game.ID)
	assert.Empty(t, f.queue.pending())
}

func TestReconcile(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	defer f.sched.Stop()

	f.sched.Reconcile(ctx)
	assert.Equal(t, []string{f.game.ID}, f.sched.ScheduledGames())

	// Pausing the game tears its schedule down on the next pass.
	require.NoError(t, f.store.UpdateGameStatus(ctx, f.game.ID, game.StatusPaused))
	f.sched.Reconcile(ctx)
	assert.Empty(t, f.sched.ScheduledGames())
}

func TestSilenthuntSweep(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	area := geo.Polygon{
		{Lat: 52.50, Lng: 13.38},
		{Lat: 52.50, Lng: 13.44},
		{Lat: 52.54, Lng: 13.44},
		{Lat: 52.54, Lng: 13.38},
	}
	require.NoError(t, f.store.CreateBoundary(ctx, game.NewBoundary(f.game.ID, game.BoundaryGameArea, area)))
	require.NoError(t, f.store.UpsertRuleDefinition(ctx, game.NewRuleDefinition(f.game.ID, game.RuleSilenthunt, game.RuleConfig{})))
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	f.sched.SilenthuntSweep(ctx)
	pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID, Sources: []game.PingSource{game.PingSilenthunt}})
	require.NoError(t, err)
	require.Len(t, pings, 1)

	// Within the zone interval nothing new fires.
	f.clock.Advance(10 * time.Minute)
	f.sched.SilenthuntSweep(ctx)
	pings, err = f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID, Sources: []game.PingSource{game.PingSilenthunt}})
	require.NoError(t, err)
	assert.Len(t, pings, 1)

	// Default outer-zone interval is 30 minutes.
	f.clock.Advance(25 * time.Minute)
	f.sched.SilenthuntSweep(ctx)
	pings, err = f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID, Sources: []game.PingSource{game.PingSilenthunt}})
	require.NoError(t, err)
	assert.Len(t, pings, 2)
}

func TestSilenthuntSweep_RequiresEnabledRule(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	f.sched.SilenthuntSweep(ctx)
	pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID})
	require.NoError(t, err)
	assert.Empty(t, pings, "no definition, no silenthunt")
}

func TestExpirySweep_HotelBonusReveals(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})

	require.NoError(t, f.rules.Assign(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus))
	_, err := f.rules.ActivateJoker(ctx, f.game.ID, f.player.ID, game.RuleHotelBonus, rules.ActivateOptions{})
	require.NoError(t, err)

	f.sched.ExpirySweep(ctx)
	pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID})
	require.NoError(t, err)
	assert.Empty(t, pings, "window still open")

	// Default hotel bonus runs 480 minutes.
	f.clock.Advance(481 * time.Minute)
	f.sched.ExpirySweep(ctx)

	pings, err = f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID})
	require.NoError(t, err)
	require.Len(t, pings, 1, "expiry reveals the participant")
	assert.Equal(t, f.player.ID, pings[0].ParticipantID)

	active, err := f.rules.IsActive(ctx, f.player.ID, game.RuleHotelBonus)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestCaptureSweep_ExpiresStale(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	code := capture.CurrentCode(f.player.CodeSeed, f.clock.Now())
	c, err := f.captures.AttemptByCode(ctx, f.game.ID, f.hunter.ID, code)
	require.NoError(t, err)

	f.sched.CaptureSweep(ctx)
	got, err := f.store.GetCapture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, game.CapturePendingHandcuff, got.Status, "fresh capture stays open")

	// Default pending TTL is 15 minutes.
	f.clock.Advance(16 * time.Minute)
	f.sched.CaptureSweep(ctx)
	got, err = f.store.GetCapture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, game.CaptureExpired, got.Status)
}

// A reconcile pass racing with Stop must not register a schedule whose stop
// channel nobody will ever close.
func TestReconcile_AfterStop(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.sched.Stop()
	f.sched.Reconcile(ctx)
	assert.Empty(t, f.sched.ScheduledGames())
}

func TestDispatcher_Process(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	d := NewDispatcher(f.queue, f.store, f.tracker)

	f.savePosition(t, f.player.ID, geo.Point{Lat: 52.52, Lng: 13.405})
	d.Process(ctx, queue.Job{ID: "j1", Type: JobTypePing, GameID: f.game.ID, ParticipantID: f.player.ID})

	pings, err := f.store.ListPings(ctx, store.PingQuery{GameID: f.game.ID})
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.Equal(t, game.PingPeriodic, pings[0].Source)
	assert.Equal(t, f.game.ID, pings[0].GameID)
}

func TestDispatcher_NoPositionDropsJob(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	d := NewDispatcher(f.queue, f.store, f.tracker)

	d.Process(ctx, queue.Job{ID: "j1", Type: JobTypePing, GameID: f.game.ID, ParticipantID: f.player.ID})

	assert.Empty(t, f.queue.pending(), "no position is not worth a retry")
}

func TestDispatcher_MissingGameRetries(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	d := NewDispatcher(f.queue, f.store, f.tracker)

	d.Process(ctx, queue.Job{ID: "j1", Type: JobTypePing, GameID: "missing", ParticipantID: f.player.ID})

	pending := f.queue.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}
