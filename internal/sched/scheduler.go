package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/queue"
)

const (
	reconcileInterval   = time.Minute
	silenthuntInterval  = time.Hour
	expirySweepInterval = time.Minute
)

// Store is the read surface the scheduler needs.
type Store interface {
	GetGame(ctx context.Context, id string) (*game.Game, error)
	ListGamesByStatus(ctx context.Context, status game.Status) ([]*game.Game, error)
	ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error)
	ListBoundaries(ctx context.Context, gameID string) ([]*game.Boundary, error)
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)
	GetRuleDefinition(ctx context.Context, gameID string, t game.RuleType) (*game.RuleDefinition, error)
	LastPingBySource(ctx context.Context, participantID string, source game.PingSource) (*game.Ping, error)
}

// RuleEngine is the rule-engine surface the scheduler needs.
type RuleEngine interface {
	HasActiveProtection(ctx context.Context, participantID string, types ...game.RuleType) (bool, error)
	ExpireStates(ctx context.Context) ([]*game.ParticipantRuleState, error)
}

// StationaryChecker suppresses pings for players inside a private area.
type StationaryChecker interface {
	IsStationary(participantID string) bool
}

// CaptureSweeper expires unresolved captures past their pending TTL.
// Implemented by the capture engine.
type CaptureSweeper interface {
	ExpireStale(ctx context.Context) ([]*game.Capture, error)
}

// PingGenerator materializes pings for the sweeps that bypass the queue.
type PingGenerator interface {
	GeneratePing(ctx context.Context, gameID, participantID string, radiusMeters float64, revealDelay time.Duration, source game.PingSource) (*game.Ping, error)
}

// Enqueuer is the queue surface the scheduler writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// protectionSkips are the rule windows that suppress scheduled pings.
var protectionSkips = []game.RuleType{game.RuleHotelBonus, game.RuleRegeneration}

// JobTypePing is the job type the dispatcher understands.
const JobTypePing = "periodic_ping"

// Scheduler drives the time-based triggers: periodic ping schedules per
// active game, the zone-interval silenthunt sweep, and the rule- and
// capture-expiry sweeps.
type Scheduler struct {
	store      Store
	rules      RuleEngine
	stationary StationaryChecker
	pinger     PingGenerator
	jobs       Enqueuer
	captures   CaptureSweeper
	clock      clock.Clock

	mu        sync.Mutex
	stopped   bool
	schedules map[string]chan struct{} // gameID -> per-game stop channel

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(s Store, r RuleEngine, st StationaryChecker, p PingGenerator, jobs Enqueuer, sweeper CaptureSweeper, c clock.Clock) *Scheduler {
	return &Scheduler{
		store:      s,
		rules:      r,
		stationary: st,
		pinger:     p,
		jobs:       jobs,
		captures:   sweeper,
		clock:      c,
		schedules:  make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the reconcile and sweep loops until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, reconcileInterval, s.Reconcile)
	s.loop(ctx, silenthuntInterval, s.SilenthuntSweep)
	s.loop(ctx, expirySweepInterval, s.ExpirySweep)
	s.loop(ctx, expirySweepInterval, s.CaptureSweep)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pass(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down all loops and per-game schedules. A reconcile pass racing
// with Stop sees the stopped flag and registers nothing new.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	s.stopped = true
	for id, stop := range s.schedules {
		close(stop)
		delete(s.schedules, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Reconcile diffs active games against running schedules, starting a ping
// schedule for every newly active game and tearing down schedules for games
// no longer active.
func (s *Scheduler) Reconcile(ctx context.Context) {
	games, err := s.store.ListGamesByStatus(ctx, game.StatusActive)
	if err != nil {
		slog.Error("schedule reconcile: listing games failed", "error", err)
		return
	}
	active := make(map[string]*game.Game, len(games))
	for _, g := range games {
		active[g.ID] = g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for id, stop := range s.schedules {
		if _, ok := active[id]; !ok {
			close(stop)
			delete(s.schedules, id)
			slog.Info("ping schedule stopped", "game", id)
		}
	}
	for id, g := range active {
		if _, ok := s.schedules[id]; ok {
			continue
		}
		stop := make(chan struct{})
		s.schedules[id] = stop
		s.wg.Add(1)
		go s.runGameSchedule(ctx, g, stop)
		slog.Info("ping schedule started", "game", id, "interval_seconds", g.Config.PingIntervalSeconds)
	}
}

// ScheduledGames returns the ids of games with a running ping schedule.
func (s *Scheduler) ScheduledGames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) runGameSchedule(ctx context.Context, g *game.Game, stop chan struct{}) {
	defer s.wg.Done()
	interval := time.Duration(g.Config.PingIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.EnqueuePeriodicPings(ctx, g.ID)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// EnqueuePeriodicPings enqueues one idempotent ping job per eligible player.
// Night mode, stationary players, and protection holders are skipped.
func (s *Scheduler) EnqueuePeriodicPings(ctx context.Context, gameID string) {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		slog.Error("periodic pings: game lookup failed", "game", gameID, "error", err)
		return
	}
	if !g.IsRunning() {
		return
	}
	now := s.clock.Now()
	if g.Config.InNightMode(now) {
		return
	}
	participants, err := s.store.ListParticipants(ctx, gameID)
	if err != nil {
		slog.Error("periodic pings: listing participants failed", "game", gameID, "error", err)
		return
	}
	tick := now.Unix()
	for _, p := range participants {
		if p.Role == game.RoleHunter || p.Role.IsAdmin() || !p.IsActive() {
			continue
		}
		if s.stationary.IsStationary(p.ID) {
			continue
		}
		protected, err := s.rules.HasActiveProtection(ctx, p.ID, protectionSkips...)
		if err != nil {
			slog.Error("periodic pings: protection check failed", "participant", p.ID, "error", err)
			continue
		}
		if protected {
			continue
		}
		job := queue.Job{
			ID:            fmt.Sprintf("%s:%s:%d", gameID, p.ID, tick),
			Type:          JobTypePing,
			GameID:        gameID,
			ParticipantID: p.ID,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			slog.Error("periodic pings: enqueue failed", "job", job.ID, "error", err)
		}
	}
}

// SilenthuntSweep pings each eligible player whose zone interval has elapsed
// since their last zone-triggered ping. Only games with an enabled
// silenthunt rule participate.
func (s *Scheduler) SilenthuntSweep(ctx context.Context) {
	games, err := s.store.ListGamesByStatus(ctx, game.StatusActive)
	if err != nil {
		slog.Error("silenthunt sweep: listing games failed", "error", err)
		return
	}
	for _, g := range games {
		s.silenthuntGame(ctx, g)
	}
}

func (s *Scheduler) silenthuntGame(ctx context.Context, g *game.Game) {
	def, err := s.store.GetRuleDefinition(ctx, g.ID, game.RuleSilenthunt)
	if err != nil {
		slog.Error("silenthunt sweep: definition lookup failed", "game", g.ID, "error", err)
		return
	}
	if def == nil || !def.Enabled {
		return
	}
	boundaries, err := s.store.ListBoundaries(ctx, g.ID)
	if err != nil {
		slog.Error("silenthunt sweep: listing boundaries failed", "game", g.ID, "error", err)
		return
	}
	regions := game.BoundaryRegions(boundaries)
	participants, err := s.store.ListParticipants(ctx, g.ID)
	if err != nil {
		slog.Error("silenthunt sweep: listing participants failed", "game", g.ID, "error", err)
		return
	}

	now := s.clock.Now()
	for _, p := range participants {
		if p.Role != game.RolePlayer || !p.IsActive() {
			continue
		}
		protected, err := s.rules.HasActiveProtection(ctx, p.ID, protectionSkips...)
		if err != nil {
			slog.Error("silenthunt sweep: protection check failed", "participant", p.ID, "error", err)
			continue
		}
		if protected {
			continue
		}
		pos, err := s.store.LatestPosition(ctx, p.ID)
		if err != nil || pos == nil {
			continue
		}
		interval := zoneInterval(g.Config, regions, pos.Point)
		if interval <= 0 {
			continue
		}
		last, err := s.store.LastPingBySource(ctx, p.ID, game.PingSilenthunt)
		if err != nil {
			slog.Error("silenthunt sweep: last ping lookup failed", "participant", p.ID, "error", err)
			continue
		}
		if last != nil && now.Sub(last.Timestamp) < interval {
			continue
		}
		if _, err := s.pinger.GeneratePing(ctx, g.ID, p.ID, g.Config.PingRadiusMeters, 0, game.PingSilenthunt); err != nil {
			slog.Error("silenthunt sweep: ping failed", "participant", p.ID, "error", err)
		}
	}
}

// ExpirySweep deactivates expired rule windows. An expired hotel bonus
// additionally reveals the participant with an immediate ping.
func (s *Scheduler) ExpirySweep(ctx context.Context) {
	expired, err := s.rules.ExpireStates(ctx)
	if err != nil {
		slog.Error("expiry sweep failed", "error", err)
		return
	}
	for _, st := range expired {
		if st.Type != game.RuleHotelBonus {
			continue
		}
		g, err := s.store.GetGame(ctx, st.GameID)
		if err != nil {
			slog.Error("expiry sweep: game lookup failed", "game", st.GameID, "error", err)
			continue
		}
		if _, err := s.pinger.GeneratePing(ctx, st.GameID, st.ParticipantID, g.Config.PingRadiusMeters, 0, game.PingPeriodic); err != nil {
			slog.Error("expiry sweep: reveal ping failed", "participant", st.ParticipantID, "error", err)
		}
	}
}

// CaptureSweep expires unresolved captures that outlived their pending TTL.
func (s *Scheduler) CaptureSweep(ctx context.Context) {
	if _, err := s.captures.ExpireStale(ctx); err != nil {
		slog.Error("capture sweep failed", "error", err)
	}
}

// zoneInterval maps the player's current zone onto the configured ping
// interval. Players outside every boundary never trigger a zone ping; the
// boundary watcher deals with them instead.
func zoneInterval(cfg game.Config, regions []geo.Region, pt geo.Point) time.Duration {
	switch geo.Classify(regions, pt) {
	case geo.ZoneInnerZone:
		return time.Duration(cfg.InnerZonePingIntervalMinutes) * time.Minute
	case geo.ZoneOuterZone, geo.ZoneGameArea:
		return time.Duration(cfg.OuterZonePingIntervalMinutes) * time.Minute
	default:
		return 0
	}
}
