package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
)

// Store is the read surface shared by the detectors.
type Store interface {
	ListGamesByStatus(ctx context.Context, status game.Status) ([]*game.Game, error)
	ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error)
	ListBoundaries(ctx context.Context, gameID string) ([]*game.Boundary, error)
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)
	ListPositionsSince(ctx context.Context, participantID string, since time.Time) ([]*game.Position, error)
}

// StatusWriter flips participant status on elimination.
type StatusWriter interface {
	UpdateParticipantStatus(ctx context.Context, id string, status game.ParticipantStatus) error
}

const (
	boundaryScanInterval = time.Minute
	warningFraction      = 0.75
	warningCooldown      = 2 * time.Minute
	// While inside, one second of accumulated violation recovers for every
	// three seconds spent inside.
	decayRatio = 3.0
)

// boundaryTimer is the per-participant hysteresis state.
type boundaryTimer struct {
	startedAt     time.Time // start of the current outside stint
	totalSeconds  float64   // folded seconds from earlier stints
	outside       bool
	lastWarningAt time.Time
	lastInsideAt  time.Time // last decay evaluation while inside
}

// ViolationStatus is the query view of a participant's boundary timer.
type ViolationStatus struct {
	Violating    bool    `json:"violating"`
	TotalSeconds float64 `json:"total_seconds"`
	Outside      bool    `json:"outside"`
}

// BoundaryWatcher tracks cumulative time spent outside the game area and
// eliminates players who stay out past the game's limit.
type BoundaryWatcher struct {
	store    Store
	status   StatusWriter
	clock    clock.Clock
	notifier game.Notifier

	mu     sync.Mutex
	timers map[string]*boundaryTimer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBoundaryWatcher creates a boundary watcher.
func NewBoundaryWatcher(s Store, w StatusWriter, c clock.Clock, n game.Notifier) *BoundaryWatcher {
	return &BoundaryWatcher{
		store:    s,
		status:   w,
		clock:    c,
		notifier: n,
		timers:   make(map[string]*boundaryTimer),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (b *BoundaryWatcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(boundaryScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Scan(ctx)
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the scan loop down and waits for it to exit.
func (b *BoundaryWatcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Scan runs one evaluation pass over every active game. Per-participant
// failures are logged and do not abort the pass.
func (b *BoundaryWatcher) Scan(ctx context.Context) {
	games, err := b.store.ListGamesByStatus(ctx, game.StatusActive)
	if err != nil {
		slog.Error("boundary scan: listing games failed", "error", err)
		return
	}
	for _, g := range games {
		b.scanGame(ctx, g)
	}
}

func (b *BoundaryWatcher) scanGame(ctx context.Context, g *game.Game) {
	boundaries, err := b.store.ListBoundaries(ctx, g.ID)
	if err != nil {
		slog.Error("boundary scan: listing boundaries failed", "game", g.ID, "error", err)
		return
	}
	regions := game.BoundaryRegions(boundaries)
	if len(regions) == 0 {
		return
	}
	participants, err := b.store.ListParticipants(ctx, g.ID)
	if err != nil {
		slog.Error("boundary scan: listing participants failed", "game", g.ID, "error", err)
		return
	}

	limit := float64(g.Config.BoundaryViolationLimitSeconds)
	for _, p := range participants {
		if p.Role != game.RolePlayer || !p.IsActive() {
			continue
		}
		pos, err := b.store.LatestPosition(ctx, p.ID)
		if err != nil {
			slog.Error("boundary scan: position lookup failed", "participant", p.ID, "error", err)
			continue
		}
		if pos == nil {
			continue
		}
		b.evaluate(ctx, g, p, geo.InGameArea(regions, pos.Point), limit)
	}
}

func (b *BoundaryWatcher) evaluate(ctx context.Context, g *game.Game, p *game.Participant, inside bool, limit float64) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	tm := b.timers[p.ID]
	if !inside {
		if tm == nil {
			b.timers[p.ID] = &boundaryTimer{startedAt: now, outside: true}
			b.emit(ctx, g.ID, p.ID, game.EventBoundaryViolation, 0, limit)
			return
		}
		if !tm.outside {
			tm.startedAt = now
			tm.outside = true
			b.emit(ctx, g.ID, p.ID, game.EventBoundaryViolation, tm.totalSeconds, limit)
			return
		}
		effective := tm.totalSeconds + now.Sub(tm.startedAt).Seconds()
		if limit > 0 && effective >= limit {
			delete(b.timers, p.ID)
			if err := b.status.UpdateParticipantStatus(ctx, p.ID, game.ParticipantDisqualified); err != nil {
				slog.Error("boundary elimination failed", "participant", p.ID, "error", err)
				return
			}
			b.emit(ctx, g.ID, p.ID, game.EventElimination, effective, limit)
			return
		}
		if limit > 0 && effective >= warningFraction*limit && now.Sub(tm.lastWarningAt) >= warningCooldown {
			tm.lastWarningAt = now
			b.emit(ctx, g.ID, p.ID, game.EventBoundaryWarning, effective, limit)
		}
		return
	}

	if tm == nil {
		return
	}
	if tm.outside {
		tm.totalSeconds += now.Sub(tm.startedAt).Seconds()
		tm.outside = false
		tm.lastInsideAt = now
		return
	}
	tm.totalSeconds -= now.Sub(tm.lastInsideAt).Seconds() / decayRatio
	tm.lastInsideAt = now
	if tm.totalSeconds <= 0 {
		delete(b.timers, p.ID)
	}
}

// Status returns the participant's current violation state.
func (b *BoundaryWatcher) Status(participantID string) ViolationStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	tm := b.timers[participantID]
	if tm == nil {
		return ViolationStatus{}
	}
	total := tm.totalSeconds
	if tm.outside {
		total += b.clock.Now().Sub(tm.startedAt).Seconds()
	}
	return ViolationStatus{Violating: true, TotalSeconds: total, Outside: tm.outside}
}

// Reset clears the participant's timer, for use after an organizer override.
func (b *BoundaryWatcher) Reset(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.timers, participantID)
}

func (b *BoundaryWatcher) emit(ctx context.Context, gameID, participantID string, t game.EventType, seconds, limit float64) {
	b.notifier.Broadcast(ctx, game.NewEvent(gameID, participantID, t, map[string]any{
		"total_seconds": seconds,
		"limit_seconds": limit,
	}))
}
