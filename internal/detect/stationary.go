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

const (
	stationaryScanInterval = 5 * time.Minute
	stationaryWindow       = 30 * time.Minute
	stationaryMinSamples   = 3
	// movementThresholdMeters is the maximum displacement from the window's
	// first sample for a player to count as stationary.
	movementThresholdMeters = 50.0
)

// StationaryWatcher flags players who stop moving, marking them as inside a
// private area. Transitions are edge-triggered.
type StationaryWatcher struct {
	store    Store
	clock    clock.Clock
	notifier game.Notifier

	mu    sync.Mutex
	since map[string]time.Time // participantID -> stationary since

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStationaryWatcher creates a stationary watcher.
func NewStationaryWatcher(s Store, c clock.Clock, n game.Notifier) *StationaryWatcher {
	return &StationaryWatcher{
		store:    s,
		clock:    c,
		notifier: n,
		since:    make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (w *StationaryWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(stationaryScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Scan(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the scan loop down and waits for it to exit.
func (w *StationaryWatcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Scan runs one pass over every active game.
func (w *StationaryWatcher) Scan(ctx context.Context) {
	games, err := w.store.ListGamesByStatus(ctx, game.StatusActive)
	if err != nil {
		slog.Error("stationary scan: listing games failed", "error", err)
		return
	}
	for _, g := range games {
		w.scanGame(ctx, g)
	}
}

func (w *StationaryWatcher) scanGame(ctx context.Context, g *game.Game) {
	participants, err := w.store.ListParticipants(ctx, g.ID)
	if err != nil {
		slog.Error("stationary scan: listing participants failed", "game", g.ID, "error", err)
		return
	}
	now := w.clock.Now()
	for _, p := range participants {
		if p.Role != game.RolePlayer || !p.IsActive() {
			continue
		}
		positions, err := w.store.ListPositionsSince(ctx, p.ID, now.Add(-stationaryWindow))
		if err != nil {
			slog.Error("stationary scan: position lookup failed", "participant", p.ID, "error", err)
			continue
		}
		if len(positions) < stationaryMinSamples {
			continue
		}

		first := positions[0].Point
		var maxDisplacement float64
		for _, pos := range positions[1:] {
			if d := geo.Distance(first, pos.Point); d > maxDisplacement {
				maxDisplacement = d
			}
		}
		w.transition(ctx, g.ID, p.ID, maxDisplacement < movementThresholdMeters, now)
	}
}

func (w *StationaryWatcher) transition(ctx context.Context, gameID, participantID string, stationary bool, now time.Time) {
	w.mu.Lock()
	since, wasStationary := w.since[participantID]
	switch {
	case stationary && !wasStationary:
		w.since[participantID] = now
	case !stationary && wasStationary:
		delete(w.since, participantID)
	default:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if stationary {
		w.notifier.Broadcast(ctx, game.NewEvent(gameID, participantID, game.EventStationaryEnter, nil))
		return
	}
	w.notifier.Broadcast(ctx, game.NewEvent(gameID, participantID, game.EventStationaryLeave, map[string]any{
		"stationary_seconds": now.Sub(since).Seconds(),
	}))
}

// IsStationary reports whether the player is currently flagged stationary.
// The scheduler uses this to suppress periodic pings in private areas.
func (w *StationaryWatcher) IsStationary(participantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.since[participantID]
	return ok
}
