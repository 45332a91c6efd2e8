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
	proximityScanInterval = 30 * time.Second
	proximityCooldown     = 5 * time.Minute
)

// AlertLevel is a proximity severity tier.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertDanger
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertDanger:
		return "danger"
	default:
		return "none"
	}
}

// ProximityWatcher alerts players when a hunter closes in. Alerts go to the
// affected player only so other players learn nothing about hunter movement.
type ProximityWatcher struct {
	store    Store
	clock    clock.Clock
	notifier game.Notifier

	mu        sync.Mutex
	lastAlert map[string]time.Time // participantID + "/" + level

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProximityWatcher creates a proximity watcher.
func NewProximityWatcher(s Store, c clock.Clock, n game.Notifier) *ProximityWatcher {
	return &ProximityWatcher{
		store:     s,
		clock:     c,
		notifier:  n,
		lastAlert: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (w *ProximityWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(proximityScanInterval)
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
func (w *ProximityWatcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Scan runs one pass over every active game.
func (w *ProximityWatcher) Scan(ctx context.Context) {
	games, err := w.store.ListGamesByStatus(ctx, game.StatusActive)
	if err != nil {
		slog.Error("proximity scan: listing games failed", "error", err)
		return
	}
	for _, g := range games {
		w.scanGame(ctx, g)
	}
}

func (w *ProximityWatcher) scanGame(ctx context.Context, g *game.Game) {
	participants, err := w.store.ListParticipants(ctx, g.ID)
	if err != nil {
		slog.Error("proximity scan: listing participants failed", "game", g.ID, "error", err)
		return
	}

	var hunterPositions []geo.Point
	for _, p := range participants {
		if p.Role != game.RoleHunter || !p.IsActive() {
			continue
		}
		pos, err := w.store.LatestPosition(ctx, p.ID)
		if err != nil {
			slog.Error("proximity scan: hunter position lookup failed", "participant", p.ID, "error", err)
			continue
		}
		if pos != nil {
			hunterPositions = append(hunterPositions, pos.Point)
		}
	}
	if len(hunterPositions) == 0 {
		return
	}

	for _, p := range participants {
		if p.Role != game.RolePlayer || !p.IsActive() {
			continue
		}
		pos, err := w.store.LatestPosition(ctx, p.ID)
		if err != nil {
			slog.Error("proximity scan: player position lookup failed", "participant", p.ID, "error", err)
			continue
		}
		if pos == nil {
			continue
		}

		nearest := geo.Distance(pos.Point, hunterPositions[0])
		for _, hp := range hunterPositions[1:] {
			if d := geo.Distance(pos.Point, hp); d < nearest {
				nearest = d
			}
		}
		w.alert(ctx, g, p, nearest)
	}
}

func (w *ProximityWatcher) alert(ctx context.Context, g *game.Game, p *game.Participant, distance float64) {
	level := AlertNone
	switch {
	case distance <= g.Config.ProximityDangerMeters:
		level = AlertDanger
	case distance <= g.Config.ProximityWarningMeters:
		level = AlertWarning
	default:
		return
	}

	now := w.clock.Now()
	key := p.ID + "/" + level.String()

	w.mu.Lock()
	if last, ok := w.lastAlert[key]; ok && now.Sub(last) < proximityCooldown {
		w.mu.Unlock()
		return
	}
	w.lastAlert[key] = now
	w.mu.Unlock()

	t := game.EventProximityWarning
	if level == AlertDanger {
		t = game.EventProximityDanger
	}
	w.notifier.Notify(ctx, p.ID, game.NewEvent(g.ID, p.ID, t, map[string]any{
		"distance_meters": distance,
		"level":           level.String(),
	}))
}
