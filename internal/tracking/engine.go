package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mkoberg/jagdfieber-server/internal/clock"
	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/geo"
	"github.com/mkoberg/jagdfieber-server/internal/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	AppendPosition(ctx context.Context, p *game.Position) error
	LatestPosition(ctx context.Context, participantID string) (*game.Position, error)
	ListPositionsSince(ctx context.Context, participantID string, since time.Time) ([]*game.Position, error)
	CreatePing(ctx context.Context, p *game.Ping) error
	ListPings(ctx context.Context, q store.PingQuery) ([]*game.Ping, error)
	LastPingBySource(ctx context.Context, participantID string, source game.PingSource) (*game.Ping, error)
}

// Engine ingests position reports and materializes pings.
type Engine struct {
	store    Store
	clock    clock.Clock
	notifier game.Notifier
}

// NewEngine creates a tracking engine.
func NewEngine(s Store, c clock.Clock, n game.Notifier) *Engine {
	return &Engine{store: s, clock: c, notifier: n}
}

// PositionReport is one inbound GPS sample.
type PositionReport struct {
	Point          geo.Point
	AccuracyMeters float64
	SpeedKmh       float64
	Heading        float64
	Emergency      bool
	Timestamp      time.Time // zero means "now"
}

// SavePosition appends a position row. Validation is coordinate range only.
func (e *Engine) SavePosition(ctx context.Context, gameID, participantID string, rep PositionReport) (*game.Position, error) {
	if !rep.Point.Valid() {
		return nil, fmt.Errorf("coordinates out of range: %w", game.ErrValidation)
	}
	ts := rep.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	pos := &game.Position{
		ID:             uuid.New().String(),
		GameID:         gameID,
		ParticipantID:  participantID,
		Point:          rep.Point,
		AccuracyMeters: rep.AccuracyMeters,
		SpeedKmh:       rep.SpeedKmh,
		Heading:        rep.Heading,
		Timestamp:      ts,
		Emergency:      rep.Emergency,
	}
	if err := e.store.AppendPosition(ctx, pos); err != nil {
		return nil, err
	}
	if rep.Emergency {
		e.notifier.Broadcast(ctx, game.NewEvent(gameID, participantID, game.EventEmergency, map[string]any{
			"lat": rep.Point.Lat,
			"lng": rep.Point.Lng,
		}))
		slog.Warn("emergency position reported", "game", gameID, "participant", participantID)
	}
	return pos, nil
}

// OverridePosition appends an organizer-supplied position on behalf of a
// participant. The caller is responsible for verifying the actor's role.
func (e *Engine) OverridePosition(ctx context.Context, gameID, participantID, actorID string, pt geo.Point) (*game.Position, error) {
	if !pt.Valid() {
		return nil, fmt.Errorf("coordinates out of range: %w", game.ErrValidation)
	}
	pos := &game.Position{
		ID:            uuid.New().String(),
		GameID:        gameID,
		ParticipantID: participantID,
		Point:         pt,
		Timestamp:     e.clock.Now(),
		Override:      true,
		OverriddenBy:  actorID,
	}
	if err := e.store.AppendPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// LatestPosition returns the participant's most recent position.
func (e *Engine) LatestPosition(ctx context.Context, participantID string) (*game.Position, error) {
	pos, err := e.store.LatestPosition(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("no position for participant %s: %w", participantID, game.ErrNotFound)
	}
	return pos, nil
}

// GeneratePing materializes a ping from the participant's latest position.
// A positive radius obfuscates the revealed location by a uniform offset
// within the radius; a positive reveal delay future-dates RevealedAt.
func (e *Engine) GeneratePing(ctx context.Context, gameID, participantID string, radiusMeters float64, revealDelay time.Duration, source game.PingSource) (*game.Ping, error) {
	pos, err := e.store.LatestPosition(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("no position for participant %s: %w", participantID, game.ErrNotFound)
	}

	now := e.clock.Now()
	revealed := pos.Point
	if radiusMeters > 0 {
		// Uniform sample in the disk: sqrt keeps density even across area.
		dist := radiusMeters * math.Sqrt(rand.Float64())
		bearing := rand.Float64() * 2 * math.Pi
		revealed = geo.Offset(pos.Point, dist, bearing)
	}

	ping := &game.Ping{
		ID:               uuid.New().String(),
		GameID:           gameID,
		ParticipantID:    participantID,
		ActualLocation:   pos.Point,
		RevealedLocation: revealed,
		RadiusMeters:     radiusMeters,
		Timestamp:        now,
		RevealedAt:       now.Add(revealDelay),
		Source:           source,
	}
	if err := e.store.CreatePing(ctx, ping); err != nil {
		return nil, err
	}

	// A future-dated ping is not broadcast-worthy yet; consumers pick it up
	// through VisiblePings once RevealedAt passes.
	if !ping.RevealedAt.After(now) {
		e.notifier.Broadcast(ctx, pingEvent(ping))
	}
	return ping, nil
}

// GenerateFakePing synthesizes a ping at the supplied coordinates. Both the
// actual and revealed locations are the fake point, and it reveals
// immediately. Used exclusively by the fake-ping joker.
func (e *Engine) GenerateFakePing(ctx context.Context, gameID, participantID string, lat, lng float64) (*game.Ping, error) {
	pt := geo.Point{Lat: lat, Lng: lng}
	if !pt.Valid() {
		return nil, fmt.Errorf("coordinates out of range: %w", game.ErrValidation)
	}

	now := e.clock.Now()
	ping := &game.Ping{
		ID:               uuid.New().String(),
		GameID:           gameID,
		ParticipantID:    participantID,
		ActualLocation:   pt,
		RevealedLocation: pt,
		Timestamp:        now,
		RevealedAt:       now,
		Source:           game.PingFake,
		IsFake:           true,
	}
	if err := e.store.CreatePing(ctx, ping); err != nil {
		return nil, err
	}
	e.notifier.Broadcast(ctx, pingEvent(ping))
	return ping, nil
}

// VisiblePings returns the filtered ping history. Non-admin requesters never
// see pings whose reveal time has not passed.
func (e *Engine) VisiblePings(ctx context.Context, q store.PingQuery, requester game.Role) ([]*game.Ping, error) {
	if !requester.IsAdmin() {
		q.RevealedBy = e.clock.Now()
	}
	return e.store.ListPings(ctx, q)
}

func pingEvent(p *game.Ping) game.Event {
	return game.NewEvent(p.GameID, p.ParticipantID, game.EventPing, map[string]any{
		"ping_id":       p.ID,
		"lat":           p.RevealedLocation.Lat,
		"lng":           p.RevealedLocation.Lng,
		"radius_meters": p.RadiusMeters,
		"source":        p.Source.String(),
	})
}
