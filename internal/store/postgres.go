package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    creator_id TEXT NOT NULL,
    status SMALLINT NOT NULL DEFAULT 0,
    start_time TIMESTAMPTZ,
    end_time TIMESTAMPTZ,
    config JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_games_status ON games(status);

CREATE TABLE IF NOT EXISTS participants (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL REFERENCES games(id),
    user_id TEXT NOT NULL DEFAULT '',
    role SMALLINT NOT NULL,
    status SMALLINT NOT NULL DEFAULT 0,
    display_name TEXT NOT NULL DEFAULT '',
    number INT NOT NULL DEFAULT 0,
    code_seed TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_participants_game ON participants(game_id);

CREATE TABLE IF NOT EXISTS boundaries (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL REFERENCES games(id),
    type SMALLINT NOT NULL,
    polygon JSONB NOT NULL,
    active BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_boundaries_game ON boundaries(game_id);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lng DOUBLE PRECISION NOT NULL,
    accuracy_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    heading DOUBLE PRECISION NOT NULL DEFAULT 0,
    ts TIMESTAMPTZ NOT NULL,
    emergency BOOLEAN NOT NULL DEFAULT false,
    override BOOLEAN NOT NULL DEFAULT false,
    overridden_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_participant_ts ON positions(participant_id, ts DESC);

CREATE TABLE IF NOT EXISTS pings (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    actual_lat DOUBLE PRECISION NOT NULL,
    actual_lng DOUBLE PRECISION NOT NULL,
    revealed_lat DOUBLE PRECISION NOT NULL,
    revealed_lng DOUBLE PRECISION NOT NULL,
    radius_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    ts TIMESTAMPTZ NOT NULL,
    revealed_at TIMESTAMPTZ NOT NULL,
    source SMALLINT NOT NULL DEFAULT 0,
    is_fake BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_pings_game_ts ON pings(game_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_pings_participant_source ON pings(participant_id, source, ts DESC);

CREATE TABLE IF NOT EXISTS captures (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    hunter_id TEXT NOT NULL,
    player_id TEXT NOT NULL,
    status SMALLINT NOT NULL DEFAULT 0,
    distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    photo_ref TEXT NOT NULL DEFAULT '',
    handcuff_photo_ref TEXT NOT NULL DEFAULT '',
    confirmed_by TEXT NOT NULL DEFAULT '',
    initiated_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_captures_game ON captures(game_id);

CREATE TABLE IF NOT EXISTS rule_definitions (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    rule_type SMALLINT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT true,
    action SMALLINT NOT NULL DEFAULT 0,
    config JSONB NOT NULL DEFAULT '{}',
    UNIQUE (game_id, rule_type)
);

CREATE TABLE IF NOT EXISTS participant_rule_states (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    rule_type SMALLINT NOT NULL,
    assigned BOOLEAN NOT NULL DEFAULT false,
    active BOOLEAN NOT NULL DEFAULT false,
    activated_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ,
    usage_count INT NOT NULL DEFAULT 0,
    last_reset_at TIMESTAMPTZ,
    metadata JSONB NOT NULL DEFAULT '{}',
    UNIQUE (participant_id, rule_type)
);
CREATE INDEX IF NOT EXISTS idx_rule_states_active ON participant_rule_states(rule_type) WHERE active;

CREATE TABLE IF NOT EXISTS speedhunt_sessions (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    hunter_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    total_pings INT NOT NULL,
    used_pings INT NOT NULL DEFAULT 0,
    status SMALLINT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_speedhunt_one_active
    ON speedhunt_sessions(hunter_id) WHERE status = 0;
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateGame inserts a game.
func (s *PostgresStore) CreateGame(ctx context.Context, g *game.Game) error {
	cfg, err := json.Marshal(g.Config)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO games (id, name, creator_id, status, start_time, end_time, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.Name, g.CreatorID, int(g.Status), nullTime(g.StartTime), nullTime(g.EndTime), cfg, g.CreatedAt, g.UpdatedAt)
	return err
}

// GetGame looks up a game by ID.
func (s *PostgresStore) GetGame(ctx context.Context, id string) (*game.Game, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, creator_id, status, start_time, end_time, config, created_at, updated_at
		 FROM games WHERE id = $1`, id)
	g, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", id, game.ErrNotFound)
	}
	return g, err
}

// ListGamesByStatus returns all games with the given status.
func (s *PostgresStore) ListGamesByStatus(ctx context.Context, status game.Status) ([]*game.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, creator_id, status, start_time, end_time, config, created_at, updated_at
		 FROM games WHERE status = $1`, int(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGameStatus sets a game's status.
func (s *PostgresStore) UpdateGameStatus(ctx context.Context, id string, status game.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET status = $1, updated_at = NOW() WHERE id = $2`, int(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", id, game.ErrNotFound)
	}
	return nil
}

// CreateParticipant inserts a participant.
func (s *PostgresStore) CreateParticipant(ctx context.Context, p *game.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, game_id, user_id, role, status, display_name, number, code_seed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.GameID, p.UserID, int(p.Role), int(p.Status), p.DisplayName, p.Number, p.CodeSeed, p.CreatedAt)
	return err
}

// GetParticipant looks up a participant by ID.
func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*game.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, user_id, role, status, display_name, number, code_seed, created_at
		 FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, game.ErrNotFound)
	}
	return p, err
}

// ListParticipants returns all participants of a game ordered by number.
func (s *PostgresStore) ListParticipants(ctx context.Context, gameID string) ([]*game.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, user_id, role, status, display_name, number, code_seed, created_at
		 FROM participants WHERE game_id = $1 ORDER BY number`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipantStatus sets a participant's status.
func (s *PostgresStore) UpdateParticipantStatus(ctx context.Context, id string, status game.ParticipantStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET status = $1 WHERE id = $2`, int(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s: %w", id, game.ErrNotFound)
	}
	return nil
}

// OverrideParticipantStatus locks the target row, verifies the actor's admin
// role, then writes, all in one transaction.
func (s *PostgresStore) OverrideParticipantStatus(ctx context.Context, actorID, participantID string, status game.ParticipantStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var targetGameID string
	err = tx.QueryRow(ctx,
		`SELECT game_id FROM participants WHERE id = $1 FOR UPDATE`, participantID).Scan(&targetGameID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("participant %s: %w", participantID, game.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var actorRole int
	var actorGameID string
	err = tx.QueryRow(ctx,
		`SELECT role, game_id FROM participants WHERE id = $1`, actorID).Scan(&actorRole, &actorGameID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("actor %s: %w", actorID, game.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !game.Role(actorRole).IsAdmin() || actorGameID != targetGameID {
		return fmt.Errorf("actor %s may not override participant status: %w", actorID, game.ErrForbidden)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE participants SET status = $1 WHERE id = $2`, int(status), participantID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateBoundary inserts a boundary.
func (s *PostgresStore) CreateBoundary(ctx context.Context, b *game.Boundary) error {
	poly, err := json.Marshal(b.Polygon)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO boundaries (id, game_id, type, polygon, active)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.GameID, int(b.Type), poly, b.Active)
	return err
}

// ListBoundaries returns all boundaries of a game.
func (s *PostgresStore) ListBoundaries(ctx context.Context, gameID string) ([]*game.Boundary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, type, polygon, active FROM boundaries WHERE game_id = $1`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Boundary
	for rows.Next() {
		var b game.Boundary
		var t int
		var poly []byte
		if err := rows.Scan(&b.ID, &b.GameID, &t, &poly, &b.Active); err != nil {
			return nil, err
		}
		b.Type = game.BoundaryType(t)
		if err := json.Unmarshal(poly, &b.Polygon); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// AppendPosition appends to the position log.
func (s *PostgresStore) AppendPosition(ctx context.Context, p *game.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, game_id, participant_id, lat, lng, accuracy_meters, speed_kmh, heading, ts, emergency, override, overridden_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.GameID, p.ParticipantID, p.Point.Lat, p.Point.Lng,
		p.AccuracyMeters, p.SpeedKmh, p.Heading, p.Timestamp, p.Emergency, p.Override, p.OverriddenBy)
	return err
}

// LatestPosition returns the most recent position, or nil.
func (s *PostgresStore) LatestPosition(ctx context.Context, participantID string) (*game.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, participant_id, lat, lng, accuracy_meters, speed_kmh, heading, ts, emergency, override, overridden_by
		 FROM positions WHERE participant_id = $1 ORDER BY ts DESC LIMIT 1`, participantID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPositionsSince returns positions at or after since, oldest first.
func (s *PostgresStore) ListPositionsSince(ctx context.Context, participantID string, since time.Time) ([]*game.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, participant_id, lat, lng, accuracy_meters, speed_kmh, heading, ts, emergency, override, overridden_by
		 FROM positions WHERE participant_id = $1 AND ts >= $2 ORDER BY ts`, participantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePing inserts a ping.
func (s *PostgresStore) CreatePing(ctx context.Context, p *game.Ping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pings (id, game_id, participant_id, actual_lat, actual_lng, revealed_lat, revealed_lng, radius_meters, ts, revealed_at, source, is_fake)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.GameID, p.ParticipantID,
		p.ActualLocation.Lat, p.ActualLocation.Lng,
		p.RevealedLocation.Lat, p.RevealedLocation.Lng,
		p.RadiusMeters, p.Timestamp, p.RevealedAt, int(p.Source), p.IsFake)
	return err
}

// ListPings returns pings matching the query, oldest first.
func (s *PostgresStore) ListPings(ctx context.Context, q PingQuery) ([]*game.Ping, error) {
	sql := `SELECT id, game_id, participant_id, actual_lat, actual_lng, revealed_lat, revealed_lng, radius_meters, ts, revealed_at, source, is_fake
	        FROM pings WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.GameID != "" {
		sql += " AND game_id = " + arg(q.GameID)
	}
	if len(q.ParticipantIDs) > 0 {
		sql += " AND participant_id = ANY(" + arg(q.ParticipantIDs) + ")"
	}
	if len(q.Sources) > 0 {
		srcs := make([]int, len(q.Sources))
		for i, src := range q.Sources {
			srcs[i] = int(src)
		}
		sql += " AND source = ANY(" + arg(srcs) + ")"
	}
	if !q.From.IsZero() {
		sql += " AND ts >= " + arg(q.From)
	}
	if !q.To.IsZero() {
		sql += " AND ts <= " + arg(q.To)
	}
	if !q.IncludeFake {
		sql += " AND NOT is_fake"
	}
	if !q.RevealedBy.IsZero() {
		sql += " AND revealed_at <= " + arg(q.RevealedBy)
	}
	sql += " ORDER BY ts"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Ping
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastPingBySource returns the newest ping of a source for a participant, or nil.
func (s *PostgresStore) LastPingBySource(ctx context.Context, participantID string, source game.PingSource) (*game.Ping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, participant_id, actual_lat, actual_lng, revealed_lat, revealed_lng, radius_meters, ts, revealed_at, source, is_fake
		 FROM pings WHERE participant_id = $1 AND source = $2 ORDER BY ts DESC LIMIT 1`,
		participantID, int(source))
	p, err := scanPing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreateCapture inserts a capture.
func (s *PostgresStore) CreateCapture(ctx context.Context, c *game.Capture) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO captures (id, game_id, hunter_id, player_id, status, distance_meters, photo_ref, handcuff_photo_ref, confirmed_by, initiated_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.GameID, c.HunterID, c.PlayerID, int(c.Status), c.DistanceMeters,
		c.PhotoRef, c.HandcuffPhotoRef, c.ConfirmedBy, c.InitiatedAt, nullTime(c.ResolvedAt))
	return err
}

// GetCapture looks up a capture by ID.
func (s *PostgresStore) GetCapture(ctx context.Context, id string) (*game.Capture, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, hunter_id, player_id, status, distance_meters, photo_ref, handcuff_photo_ref, confirmed_by, initiated_at, resolved_at
		 FROM captures WHERE id = $1`, id)
	c, err := scanCapture(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("capture %s: %w", id, game.ErrNotFound)
	}
	return c, err
}

// UpdateCapture overwrites the mutable capture fields.
func (s *PostgresStore) UpdateCapture(ctx context.Context, c *game.Capture) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE captures SET status = $1, distance_meters = $2, photo_ref = $3, handcuff_photo_ref = $4, confirmed_by = $5, resolved_at = $6
		 WHERE id = $7`,
		int(c.Status), c.DistanceMeters, c.PhotoRef, c.HandcuffPhotoRef, c.ConfirmedBy, nullTime(c.ResolvedAt), c.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s: %w", c.ID, game.ErrNotFound)
	}
	return nil
}

// ListUnresolvedCaptures returns non-terminal captures initiated before the cutoff.
func (s *PostgresStore) ListUnresolvedCaptures(ctx context.Context, before time.Time) ([]*game.Capture, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, hunter_id, player_id, status, distance_meters, photo_ref, handcuff_photo_ref, confirmed_by, initiated_at, resolved_at
		 FROM captures WHERE status IN ($1, $2) AND initiated_at < $3`,
		int(game.CapturePending), int(game.CapturePendingHandcuff), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertRuleDefinition inserts or replaces a rule definition.
func (s *PostgresStore) UpsertRuleDefinition(ctx context.Context, d *game.RuleDefinition) error {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rule_definitions (id, game_id, rule_type, enabled, action, config)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (game_id, rule_type)
		 DO UPDATE SET enabled = EXCLUDED.enabled, action = EXCLUDED.action, config = EXCLUDED.config`,
		d.ID, d.GameID, int(d.Type), d.Enabled, int(d.Action), cfg)
	return err
}

// GetRuleDefinition returns a rule definition, or nil.
func (s *PostgresStore) GetRuleDefinition(ctx context.Context, gameID string, t game.RuleType) (*game.RuleDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, rule_type, enabled, action, config
		 FROM rule_definitions WHERE game_id = $1 AND rule_type = $2`, gameID, int(t))

	var d game.RuleDefinition
	var rt, action int
	var cfg []byte
	err := row.Scan(&d.ID, &d.GameID, &rt, &d.Enabled, &action, &cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Type = game.RuleType(rt)
	d.Action = game.RuleAction(action)
	if err := json.Unmarshal(cfg, &d.Config); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetRuleState returns a participant's rule state, or nil.
func (s *PostgresStore) GetRuleState(ctx context.Context, participantID string, t game.RuleType) (*game.ParticipantRuleState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, participant_id, rule_type, assigned, active, activated_at, expires_at, usage_count, last_reset_at, metadata
		 FROM participant_rule_states WHERE participant_id = $1 AND rule_type = $2`,
		participantID, int(t))
	st, err := scanRuleState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// SaveRuleState inserts or replaces a rule state row.
func (s *PostgresStore) SaveRuleState(ctx context.Context, st *game.ParticipantRuleState) error {
	meta, err := json.Marshal(st.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO participant_rule_states (id, game_id, participant_id, rule_type, assigned, active, activated_at, expires_at, usage_count, last_reset_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (participant_id, rule_type)
		 DO UPDATE SET assigned = EXCLUDED.assigned, active = EXCLUDED.active,
		               activated_at = EXCLUDED.activated_at, expires_at = EXCLUDED.expires_at,
		               usage_count = EXCLUDED.usage_count, last_reset_at = EXCLUDED.last_reset_at,
		               metadata = EXCLUDED.metadata`,
		st.ID, st.GameID, st.ParticipantID, int(st.Type), st.Assigned, st.Active,
		nullTime(st.ActivatedAt), nullTime(st.ExpiresAt), st.UsageCount, nullTime(st.LastResetAt), meta)
	return err
}

// ActivateOneTime consumes a one-time joker with a single conditional update.
func (s *PostgresStore) ActivateOneTime(ctx context.Context, participantID string, t game.RuleType, activatedAt, expiresAt time.Time, metadata map[string]string) (bool, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return false, err
	}
	if metadata == nil {
		meta = []byte(`{}`)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE participant_rule_states
		 SET active = true, activated_at = $1, expires_at = $2, usage_count = 1,
		     metadata = CASE WHEN $3::jsonb = '{}'::jsonb THEN metadata ELSE $3::jsonb END
		 WHERE participant_id = $4 AND rule_type = $5 AND assigned AND usage_count = 0`,
		activatedAt, nullTime(expiresAt), meta, participantID, int(t))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListActiveRuleStates returns active states of a type, optionally scoped to a game.
func (s *PostgresStore) ListActiveRuleStates(ctx context.Context, gameID string, t game.RuleType) ([]*game.ParticipantRuleState, error) {
	sql := `SELECT id, game_id, participant_id, rule_type, assigned, active, activated_at, expires_at, usage_count, last_reset_at, metadata
	        FROM participant_rule_states WHERE rule_type = $1 AND active`
	args := []any{int(t)}
	if gameID != "" {
		sql += " AND game_id = $2"
		args = append(args, gameID)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.ParticipantRuleState
	for rows.Next() {
		st, err := scanRuleState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListExpiredRuleStates returns active states whose window has passed.
func (s *PostgresStore) ListExpiredRuleStates(ctx context.Context, now time.Time) ([]*game.ParticipantRuleState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, participant_id, rule_type, assigned, active, activated_at, expires_at, usage_count, last_reset_at, metadata
		 FROM participant_rule_states WHERE active AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.ParticipantRuleState
	for rows.Next() {
		st, err := scanRuleState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeactivateRuleState clears the active flag of a state row.
func (s *PostgresStore) DeactivateRuleState(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participant_rule_states SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule state %s: %w", id, game.ErrNotFound)
	}
	return nil
}

// CreateSpeedhuntSession inserts a session. The partial unique index on
// (hunter_id) WHERE active maps a second active session onto ErrConflict.
func (s *PostgresStore) CreateSpeedhuntSession(ctx context.Context, sess *game.SpeedhuntSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO speedhunt_sessions (id, game_id, hunter_id, target_id, total_pings, used_pings, status, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.GameID, sess.HunterID, sess.TargetID, sess.TotalPings, sess.UsedPings,
		int(sess.Status), sess.StartedAt, nullTime(sess.CompletedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("hunter %s already has an active speedhunt: %w", sess.HunterID, game.ErrConflict)
	}
	return err
}

// ActiveSpeedhunt returns the hunter's active session, or nil.
func (s *PostgresStore) ActiveSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, hunter_id, target_id, total_pings, used_pings, status, started_at, completed_at
		 FROM speedhunt_sessions WHERE hunter_id = $1 AND status = $2`,
		hunterID, int(game.SpeedhuntActive))
	sess, err := scanSpeedhunt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// UpdateSpeedhuntSession overwrites the mutable session fields.
func (s *PostgresStore) UpdateSpeedhuntSession(ctx context.Context, sess *game.SpeedhuntSession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE speedhunt_sessions SET used_pings = $1, status = $2, completed_at = $3 WHERE id = $4`,
		sess.UsedPings, int(sess.Status), nullTime(sess.CompletedAt), sess.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("speedhunt session %s: %w", sess.ID, game.ErrNotFound)
	}
	return nil
}

// ConsumeSpeedhuntPing atomically spends one ping of a session, guarded
// against over-spending by the conditional update. Returns the post-increment
// session, or nil when the budget was already exhausted.
func (s *PostgresStore) ConsumeSpeedhuntPing(ctx context.Context, id string) (*game.SpeedhuntSession, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE speedhunt_sessions SET used_pings = used_pings + 1
		 WHERE id = $1 AND used_pings < total_pings
		 RETURNING id, game_id, hunter_id, target_id, total_pings, used_pings, status, started_at, completed_at`,
		id)
	sess, err := scanSpeedhunt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// CountSpeedhuntsSince counts the hunter's sessions started at or after since.
func (s *PostgresStore) CountSpeedhuntsSince(ctx context.Context, hunterID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM speedhunt_sessions WHERE hunter_id = $1 AND started_at >= $2`,
		hunterID, since).Scan(&count)
	return count, err
}

// LastCompletedSpeedhunt returns the hunter's most recently completed session, or nil.
func (s *PostgresStore) LastCompletedSpeedhunt(ctx context.Context, hunterID string) (*game.SpeedhuntSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, game_id, hunter_id, target_id, total_pings, used_pings, status, started_at, completed_at
		 FROM speedhunt_sessions WHERE hunter_id = $1 AND status = $2 ORDER BY completed_at DESC LIMIT 1`,
		hunterID, int(game.SpeedhuntCompleted))
	sess, err := scanSpeedhunt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func scanGame(row pgx.Row) (*game.Game, error) {
	var g game.Game
	var status int
	var start, end *time.Time
	var cfg []byte
	err := row.Scan(&g.ID, &g.Name, &g.CreatorID, &status, &start, &end, &cfg, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = game.Status(status)
	g.StartTime = derefTime(start)
	g.EndTime = derefTime(end)
	if err := json.Unmarshal(cfg, &g.Config); err != nil {
		return nil, err
	}
	return &g, nil
}

func scanParticipant(row pgx.Row) (*game.Participant, error) {
	var p game.Participant
	var role, status int
	err := row.Scan(&p.ID, &p.GameID, &p.UserID, &role, &status, &p.DisplayName, &p.Number, &p.CodeSeed, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Role = game.Role(role)
	p.Status = game.ParticipantStatus(status)
	return &p, nil
}

func scanPosition(row pgx.Row) (*game.Position, error) {
	var p game.Position
	err := row.Scan(&p.ID, &p.GameID, &p.ParticipantID, &p.Point.Lat, &p.Point.Lng,
		&p.AccuracyMeters, &p.SpeedKmh, &p.Heading, &p.Timestamp, &p.Emergency, &p.Override, &p.OverriddenBy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPing(row pgx.Row) (*game.Ping, error) {
	var p game.Ping
	var source int
	err := row.Scan(&p.ID, &p.GameID, &p.ParticipantID,
		&p.ActualLocation.Lat, &p.ActualLocation.Lng,
		&p.RevealedLocation.Lat, &p.RevealedLocation.Lng,
		&p.RadiusMeters, &p.Timestamp, &p.RevealedAt, &source, &p.IsFake)
	if err != nil {
		return nil, err
	}
	p.Source = game.PingSource(source)
	return &p, nil
}

func scanCapture(row pgx.Row) (*game.Capture, error) {
	var c game.Capture
	var status int
	var resolved *time.Time
	err := row.Scan(&c.ID, &c.GameID, &c.HunterID, &c.PlayerID, &status, &c.DistanceMeters,
		&c.PhotoRef, &c.HandcuffPhotoRef, &c.ConfirmedBy, &c.InitiatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	c.Status = game.CaptureStatus(status)
	c.ResolvedAt = derefTime(resolved)
	return &c, nil
}

func scanRuleState(row pgx.Row) (*game.ParticipantRuleState, error) {
	var st game.ParticipantRuleState
	var rt int
	var activated, expires, reset *time.Time
	var meta []byte
	err := row.Scan(&st.ID, &st.GameID, &st.ParticipantID, &rt, &st.Assigned, &st.Active,
		&activated, &expires, &st.UsageCount, &reset, &meta)
	if err != nil {
		return nil, err
	}
	st.Type = game.RuleType(rt)
	st.ActivatedAt = derefTime(activated)
	st.ExpiresAt = derefTime(expires)
	st.LastResetAt = derefTime(reset)
	if err := json.Unmarshal(meta, &st.Metadata); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanSpeedhunt(row pgx.Row) (*game.SpeedhuntSession, error) {
	var sess game.SpeedhuntSession
	var status int
	var completed *time.Time
	err := row.Scan(&sess.ID, &sess.GameID, &sess.HunterID, &sess.TargetID,
		&sess.TotalPings, &sess.UsedPings, &status, &sess.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	sess.Status = game.SpeedhuntStatus(status)
	sess.CompletedAt = derefTime(completed)
	return &sess, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
