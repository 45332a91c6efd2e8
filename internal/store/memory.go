package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

// MemoryStore is a mutex-guarded in-memory Store. It mirrors the Postgres
// semantics (conditional one-time activation, role-checked overrides) and
// backs the engine unit tests.
type MemoryStore struct {
	mu           sync.RWMutex
	games        map[string]*game.Game
	participants map[string]*game.Participant
	boundaries   map[string][]*game.Boundary // gameID -> boundaries
	positions    map[string][]*game.Position // participantID -> append-only log
	pings        []*game.Ping
	captures     map[string]*game.Capture
	ruleDefs     map[string]*game.RuleDefinition       // gameID + "/" + type
	ruleStates   map[string]*game.ParticipantRuleState // participantID + "/" + type
	sessions     map[string]*game.SpeedhuntSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:        make(map[string]*game.Game),
		participants: make(map[string]*game.Participant),
		boundaries:   make(map[string][]*game.Boundary),
		positions:    make(map[string][]*game.Position),
		captures:     make(map[string]*game.Capture),
		ruleDefs:     make(map[string]*game.RuleDefinition),
		ruleStates:   make(map[string]*game.ParticipantRuleState),
		sessions:     make(map[string]*game.SpeedhuntSession),
	}
}

func stateKey(participantID string, t game.RuleType) string {
	return participantID + "/" + t.String()
}

// CreateGame stores a game.
func (m *MemoryStore) CreateGame(_ context.Context, g *game.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.games[g.ID] = &cp
	return nil
}

// GetGame returns a game or game.ErrNotFound.
func (m *MemoryStore) GetGame(_ context.Context, id string) (*game.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, game.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

// ListGamesByStatus returns all games with the given status.
func (m *MemoryStore) ListGamesByStatus(_ context.Context, status game.Status) ([]*game.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.Game
	for _, g := range m.games {
		if g.Status == status {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateGameStatus sets a game's status.
func (m *MemoryStore) UpdateGameStatus(_ context.Context, id string, status game.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return fmt.Errorf("game %s: %w", id, game.ErrNotFound)
	}
	g.Status = status
	g.UpdatedAt = time.Now()
	return nil
}

// CreateParticipant stores a participant.
func (m *MemoryStore) CreateParticipant(_ context.Context, p *game.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

// GetParticipant returns a participant or game.ErrNotFound.
func (m *MemoryStore) GetParticipant(_ context.Context, id string) (*game.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, game.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListParticipants returns all participants of a game.
func (m *MemoryStore) ListParticipants(_ context.Context, gameID string) ([]*game.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.Participant
	for _, p := range m.participants {
		if p.GameID == gameID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// UpdateParticipantStatus sets a participant's status.
func (m *MemoryStore) UpdateParticipantStatus(_ context.Context, id string, status game.ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, game.ErrNotFound)
	}
	p.Status = status
	return nil
}

// OverrideParticipantStatus verifies the actor's admin role under the write
// lock before mutating.
func (m *MemoryStore) OverrideParticipantStatus(_ context.Context, actorID, participantID string, status game.ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.participants[actorID]
	if !ok {
		return fmt.Errorf("actor %s: %w", actorID, game.ErrNotFound)
	}
	p, ok := m.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s: %w", participantID, game.ErrNotFound)
	}
	if !actor.Role.IsAdmin() || actor.GameID != p.GameID {
		return fmt.Errorf("actor %s may not override participant status: %w", actorID, game.ErrForbidden)
	}
	p.Status = status
	return nil
}

// CreateBoundary stores a boundary.
func (m *MemoryStore) CreateBoundary(_ context.Context, b *game.Boundary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.boundaries[b.GameID] = append(m.boundaries[b.GameID], &cp)
	return nil
}

// ListBoundaries returns all boundaries of a game.
func (m *MemoryStore) ListBoundaries(_ context.Context, gameID string) ([]*game.Boundary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.boundaries[gameID]
	out := make([]*game.Boundary, 0, len(bs))
	for _, b := range bs {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// AppendPosition appends to the position log.
func (m *MemoryStore) AppendPosition(_ context.Context, p *game.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.positions[p.ParticipantID] = append(m.positions[p.ParticipantID], &cp)
	return nil
}

// LatestPosition returns the most recent position, or nil.
func (m *MemoryStore) LatestPosition(_ context.Context, participantID string) (*game.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.positions[participantID]
	if len(log) == 0 {
		return nil, nil
	}
	latest := log[0]
	for _, p := range log[1:] {
		if p.Timestamp.After(latest.Timestamp) {
			latest = p
		}
	}
	cp := *latest
	return &cp, nil
}

// ListPositionsSince returns positions at or after since, oldest first.
func (m *MemoryStore) ListPositionsSince(_ context.Context, participantID string, since time.Time) ([]*game.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.Position
	for _, p := range m.positions[participantID] {
		if !p.Timestamp.Before(since) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CreatePing appends a ping.
func (m *MemoryStore) CreatePing(_ context.Context, p *game.Ping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pings = append(m.pings, &cp)
	return nil
}

// ListPings returns pings matching the query, oldest first.
func (m *MemoryStore) ListPings(_ context.Context, q PingQuery) ([]*game.Ping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.Ping
	for _, p := range m.pings {
		if matchPing(p, q) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func matchPing(p *game.Ping, q PingQuery) bool {
	if q.GameID != "" && p.GameID != q.GameID {
		return false
	}
	if len(q.ParticipantIDs) > 0 && !containsString(q.ParticipantIDs, p.ParticipantID) {
		return false
	}
	if len(q.Sources) > 0 && !containsSource(q.Sources, p.Source) {
		return false
	}
	if !q.From.IsZero() && p.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && p.Timestamp.After(q.To) {
		return false
	}
	if !q.IncludeFake && p.IsFake {
		return false
	}
	if !q.RevealedBy.IsZero() && p.RevealedAt.After(q.RevealedBy) {
		return false
	}
	return true
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsSource(set []game.PingSource, s game.PingSource) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// LastPingBySource returns the newest ping of a source for a participant, or nil.
func (m *MemoryStore) LastPingBySource(_ context.Context, participantID string, source game.PingSource) (*game.Ping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *game.Ping
	for _, p := range m.pings {
		if p.ParticipantID != participantID || p.Source != source {
			continue
		}
		if last == nil || p.Timestamp.After(last.Timestamp) {
			last = p
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// CreateCapture stores a capture.
func (m *MemoryStore) CreateCapture(_ context.Context, c *game.Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.captures[c.ID] = &cp
	return nil
}

// GetCapture returns a capture or game.ErrNotFound.
func (m *MemoryStore) GetCapture(_ context.Context, id string) (*game.Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captures[id]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", id, game.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// UpdateCapture overwrites a capture row.
func (m *MemoryStore) UpdateCapture(_ context.Context, c *game.Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.captures[c.ID]; !ok {
		return fmt.Errorf("capture %s: %w", c.ID, game.ErrNotFound)
	}
	cp := *c
	m.captures[c.ID] = &cp
	return nil
}

// ListUnresolvedCaptures returns non-terminal captures initiated before the cutoff.
func (m *MemoryStore) ListUnresolvedCaptures(_ context.Context, before time.Time) ([]*game.Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.Capture
	for _, c := range m.captures {
		if !c.Status.Terminal() && c.InitiatedAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpsertRuleDefinition stores or replaces a rule definition.
func (m *MemoryStore) UpsertRuleDefinition(_ context.Context, d *game.RuleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.ruleDefs[d.GameID+"/"+d.Type.String()] = &cp
	return nil
}

// GetRuleDefinition returns a rule definition, or nil.
func (m *MemoryStore) GetRuleDefinition(_ context.Context, gameID string, t game.RuleType) (*game.RuleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.ruleDefs[gameID+"/"+t.String()]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// GetRuleState returns a participant's rule state, or nil.
func (m *MemoryStore) GetRuleState(_ context.Context, participantID string, t game.RuleType) (*game.ParticipantRuleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ruleStates[stateKey(participantID, t)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// SaveRuleState stores or replaces a rule state.
func (m *MemoryStore) SaveRuleState(_ context.Context, s *game.ParticipantRuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.ruleStates[stateKey(s.ParticipantID, s.Type)] = &cp
	return nil
}

// ActivateOneTime consumes a one-time joker in a single check-then-set under
// the store lock. Returns false without changes when the state is missing,
// unassigned, or already used.
func (m *MemoryStore) ActivateOneTime(_ context.Context, participantID string, t game.RuleType, activatedAt, expiresAt time.Time, metadata map[string]string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ruleStates[stateKey(participantID, t)]
	if !ok || !s.Assigned || s.UsageCount != 0 {
		return false, nil
	}
	s.Active = true
	s.ActivatedAt = activatedAt
	s.ExpiresAt = expiresAt
	s.UsageCount = 1
	if metadata != nil {
		s.Metadata = metadata
	}
	return true, nil
}

// ListActiveRuleStates returns active states of a type, optionally scoped to a game.
func (m *MemoryStore) ListActiveRuleStates(_ context.Context, gameID string, t game.RuleType) ([]*game.ParticipantRuleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.ParticipantRuleState
	for _, s := range m.ruleStates {
		if s.Type != t || !s.Active {
			continue
		}
		if gameID != "" && s.GameID != gameID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// ListExpiredRuleStates returns active states whose window has passed.
func (m *MemoryStore) ListExpiredRuleStates(_ context.Context, now time.Time) ([]*game.ParticipantRuleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*game.ParticipantRuleState
	for _, s := range m.ruleStates {
		if s.Active && !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeactivateRuleState clears the active flag of a state row.
func (m *MemoryStore) DeactivateRuleState(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.ruleStates {
		if s.ID == id {
			s.Active = false
			return nil
		}
	}
	return fmt.Errorf("rule state %s: %w", id, game.ErrNotFound)
}

// CreateSpeedhuntSession stores a session, rejecting a second active session
// for the same hunter.
func (m *MemoryStore) CreateSpeedhuntSession(_ context.Context, s *game.SpeedhuntSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.HunterID == s.HunterID && existing.Status == game.SpeedhuntActive {
			return fmt.Errorf("hunter %s already has an active speedhunt: %w", s.HunterID, game.ErrConflict)
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// ActiveSpeedhunt returns the hunter's active session, or nil.
func (m *MemoryStore) ActiveSpeedhunt(_ context.Context, hunterID string) (*game.SpeedhuntSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.HunterID == hunterID && s.Status == game.SpeedhuntActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// UpdateSpeedhuntSession overwrites a session row.
func (m *MemoryStore) UpdateSpeedhuntSession(_ context.Context, s *game.SpeedhuntSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("speedhunt session %s: %w", s.ID, game.ErrNotFound)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// ConsumeSpeedhuntPing atomically spends one ping of a session. Returns the
// post-increment session, or nil when the budget was already exhausted.
func (m *MemoryStore) ConsumeSpeedhuntPing(_ context.Context, id string) (*game.SpeedhuntSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("speedhunt session %s: %w", id, game.ErrNotFound)
	}
	if s.UsedPings >= s.TotalPings {
		return nil, nil
	}
	s.UsedPings++
	cp := *s
	return &cp, nil
}

// CountSpeedhuntsSince counts the hunter's sessions started at or after since.
func (m *MemoryStore) CountSpeedhuntsSince(_ context.Context, hunterID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.HunterID == hunterID && !s.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// LastCompletedSpeedhunt returns the hunter's most recently completed session, or nil.
func (m *MemoryStore) LastCompletedSpeedhunt(_ context.Context, hunterID string) (*game.SpeedhuntSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *game.SpeedhuntSession
	for _, s := range m.sessions {
		if s.HunterID != hunterID || s.Status != game.SpeedhuntCompleted {
			continue
		}
		if last == nil || s.CompletedAt.After(last.CompletedAt) {
			last = s
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
