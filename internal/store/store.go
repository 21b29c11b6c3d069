// Package store implements the durable position store: a sqlite-backed
// table of positions plus the in-memory index set every other package
// queries through (by actor, by token, open, closed). Index updates are
// atomic with the position write; every accessor hands out clones.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
)

// EventKind identifies what changed about a position.
type EventKind string

const (
	EventPositionUpdate EventKind = "position_update"
	EventPriceUpdate    EventKind = "price_update"
)

// Event is published on every state transition the store accepts, so the
// dashboard's websocket hub can fan out the same changes without polling
// the store. The TUI does not subscribe; it reads ListOpen on each refresh.
type Event struct {
	Kind     EventKind
	Position *domain.Position
}

// Stats is the aggregate view returned by Stats().
type Stats struct {
	OpenCount   int
	ClosedCount int
	TotalPnL    float64
	WinCount    int
	LossCount   int
	WinRatePct  float64
}

// Query filters ListClosed results by actor, token, status, [from,to]
// date range on createdAt, [min,max] on realizedPnL, tag intersection,
// and limit/offset pagination. Zero-valued fields are unfiltered;
// MinPnL/MaxPnL are pointers so that 0 is a meaningful bound.
type Query struct {
	AgentID ActorFilter
	TokenID TokenFilter
	Status  domain.PositionStatus
	From    time.Time
	To      time.Time
	MinPnL  *float64
	MaxPnL  *float64
	Tags    []string
	Limit   int
	Offset  int
}

type ActorFilter = string
type TokenFilter = string

// Store is the durable position table plus its in-memory indices.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	byID    map[domain.PositionId]*domain.Position
	byAgent map[domain.ActorId]map[domain.PositionId]struct{}
	byToken map[domain.TokenId]map[domain.PositionId]struct{}
	open    map[domain.PositionId]struct{}
	closed  map[domain.PositionId]struct{}

	subMu sync.Mutex
	subs  []chan Event
}

// New opens (creating if absent) the sqlite-backed store at path and
// rehydrates its in-memory indices from the positions table.
func New(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Store, err)
	}

	if err := createSchema(db); err != nil {
		return nil, engineerr.Wrap(engineerr.Store, err)
	}

	s := &Store{
		db:      db,
		byID:    make(map[domain.PositionId]*domain.Position),
		byAgent: make(map[domain.ActorId]map[domain.PositionId]struct{}),
		byToken: make(map[domain.TokenId]map[domain.PositionId]struct{}),
		open:    make(map[domain.PositionId]struct{}),
		closed:  make(map[domain.PositionId]struct{}),
	}

	if err := s.rehydrate(); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Int("positions", len(s.byID)).Msg("position store initialized")
	return s, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		token_mint TEXT NOT NULL,
		status TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_agent ON positions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_positions_token ON positions(token_mint);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions(opened_at);
	`
	_, err := db.Exec(schema)
	return err
}

// retentionPeriod is the position TTL: closed/failed positions older than
// this are dropped at rehydrate time and by the periodic sweep
// RunRetentionSweep runs.
const retentionPeriod = 90 * 24 * time.Hour

func (s *Store) rehydrate() error {
	rows, err := s.db.Query(`SELECT payload FROM positions`)
	if err != nil {
		return engineerr.Wrap(engineerr.Store, err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.PositionId

	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return engineerr.Wrap(engineerr.Store, err)
		}
		var p domain.Position
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			log.Warn().Err(err).Msg("dropping corrupt position row")
			continue
		}
		if p.Status != domain.StatusOpen && time.Since(p.OpenedAt) > retentionPeriod {
			stale = append(stale, p.ID)
			continue
		}
		s.indexLocked(&p)
	}
	if err := rows.Err(); err != nil {
		return engineerr.Wrap(engineerr.Store, err)
	}

	for _, id := range stale {
		s.deleteLocked(id)
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("swept positions past 90-day retention")
	}
	return nil
}

// SweepExpired deletes closed/failed positions older than retentionPeriod
// from the in-memory index and sqlite. It returns the number removed.
// RunRetentionSweep below calls this on an hourly ticker.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.PositionId
	for id, p := range s.byID {
		if p.Status != domain.StatusOpen && time.Since(p.OpenedAt) > retentionPeriod {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.deleteLocked(id)
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("swept positions past 90-day retention")
	}
	return len(stale)
}

// RunRetentionSweep runs SweepExpired once an hour until ctx is canceled.
func (s *Store) RunRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

func (s *Store) indexLocked(p *domain.Position) {
	s.byID[p.ID] = p
	if s.byAgent[p.AgentID] == nil {
		s.byAgent[p.AgentID] = make(map[domain.PositionId]struct{})
	}
	s.byAgent[p.AgentID][p.ID] = struct{}{}
	if s.byToken[p.TokenMint] == nil {
		s.byToken[p.TokenMint] = make(map[domain.PositionId]struct{})
	}
	s.byToken[p.TokenMint][p.ID] = struct{}{}

	delete(s.open, p.ID)
	delete(s.closed, p.ID)
	switch p.Status {
	case domain.StatusOpen:
		s.open[p.ID] = struct{}{}
	case domain.StatusClosed, domain.StatusFailed:
		s.closed[p.ID] = struct{}{}
	}
}

func (s *Store) deleteLocked(id domain.PositionId) {
	p, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.open, id)
	delete(s.closed, id)
	if m := s.byAgent[p.AgentID]; m != nil {
		delete(m, id)
	}
	if m := s.byToken[p.TokenMint]; m != nil {
		delete(m, id)
	}
	if _, err := s.db.Exec(`DELETE FROM positions WHERE id = ?`, id); err != nil {
		log.Error().Err(err).Str("position", id).Msg("failed to delete position row")
	}
}

// Subscribe returns a channel that receives every Event the store emits.
// The channel is buffered; a slow subscriber drops events rather than
// blocking the caller that mutated the store.
func (s *Store) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Msg("store subscriber channel full, dropping event")
		}
	}
}

func (s *Store) persist(p *domain.Position) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return engineerr.Wrap(engineerr.Store, err)
	}
	return engineerr.Retry(context.Background(), func(ctx context.Context) error {
		_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, agent_id, token_mint, status, opened_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id=excluded.agent_id, token_mint=excluded.token_mint,
			status=excluded.status, updated_at=excluded.updated_at, payload=excluded.payload`,
			p.ID, p.AgentID, p.TokenMint, p.Status, p.OpenedAt.Unix(), p.UpdatedAt.Unix(), string(blob))
		return engineerr.Wrap(engineerr.Store, execErr)
	}, 3, 50*time.Millisecond)
}

// CreateOpen inserts a new open position. At most one open position may
// exist per (agentId, tokenMint) pair; the executor varies agentId when
// additional entries are allowed.
func (s *Store) CreateOpen(ctx context.Context, p *domain.Position) error {
	if p.Status != domain.StatusOpen {
		return engineerr.Wrap(engineerr.Validation, fmt.Errorf("CreateOpen requires status open, got %q", p.Status))
	}

	s.mu.Lock()
	for id := range s.byAgent[p.AgentID] {
		existing := s.byID[id]
		if existing != nil && existing.TokenMint == p.TokenMint {
			if _, stillOpen := s.open[id]; stillOpen {
				s.mu.Unlock()
				return engineerr.Wrap(engineerr.Validation,
					fmt.Errorf("open position already exists for agent %q token %q", p.AgentID, p.TokenMint))
			}
		}
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.indexLocked(p)
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		return err
	}
	s.publish(Event{Kind: EventPositionUpdate, Position: p.Clone()})
	return nil
}

// Get returns a clone of the position with the given id, or nil.
func (s *Store) Get(id domain.PositionId) *domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

// GetByActor returns clones of every position belonging to agentID,
// newest first, optionally narrowed to the given statuses.
func (s *Store) GetByActor(agentID domain.ActorId, statuses ...domain.PositionStatus) []*domain.Position {
	s.mu.RLock()
	out := make([]*domain.Position, 0, len(s.byAgent[agentID]))
	for id := range s.byAgent[agentID] {
		if p := s.byID[id]; matchesStatus(p, statuses) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// GetByToken returns clones of every position opened against tokenMint,
// newest first, optionally narrowed to the given statuses.
func (s *Store) GetByToken(tokenMint domain.TokenId, statuses ...domain.PositionStatus) []*domain.Position {
	s.mu.RLock()
	out := make([]*domain.Position, 0, len(s.byToken[tokenMint]))
	for id := range s.byToken[tokenMint] {
		if p := s.byID[id]; matchesStatus(p, statuses) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func matchesStatus(p *domain.Position, statuses []domain.PositionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if p.Status == st {
			return true
		}
	}
	return false
}

func sortNewestFirst(positions []*domain.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].CreatedAt.After(positions[j].CreatedAt) })
}

// ListOpen returns clones of every currently open position, optionally
// narrowed to a single agent.
func (s *Store) ListOpen(agentFilter ...domain.ActorId) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0, len(s.open))
	for id := range s.open {
		p := s.byID[id]
		if len(agentFilter) > 0 && p.AgentID != agentFilter[0] {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// ListClosed returns clones of closed or failed positions matching q,
// ordered by id (which sorts chronologically, see NewPositionID) so that
// Limit/Offset paginate consistently across calls.
func (s *Store) ListClosed(q Query) []*domain.Position {
	s.mu.RLock()
	matches := make([]*domain.Position, 0, len(s.closed))
	for id := range s.closed {
		p := s.byID[id]
		if q.AgentID != "" && p.AgentID != q.AgentID {
			continue
		}
		if q.TokenID != "" && p.TokenMint != q.TokenID {
			continue
		}
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		if !q.From.IsZero() && p.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && p.CreatedAt.After(q.To) {
			continue
		}
		if q.MinPnL != nil && (p.RealizedPnL == nil || *p.RealizedPnL < *q.MinPnL) {
			continue
		}
		if q.MaxPnL != nil && (p.RealizedPnL == nil || *p.RealizedPnL > *q.MaxPnL) {
			continue
		}
		if len(q.Tags) > 0 && !hasAllTags(p.Tags, q.Tags) {
			continue
		}
		matches = append(matches, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			return nil
		}
		matches = matches[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches
}

// hasAllTags reports whether have contains every tag in want (tag
// intersection filtering, not a subset/superset check in the other
// direction).
func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// UpdatePrice applies the live price read to an open position: extends
// the high/low watermarks monotonically and recomputes CurrentPrice, then emits a
// price_update event without rewriting the full row to disk on every tick
// (the watcher's 100ms loop would otherwise thrash sqlite). A position
// that is no longer open is returned unchanged with no event, so a
// watcher tick racing a concurrent close cannot touch terminal state.
func (s *Store) UpdatePrice(id domain.PositionId, price float64, at time.Time) (*domain.Position, error) {
	s.mu.Lock()
	p := s.byID[id]
	if p == nil {
		s.mu.Unlock()
		return nil, engineerr.Wrap(engineerr.Store, fmt.Errorf("position %q not found", id))
	}
	if p.Status != domain.StatusOpen {
		clone := p.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	p.ExtendHighLow(price)
	p.CurrentPrice = price
	p.LastPriceUpdate = at
	clone := p.Clone()
	s.mu.Unlock()

	s.publish(Event{Kind: EventPriceUpdate, Position: clone})
	return clone, nil
}

// Replace persists the supplied position verbatim, re-indexing it. Used by
// the watcher's stepped trailing-stop state machine and by the executor's
// partial-profit mutation, both of which compute the next Position value
// off of a clone and hand the whole thing back.
func (s *Store) Replace(p *domain.Position) error {
	p.UpdatedAt = time.Now()

	s.mu.Lock()
	s.indexLocked(p)
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		return err
	}
	s.publish(Event{Kind: EventPositionUpdate, Position: p.Clone()})
	return nil
}

// Close transitions a position to closed or failed, filling in the exit
// fields: closedAt is set, and exitValue/realizedPnL stay consistent
// with exitPrice/exitAmount.
func (s *Store) Close(id domain.PositionId, status domain.PositionStatus, exitPrice, exitAmount float64, sellTxID, sellReason string, at time.Time) (*domain.Position, error) {
	if status == domain.StatusOpen {
		return nil, engineerr.Wrap(engineerr.Validation, fmt.Errorf("Close requires a terminal status, got %q", status))
	}

	s.mu.Lock()
	p := s.byID[id]
	if p == nil {
		s.mu.Unlock()
		return nil, engineerr.Wrap(engineerr.Store, fmt.Errorf("position %q not found", id))
	}
	if p.Status != domain.StatusOpen {
		s.mu.Unlock()
		return nil, engineerr.Wrap(engineerr.Validation, fmt.Errorf("position %q already %s", id, p.Status))
	}

	exitValue := exitPrice * exitAmount
	realized := exitValue - p.EntryValue
	realizedPct := 0.0
	if p.EntryValue != 0 {
		realizedPct = realized / p.EntryValue * 100
	}

	p.Status = status
	p.ClosedAt = &at
	p.ExitPrice = &exitPrice
	p.ExitAmount = &exitAmount
	p.ExitValue = &exitValue
	p.SellTxID = sellTxID
	p.SellReason = sellReason
	p.RealizedPnL = &realized
	p.RealizedPnLPct = &realizedPct

	s.indexLocked(p)
	clone := p.Clone()
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		return nil, err
	}
	s.publish(Event{Kind: EventPositionUpdate, Position: clone})
	return clone, nil
}

// Delete removes a position from both indices and sqlite.
func (s *Store) Delete(id domain.PositionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

// ClearAll removes every position from memory and disk. It is wired to
// the bot's reset-paper-trading operation.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byID {
		s.deleteLocked(id)
	}
	log.Info().Msg("all positions cleared")
}

// Stats returns an aggregate view over closed positions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	st.OpenCount = len(s.open)
	for id := range s.closed {
		st.ClosedCount++
		p := s.byID[id]
		if p.RealizedPnL == nil {
			continue
		}
		st.TotalPnL += *p.RealizedPnL
		if *p.RealizedPnL > 0 {
			st.WinCount++
		} else {
			st.LossCount++
		}
	}
	if st.ClosedCount > 0 {
		st.WinRatePct = float64(st.WinCount) / float64(st.ClosedCount) * 100
	}
	return st
}

// CloseDB closes the underlying database handle.
func (s *Store) CloseDB() error {
	return s.db.Close()
}
