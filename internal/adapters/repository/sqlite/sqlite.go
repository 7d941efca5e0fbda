/*
Package sqlite provides a SQLite-backed repository.Store.

Events, grants, tier history and audit entries live in append-only tables;
the only UPDATE on them is the revocation mark on a grant. Partner counters are
incremented in the same transaction as the event append, and tier writes are
compare-and-set on the previously observed tier.

Timestamps are stored as UTC unix nanoseconds so range and due-date queries
compare numerically.

USAGE:

	store, err := sqlite.New("./data/partners.db")
	if err != nil {
	    return err
	}
	defer store.Close()

Use ":memory:" for tests.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Store implements repository.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ repository.Store = (*Store)(nil)

// New opens (and migrates) the database at path.
func New(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		rating REAL NOT NULL DEFAULT 0,
		achievement_ids TEXT NOT NULL DEFAULT '[]',
		total_points INTEGER NOT NULL DEFAULT 0,
		annual_certified_employees INTEGER NOT NULL DEFAULT 0,
		annual_opportunities INTEGER NOT NULL DEFAULT 0,
		annual_deals_won INTEGER NOT NULL DEFAULT 0,
		deals_won INTEGER NOT NULL DEFAULT 0,
		deals_lost INTEGER NOT NULL DEFAULT 0,
		revenue TEXT NOT NULL DEFAULT '0',
		certifications INTEGER NOT NULL DEFAULT 0,
		compliance_violations INTEGER NOT NULL DEFAULT 0,
		meddic_total INTEGER NOT NULL DEFAULT 0,
		meddic_count INTEGER NOT NULL DEFAULT 0,
		renewal_due_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_partners_renewal_due
		ON partners(renewal_due_at, id);

	-- Rating events (append-only)
	CREATE TABLE IF NOT EXISTS rating_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		idempotency_key TEXT,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		actor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT,
		occurred_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rating_events_partner_time
		ON rating_events(partner_id, occurred_at, seq);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rating_events_partner_key
		ON rating_events(partner_id, idempotency_key);

	-- Achievement ledger (append-only, revocation is a mark)
	CREATE TABLE IF NOT EXISTS achievement_grants (
		ord INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		achievement_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT,
		granted_at INTEGER NOT NULL,
		revoked_at INTEGER,
		revoked_by TEXT,
		revoke_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_grants_partner_achievement
		ON achievement_grants(partner_id, achievement_id, revoked_at);

	-- Tier history (append-only)
	CREATE TABLE IF NOT EXISTS tier_history (
		ord INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		tier TEXT NOT NULL,
		previous_tier TEXT NOT NULL,
		reason TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		actor TEXT,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tier_history_partner
		ON tier_history(partner_id, ord);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		ord INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		payload_json TEXT,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_partner
		ON audit_log(partner_id, ord);
	`
	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PARTNERS
// =============================================================================

const partnerColumns = `id, name, tier, rating, achievement_ids, total_points,
	annual_certified_employees, annual_opportunities, annual_deals_won,
	deals_won, deals_lost, revenue, certifications, compliance_violations,
	meddic_total, meddic_count, renewal_due_at, created_at, updated_at`

// CreatePartner inserts a new partner.
func (s *Store) CreatePartner(ctx context.Context, p model.Partner) error {
	if p.ID == "" {
		return fmt.Errorf("%w: partner id is empty", repository.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := p.AchievementIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode achievement ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partners (`+partnerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Tier), p.Rating, string(idsJSON), p.TotalPoints,
		p.Annual.CertifiedEmployees, p.Annual.Opportunities, p.Annual.DealsWon,
		p.Metrics.DealsWon, p.Metrics.DealsLost, p.Metrics.Revenue.String(),
		p.Metrics.Certifications, p.Metrics.ComplianceViolations,
		p.Metrics.MeddicTotal, p.Metrics.MeddicCount,
		toUnix(p.RenewalDueAt), toUnix(p.CreatedAt), toUnix(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: partner %s", repository.ErrAlreadyExists, p.ID)
		}
		return fmt.Errorf("failed to insert partner: %w", err)
	}
	return nil
}

// GetPartner returns a partner by id.
func (s *Store) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPartner(ctx, s.db, id)
}

func getPartner(ctx context.Context, q execer, id string) (model.Partner, error) {
	row := q.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, id)
	p, err := scanPartner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Partner{}, fmt.Errorf("%w: partner %s", repository.ErrNotFound, id)
	}
	return p, err
}

// ListDue returns partners due for renewal at now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + partnerColumns + ` FROM partners
		WHERE renewal_due_at <= ?
		ORDER BY renewal_due_at ASC, id ASC`
	args := []any{toUnix(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due partners: %w", err)
	}
	defer rows.Close()

	var out []model.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPartner(row scanner) (model.Partner, error) {
	var (
		p                     model.Partner
		tier, ids, revenue    string
		due, created, updated int64
	)
	err := row.Scan(
		&p.ID, &p.Name, &tier, &p.Rating, &ids, &p.TotalPoints,
		&p.Annual.CertifiedEmployees, &p.Annual.Opportunities, &p.Annual.DealsWon,
		&p.Metrics.DealsWon, &p.Metrics.DealsLost, &revenue,
		&p.Metrics.Certifications, &p.Metrics.ComplianceViolations,
		&p.Metrics.MeddicTotal, &p.Metrics.MeddicCount,
		&due, &created, &updated,
	)
	if err != nil {
		return model.Partner{}, err
	}
	p.Tier = model.Tier(tier)
	if err := json.Unmarshal([]byte(ids), &p.AchievementIDs); err != nil {
		return model.Partner{}, fmt.Errorf("corrupt achievement ids for %s: %w", p.ID, err)
	}
	if p.AchievementIDs == nil {
		p.AchievementIDs = []string{}
	}
	if p.Metrics.Revenue, err = decimal.NewFromString(revenue); err != nil {
		return model.Partner{}, fmt.Errorf("corrupt revenue for %s: %w", p.ID, err)
	}
	p.RenewalDueAt = fromUnix(due)
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	return p, nil
}

// UpdateRating stores a recomputed rating.
func (s *Store) UpdateRating(ctx context.Context, partnerID string, rating float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE partners SET rating = ?, updated_at = ? WHERE id = ?`,
		rating, toUnix(at), partnerID)
	if err != nil {
		return fmt.Errorf("failed to update rating: %w", err)
	}
	return expectOne(res, partnerID)
}

// =============================================================================
// EVENT LOG
// =============================================================================

// AppendEvent appends ev and increments the partner's counters in one transaction.
func (s *Store) AppendEvent(ctx context.Context, ev model.RatingEvent, delta model.CounterDelta) (model.RatingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RatingEvent{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getPartner(ctx, tx, ev.PartnerID)
	if err != nil {
		return model.RatingEvent{}, false, err
	}
	if ev.IdempotencyKey != "" {
		prev, err := eventByKey(ctx, tx, ev.PartnerID, ev.IdempotencyKey)
		if err == nil {
			return prev, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.RatingEvent{}, false, err
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return model.RatingEvent{}, false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO rating_events (id, idempotency_key, partner_id, actor_id, type, payload_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullString(ev.IdempotencyKey), ev.PartnerID, ev.ActorID, string(ev.Type), payload, toUnix(ev.OccurredAt))
	if err != nil {
		return model.RatingEvent{}, false, fmt.Errorf("failed to append event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return model.RatingEvent{}, false, fmt.Errorf("failed to read event sequence: %w", err)
	}

	if !delta.IsZero() {
		revenue := p.Metrics.Revenue.Add(delta.Revenue)
		_, err = tx.ExecContext(ctx, `
			UPDATE partners SET
				annual_certified_employees = annual_certified_employees + ?,
				annual_opportunities = annual_opportunities + ?,
				annual_deals_won = annual_deals_won + ?,
				deals_won = deals_won + ?,
				deals_lost = deals_lost + ?,
				revenue = ?,
				certifications = certifications + ?,
				compliance_violations = compliance_violations + ?,
				meddic_total = meddic_total + ?,
				meddic_count = meddic_count + ?,
				updated_at = ?
			WHERE id = ?`,
			delta.Annual.CertifiedEmployees, delta.Annual.Opportunities, delta.Annual.DealsWon,
			delta.DealsWon, delta.DealsLost, revenue.String(),
			delta.Certifications, delta.ComplianceViolations,
			delta.MeddicTotal, delta.MeddicCount,
			toUnix(ev.OccurredAt), ev.PartnerID)
		if err != nil {
			return model.RatingEvent{}, false, fmt.Errorf("failed to apply counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.RatingEvent{}, false, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, true, nil
}

const eventColumns = `seq, id, idempotency_key, partner_id, actor_id, type, payload_json, occurred_at`

func eventByKey(ctx context.Context, q execer, partnerID, key string) (model.RatingEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM rating_events WHERE partner_id = ? AND idempotency_key = ?`, partnerID, key)
	return scanEvent(row)
}

// ListEvents returns events ordered by occurrence then sequence.
func (s *Store) ListEvents(ctx context.Context, partnerID string, limit int) ([]model.RatingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getPartner(ctx, s.db, partnerID); err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM rating_events WHERE partner_id = ?
		ORDER BY occurred_at ASC, seq ASC`
	args := []any{partnerID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + eventColumns + ` FROM rating_events WHERE partner_id = ?
			ORDER BY occurred_at DESC, seq DESC LIMIT ?) ORDER BY occurred_at ASC, seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []model.RatingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEventsBetween counts matching events that occurred in [from, to].
func (s *Store) CountEventsBetween(ctx context.Context, partnerID string, types []model.EventType, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT COUNT(*) FROM rating_events WHERE partner_id = ? AND occurred_at >= ? AND occurred_at <= ?`
	args := []any{partnerID, toUnix(from), toUnix(to)}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func scanEvent(row scanner) (model.RatingEvent, error) {
	var (
		ev       model.RatingEvent
		key      sql.NullString
		typ      string
		payload  sql.NullString
		occurred int64
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &key, &ev.PartnerID, &ev.ActorID, &typ, &payload, &occurred); err != nil {
		return model.RatingEvent{}, err
	}
	ev.IdempotencyKey = key.String
	ev.Type = model.EventType(typ)
	ev.OccurredAt = fromUnix(occurred)
	var err error
	if ev.Payload, err = decodePayload(payload); err != nil {
		return model.RatingEvent{}, fmt.Errorf("corrupt payload for event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// =============================================================================
// ACHIEVEMENT LEDGER
// =============================================================================

// GrantAchievement appends a ledger entry unless a non-repeatable one is held.
func (s *Store) GrantAchievement(ctx context.Context, g model.AchievementGrant, repeatable bool, audit *model.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getPartner(ctx, tx, g.PartnerID); err != nil {
		return false, err
	}
	if !repeatable {
		var held int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM achievement_grants
			WHERE partner_id = ? AND achievement_id = ? AND revoked_at IS NULL`,
			g.PartnerID, g.AchievementID).Scan(&held)
		if err != nil {
			return false, fmt.Errorf("failed to check grants: %w", err)
		}
		if held > 0 {
			return false, nil
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO achievement_grants (id, partner_id, achievement_id, points, actor_id, reason, granted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.PartnerID, g.AchievementID, g.Points, g.ActorID, g.Reason, toUnix(g.GrantedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert grant: %w", err)
	}
	if err := refreshHoldings(ctx, tx, g.PartnerID, g.GrantedAt); err != nil {
		return false, err
	}
	if err := appendAudit(ctx, tx, audit); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit grant: %w", err)
	}
	return true, nil
}

// RevokeAchievement revokes the most recent active grant.
func (s *Store) RevokeAchievement(ctx context.Context, r repository.Revocation) (model.AchievementGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AchievementGrant{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getPartner(ctx, tx, r.PartnerID); err != nil {
		return model.AchievementGrant{}, err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM achievement_grants
		WHERE partner_id = ? AND achievement_id = ? AND revoked_at IS NULL
		ORDER BY ord DESC LIMIT 1`, r.PartnerID, r.AchievementID)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AchievementGrant{}, fmt.Errorf("%w: achievement %s not held by %s",
			repository.ErrNotFound, r.AchievementID, r.PartnerID)
	}
	if err != nil {
		return model.AchievementGrant{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE achievement_grants SET revoked_at = ?, revoked_by = ?, revoke_reason = ?
		WHERE id = ? AND revoked_at IS NULL`,
		toUnix(r.At), r.ActorID, r.Reason, g.ID)
	if err != nil {
		return model.AchievementGrant{}, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if err := refreshHoldings(ctx, tx, r.PartnerID, r.At); err != nil {
		return model.AchievementGrant{}, err
	}
	if err := appendAudit(ctx, tx, r.Audit); err != nil {
		return model.AchievementGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.AchievementGrant{}, fmt.Errorf("failed to commit revocation: %w", err)
	}
	at := r.At.UTC()
	g.RevokedAt = &at
	g.RevokedBy = r.ActorID
	g.RevokeReason = r.Reason
	return g, nil
}

const grantColumns = `id, partner_id, achievement_id, points, actor_id, reason,
	granted_at, revoked_at, revoked_by, revoke_reason`

// ListGrants returns the partner's ledger, oldest first.
func (s *Store) ListGrants(ctx context.Context, partnerID string) ([]model.AchievementGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getPartner(ctx, s.db, partnerID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+grantColumns+` FROM achievement_grants
		WHERE partner_id = ? ORDER BY ord ASC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	out := []model.AchievementGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row scanner) (model.AchievementGrant, error) {
	var (
		g                   model.AchievementGrant
		reason, by, rreason sql.NullString
		granted             int64
		revoked             sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.PartnerID, &g.AchievementID, &g.Points, &g.ActorID, &reason,
		&granted, &revoked, &by, &rreason)
	if err != nil {
		return model.AchievementGrant{}, err
	}
	g.Reason = reason.String
	g.GrantedAt = fromUnix(granted)
	if revoked.Valid {
		at := fromUnix(revoked.Int64)
		g.RevokedAt = &at
	}
	g.RevokedBy = by.String
	g.RevokeReason = rreason.String
	return g, nil
}

// refreshHoldings recomputes the partner's denormalized achievement set and
// point total from the active ledger entries.
func refreshHoldings(ctx context.Context, tx execer, partnerID string, at time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT achievement_id, points FROM achievement_grants
		WHERE partner_id = ? AND revoked_at IS NULL ORDER BY ord ASC`, partnerID)
	if err != nil {
		return fmt.Errorf("failed to read holdings: %w", err)
	}
	ids := []string{}
	seen := map[string]bool{}
	total := 0
	for rows.Next() {
		var id string
		var points int
		if err := rows.Scan(&id, &points); err != nil {
			rows.Close()
			return err
		}
		total += points
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE partners SET achievement_ids = ?, total_points = ?, updated_at = ? WHERE id = ?`,
		string(idsJSON), total, toUnix(at), partnerID)
	if err != nil {
		return fmt.Errorf("failed to update holdings: %w", err)
	}
	return nil
}

// =============================================================================
// TIERS
// =============================================================================

// ChangeTier moves the partner if it is still at c.From.
func (s *Store) ChangeTier(ctx context.Context, c repository.TierChange) (model.TierHistoryEntry, error) {
	if !c.To.Valid() || c.To == c.From {
		return model.TierHistoryEntry{}, fmt.Errorf("%w: tier change %s -> %s", repository.ErrInvalidInput, c.From, c.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TierHistoryEntry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE partners SET tier = ?, updated_at = ? WHERE id = ? AND tier = ?`,
		string(c.To), toUnix(c.At), c.PartnerID, string(c.From))
	if err != nil {
		return model.TierHistoryEntry{}, fmt.Errorf("failed to update tier: %w", err)
	}
	if err := casResult(ctx, tx, res, c.PartnerID); err != nil {
		return model.TierHistoryEntry{}, err
	}
	h := model.TierHistoryEntry{
		ID:           uuid.NewString(),
		PartnerID:    c.PartnerID,
		Tier:         c.To,
		PreviousTier: c.From,
		Reason:       c.Reason,
		ChangedAt:    c.At.UTC(),
		Actor:        c.Actor,
		Note:         c.Note,
	}
	if err := appendHistory(ctx, tx, h); err != nil {
		return model.TierHistoryEntry{}, err
	}
	if err := appendAudit(ctx, tx, c.Audit); err != nil {
		return model.TierHistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.TierHistoryEntry{}, fmt.Errorf("failed to commit tier change: %w", err)
	}
	return h, nil
}

// ApplyRenewal closes the partner's renewal period if the observed state holds.
func (s *Store) ApplyRenewal(ctx context.Context, r repository.Renewal) error {
	if !r.NewTier.Valid() {
		return fmt.Errorf("%w: renewal tier %q", repository.ErrInvalidInput, r.NewTier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE partners SET
			tier = ?,
			annual_certified_employees = 0,
			annual_opportunities = 0,
			annual_deals_won = 0,
			renewal_due_at = ?,
			updated_at = ?
		WHERE id = ? AND tier = ? AND renewal_due_at = ?`,
		string(r.NewTier), toUnix(r.NextDueAt), toUnix(r.At),
		r.PartnerID, string(r.ObservedTier), toUnix(r.ObservedDueAt))
	if err != nil {
		return fmt.Errorf("failed to apply renewal: %w", err)
	}
	if err := casResult(ctx, tx, res, r.PartnerID); err != nil {
		return err
	}
	if r.NewTier != r.ObservedTier {
		h := model.TierHistoryEntry{
			ID:           uuid.NewString(),
			PartnerID:    r.PartnerID,
			Tier:         r.NewTier,
			PreviousTier: r.ObservedTier,
			Reason:       model.ReasonAnnualRenewal,
			ChangedAt:    r.At.UTC(),
		}
		if err := appendHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	if err := appendAudit(ctx, tx, r.Audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit renewal: %w", err)
	}
	return nil
}

// ListHistory returns the partner's tier history, oldest first.
func (s *Store) ListHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getPartner(ctx, s.db, partnerID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partner_id, tier, previous_tier, reason, changed_at, actor, note
		FROM tier_history WHERE partner_id = ? ORDER BY ord ASC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []model.TierHistoryEntry
	for rows.Next() {
		var (
			h               model.TierHistoryEntry
			tier, prev, rsn string
			changed         int64
			actor, note     sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.PartnerID, &tier, &prev, &rsn, &changed, &actor, &note); err != nil {
			return nil, err
		}
		h.Tier = model.Tier(tier)
		h.PreviousTier = model.Tier(prev)
		h.Reason = model.HistoryReason(rsn)
		h.ChangedAt = fromUnix(changed)
		h.Actor = actor.String
		h.Note = note.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func appendHistory(ctx context.Context, tx execer, h model.TierHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tier_history (id, partner_id, tier, previous_tier, reason, changed_at, actor, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.PartnerID, string(h.Tier), string(h.PreviousTier), string(h.Reason),
		toUnix(h.ChangedAt), nullString(h.Actor), nullString(h.Note))
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// casResult turns a zero-row compare-and-set update into ErrNotFound or ErrConflict.
func casResult(ctx context.Context, tx execer, res sql.Result, partnerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := getPartner(ctx, tx, partnerID); err != nil {
		return err
	}
	return fmt.Errorf("%w: partner %s changed since it was read", repository.ErrConflict, partnerID)
}

// =============================================================================
// AUDIT
// =============================================================================

// AppendAudit appends a standalone audit entry.
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, &e)
}

// ListAudit returns the partner's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, partnerID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, partner_id, payload_json, at
		FROM audit_log WHERE partner_id = ? ORDER BY ord ASC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	out := []model.AuditEntry{}
	for rows.Next() {
		var (
			e       model.AuditEntry
			action  string
			payload sql.NullString
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.PartnerID, &payload, &at); err != nil {
			return nil, err
		}
		e.Action = model.AuditAction(action)
		e.At = fromUnix(at)
		if e.Payload, err = decodePayload(payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for audit %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendAudit(ctx context.Context, tx execer, e *model.AuditEntry) error {
	if e == nil {
		return nil
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, partner_id, payload_json, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, e.ActorID, string(e.Action), e.PartnerID, payload, toUnix(e.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOne(res sql.Result, partnerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: partner %s", repository.ErrNotFound, partnerID)
	}
	return nil
}

func encodePayload(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: payload: %w", repository.ErrInvalidInput, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodePayload(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
