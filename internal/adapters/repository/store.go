// Package repository defines the partner store interface and errors.
//
// A Store owns every durable record of the engine: partners, the append-only
// rating event log, the achievement grant ledger, tier history and the audit
// trail. Writes that must be atomic together are single Store calls.
package repository

import (
	"context"
	"time"

	"github.com/okian/partners/internal/domain/model"
)

// TierChange moves a partner from one tier to an adjacent or arbitrary tier.
// The change is applied only if the partner is still at From; the history
// entry and the optional audit entry are written in the same transaction.
type TierChange struct {
	PartnerID string
	From      model.Tier
	To        model.Tier
	Reason    model.HistoryReason
	Actor     string
	Note      string
	At        time.Time
	Audit     *model.AuditEntry
}

// Renewal closes a partner's renewal period. It is applied only if the partner
// still has ObservedDueAt and ObservedTier. Annual counters are reset and the
// due date moves to NextDueAt. A history entry is appended when NewTier
// differs from ObservedTier.
type Renewal struct {
	PartnerID     string
	ObservedDueAt time.Time
	ObservedTier  model.Tier
	NewTier       model.Tier
	NextDueAt     time.Time
	At            time.Time
	Audit         *model.AuditEntry
}

// Revocation marks the most recent active grant of an achievement as revoked.
type Revocation struct {
	PartnerID     string
	AchievementID string
	ActorID       string
	Reason        string
	At            time.Time
	Audit         *model.AuditEntry
}

// Store provides read/write access to the partner program state.
type Store interface {
	// CreatePartner inserts a new partner. Returns ErrAlreadyExists on id reuse.
	CreatePartner(ctx context.Context, p model.Partner) error
	// GetPartner returns a partner by id. Returns ErrNotFound if unknown.
	GetPartner(ctx context.Context, id string) (model.Partner, error)
	// ListDue returns partners whose renewal is due at or before now, ordered
	// by due date then id. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Partner, error)

	// AppendEvent appends ev and applies delta to the partner's counters in one
	// transaction. When ev carries an idempotency key that was already used,
	// nothing is written and the stored event is returned with appended=false.
	AppendEvent(ctx context.Context, ev model.RatingEvent, delta model.CounterDelta) (stored model.RatingEvent, appended bool, err error)
	// ListEvents returns a partner's events ordered by occurrence then sequence.
	// limit <= 0 means no limit; otherwise the most recent limit events are returned.
	ListEvents(ctx context.Context, partnerID string, limit int) ([]model.RatingEvent, error)
	// CountEventsBetween counts events of the given types that occurred in
	// [from, to]. An empty types slice counts all types.
	CountEventsBetween(ctx context.Context, partnerID string, types []model.EventType, from, to time.Time) (int, error)

	// UpdateRating stores a recomputed rating.
	UpdateRating(ctx context.Context, partnerID string, rating float64, at time.Time) error

	// GrantAchievement appends g to the ledger and refreshes the partner's
	// achievement set and point total. When repeatable is false and the partner
	// already holds an active grant of the achievement, nothing is written and
	// granted is false.
	GrantAchievement(ctx context.Context, g model.AchievementGrant, repeatable bool, audit *model.AuditEntry) (granted bool, err error)
	// RevokeAchievement revokes the most recent active grant. Returns
	// ErrNotFound when the partner holds no active grant of the achievement.
	RevokeAchievement(ctx context.Context, r Revocation) (model.AchievementGrant, error)
	// ListGrants returns every ledger entry of a partner, oldest first.
	ListGrants(ctx context.Context, partnerID string) ([]model.AchievementGrant, error)

	// ChangeTier applies c. Returns ErrConflict if the partner is no longer at c.From.
	ChangeTier(ctx context.Context, c TierChange) (model.TierHistoryEntry, error)
	// ApplyRenewal applies r. Returns ErrConflict if the observed state changed.
	ApplyRenewal(ctx context.Context, r Renewal) error
	// ListHistory returns a partner's tier history, oldest first.
	ListHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error)

	// AppendAudit appends a standalone audit entry.
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	// ListAudit returns a partner's audit trail, oldest first.
	ListAudit(ctx context.Context, partnerID string) ([]model.AuditEntry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}
