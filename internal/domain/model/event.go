package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// EventType classifies a rating-relevant business fact.
type EventType string

// Event types accepted by the event log.
const (
	EventDealWon              EventType = "deal_won"
	EventDealLost             EventType = "deal_lost"
	EventOpportunityCreated   EventType = "opportunity_created"
	EventCertificationGranted EventType = "certification_granted"
	EventMeddicScoreUpdated   EventType = "meddic_score_updated"
	EventComplianceViolation  EventType = "compliance_violation"
	EventEngagement           EventType = "engagement"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventDealWon, EventDealLost, EventOpportunityCreated, EventCertificationGranted,
		EventMeddicScoreUpdated, EventComplianceViolation, EventEngagement:
		return true
	}
	return false
}

// RatingEvent is an append-only fact in the event log. Events are ordered by
// OccurredAt, ties broken by the store-assigned Seq.
type RatingEvent struct {
	Seq            int64          `json:"seq"`
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	PartnerID      string         `json:"partnerId"`
	ActorID        string         `json:"actorId"`
	Type           EventType      `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// HistoryReason explains a tier transition.
type HistoryReason string

// Tier transition reasons.
const (
	ReasonAchievement   HistoryReason = "achievement"
	ReasonAnnualRenewal HistoryReason = "annual_renewal"
	ReasonManual        HistoryReason = "manual"
)

// TierHistoryEntry records one tier mutation. Actor is empty for
// system-driven transitions.
type TierHistoryEntry struct {
	ID           string        `json:"id"`
	PartnerID    string        `json:"partnerId"`
	Tier         Tier          `json:"tier"`
	PreviousTier Tier          `json:"previousTier"`
	Reason       HistoryReason `json:"reason"`
	ChangedAt    time.Time     `json:"changedAt"`
	Actor        string        `json:"actor,omitempty"`
	Note         string        `json:"note,omitempty"`
}

// AchievementGrant is one ledger entry of an achievement held by a partner.
// Revocation marks the entry; it is never removed.
type AchievementGrant struct {
	ID            string     `json:"id"`
	PartnerID     string     `json:"partnerId"`
	AchievementID string     `json:"achievementId"`
	Points        int        `json:"points"`
	ActorID       string     `json:"actorId"`
	Reason        string     `json:"reason"`
	GrantedAt     time.Time  `json:"grantedAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokedBy     string     `json:"revokedBy,omitempty"`
	RevokeReason  string     `json:"revokeReason,omitempty"`
}

// Active reports whether the grant still counts towards the partner.
func (g *AchievementGrant) Active() bool { return g.RevokedAt == nil }

// AuditAction names a recorded operator or system action.
type AuditAction string

// Audit actions.
const (
	AuditAchievementAwarded  AuditAction = "achievement_awarded"
	AuditAchievementRevoked  AuditAction = "achievement_revoked"
	AuditTierSet             AuditAction = "tier_set"
	AuditPartnerCreated      AuditAction = "partner_created"
	AuditRenewalConfirmed    AuditAction = "renewal_confirmed"
	AuditRenewalDowngraded   AuditAction = "renewal_downgraded"
	AuditRenewalOverrideKept AuditAction = "renewal_override_respected"
	AuditAutomaticPromotion  AuditAction = "automatic_promotion"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actorId"`
	Action    AuditAction    `json:"action"`
	PartnerID string         `json:"partnerId"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// SystemActorID identifies engine-driven writes.
const SystemActorID = "system"

// Actor is the identity performing an operation, as established by the
// authentication layer.
type Actor struct {
	ID    string
	Admin bool
}

// SystemActor is the actor used by background triggers and the scheduler.
func SystemActor() Actor { return Actor{ID: SystemActorID, Admin: true} }

// MinReasonLength is the minimum trimmed length of an operator's reason.
const MinReasonLength = 10

// NormalizeReason trims s and reports whether it is long enough to justify a
// manual action.
func NormalizeReason(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, utf8.RuneCountInString(s) >= MinReasonLength
}
