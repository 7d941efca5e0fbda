package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/partners/internal/domain/model"
)

// MemoryStore is an in-process Store. A single RWMutex serializes writers, so
// every multi-record write is atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool
	newID  func() string
	seq    int64

	partners map[string]*model.Partner
	events   map[string][]model.RatingEvent
	keys     map[eventKey]model.RatingEvent
	grants   map[string][]model.AchievementGrant
	history  map[string][]model.TierHistoryEntry
	audit    map[string][]model.AuditEntry
}

var _ Store = (*MemoryStore)(nil)

// eventKey scopes an idempotency key to its partner.
type eventKey struct {
	partnerID string
	key       string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		newID:    uuid.NewString,
		partners: make(map[string]*model.Partner),
		events:   make(map[string][]model.RatingEvent),
		keys:     make(map[eventKey]model.RatingEvent),
		grants:   make(map[string][]model.AchievementGrant),
		history:  make(map[string][]model.TierHistoryEntry),
		audit:    make(map[string][]model.AuditEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePartner inserts a new partner.
func (s *MemoryStore) CreatePartner(ctx context.Context, p model.Partner) error {
	if p.ID == "" {
		return fmt.Errorf("%w: partner id is empty", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.partners[p.ID]; ok {
		return fmt.Errorf("%w: partner %s", ErrAlreadyExists, p.ID)
	}
	cp := clonePartner(p)
	if cp.AchievementIDs == nil {
		cp.AchievementIDs = []string{}
	}
	s.partners[p.ID] = &cp
	return nil
}

// GetPartner returns a copy of the partner.
func (s *MemoryStore) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return model.Partner{}, err
	}
	p, ok := s.partners[id]
	if !ok {
		return model.Partner{}, fmt.Errorf("%w: partner %s", ErrNotFound, id)
	}
	return clonePartner(*p), nil
}

// ListDue returns partners due for renewal at now.
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []model.Partner
	for _, p := range s.partners {
		if !p.RenewalDueAt.After(now) {
			out = append(out, clonePartner(*p))
		}
	}
	slices.SortFunc(out, func(a, b model.Partner) int {
		if c := a.RenewalDueAt.Compare(b.RenewalDueAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvent appends ev and applies delta atomically.
func (s *MemoryStore) AppendEvent(ctx context.Context, ev model.RatingEvent, delta model.CounterDelta) (model.RatingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return model.RatingEvent{}, false, err
	}
	p, ok := s.partners[ev.PartnerID]
	if !ok {
		return model.RatingEvent{}, false, fmt.Errorf("%w: partner %s", ErrNotFound, ev.PartnerID)
	}
	if ev.IdempotencyKey != "" {
		if prev, dup := s.keys[eventKey{ev.PartnerID, ev.IdempotencyKey}]; dup {
			return prev, false, nil
		}
	}
	s.seq++
	ev.Seq = s.seq
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	ev.Payload = maps.Clone(ev.Payload)
	s.events[ev.PartnerID] = append(s.events[ev.PartnerID], ev)
	if ev.IdempotencyKey != "" {
		s.keys[eventKey{ev.PartnerID, ev.IdempotencyKey}] = ev
	}
	if !delta.IsZero() {
		delta.Apply(p)
		p.UpdatedAt = ev.OccurredAt
	}
	return ev, true, nil
}

// ListEvents returns events ordered by occurrence then sequence.
func (s *MemoryStore) ListEvents(ctx context.Context, partnerID string, limit int) ([]model.RatingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.partners[partnerID]; !ok {
		return nil, fmt.Errorf("%w: partner %s", ErrNotFound, partnerID)
	}
	out := slices.Clone(s.events[partnerID])
	slices.SortFunc(out, func(a, b model.RatingEvent) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CountEventsBetween counts matching events that occurred in [from, to].
func (s *MemoryStore) CountEventsBetween(ctx context.Context, partnerID string, types []model.EventType, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range s.events[partnerID] {
		if ev.OccurredAt.Before(from) || ev.OccurredAt.After(to) {
			continue
		}
		if len(types) == 0 || slices.Contains(types, ev.Type) {
			n++
		}
	}
	return n, nil
}

// UpdateRating stores a recomputed rating.
func (s *MemoryStore) UpdateRating(ctx context.Context, partnerID string, rating float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	p, ok := s.partners[partnerID]
	if !ok {
		return fmt.Errorf("%w: partner %s", ErrNotFound, partnerID)
	}
	p.Rating = rating
	p.UpdatedAt = at
	return nil
}

// GrantAchievement appends a ledger entry unless a non-repeatable one is held.
func (s *MemoryStore) GrantAchievement(ctx context.Context, g model.AchievementGrant, repeatable bool, audit *model.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p, ok := s.partners[g.PartnerID]
	if !ok {
		return false, fmt.Errorf("%w: partner %s", ErrNotFound, g.PartnerID)
	}
	if !repeatable {
		for i := range s.grants[g.PartnerID] {
			held := &s.grants[g.PartnerID][i]
			if held.AchievementID == g.AchievementID && held.Active() {
				return false, nil
			}
		}
	}
	if g.ID == "" {
		g.ID = s.newID()
	}
	g.RevokedAt = nil
	s.grants[g.PartnerID] = append(s.grants[g.PartnerID], g)
	s.refreshHoldings(p)
	p.UpdatedAt = g.GrantedAt
	s.appendAuditLocked(audit)
	return true, nil
}

// RevokeAchievement revokes the most recent active grant.
func (s *MemoryStore) RevokeAchievement(ctx context.Context, r Revocation) (model.AchievementGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return model.AchievementGrant{}, err
	}
	p, ok := s.partners[r.PartnerID]
	if !ok {
		return model.AchievementGrant{}, fmt.Errorf("%w: partner %s", ErrNotFound, r.PartnerID)
	}
	ledger := s.grants[r.PartnerID]
	for i := len(ledger) - 1; i >= 0; i-- {
		g := &ledger[i]
		if g.AchievementID != r.AchievementID || !g.Active() {
			continue
		}
		at := r.At
		g.RevokedAt = &at
		g.RevokedBy = r.ActorID
		g.RevokeReason = r.Reason
		s.refreshHoldings(p)
		p.UpdatedAt = r.At
		s.appendAuditLocked(r.Audit)
		return cloneGrant(*g), nil
	}
	return model.AchievementGrant{}, fmt.Errorf("%w: achievement %s not held by %s", ErrNotFound, r.AchievementID, r.PartnerID)
}

// ListGrants returns the partner's ledger, oldest first.
func (s *MemoryStore) ListGrants(ctx context.Context, partnerID string) ([]model.AchievementGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.partners[partnerID]; !ok {
		return nil, fmt.Errorf("%w: partner %s", ErrNotFound, partnerID)
	}
	out := make([]model.AchievementGrant, 0, len(s.grants[partnerID]))
	for _, g := range s.grants[partnerID] {
		out = append(out, cloneGrant(g))
	}
	return out, nil
}

// ChangeTier moves the partner if it is still at c.From.
func (s *MemoryStore) ChangeTier(ctx context.Context, c TierChange) (model.TierHistoryEntry, error) {
	if !c.To.Valid() || c.To == c.From {
		return model.TierHistoryEntry{}, fmt.Errorf("%w: tier change %s -> %s", ErrInvalidInput, c.From, c.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return model.TierHistoryEntry{}, err
	}
	p, ok := s.partners[c.PartnerID]
	if !ok {
		return model.TierHistoryEntry{}, fmt.Errorf("%w: partner %s", ErrNotFound, c.PartnerID)
	}
	if p.Tier != c.From {
		return model.TierHistoryEntry{}, fmt.Errorf("%w: partner %s is %s, expected %s", ErrConflict, c.PartnerID, p.Tier, c.From)
	}
	p.Tier = c.To
	p.UpdatedAt = c.At
	h := model.TierHistoryEntry{
		ID:           s.newID(),
		PartnerID:    c.PartnerID,
		Tier:         c.To,
		PreviousTier: c.From,
		Reason:       c.Reason,
		ChangedAt:    c.At,
		Actor:        c.Actor,
		Note:         c.Note,
	}
	s.history[c.PartnerID] = append(s.history[c.PartnerID], h)
	s.appendAuditLocked(c.Audit)
	return h, nil
}

// ApplyRenewal closes the partner's renewal period if the observed state holds.
func (s *MemoryStore) ApplyRenewal(ctx context.Context, r Renewal) error {
	if !r.NewTier.Valid() {
		return fmt.Errorf("%w: renewal tier %q", ErrInvalidInput, r.NewTier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	p, ok := s.partners[r.PartnerID]
	if !ok {
		return fmt.Errorf("%w: partner %s", ErrNotFound, r.PartnerID)
	}
	if p.Tier != r.ObservedTier || !p.RenewalDueAt.Equal(r.ObservedDueAt) {
		return fmt.Errorf("%w: partner %s changed since it was read", ErrConflict, r.PartnerID)
	}
	p.Annual = model.AnnualCounters{}
	p.RenewalDueAt = r.NextDueAt
	p.UpdatedAt = r.At
	if r.NewTier != r.ObservedTier {
		p.Tier = r.NewTier
		s.history[r.PartnerID] = append(s.history[r.PartnerID], model.TierHistoryEntry{
			ID:           s.newID(),
			PartnerID:    r.PartnerID,
			Tier:         r.NewTier,
			PreviousTier: r.ObservedTier,
			Reason:       model.ReasonAnnualRenewal,
			ChangedAt:    r.At,
		})
	}
	s.appendAuditLocked(r.Audit)
	return nil
}

// ListHistory returns the partner's tier history, oldest first.
func (s *MemoryStore) ListHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.partners[partnerID]; !ok {
		return nil, fmt.Errorf("%w: partner %s", ErrNotFound, partnerID)
	}
	return slices.Clone(s.history[partnerID]), nil
}

// AppendAudit appends a standalone audit entry.
func (s *MemoryStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.appendAuditLocked(&e)
	return nil
}

// ListAudit returns the partner's audit trail, oldest first.
func (s *MemoryStore) ListAudit(ctx context.Context, partnerID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(s.audit[partnerID]))
	for _, e := range s.audit[partnerID] {
		e.Payload = maps.Clone(e.Payload)
		out = append(out, e)
	}
	return out, nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) appendAuditLocked(e *model.AuditEntry) {
	if e == nil {
		return
	}
	cp := *e
	if cp.ID == "" {
		cp.ID = s.newID()
	}
	cp.Payload = maps.Clone(cp.Payload)
	s.audit[cp.PartnerID] = append(s.audit[cp.PartnerID], cp)
}

// refreshHoldings recomputes the denormalized achievement set and point total
// from the active ledger entries.
func (s *MemoryStore) refreshHoldings(p *model.Partner) {
	ids := []string{}
	total := 0
	for _, g := range s.grants[p.ID] {
		if !g.Active() {
			continue
		}
		total += g.Points
		if !slices.Contains(ids, g.AchievementID) {
			ids = append(ids, g.AchievementID)
		}
	}
	p.AchievementIDs = ids
	p.TotalPoints = total
}

func clonePartner(p model.Partner) model.Partner {
	p.AchievementIDs = slices.Clone(p.AchievementIDs)
	return p
}

func cloneGrant(g model.AchievementGrant) model.AchievementGrant {
	if g.RevokedAt != nil {
		at := *g.RevokedAt
		g.RevokedAt = &at
	}
	return g
}
