// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
)

// Tier is a partnership level. Tiers are totally ordered:
// bronze < silver < gold < platinum.
type Tier string

// Known tiers, lowest first.
const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

var tierOrder = [...]Tier{TierBronze, TierSilver, TierGold, TierPlatinum}

// Tiers returns all tiers in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder[:])
	return out
}

// ParseTier normalizes and validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rank returns the position of t in the tier order, or -1 when t is unknown.
func (t Tier) Rank() int {
	for i, v := range tierOrder {
		if v == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Less reports whether t is strictly below o.
func (t Tier) Less(o Tier) bool { return t.Rank() < o.Rank() }

// Next returns the tier immediately above t. ok is false at platinum.
func (t Tier) Next() (next Tier, ok bool) {
	r := t.Rank()
	if r < 0 || r == len(tierOrder)-1 {
		return "", false
	}
	return tierOrder[r+1], true
}

// Prev returns the tier immediately below t. ok is false at bronze.
func (t Tier) Prev() (prev Tier, ok bool) {
	r := t.Rank()
	if r <= 0 {
		return "", false
	}
	return tierOrder[r-1], true
}

func (t Tier) String() string { return string(t) }
