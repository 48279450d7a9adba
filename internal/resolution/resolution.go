// Package resolution implements the deterministic 7-step winner-selection
// algorithm over a multiset of AssertionRecords sharing an assertion_key
// (spec.md §4.6, C6), grounded on steveyegge/beads/internal/resolver's
// ResolveBest/ResolveAll shape and its sort.Slice-based scoring pipeline.
package resolution

import (
	"math"
	"sort"
	"time"

	"github.com/factgraph/factgraph/internal/model"
)

// LossReason explains why a non-winning claim lost, for all-claims mode.
type LossReason string

const (
	LossNone              LossReason = ""
	LossTemporal          LossReason = "outside_temporal_window"
	LossScenario          LossReason = "scenario_preference"
	LossManualOverride    LossReason = "manual_override_present"
	LossAuthority         LossReason = "lower_authority"
	LossRecency           LossReason = "superseded_by_recency"
	LossConfidence        LossReason = "lower_confidence"
	LossTiebreak          LossReason = "tiebreak_assertion_id"
)

// Claim pairs an AssertionRecord with its resolution verdict.
type Claim struct {
	Assertion *model.AssertionRecord
	IsWinner  bool
	LossReason LossReason
}

// AuthorityRank resolves a Source's authority_rank for a given assertion,
// by source_id. Missing entries are treated as +infinity (spec.md §4.6 step 4).
type AuthorityRank func(sourceID string) (rank int, ok bool)

// Input bundles a Resolve call's parameters (spec.md §4.6).
type Input struct {
	Assertions []*model.AssertionRecord
	ScenarioID string
	AsOf       time.Time
	Authority  AuthorityRank
}

const infiniteRank = math.MaxInt32

// Resolve returns the single winning AssertionRecord, or nil if none
// survives the temporal filter.
func Resolve(in Input) *model.AssertionRecord {
	claims := ResolveAll(in)
	for _, c := range claims {
		if c.IsWinner {
			return c.Assertion
		}
	}
	return nil
}

// ResolveAll runs the full 7-step algorithm and returns every record that
// passed step 1 (the temporal filter), each annotated with its verdict.
func ResolveAll(in Input) []Claim {
	// Step 1: temporal filter.
	var survivors []*model.AssertionRecord
	for _, a := range in.Assertions {
		if withinWindow(a, in.AsOf) {
			survivors = append(survivors, a)
		}
	}
	if len(survivors) == 0 {
		return nil
	}

	claims := make([]Claim, len(survivors))
	for i, a := range survivors {
		claims[i] = Claim{Assertion: a}
	}

	// Step 2: scenario preference.
	hasTarget := false
	if in.ScenarioID != "" && in.ScenarioID != model.BaseScenario {
		for _, a := range survivors {
			if a.ScenarioID == in.ScenarioID {
				hasTarget = true
				break
			}
		}
	}
	survivors = filterClaims(claims, LossScenario, func(a *model.AssertionRecord) bool {
		if hasTarget {
			return a.ScenarioID != in.ScenarioID
		}
		return false
	})

	// Step 3: manual override.
	hasManual := false
	for _, a := range survivors {
		if a.SourceType == model.SourceManual {
			hasManual = true
			break
		}
	}
	if hasManual {
		survivors = filterClaims(claims, LossManualOverride, func(a *model.AssertionRecord) bool {
			return a.SourceType != model.SourceManual
		})
	}

	// Step 4: authority — keep minimum rank.
	if len(survivors) > 1 {
		minRank := infiniteRank
		ranks := make(map[string]int, len(survivors))
		for _, a := range survivors {
			r := infiniteRank
			if in.Authority != nil {
				if rr, ok := in.Authority(a.SourceID); ok {
					r = rr
				}
			}
			ranks[a.ID] = r
			if r < minRank {
				minRank = r
			}
		}
		survivors = filterClaims(claims, LossAuthority, func(a *model.AssertionRecord) bool {
			return ranks[a.ID] != minRank
		})
	}

	// Step 5: recency — keep maximum recorded_at.
	if len(survivors) > 1 {
		var maxRecorded time.Time
		for _, a := range survivors {
			if a.RecordedAt.After(maxRecorded) {
				maxRecorded = a.RecordedAt
			}
		}
		survivors = filterClaims(claims, LossRecency, func(a *model.AssertionRecord) bool {
			return a.RecordedAt.Before(maxRecorded)
		})
	}

	// Step 6: confidence — keep maximum confidence.
	if len(survivors) > 1 {
		maxConf := -1.0
		for _, a := range survivors {
			if a.Confidence > maxConf {
				maxConf = a.Confidence
			}
		}
		survivors = filterClaims(claims, LossConfidence, func(a *model.AssertionRecord) bool {
			return a.Confidence < maxConf
		})
	}

	// Step 7: deterministic tiebreak — minimum assertion_id.
	if len(survivors) > 1 {
		sort.Slice(survivors, func(i, j int) bool { return survivors[i].ID < survivors[j].ID })
		winnerID := survivors[0].ID
		survivors = filterClaims(claims, LossTiebreak, func(a *model.AssertionRecord) bool {
			return a.ID != winnerID
		})
	}

	if len(survivors) == 1 {
		for i := range claims {
			if claims[i].Assertion.ID == survivors[0].ID && claims[i].LossReason == "" {
				claims[i].IsWinner = true
			}
		}
	}
	return claims
}

func withinWindow(a *model.AssertionRecord, asOf time.Time) bool {
	if a.ValidFrom.After(asOf) {
		return false
	}
	if a.ValidTo != nil && !asOf.Before(*a.ValidTo) {
		return false
	}
	return true
}

// filterClaims removes from the live survivor set every assertion for which
// drop returns true, annotating the corresponding Claim with reason. It
// returns the new survivor set. If dropping everything would leave zero
// survivors, nothing is dropped (that step is a no-op at this tier — the
// caller's "if any... otherwise keep" structure already guards this, this
// is a defensive backstop for an always-true drop predicate).
func filterClaims(claims []Claim, reason LossReason, drop func(*model.AssertionRecord) bool) []*model.AssertionRecord {
	byID := make(map[string]*Claim, len(claims))
	for i := range claims {
		byID[claims[i].Assertion.ID] = &claims[i]
	}

	var kept []*model.AssertionRecord
	var dropped []*model.AssertionRecord
	for i := range claims {
		c := &claims[i]
		if c.LossReason != "" {
			continue // already eliminated by an earlier step
		}
		if drop(c.Assertion) {
			dropped = append(dropped, c.Assertion)
		} else {
			kept = append(kept, c.Assertion)
		}
	}
	if len(kept) == 0 {
		// Dropping everyone would leave no candidate; this step contributes
		// no discrimination, so nothing is eliminated.
		for _, a := range dropped {
			kept = append(kept, a)
		}
		return kept
	}
	for _, a := range dropped {
		byID[a.ID].LossReason = reason
	}
	return kept
}
