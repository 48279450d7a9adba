package resolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/internal/model"
)

func rec(id string, opts ...func(*model.AssertionRecord)) *model.AssertionRecord {
	a := &model.AssertionRecord{
		ID:          id,
		ScenarioID:  model.BaseScenario,
		SourceType:  model.SourceSpreadsheet,
		ValidFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:  0.5,
		RecordedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func withScenario(s string) func(*model.AssertionRecord) {
	return func(a *model.AssertionRecord) { a.ScenarioID = s }
}
func withSource(t model.SourceType, id string) func(*model.AssertionRecord) {
	return func(a *model.AssertionRecord) { a.SourceType = t; a.SourceID = id }
}
func withRecordedAt(ts time.Time) func(*model.AssertionRecord) {
	return func(a *model.AssertionRecord) { a.RecordedAt = ts }
}
func withConfidence(c float64) func(*model.AssertionRecord) {
	return func(a *model.AssertionRecord) { a.Confidence = c }
}
func withValidTo(ts time.Time) func(*model.AssertionRecord) {
	return func(a *model.AssertionRecord) { a.ValidTo = &ts }
}

func asOf() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

func TestResolveEmptyWhenAllOutsideWindow(t *testing.T) {
	future := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := rec("a1", func(ar *model.AssertionRecord) { ar.ValidFrom = future })
	got := Resolve(Input{Assertions: []*model.AssertionRecord{a}, AsOf: asOf()})
	require.Nil(t, got)
}

func TestResolveExcludesRecordsClosedBeforeAsOf(t *testing.T) {
	closedAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	a := rec("a1", withValidTo(closedAt))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{a}, AsOf: asOf()})
	require.Nil(t, got)
}

func TestResolveScenarioPreferenceOverridesBase(t *testing.T) {
	base := rec("a1", withScenario(model.BaseScenario))
	scen := rec("a2", withScenario("whatif1"))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{base, scen}, ScenarioID: "whatif1", AsOf: asOf()})
	require.Equal(t, "a2", got.ID)
}

func TestResolveFallsBackToBaseWhenNoScenarioMatch(t *testing.T) {
	base := rec("a1", withScenario(model.BaseScenario))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{base}, ScenarioID: "whatif1", AsOf: asOf()})
	require.Equal(t, "a1", got.ID)
}

func TestResolveManualOverrideWins(t *testing.T) {
	auto := rec("a1", withSource(model.SourceSpreadsheet, "src1"))
	manual := rec("a2", withSource(model.SourceManual, ""))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{auto, manual}, AsOf: asOf()})
	require.Equal(t, "a2", got.ID)
}

func TestResolveAuthorityPrefersLowerRank(t *testing.T) {
	low := rec("a1", withSource(model.SourceSpreadsheet, "src_low"))   // rank 5
	high := rec("a2", withSource(model.SourceSpreadsheet, "src_high")) // rank 1
	authority := func(sourceID string) (int, bool) {
		switch sourceID {
		case "src_low":
			return 5, true
		case "src_high":
			return 1, true
		}
		return 0, false
	}
	got := Resolve(Input{Assertions: []*model.AssertionRecord{low, high}, AsOf: asOf(), Authority: authority})
	require.Equal(t, "a2", got.ID)
}

func TestResolveMissingAuthorityTreatedAsInfinite(t *testing.T) {
	known := rec("a1", withSource(model.SourceSpreadsheet, "src_known"))
	unknown := rec("a2", withSource(model.SourceSpreadsheet, "src_unknown"))
	authority := func(sourceID string) (int, bool) {
		if sourceID == "src_known" {
			return 3, true
		}
		return 0, false
	}
	got := Resolve(Input{Assertions: []*model.AssertionRecord{known, unknown}, AsOf: asOf(), Authority: authority})
	require.Equal(t, "a1", got.ID)
}

func TestResolveRecencyBreaksAuthorityTie(t *testing.T) {
	older := rec("a1", withRecordedAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	newer := rec("a2", withRecordedAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{older, newer}, AsOf: asOf()})
	require.Equal(t, "a2", got.ID)
}

func TestResolveConfidenceBreaksRecencyTie(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	low := rec("a1", withRecordedAt(ts), withConfidence(0.4))
	high := rec("a2", withRecordedAt(ts), withConfidence(0.9))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{low, high}, AsOf: asOf()})
	require.Equal(t, "a2", got.ID)
}

func TestResolveDeterministicTiebreakOnAssertionID(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := rec("zzz", withRecordedAt(ts), withConfidence(0.5))
	b := rec("aaa", withRecordedAt(ts), withConfidence(0.5))
	got := Resolve(Input{Assertions: []*model.AssertionRecord{a, b}, AsOf: asOf()})
	require.Equal(t, "aaa", got.ID)
}

func TestResolveAllAnnotatesLosers(t *testing.T) {
	auto := rec("a1", withSource(model.SourceSpreadsheet, "src1"))
	manual := rec("a2", withSource(model.SourceManual, ""))
	claims := ResolveAll(Input{Assertions: []*model.AssertionRecord{auto, manual}, AsOf: asOf()})
	require.Len(t, claims, 2)

	var winner, loser *Claim
	for i := range claims {
		if claims[i].IsWinner {
			winner = &claims[i]
		} else {
			loser = &claims[i]
		}
	}
	require.NotNil(t, winner)
	require.Equal(t, "a2", winner.Assertion.ID)
	require.NotNil(t, loser)
	require.Equal(t, LossManualOverride, loser.LossReason)
}

func TestResolveAllOmitsRecordsFailingTemporalFilter(t *testing.T) {
	future := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inWindow := rec("a1")
	outOfWindow := rec("a2", func(ar *model.AssertionRecord) { ar.ValidFrom = future })
	claims := ResolveAll(Input{Assertions: []*model.AssertionRecord{inWindow, outOfWindow}, AsOf: asOf()})
	require.Len(t, claims, 1)
	require.Equal(t, "a1", claims[0].Assertion.ID)
}
