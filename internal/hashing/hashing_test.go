package hashing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serialization() Serialization {
	return Serialization{
		CellOrder:          []string{"id", "region", "active"},
		Delimiter:          "|",
		NullRepresentation: "<NULL>",
		NumberFormat:       NumberFormat{AsDisplayed: true, DecimalPlaces: 2},
		DateFormat:         DateFormat{AsDisplayed: true},
		IncludeFormatting:  false,
	}
}

func normRules() NormalizationRules {
	return NormalizationRules{
		TrimWhitespace:     true,
		CollapseWhitespace: true,
		CaseFold:           true,
		NullTokens:         []string{"N/A"},
		NullLiteral:        "<NULL>",
	}
}

func TestRawHashStableUnderReformat(t *testing.T) {
	s := serialization()
	row1 := Row{
		"id":     {Kind: CellNumber, Num: 1001, Text: "1001"},
		"region": {Kind: CellString, Text: "East"},
		"active": {Kind: CellBoolean, Bool: true},
	}
	row2 := Row{
		"id":     {Kind: CellNumber, Num: 1001, Text: "1001"},
		"region": {Kind: CellString, Text: "East"},
		"active": {Kind: CellBoolean, Bool: true},
	}
	h1, err := RawHash(row1, s)
	require.NoError(t, err)
	h2, err := RawHash(row2, s)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestRawHashChangesOnValueChange(t *testing.T) {
	s := serialization()
	row1 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Kind: CellString, Text: "East"}, "active": {Kind: CellBoolean, Bool: true}}
	row2 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Kind: CellString, Text: "West"}, "active": {Kind: CellBoolean, Bool: true}}
	h1, _ := RawHash(row1, s)
	h2, _ := RawHash(row2, s)
	require.NotEqual(t, h1, h2)
}

func TestNormalizedHashIgnoresWhitespaceAndCase(t *testing.T) {
	s := serialization()
	n := normRules()
	row1 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Kind: CellString, Text: "East"}, "active": {Kind: CellBoolean, Bool: true}}
	row2 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Kind: CellString, Text: "  east  "}, "active": {Kind: CellBoolean, Bool: true}}

	strict1, _ := RawHash(row1, s)
	strict2, _ := RawHash(row2, s)
	require.NotEqual(t, strict1, strict2, "strict mode should see the whitespace/case difference")

	norm1, _ := NormalizedHash(row1, s, n)
	norm2, _ := NormalizedHash(row2, s, n)
	require.Equal(t, norm1, norm2, "normalized mode should collapse the difference")
}

func TestNormalizedHashMapsNullTokens(t *testing.T) {
	s := serialization()
	n := normRules()
	row1 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Kind: CellString, Text: "N/A"}, "active": {Empty: true}}
	row2 := Row{"id": {Kind: CellString, Text: "1001"}, "region": {Empty: true}, "active": {Empty: true}}

	h1, _ := NormalizedHash(row1, s, n)
	h2, _ := NormalizedHash(row2, s, n)
	require.Equal(t, h1, h2)
}

func TestNormalizedHashFormatsNumbersAndDates(t *testing.T) {
	s := serialization()
	s.CellOrder = []string{"amount", "when"}
	n := normRules()

	row1 := Row{
		"amount": {Kind: CellNumber, Num: 3.0},
		"when":   {Kind: CellDate, Time: time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)},
	}
	row2 := Row{
		"amount": {Kind: CellNumber, Num: 3.001},
		"when":   {Kind: CellDate, Time: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	s.NumberFormat.DecimalPlaces = 2
	h1, _ := NormalizedHash(row1, s, n)
	h2, _ := NormalizedHash(row2, s, n)
	require.Equal(t, h1, h2, "dates collapse to YYYY-MM-DD and numbers round to decimal_places")
}

func TestCanonicalSerializeRequiresCellOrder(t *testing.T) {
	_, err := CanonicalSerialize(Row{}, Serialization{})
	require.Error(t, err)
}

func TestCandidateHashesIsolatesOwnContentFromRowNoise(t *testing.T) {
	s := serialization()
	n := normRules()

	cellsA := Row{
		"property_key": {Kind: CellString, Text: "region"},
		"value":        {Kind: CellString, Text: "East"},
	}
	cellsB := Row{
		"property_key": {Kind: CellString, Text: "region"},
		"value":        {Kind: CellString, Text: "  EAST  "},
	}

	rawA, normA, err := CandidateHashes(cellsA, []string{"property_key", "value"}, s, n)
	require.NoError(t, err)
	rawB, normB, err := CandidateHashes(cellsB, []string{"property_key", "value"}, s, n)
	require.NoError(t, err)

	require.NotEqual(t, rawA, rawB, "strict hash sees the whitespace/case difference")
	require.Equal(t, normA, normB, "normalized hash collapses the difference")
}

func TestCandidateHashesRespectsAsDisplayedFormatting(t *testing.T) {
	n := normRules()
	s := serialization()
	s.NumberFormat.AsDisplayed = true

	displayed := Row{"amount": {Kind: CellNumber, Num: 3.0, Text: "3.00"}}
	raw, err := RawHash(displayed, withOrder(s, "amount"))
	require.NoError(t, err)

	plain := Row{"amount": {Kind: CellNumber, Num: 3.0, Text: "3"}}
	raw2, err := RawHash(plain, withOrder(s, "amount"))
	require.NoError(t, err)

	require.NotEqual(t, raw, raw2, "as_displayed preserves the source's own formatted text")
	_ = n
}

func withOrder(s Serialization, cols ...string) Serialization {
	s.CellOrder = cols
	return s
}

func TestPropertyAssertionKey(t *testing.T) {
	key := PropertyAssertionKey("ws1", "Location", "1001", "region")
	require.Equal(t, "ws1:Location:1001:prop:region", key)
}

func TestRelationshipAssertionKey(t *testing.T) {
	key := RelationshipAssertionKey("ws1", "Location", "1001", "CONNECTS_TO", "Location", "1002")
	require.Equal(t, "ws1:Location:1001:CONNECTS_TO:Location:1002", key)
}

func TestAssertionKeyContentAddressedNotValueAddressed(t *testing.T) {
	// Same entities, different property value -> same key (content-addressed
	// on participating entities, not on the assertion's values).
	k1 := PropertyAssertionKey("ws1", "Location", "1001", "region")
	k2 := PropertyAssertionKey("ws1", "Location", "1001", "region")
	require.Equal(t, k1, k2)
}
