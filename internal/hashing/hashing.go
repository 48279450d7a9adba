// Package hashing implements the canonical row serializer, the
// normalization pipeline, the dual raw/normalized digest, and the
// assertion-key composer (spec.md §4.2, C2).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/factgraph/factgraph/internal/apperr"
)

// NumberFormat controls how a numeric cell is rendered before hashing.
type NumberFormat struct {
	// AsDisplayed preserves the source's own formatted text for the cell
	// (spec.md §4.2: "preserves displayed formatting").
	AsDisplayed bool `yaml:"as_displayed"`
	// DecimalPlaces is applied only during normalization.
	DecimalPlaces int `yaml:"decimal_places"`
}

// DateFormat controls how a date cell is rendered before hashing.
type DateFormat struct {
	AsDisplayed bool `yaml:"as_displayed"`
	// Layout is read from the spec's date_format block; neither the hasher
	// nor the row readers consult it (normalization formats date cells as
	// YYYY-MM-DD from their time value).
	Layout string `yaml:"layout"`
}

// Serialization is the raw_hash_serialization block of a mapping spec
// (spec.md §4.3).
type Serialization struct {
	CellOrder         []string
	Delimiter         string
	NullRepresentation string
	NumberFormat      NumberFormat
	DateFormat        DateFormat
	IncludeFormatting bool
}

// NormalizationRules is the change_detection.normalization_rules block.
type NormalizationRules struct {
	TrimWhitespace     bool     `yaml:"trim_whitespace"`
	CollapseWhitespace bool     `yaml:"collapse_whitespace"`
	CaseFold           bool     `yaml:"case_fold"`
	NullTokens         []string `yaml:"null_tokens"`
	NullLiteral        string   `yaml:"null_literal"`
}

// Cell is one raw value read from a staged row, tagged with its kind so the
// serializer knows how to render it.
type Cell struct {
	Kind  CellKind
	Text  string    // AsDisplayed text, when Kind requires it
	Num   float64   // numeric value, when Kind == CellNumber
	Bool  bool      // boolean value, when Kind == CellBoolean
	Time  time.Time // date value, when Kind == CellDate
	Empty bool
}

type CellKind string

const (
	CellString  CellKind = "string"
	CellNumber  CellKind = "number"
	CellBoolean CellKind = "boolean"
	CellDate    CellKind = "date"
)

// Row is the ordered, named set of cells a StagedRow exposes for hashing.
type Row map[string]Cell

// serializeCell renders a single cell for canonical (raw) serialization.
func serializeCell(c Cell, s Serialization) string {
	if c.Empty {
		return s.NullRepresentation
	}
	switch c.Kind {
	case CellNumber:
		if s.NumberFormat.AsDisplayed && c.Text != "" {
			return c.Text
		}
		return strconv.FormatFloat(c.Num, 'f', -1, 64)
	case CellDate:
		if s.DateFormat.AsDisplayed && c.Text != "" {
			return c.Text
		}
		return c.Time.Format(time.RFC3339)
	case CellBoolean:
		if c.Bool {
			return "true"
		}
		return "false"
	default:
		return c.Text
	}
}

// CanonicalSerialize renders row into the byte sequence fed to raw_hash,
// per spec.md §4.2 steps 1-3.
func CanonicalSerialize(row Row, s Serialization) (string, error) {
	if len(s.CellOrder) == 0 {
		return "", apperr.NewValidation("hashing: cell_order must be non-empty")
	}
	parts := make([]string, 0, len(s.CellOrder))
	for _, col := range s.CellOrder {
		cell, ok := row[col]
		if !ok {
			cell = Cell{Empty: true}
		}
		parts = append(parts, serializeCell(cell, s))
	}
	return strings.Join(parts, s.Delimiter), nil
}

// RawHash digests the canonical serialization of row (spec.md §4.2 step 4).
func RawHash(row Row, s Serialization) (string, error) {
	canon, err := CanonicalSerialize(row, s)
	if err != nil {
		return "", err
	}
	return digest(canon), nil
}

// normalizeCell applies the per-cell normalization pipeline before
// concatenation (spec.md §4.2, "Normalization").
func normalizeCell(c Cell, s Serialization, n NormalizationRules) string {
	if c.Empty {
		return n.NullLiteral
	}
	raw := serializeCell(c, s)
	for _, tok := range n.NullTokens {
		if raw == tok {
			return n.NullLiteral
		}
	}
	switch c.Kind {
	case CellNumber:
		return strconv.FormatFloat(c.Num, 'f', s.NumberFormat.DecimalPlaces, 64)
	case CellDate:
		return c.Time.Format("2006-01-02")
	case CellBoolean:
		if c.Bool {
			return "true"
		}
		return "false"
	default:
		out := raw
		if n.TrimWhitespace {
			out = strings.TrimSpace(out)
		}
		if n.CollapseWhitespace {
			out = collapseWhitespace(out)
		}
		if n.CaseFold {
			out = strings.ToLower(out)
		}
		return out
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// NormalizedSerialize renders row through the normalization pipeline into
// the string digested by NormalizedHash. The StagedRow's per-column
// normalized cell map comes from NormalizeRow instead.
func NormalizedSerialize(row Row, s Serialization, n NormalizationRules) (string, error) {
	if len(s.CellOrder) == 0 {
		return "", apperr.NewValidation("hashing: cell_order must be non-empty")
	}
	parts := make([]string, 0, len(s.CellOrder))
	for _, col := range s.CellOrder {
		cell, ok := row[col]
		if !ok {
			cell = Cell{Empty: true}
		}
		parts = append(parts, normalizeCell(cell, s, n))
	}
	return strings.Join(parts, s.Delimiter), nil
}

// NormalizedHash digests the normalized serialization of row.
func NormalizedHash(row Row, s Serialization, n NormalizationRules) (string, error) {
	norm, err := NormalizedSerialize(row, s, n)
	if err != nil {
		return "", err
	}
	return digest(norm), nil
}

// NormalizeRow renders every cell of row through the normalization pipeline,
// keyed by column name (spec.md §4.4: staged rows carry a normalized cell
// map alongside the raw one, consulted under normalized-mode change
// detection).
func NormalizeRow(row Row, s Serialization, n NormalizationRules) map[string]string {
	out := make(map[string]string, len(row))
	for col, cell := range row {
		out[col] = normalizeCell(cell, s, n)
	}
	return out
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CandidateHashes computes the raw_hash/normalized_hash pair for a single
// candidate assertion's own content (property key+value, or relationship
// endpoint identities), independent of the rest of the row it came from
// (spec.md §4.6). order selects and orders the fields of cells to hash; the
// rest of s (delimiter, null_representation, number/date format) is carried
// over unchanged from the spec's raw_hash_serialization block so formatting
// honors as_displayed exactly like a full-row hash would.
func CandidateHashes(cells Row, order []string, s Serialization, n NormalizationRules) (rawHash, normalizedHash string, err error) {
	s.CellOrder = order
	rawHash, err = RawHash(cells, s)
	if err != nil {
		return "", "", err
	}
	normalizedHash, err = NormalizedHash(cells, s, n)
	if err != nil {
		return "", "", err
	}
	return rawHash, normalizedHash, nil
}

// PropertyAssertionKey composes the stable key for a property assertion
// (spec.md §4.2, "Assertion key").
func PropertyAssertionKey(workspaceID, entityType, primaryKey, propertyKey string) string {
	return fmt.Sprintf("%s:%s:%s:prop:%s", workspaceID, entityType, primaryKey, propertyKey)
}

// RelationshipAssertionKey composes the stable key for a relationship
// assertion (spec.md §4.2, "Assertion key").
func RelationshipAssertionKey(workspaceID, fromType, fromPK, relationshipType, toType, toPK string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", workspaceID, fromType, fromPK, relationshipType, toType, toPK)
}
