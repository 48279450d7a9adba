// Package rowsource reads a staged spreadsheet or CSV file and emits the
// stream of staged rows consumed by the ingestion orchestrator (spec.md
// §4.4, C4). Missing key-column cells drop a candidate, never the row.
package rowsource

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tealeg/xlsx"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/hashing"
	"github.com/factgraph/factgraph/internal/specschema"
)

// EntityCandidate is a row-derived entity observation awaiting
// materialization (spec.md §4.4).
type EntityCandidate struct {
	Alias      string
	EntityType string
	PrimaryKey string
	Properties map[string]hashing.Cell
}

// RelationshipCandidate is a row-derived relationship observation awaiting
// materialization.
type RelationshipCandidate struct {
	RelationshipType string
	FromAlias        string
	ToAlias          string
}

// Provenance locates a staged row in its source file.
type Provenance struct {
	SheetName string
	RowIndex  int // 1-based
}

// StagedRow is C4's unit of output (spec.md §4.4).
type StagedRow struct {
	Raw        hashing.Row
	Normalized map[string]string // populated by the orchestrator once it knows the spec's normalization rules
	Entities   []EntityCandidate
	Relationships []RelationshipCandidate
	Provenance Provenance
}

// StagedRowSource streams StagedRows from an opened source file. Next
// returns io.EOF when exhausted.
type StagedRowSource interface {
	Next() (StagedRow, error)
	Close() error
}

// Open dispatches to the xlsx or CSV reader based on file extension.
func Open(path string, sheet specschema.SheetMapping) (StagedRowSource, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".csv"):
		return openCSV(path, sheet)
	case strings.HasSuffix(strings.ToLower(path), ".xlsx"):
		return openXLSX(path, sheet)
	default:
		return nil, apperr.NewValidation("rowsource: unsupported file extension for %s", path)
	}
}

// buildCandidates derives entity/relationship candidates from a cell map,
// shared by both readers (spec.md §4.4: "the parser does not raise" on a
// missing key column — it drops the candidate instead).
func buildCandidates(cells hashing.Row, sheet specschema.SheetMapping) ([]EntityCandidate, []RelationshipCandidate) {
	entities := make([]EntityCandidate, 0, len(sheet.Entities))
	presentAliases := make(map[string]bool, len(sheet.Entities))

	for alias, ent := range sheet.Entities {
		pk, ok := composeKey(cells, ent)
		if !ok {
			continue // missing key column(s): drop the candidate, not the row
		}
		props := make(map[string]hashing.Cell, len(ent.Properties))
		for _, pm := range ent.Properties {
			if c, ok := cells[pm.Column]; ok {
				props[pm.PropertyKey] = c
			}
		}
		entities = append(entities, EntityCandidate{
			Alias:      alias,
			EntityType: ent.EntityType,
			PrimaryKey: pk,
			Properties: props,
		})
		presentAliases[alias] = true
	}

	rels := make([]RelationshipCandidate, 0, len(sheet.Relationships))
	for _, rm := range sheet.Relationships {
		if !presentAliases[rm.FromEntity] || !presentAliases[rm.ToEntity] {
			continue
		}
		rels = append(rels, RelationshipCandidate{
			RelationshipType: rm.RelationshipType,
			FromAlias:        rm.FromEntity,
			ToAlias:          rm.ToEntity,
		})
	}
	return entities, rels
}

// composeKey renders an entity's primary key from its key_columns and
// optional key_template (spec.md §4.3). Returns ok=false if any declared
// key column is missing or empty.
func composeKey(cells hashing.Row, ent specschema.EntityMapping) (string, bool) {
	values := make([]string, 0, len(ent.KeyColumns))
	for _, col := range ent.KeyColumns {
		c, ok := cells[col]
		if !ok || c.Empty {
			return "", false
		}
		values = append(values, cellText(c))
	}
	if ent.KeyTemplate == "" {
		return strings.Join(values, "|"), true
	}
	key := ent.KeyTemplate
	for i, col := range ent.KeyColumns {
		key = strings.ReplaceAll(key, "{"+col+"}", values[i])
	}
	return key, true
}

func cellText(c hashing.Cell) string {
	switch c.Kind {
	case hashing.CellNumber:
		if c.Text != "" {
			return c.Text
		}
		return strconv.FormatFloat(c.Num, 'f', -1, 64)
	case hashing.CellBoolean:
		if c.Bool {
			return "true"
		}
		return "false"
	case hashing.CellDate:
		if c.Text != "" {
			return c.Text
		}
		return c.Time.Format("2006-01-02")
	default:
		return c.Text
	}
}

// --- xlsx reader ---

type xlsxSource struct {
	file      *xlsx.File
	sheet     specschema.SheetMapping
	xlsxSheet *xlsx.Sheet
	header    []string
	cursor    int // next row index into xlsxSheet.Rows (0-based, 0 is header)
}

func openXLSX(path string, sheet specschema.SheetMapping) (StagedRowSource, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, apperr.NewValidation("rowsource: cannot open xlsx %s: %v", path, err)
	}
	var target *xlsx.Sheet
	for _, s := range f.Sheets {
		if s.Name == sheet.SheetName {
			target = s
			break
		}
	}
	if target == nil {
		return nil, apperr.NewValidation("rowsource: sheet %q not found in %s", sheet.SheetName, path)
	}
	if len(target.Rows) == 0 {
		return nil, apperr.NewValidation("rowsource: sheet %q in %s has no rows", sheet.SheetName, path)
	}
	header := make([]string, len(target.Rows[0].Cells))
	for i, c := range target.Rows[0].Cells {
		header[i] = c.String()
	}
	return &xlsxSource{file: f, sheet: sheet, xlsxSheet: target, header: header, cursor: 1}, nil
}

func (x *xlsxSource) Next() (StagedRow, error) {
	if x.cursor >= len(x.xlsxSheet.Rows) {
		return StagedRow{}, io.EOF
	}
	row := x.xlsxSheet.Rows[x.cursor]
	cells := make(hashing.Row, len(x.header))
	for i, colName := range x.header {
		if i >= len(row.Cells) {
			cells[colName] = hashing.Cell{Empty: true}
			continue
		}
		cells[colName] = xlsxCellToHashingCell(row.Cells[i])
	}
	entities, rels := buildCandidates(cells, x.sheet)
	sr := StagedRow{
		Raw:           cells,
		Entities:      entities,
		Relationships: rels,
		Provenance:    Provenance{SheetName: x.sheet.SheetName, RowIndex: x.cursor + 1},
	}
	x.cursor++
	return sr, nil
}

func (x *xlsxSource) Close() error { return nil }

func xlsxCellToHashingCell(c *xlsx.Cell) hashing.Cell {
	text := c.String()
	if text == "" {
		return hashing.Cell{Empty: true}
	}
	switch c.Type() {
	case xlsx.CellTypeNumeric:
		f, err := c.Float()
		if err != nil {
			return hashing.Cell{Kind: hashing.CellString, Text: text}
		}
		return hashing.Cell{Kind: hashing.CellNumber, Num: f, Text: text}
	case xlsx.CellTypeBool:
		return hashing.Cell{Kind: hashing.CellBoolean, Bool: text == "1" || strings.EqualFold(text, "true"), Text: text}
	default:
		return hashing.Cell{Kind: hashing.CellString, Text: text}
	}
}

// --- csv reader ---

type csvSource struct {
	file   *os.File
	reader *csv.Reader
	sheet  specschema.SheetMapping
	header []string
	cursor int
}

func openCSV(path string, sheet specschema.SheetMapping) (StagedRowSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.NewValidation("rowsource: cannot open csv %s: %v", path, err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, apperr.NewValidation("rowsource: cannot read csv header from %s: %v", path, err)
	}
	return &csvSource{file: f, reader: r, sheet: sheet, header: header}, nil
}

func (c *csvSource) Next() (StagedRow, error) {
	record, err := c.reader.Read()
	if err == io.EOF {
		return StagedRow{}, io.EOF
	}
	if err != nil {
		return StagedRow{}, apperr.NewValidation("rowsource: csv read error: %v", err)
	}
	c.cursor++
	cells := make(hashing.Row, len(c.header))
	for i, colName := range c.header {
		if i >= len(record) || record[i] == "" {
			cells[colName] = hashing.Cell{Empty: true}
			continue
		}
		cells[colName] = csvValueToCell(record[i])
	}
	entities, rels := buildCandidates(cells, c.sheet)
	return StagedRow{
		Raw:           cells,
		Entities:      entities,
		Relationships: rels,
		Provenance:    Provenance{SheetName: c.sheet.SheetName, RowIndex: c.cursor + 1},
	}, nil
}

func (c *csvSource) Close() error { return c.file.Close() }

// csvValueToCell infers number/bool/string kind for a raw CSV text value.
// CSV carries no cell-type metadata, so "as displayed" degenerates to the
// literal text (spec.md §4.2 "as_displayed" preserves whatever is on the
// page; for CSV that is simply the field as written).
func csvValueToCell(text string) hashing.Cell {
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return hashing.Cell{Kind: hashing.CellNumber, Num: f, Text: text}
	}
	if b, err := strconv.ParseBool(text); err == nil {
		return hashing.Cell{Kind: hashing.CellBoolean, Bool: b, Text: text}
	}
	return hashing.Cell{Kind: hashing.CellString, Text: text}
}
