// Package model defines the six vertex kinds and four edge kinds of the
// assertion graph (spec.md §3): Entity, AssertionRecord, PropertyValue,
// ChangeEvent, ImportRun, and Source, plus the edges that connect them.
package model

import (
	"time"

	"github.com/factgraph/factgraph/internal/apperr"
)

// SourceType enumerates where an AssertionRecord's evidence came from.
type SourceType string

const (
	SourceSpreadsheet SourceType = "spreadsheet"
	SourceAPI         SourceType = "api"
	SourceManual      SourceType = "manual"
	SourceDerived     SourceType = "derived"
	SourceInferred    SourceType = "inferred"
)

func (t SourceType) valid() bool {
	switch t {
	case SourceSpreadsheet, SourceAPI, SourceManual, SourceDerived, SourceInferred:
		return true
	}
	return false
}

// ValueType enumerates the legal types of a PropertyValue.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
	ValueJSON    ValueType = "json"
)

func (t ValueType) valid() bool {
	switch t {
	case ValueString, ValueNumber, ValueBoolean, ValueDate, ValueJSON:
		return true
	}
	return false
}

// ChangeEventType enumerates the atomic actions that produce a ChangeEvent.
type ChangeEventType string

const (
	ChangeImport         ChangeEventType = "import"
	ChangeManualEdit     ChangeEventType = "manual_edit"
	ChangeManualResolve  ChangeEventType = "manual_resolve"
	ChangeScenarioDelta  ChangeEventType = "scenario_delta"
)

// ImportStatus enumerates the lifecycle of an ImportRun.
type ImportStatus string

const (
	ImportRunning ImportStatus = "running"
	ImportOK      ImportStatus = "ok"
	ImportFailed  ImportStatus = "failed"
)

// BaseScenario is the well-known scenario id for reality (as opposed to a
// what-if branch).
const BaseScenario = "base"

// HasPropertyRelationship is the pseudo relationship_type used for property
// assertions (spec.md §3, AssertionRecord.relationship_type).
const HasPropertyRelationship = "HAS_PROPERTY"

// PositiveInfinity is the sentinel valid_to value meaning "currently valid".
// AssertionRecord.ValidTo is a pointer; nil means +infinity.
var PositiveInfinity *time.Time

// Entity is a domain object (Location, Device, Connection, ...).
type Entity struct {
	ID          string
	WorkspaceID string
	EntityType  string
	PrimaryKey  string
	DisplayName string
	// ConvenienceProperties is the slot for flattened copies of the entity's
	// resolved property values (spec.md §3, "Optional convenience
	// properties"). Keys are property_key. Nothing in this repository fills
	// it: imports leave it nil, and the resolved values are read through
	// internal/query instead.
	ConvenienceProperties map[string]PropertyValue
}

func (e *Entity) Validate() error {
	if e.WorkspaceID == "" {
		return apperr.NewValidation("entity: workspace_id is required")
	}
	if e.EntityType == "" {
		return apperr.NewValidation("entity: entity_type is required")
	}
	if e.PrimaryKey == "" {
		return apperr.NewValidation("entity: primary_key is required")
	}
	return nil
}

// AssertionRecord is a versioned evidence-backed claim (spec.md §3).
type AssertionRecord struct {
	ID               string
	WorkspaceID      string
	AssertionKey     string
	RelationshipType string
	PropertyKey      string // present iff this is a property assertion
	RawHash          string
	NormalizedHash   string
	SourceType       SourceType
	SourceRef        string
	SourceID         string
	ImportRunID      string
	RecordedAt       time.Time
	ValidFrom        time.Time
	ValidTo          *time.Time // nil == +infinity ("currently valid")
	ScenarioID       string
	Confidence       float64
	Supersedes       string

	// SubjectEntityID and ObjectEntityID/ObjectPropertyValueID describe the
	// two ASSERTED_REL edges this record anchors (spec.md §3, Edges). Exactly
	// one of ObjectEntityID/ObjectPropertyValueID is set.
	SubjectEntityID        string
	ObjectEntityID         string
	ObjectPropertyValueID  string
}

// IsOpen reports whether this record is currently valid (valid_to == ∞).
func (a *AssertionRecord) IsOpen() bool { return a.ValidTo == nil }

// IsPropertyAssertion reports whether this record carries a property claim
// (relationship_type == HAS_PROPERTY) as opposed to a relationship claim.
func (a *AssertionRecord) IsPropertyAssertion() bool {
	return a.RelationshipType == HasPropertyRelationship
}

func (a *AssertionRecord) Validate() error {
	if a.WorkspaceID == "" {
		return apperr.NewValidation("assertion: workspace_id is required")
	}
	if a.AssertionKey == "" {
		return apperr.NewValidation("assertion: assertion_key is required")
	}
	if a.RelationshipType == "" {
		return apperr.NewValidation("assertion: relationship_type is required")
	}
	if !a.SourceType.valid() {
		return apperr.NewValidation("assertion: invalid source_type %q", a.SourceType)
	}
	if a.ValidFrom.After(validToOrInf(a.ValidTo)) {
		return apperr.NewValidation("assertion: valid_from must be <= valid_to")
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return apperr.NewValidation("assertion: confidence must be in [0,1], got %v", a.Confidence)
	}
	if a.SubjectEntityID == "" {
		return apperr.NewValidation("assertion: subject entity is required")
	}
	if a.IsPropertyAssertion() {
		if a.PropertyKey == "" {
			return apperr.NewValidation("assertion: property_key is required for HAS_PROPERTY")
		}
		if a.ObjectPropertyValueID == "" {
			return apperr.NewValidation("assertion: object property value is required for HAS_PROPERTY")
		}
	} else {
		if a.ObjectEntityID == "" {
			return apperr.NewValidation("assertion: object entity is required for relationship assertions")
		}
	}
	return nil
}

func validToOrInf(t *time.Time) time.Time {
	if t == nil {
		return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return *t
}

// PropertyValue is a typed value object, created only via property
// assertions (spec.md §3).
type PropertyValue struct {
	ID          string
	WorkspaceID string
	PropertyKey string
	Value       string
	ValueType   ValueType
}

func (p *PropertyValue) Validate() error {
	if p.WorkspaceID == "" {
		return apperr.NewValidation("property_value: workspace_id is required")
	}
	if p.PropertyKey == "" {
		return apperr.NewValidation("property_value: property_key is required")
	}
	if !p.ValueType.valid() {
		return apperr.NewValidation("property_value: invalid value_type %q", p.ValueType)
	}
	return nil
}

// Identity is the triple equality test spec.md §3 requires for sharing
// PropertyValue vertices across assertions ("equality of the triple is the
// test" — see DESIGN.md Open Question decisions for why this repo chooses
// to deduplicate rather than duplicate).
func (p *PropertyValue) Identity() [3]string {
	return [3]string{p.PropertyKey, p.Value, string(p.ValueType)}
}

// ChangeStats summarizes a ChangeEvent's effect on AssertionRecords.
type ChangeStats struct {
	Created   int
	Closed    int
	Unchanged int
}

// ChangeEvent is the causal container for a batch of created/closed
// assertions (spec.md §3). Exactly one per ingestion run or other atomic
// mutation action (invariant).
type ChangeEvent struct {
	ID          string
	WorkspaceID string
	EventType   ChangeEventType
	Ts          time.Time
	Actor       string
	Stats       ChangeStats
	Descr       string

	ImportRunID      string   // TRIGGERED_BY target, if event_type == import
	CreatedAssertion []string // CREATED_ASSERTION edge targets
	ClosedAssertion  []string // CLOSED_ASSERTION edge targets
}

func (c *ChangeEvent) Validate() error {
	if c.WorkspaceID == "" {
		return apperr.NewValidation("change_event: workspace_id is required")
	}
	switch c.EventType {
	case ChangeImport, ChangeManualEdit, ChangeManualResolve, ChangeScenarioDelta:
	default:
		return apperr.NewValidation("change_event: invalid event_type %q", c.EventType)
	}
	return nil
}

// ImportRun is metadata for one ingestion (spec.md §3).
type ImportRun struct {
	ID             string
	WorkspaceID    string
	SpecName       string
	SourceFilename string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         ImportStatus
	Created        int
	Closed         int
	Unchanged      int
}

// Source is a registered evidence source (spec.md §3).
type Source struct {
	ID              string
	WorkspaceID     string
	SourceName      string
	SourceType      SourceType
	AuthorityDomains []string
	AuthorityRank   int // lower = higher priority
}

func (s *Source) Validate() error {
	if s.WorkspaceID == "" {
		return apperr.NewValidation("source: workspace_id is required")
	}
	if s.SourceName == "" {
		return apperr.NewValidation("source: source_name is required")
	}
	if !s.SourceType.valid() {
		return apperr.NewValidation("source: invalid source_type %q", s.SourceType)
	}
	return nil
}
