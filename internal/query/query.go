// Package query implements the read-only query surface (spec.md §4.8, C8):
// entity search, entity detail assembly via the resolution engine, and
// import diff. New code — beads' internal/query is a full filter-expression
// search DSL for issue tracking with no counterpart requirement here (see
// DESIGN.md); this package is built directly against graphstore/resolution.
package query

import (
	"context"
	"time"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/graphstore"
	"github.com/factgraph/factgraph/internal/model"
	"github.com/factgraph/factgraph/internal/resolution"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ViewMode selects how Detail assembles an entity's assertions.
type ViewMode string

const (
	ViewResolved   ViewMode = "resolved"
	ViewAllClaims  ViewMode = "all_claims"
)

// Service wires the query surface against a Store.
type Service struct {
	Store graphstore.Store
}

// SearchInput is the entity search request (spec.md §4.8).
type SearchInput struct {
	WorkspaceID string
	EntityType  string
	PrimaryKey  string
	Query       string
	Limit       int
	Offset      int
}

// Search returns a bounded page of Entity summaries via pure index lookup
// (no assertion traversal).
func (s *Service) Search(ctx context.Context, in SearchInput) ([]*model.Entity, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return s.Store.SearchEntities(ctx, graphstore.SearchOptions{
		WorkspaceID: in.WorkspaceID,
		EntityType:  in.EntityType,
		PrimaryKey:  in.PrimaryKey,
		Query:       in.Query,
		Limit:       limit,
		Offset:      in.Offset,
	})
}

// DetailInput is the entity detail request (spec.md §4.8).
type DetailInput struct {
	WorkspaceID string
	EntityID    string
	ViewMode    ViewMode
	ScenarioID  string
	AsOf        time.Time
}

// PropertyClaim is a resolved or annotated property assertion in a detail
// response.
type PropertyClaim struct {
	PropertyKey string
	Value       string
	ValueType   model.ValueType
	resolution.Claim
}

// RelationshipClaim is a resolved or annotated relationship assertion in a
// detail response.
type RelationshipClaim struct {
	RelationshipType string
	ObjectEntityID   string
	resolution.Claim
}

// Detail is the assembled entity-detail response (spec.md §4.8 steps 1-5).
type Detail struct {
	Entity        *model.Entity
	Properties    []PropertyClaim
	Relationships []RelationshipClaim
}

// Detail assembles the resolved (or all-claims) view of one entity.
func (s *Service) Detail(ctx context.Context, in DetailInput) (*Detail, error) {
	if in.ViewMode == "" {
		in.ViewMode = ViewResolved
	}
	if in.ScenarioID == "" {
		in.ScenarioID = model.BaseScenario
	}
	if in.AsOf.IsZero() {
		in.AsOf = time.Now()
	}

	ent, err := s.Store.GetEntity(ctx, in.EntityID)
	if err != nil {
		return nil, err
	}
	if ent.WorkspaceID != in.WorkspaceID {
		return nil, apperr.NewNotFound(in.EntityID, "entity %s not found in workspace %s", in.EntityID, in.WorkspaceID)
	}

	open, err := s.Store.OpenAssertionsForEntity(ctx, in.WorkspaceID, in.EntityID)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*model.AssertionRecord)
	for _, a := range open {
		groups[a.AssertionKey] = append(groups[a.AssertionKey], a)
	}

	sourceCache := make(map[string]*model.Source)
	authority := func(sourceID string) (int, bool) {
		src, ok := sourceCache[sourceID]
		if !ok {
			var err error
			src, err = s.Store.GetSource(ctx, sourceID)
			if err != nil {
				src = nil
			}
			sourceCache[sourceID] = src
		}
		if src == nil {
			return 0, false
		}
		return src.AuthorityRank, true
	}

	var props []PropertyClaim
	var rels []RelationshipClaim
	for _, records := range groups {
		claims := resolution.ResolveAll(resolution.Input{
			Assertions: records,
			ScenarioID: in.ScenarioID,
			AsOf:       in.AsOf,
			Authority:  authority,
		})
		for _, c := range claims {
			if in.ViewMode == ViewResolved && !c.IsWinner {
				continue
			}
			if c.Assertion.IsPropertyAssertion() {
				pv, err := s.propertyValueFor(ctx, c.Assertion)
				if err != nil {
					return nil, err
				}
				pc := PropertyClaim{PropertyKey: c.Assertion.PropertyKey, Claim: c}
				if pv != nil {
					pc.Value = pv.Value
					pc.ValueType = pv.ValueType
				}
				props = append(props, pc)
			} else {
				rels = append(rels, RelationshipClaim{
					RelationshipType: c.Assertion.RelationshipType,
					ObjectEntityID:   c.Assertion.ObjectEntityID,
					Claim:            c,
				})
			}
		}
	}

	return &Detail{Entity: ent, Properties: props, Relationships: rels}, nil
}

func (s *Service) propertyValueFor(ctx context.Context, a *model.AssertionRecord) (*model.PropertyValue, error) {
	if a.ObjectPropertyValueID == "" {
		return nil, nil
	}
	return s.Store.GetPropertyValue(ctx, a.ObjectPropertyValueID)
}

// DiffInput is the import diff request (spec.md §4.8).
type DiffInput struct {
	WorkspaceID string
	ImportRunID string
}

// AssertionSummary is a dereferenced assertion entry in an import diff
// (spec.md §4.8: "dereferenced to include assertion_key, content summary,
// and subject/object references").
type AssertionSummary struct {
	AssertionID      string
	AssertionKey     string
	RelationshipType string
	PropertyKey      string
	SubjectEntityID  string
	ObjectEntityID   string
	ObjectPropertyValueID string
}

// Diff is the assembled import-diff response.
type Diff struct {
	ImportRunID string
	Created     []AssertionSummary
	Closed      []AssertionSummary
}

// Diff dereferences the ChangeEvent produced by the given import run.
func (s *Service) Diff(ctx context.Context, in DiffInput) (*Diff, error) {
	run, err := s.Store.GetImportRun(ctx, in.ImportRunID)
	if err != nil {
		return nil, err
	}
	if run.WorkspaceID != in.WorkspaceID {
		return nil, apperr.NewNotFound(in.ImportRunID, "import_run %s not found in workspace %s", in.ImportRunID, in.WorkspaceID)
	}

	ev, err := s.Store.ChangeEventForImportRun(ctx, in.WorkspaceID, run.ID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &Diff{ImportRunID: in.ImportRunID}, nil
	}

	created, err := s.dereference(ctx, ev.CreatedAssertion)
	if err != nil {
		return nil, err
	}
	closed, err := s.dereference(ctx, ev.ClosedAssertion)
	if err != nil {
		return nil, err
	}
	return &Diff{ImportRunID: in.ImportRunID, Created: created, Closed: closed}, nil
}

func (s *Service) dereference(ctx context.Context, ids []string) ([]AssertionSummary, error) {
	out := make([]AssertionSummary, 0, len(ids))
	for _, id := range ids {
		a, err := s.Store.GetAssertion(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, AssertionSummary{
			AssertionID:           a.ID,
			AssertionKey:          a.AssertionKey,
			RelationshipType:      a.RelationshipType,
			PropertyKey:           a.PropertyKey,
			SubjectEntityID:       a.SubjectEntityID,
			ObjectEntityID:        a.ObjectEntityID,
			ObjectPropertyValueID: a.ObjectPropertyValueID,
		})
	}
	return out, nil
}
