// Package graphstore defines the typed CRUD gateway (spec.md §4.5, C5) in
// front of the backing property-graph store, plus memstore, an in-memory
// reference implementation used by tests and by cmd/factgraphd when no
// external store is configured.
package graphstore

import (
	"context"
	"time"

	"github.com/factgraph/factgraph/internal/model"
)

// Store is the only component permitted to speak the backing store's query
// language (spec.md §4.5). Every method is workspace_id-scoped.
type Store interface {
	FindEntity(ctx context.Context, workspaceID, entityType, primaryKey string) (*model.Entity, error)
	InsertEntity(ctx context.Context, e *model.Entity) error

	OpenAssertionsForKey(ctx context.Context, workspaceID, assertionKey, scenarioID string) ([]*model.AssertionRecord, error)
	OpenAssertionsForEntity(ctx context.Context, workspaceID, entityID string) ([]*model.AssertionRecord, error)
	OpenAssertionsBySpec(ctx context.Context, workspaceID, specName string) ([]string, error)

	// InsertAssertion creates the AssertionRecord vertex and both
	// ASSERTED_REL edges atomically. Exactly one of a.ObjectEntityID and
	// a.ObjectPropertyValueID is set.
	InsertAssertion(ctx context.Context, a *model.AssertionRecord) error
	// CloseAssertion patches only valid_to; refuses to re-close an already
	// closed assertion (spec.md §4.5).
	CloseAssertion(ctx context.Context, id string, validTo time.Time) error

	InsertChangeEvent(ctx context.Context, ev *model.ChangeEvent) error
	UpsertSource(ctx context.Context, s *model.Source) error
	// GetSource resolves a Source by id, for authority-rank lookups during
	// resolution (spec.md §4.6 step 4).
	GetSource(ctx context.Context, id string) (*model.Source, error)

	// GetPropertyValue/InsertPropertyValue back the PropertyValue
	// deduplication decision in DESIGN.md's Open Question section.
	FindPropertyValue(ctx context.Context, workspaceID string, identity [3]string) (*model.PropertyValue, error)
	InsertPropertyValue(ctx context.Context, pv *model.PropertyValue) error
	GetPropertyValue(ctx context.Context, id string) (*model.PropertyValue, error)

	GetAssertion(ctx context.Context, id string) (*model.AssertionRecord, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)

	// ReapOrphans deletes any AssertionRecord with no CREATED_ASSERTION edge
	// pointing to it (spec.md §9 orphan strategy: write-ChangeEvent-last +
	// reap-on-next-run, see DESIGN.md).
	ReapOrphans(ctx context.Context, workspaceID string) (int, error)

	// StartImportRun/FinishImportRun manage ImportRun lifecycle rows.
	StartImportRun(ctx context.Context, r *model.ImportRun) error
	FinishImportRun(ctx context.Context, r *model.ImportRun) error
	GetImportRun(ctx context.Context, id string) (*model.ImportRun, error)
	ListImportRuns(ctx context.Context, workspaceID string) ([]*model.ImportRun, error)

	GetChangeEvent(ctx context.Context, id string) (*model.ChangeEvent, error)
	// ChangeEventForImportRun finds the ChangeEvent linked to an ImportRun
	// by TRIGGERED_BY (spec.md §4.7 step 8; used by internal/query's import
	// diff). Returns nil, nil if no ChangeEvent was ever linked.
	ChangeEventForImportRun(ctx context.Context, workspaceID, importRunID string) (*model.ChangeEvent, error)

	SearchEntities(ctx context.Context, opts SearchOptions) ([]*model.Entity, error)
}

// SearchOptions parameterizes SearchEntities (spec.md §6, entity search).
type SearchOptions struct {
	WorkspaceID string
	EntityType  string // optional filter
	PrimaryKey  string // optional exact filter
	Query       string // optional substring match against primary_key/display_name
	Limit       int    // default 50, max 500 — enforced by internal/query
	Offset      int
}
