// Package ingest implements the nine-step ingestion orchestrator (spec.md
// §4.7, C7) — the hardest part of the system. It is grounded on
// steveyegge/beads/internal/importer's Options/Result shape and
// store_interface.go's narrow storage seam, generalized from bulk issue
// import to assertion-graph ingestion with change detection, disappearance
// detection, and a single ChangeEvent visibility boundary.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/graphstore"
	"github.com/factgraph/factgraph/internal/hashing"
	"github.com/factgraph/factgraph/internal/idgen"
	"github.com/factgraph/factgraph/internal/model"
	"github.com/factgraph/factgraph/internal/rowsource"
	"github.com/factgraph/factgraph/internal/specschema"
)

// Options parameterizes one Import call (spec.md §4.7 "Inputs").
type Options struct {
	WorkspaceID string
	SpecPath    string
	SourcePath  string
	Actor       string
}

// Result mirrors steveyegge/beads/internal/importer.Result's
// statistics-bag shape, scoped to the counters spec.md §4.7 step 9 names.
type Result struct {
	ImportRunID   string
	ChangeEventID string
	Created       int
	Closed        int
	Unchanged     int
	Status        model.ImportStatus
}

// Metrics holds the OpenTelemetry instruments the orchestrator records
// against (SPEC_FULL.md §2.2 domain stack: otel/metric + otel/sdk/metric).
type Metrics struct {
	Created   metric.Int64Counter
	Closed    metric.Int64Counter
	Unchanged metric.Int64Counter
	Duration  metric.Float64Histogram
}

// NewMetrics constructs the four instruments from a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	created, err := meter.Int64Counter("factgraph.ingest.assertions_created")
	if err != nil {
		return nil, err
	}
	closed, err := meter.Int64Counter("factgraph.ingest.assertions_closed")
	if err != nil {
		return nil, err
	}
	unchanged, err := meter.Int64Counter("factgraph.ingest.assertions_unchanged")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("factgraph.ingest.duration_seconds")
	if err != nil {
		return nil, err
	}
	return &Metrics{Created: created, Closed: closed, Unchanged: unchanged, Duration: duration}, nil
}

// Orchestrator runs the nine-step ingestion algorithm.
type Orchestrator struct {
	Store   graphstore.Store
	Schemas *specschema.Cache
	Logger  *slog.Logger
	Metrics *Metrics

	// locks serializes concurrent imports per (workspace_id, spec_name),
	// per spec.md §5 ("serialized per spec_name via a workspace-level
	// lock"). Different specs proceed in parallel.
	locks sync.Map // key: workspace_id+"\x1f"+spec_name -> *sync.Mutex
}

func (o *Orchestrator) lockFor(workspaceID, specName string) *sync.Mutex {
	key := workspaceID + "\x1f" + specName
	v, _ := o.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Import runs the full pipeline (spec.md §4.7).
func (o *Orchestrator) Import(ctx context.Context, opts Options) (*Result, error) {
	spec, err := specschema.LoadMappingSpec(opts.SpecPath)
	if err != nil {
		return nil, err
	}

	mu := o.lockFor(opts.WorkspaceID, spec.SpecName)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	if n, err := o.Store.ReapOrphans(ctx, opts.WorkspaceID); err != nil {
		o.log().Warn("reap orphans failed", "error", err)
	} else if n > 0 {
		o.log().Info("reaped orphan assertions", "count", n, "workspace_id", opts.WorkspaceID)
	}

	result, err := o.runPipeline(ctx, opts, spec)
	elapsed := time.Since(start).Seconds()
	if o.Metrics != nil {
		attrs := metric.WithAttributes(attribute.String("spec_name", spec.SpecName), attribute.String("workspace_id", opts.WorkspaceID))
		o.Metrics.Duration.Record(ctx, elapsed, attrs)
		if result != nil {
			o.Metrics.Created.Add(ctx, int64(result.Created), attrs)
			o.Metrics.Closed.Add(ctx, int64(result.Closed), attrs)
			o.Metrics.Unchanged.Add(ctx, int64(result.Unchanged), attrs)
		}
	}
	return result, err
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// candidateAssertion is an in-flight materialized candidate before the
// change-detection step decides create/keep/close+create.
type candidateAssertion struct {
	assertionKey     string
	relationshipType string
	propertyKey      string
	rawHash          string
	normalizedHash   string
	subjectEntityID  string
	objectEntityID   string
	objectPVIdentity *[3]string
	objectPVType     model.ValueType
	confidence       float64
}

// runPipeline implements steps (1)-(9).
func (o *Orchestrator) runPipeline(ctx context.Context, opts Options, spec *specschema.MappingSpec) (*Result, error) {
	// Step 1: Load + validate.
	schema, err := o.Schemas.Get(schemaPathForWorkspace(opts.WorkspaceID))
	if err != nil {
		o.log().Warn("no domain schema found, proceeding unvalidated", "workspace_id", opts.WorkspaceID)
		schema = nil
	}
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}

	run := &model.ImportRun{
		ID:             idgen.NewWithPrefix(idgen.PrefixImport),
		WorkspaceID:    opts.WorkspaceID,
		SpecName:       spec.SpecName,
		SourceFilename: opts.SourcePath,
		StartedAt:      time.Now(),
		Status:         model.ImportRunning,
	}
	if err := o.Store.StartImportRun(ctx, run); err != nil {
		return nil, err
	}

	result, runErr := o.ingestOnce(ctx, opts, spec, run)
	finished := time.Now()
	run.FinishedAt = &finished
	if runErr != nil {
		run.Status = model.ImportFailed
		_ = o.Store.FinishImportRun(ctx, run)
		return nil, runErr
	}
	run.Status = model.ImportOK
	run.Created = result.Created
	run.Closed = result.Closed
	run.Unchanged = result.Unchanged
	if err := o.Store.FinishImportRun(ctx, run); err != nil {
		return nil, err
	}
	result.ImportRunID = run.ID
	result.Status = model.ImportOK
	return result, nil
}

func schemaPathForWorkspace(workspaceID string) string {
	return "schemas/" + workspaceID + ".yaml"
}

func (o *Orchestrator) ingestOnce(ctx context.Context, opts Options, spec *specschema.MappingSpec, run *model.ImportRun) (*Result, error) {
	aliasToEntity := make(map[string]*model.Entity)
	candidatesByKey := make(map[string][]candidateAssertion)
	currentKeys := make(map[string]bool)

	serialization := spec.Serialization()
	normRules := spec.ChangeDetection.NormalizationRules

	for _, sheet := range spec.Sheets {
		rows, err := rowsource.Open(opts.SourcePath, sheet)
		if err != nil {
			return nil, err
		}
		if err := o.processSheet(ctx, opts, rows, sheet, serialization, normRules, aliasToEntity, candidatesByKey, currentKeys); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	result, err := o.changeDetectAndMaterialize(ctx, opts, spec, run, candidatesByKey, currentKeys)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// processSheet covers steps (2)-(4) for one sheet's rows.
func (o *Orchestrator) processSheet(
	ctx context.Context,
	opts Options,
	rows rowsource.StagedRowSource,
	sheet specschema.SheetMapping,
	serialization hashing.Serialization,
	normRules hashing.NormalizationRules,
	aliasToEntity map[string]*model.Entity,
	candidatesByKey map[string][]candidateAssertion,
	currentKeys map[string]bool,
) error {
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		row.Normalized = hashing.NormalizeRow(row.Raw, serialization, normRules)

		// Step 3: upsert entities, cache alias -> Entity for this row.
		rowAliasToEntity := make(map[string]*model.Entity, len(row.Entities))
		for _, cand := range row.Entities {
			ent, err := o.upsertEntity(ctx, opts.WorkspaceID, cand)
			if err != nil {
				return err
			}
			rowAliasToEntity[cand.Alias] = ent
			aliasToEntity[cand.Alias] = ent

			// Property candidates for this entity.
			for propKey, cell := range cand.Properties {
				if cell.Empty || slices.Contains(normRules.NullTokens, cellToStringValue(cell)) {
					continue // null tokens excluded (spec.md §4.7 step 4)
				}
				key := hashing.PropertyAssertionKey(opts.WorkspaceID, cand.EntityType, cand.PrimaryKey, propKey)
				pm := findPropertyMapping(sheet, cand.Alias, propKey)
				valueType := model.ValueString
				if pm != nil && pm.ValueType != "" {
					valueType = model.ValueType(pm.ValueType)
				}
				value := cellToStringValue(cell)
				cellRow := hashing.Row{
					"property_key": {Kind: hashing.CellString, Text: propKey},
					"value":        cell,
				}
				rawHash, normalizedHash, err := hashing.CandidateHashes(cellRow, []string{"property_key", "value"}, serialization, normRules)
				if err != nil {
					return err
				}
				identity := [3]string{propKey, value, string(valueType)}
				candidatesByKey[key] = append(candidatesByKey[key], candidateAssertion{
					assertionKey:     key,
					relationshipType: model.HasPropertyRelationship,
					propertyKey:      propKey,
					rawHash:          rawHash,
					normalizedHash:   normalizedHash,
					subjectEntityID:  ent.ID,
					objectPVIdentity: &identity,
					objectPVType:     valueType,
					confidence:       1.0,
				})
				currentKeys[key] = true
			}
		}

		// Step 4 (relationships): one relationship assertion per declared
		// relationship whose both endpoints resolved to Entities.
		for _, rc := range row.Relationships {
			from, okFrom := rowAliasToEntity[rc.FromAlias]
			to, okTo := rowAliasToEntity[rc.ToAlias]
			if !okFrom || !okTo {
				continue
			}
			key := hashing.RelationshipAssertionKey(opts.WorkspaceID, from.EntityType, from.PrimaryKey, rc.RelationshipType, to.EntityType, to.PrimaryKey)
			cellRow := hashing.Row{
				"from_entity_id": {Kind: hashing.CellString, Text: from.ID},
				"to_entity_id":   {Kind: hashing.CellString, Text: to.ID},
			}
			rawHash, normalizedHash, err := hashing.CandidateHashes(cellRow, []string{"from_entity_id", "to_entity_id"}, serialization, normRules)
			if err != nil {
				return err
			}
			candidatesByKey[key] = append(candidatesByKey[key], candidateAssertion{
				assertionKey:     key,
				relationshipType: rc.RelationshipType,
				rawHash:          rawHash,
				normalizedHash:   normalizedHash,
				subjectEntityID:  from.ID,
				objectEntityID:   to.ID,
				confidence:       1.0,
			})
			currentKeys[key] = true
		}
	}
}

func findPropertyMapping(sheet specschema.SheetMapping, alias, propertyKey string) *specschema.PropertyMapping {
	ent, ok := sheet.Entities[alias]
	if !ok {
		return nil
	}
	for i := range ent.Properties {
		if ent.Properties[i].PropertyKey == propertyKey {
			return &ent.Properties[i]
		}
	}
	return nil
}

func cellToStringValue(c hashing.Cell) string {
	switch c.Kind {
	case hashing.CellNumber:
		if c.Text != "" {
			return c.Text
		}
		return fmt.Sprintf("%v", c.Num)
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

func (o *Orchestrator) upsertEntity(ctx context.Context, workspaceID string, cand rowsource.EntityCandidate) (*model.Entity, error) {
	existing, err := o.Store.FindEntity(ctx, workspaceID, cand.EntityType, cand.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	ent := &model.Entity{
		ID:          idgen.NewWithPrefix(idgen.PrefixEntity),
		WorkspaceID: workspaceID,
		EntityType:  cand.EntityType,
		PrimaryKey:  cand.PrimaryKey,
	}
	if err := o.Store.InsertEntity(ctx, ent); err != nil {
		if _, ok := err.(*apperr.ConflictError); ok {
			// Lost an upsert race; fetch the winner.
			return o.Store.FindEntity(ctx, workspaceID, cand.EntityType, cand.PrimaryKey)
		}
		return nil, err
	}
	return ent, nil
}

// changeDetectAndMaterialize implements steps (5)-(9).
func (o *Orchestrator) changeDetectAndMaterialize(
	ctx context.Context,
	opts Options,
	spec *specschema.MappingSpec,
	run *model.ImportRun,
	candidatesByKey map[string][]candidateAssertion,
	currentKeys map[string]bool,
) (*Result, error) {
	source, err := o.resolveSource(ctx, opts.WorkspaceID, spec)
	if err != nil {
		return nil, err
	}
	strict := spec.ChangeDetection.Mode == "strict"

	var created, closed, unchanged []string
	createdCount, closedCount, unchangedCount := 0, 0, 0
	now := time.Now()

	keys := make([]string, 0, len(candidatesByKey))
	for k := range candidatesByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, cand := range candidatesByKey[key] {
			open, err := o.Store.OpenAssertionsForKey(ctx, opts.WorkspaceID, key, model.BaseScenario)
			if err != nil {
				return nil, err
			}
			var sameSource *model.AssertionRecord
			for _, a := range open {
				if a.SourceID == source.ID {
					sameSource = a
					break
				}
			}

			switch {
			case sameSource == nil:
				newID, err := o.createAssertion(ctx, opts.WorkspaceID, run, source, cand, now, "")
				if err != nil {
					return nil, err
				}
				created = append(created, newID)
				createdCount++
			case (strict && sameSource.RawHash == cand.rawHash) || (!strict && sameSource.NormalizedHash == cand.normalizedHash):
				unchanged = append(unchanged, sameSource.ID)
				unchangedCount++
			default:
				if err := o.Store.CloseAssertion(ctx, sameSource.ID, now); err != nil {
					return nil, err
				}
				closed = append(closed, sameSource.ID)
				closedCount++
				newID, err := o.createAssertion(ctx, opts.WorkspaceID, run, source, cand, now, sameSource.ID)
				if err != nil {
					return nil, err
				}
				created = append(created, newID)
				createdCount++
			}
		}
	}

	// Step 6: disappearance detection.
	previousKeys, err := o.Store.OpenAssertionsBySpec(ctx, opts.WorkspaceID, spec.SpecName)
	if err != nil {
		return nil, err
	}
	for _, pk := range previousKeys {
		if currentKeys[pk] {
			continue
		}
		open, err := o.Store.OpenAssertionsForKey(ctx, opts.WorkspaceID, pk, model.BaseScenario)
		if err != nil {
			return nil, err
		}
		for _, a := range open {
			if a.SourceID != source.ID {
				continue
			}
			if err := o.Store.CloseAssertion(ctx, a.ID, now); err != nil {
				return nil, err
			}
			closed = append(closed, a.ID)
			closedCount++
		}
	}

	// Step 8: emit ChangeEvent (always — zero-effect imports still record
	// the run, per the Open Question decision in DESIGN.md).
	ev := &model.ChangeEvent{
		ID:               idgen.NewWithPrefix(idgen.PrefixEvent),
		WorkspaceID:      opts.WorkspaceID,
		EventType:        model.ChangeImport,
		Ts:               now,
		Actor:            opts.Actor,
		Stats:            model.ChangeStats{Created: createdCount, Closed: closedCount, Unchanged: unchangedCount},
		Descr:            fmt.Sprintf("import %s: created=%d closed=%d unchanged=%d", spec.SpecName, createdCount, closedCount, unchangedCount),
		ImportRunID:      run.ID,
		CreatedAssertion: created,
		ClosedAssertion:  closed,
	}
	if err := o.Store.InsertChangeEvent(ctx, ev); err != nil {
		return nil, err
	}

	return &Result{
		ChangeEventID: ev.ID,
		Created:       createdCount,
		Closed:        closedCount,
		Unchanged:     unchangedCount,
	}, nil
}

func (o *Orchestrator) resolveSource(ctx context.Context, workspaceID string, spec *specschema.MappingSpec) (*model.Source, error) {
	src := &model.Source{
		ID:               idgen.NewWithPrefix(idgen.PrefixSource),
		WorkspaceID:      workspaceID,
		SourceName:       spec.SourceAuthority.SourceName,
		SourceType:       model.SourceSpreadsheet,
		AuthorityRank:    spec.SourceAuthority.AuthorityRank,
		AuthorityDomains: spec.SourceAuthority.AuthorityDomains,
	}
	if err := o.Store.UpsertSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func (o *Orchestrator) createAssertion(ctx context.Context, workspaceID string, run *model.ImportRun, source *model.Source, cand candidateAssertion, now time.Time, supersedes string) (string, error) {
	a := &model.AssertionRecord{
		ID:               idgen.NewWithPrefix(idgen.PrefixAssertion),
		WorkspaceID:      workspaceID,
		AssertionKey:     cand.assertionKey,
		RelationshipType: cand.relationshipType,
		PropertyKey:      cand.propertyKey,
		SourceType:       source.SourceType,
		SourceID:         source.ID,
		ImportRunID:      run.ID,
		RecordedAt:       now,
		ValidFrom:        now,
		ScenarioID:       model.BaseScenario,
		Confidence:       cand.confidence,
		Supersedes:       supersedes,
		SubjectEntityID:  cand.subjectEntityID,
		ObjectEntityID:   cand.objectEntityID,
	}
	if a.RelationshipType == model.HasPropertyRelationship {
		value := cand.objectPVIdentity[1]
		pv, err := o.Store.FindPropertyValue(ctx, workspaceID, *cand.objectPVIdentity)
		if err != nil {
			return "", err
		}
		if pv == nil {
			pv = &model.PropertyValue{
				ID:          idgen.NewWithPrefix(idgen.PrefixProperty),
				WorkspaceID: workspaceID,
				PropertyKey: cand.propertyKey,
				Value:       value,
				ValueType:   cand.objectPVType,
			}
			if err := o.Store.InsertPropertyValue(ctx, pv); err != nil {
				return "", err
			}
		}
		a.ObjectPropertyValueID = pv.ID
	}
	a.RawHash = cand.rawHash
	a.NormalizedHash = cand.normalizedHash
	if err := a.Validate(); err != nil {
		return "", err
	}
	if err := o.Store.InsertAssertion(ctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}
