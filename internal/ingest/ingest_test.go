package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/internal/graphstore"
	"github.com/factgraph/factgraph/internal/specschema"
)

const strictSpecYAML = `
spec_name: locations_v1
workspace_id: ws1
sheets:
  - sheet_name: Sheet1
    entities:
      loc:
        entity_type: Location
        key_columns: ["loc_id"]
        properties:
          - column: region
            property_key: region
raw_hash_serialization:
  cell_order: ["loc_id", "region"]
  delimiter: "|"
  null_representation: "<NULL>"
  number_format:
    as_displayed: true
  date_format:
    as_displayed: true
change_detection:
  mode: strict
source_authority:
  source_name: locations_sheet
  authority_rank: 1
`

const normalizedSpecYAML = `
spec_name: locations_v1
workspace_id: ws1
sheets:
  - sheet_name: Sheet1
    entities:
      loc:
        entity_type: Location
        key_columns: ["loc_id"]
        properties:
          - column: region
            property_key: region
raw_hash_serialization:
  cell_order: ["loc_id", "region"]
  delimiter: "|"
  null_representation: "<NULL>"
  number_format:
    as_displayed: true
  date_format:
    as_displayed: true
change_detection:
  mode: normalized
  normalization_rules:
    trim_whitespace: true
    collapse_whitespace: true
    case_fold: true
    null_literal: "<NULL>"
source_authority:
  source_name: locations_sheet
  authority_rank: 1
`

func setup(t *testing.T, specYAML, csvContent string) (*Orchestrator, Options) {
	t.Helper()
	dir := t.TempDir()
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(specYAML), 0o644))
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvContent), 0o644))

	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))
	schemaPath := filepath.Join(schemaDir, "ws1.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte("workspace_id: ws1\nentity_types: [\"Location\"]\n"), 0o644))

	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	o := &Orchestrator{
		Store:   graphstore.NewMemStore(),
		Schemas: specschema.NewCache(),
	}
	return o, Options{WorkspaceID: "ws1", SpecPath: specPath, SourcePath: csvPath, Actor: "test"}
}

func TestFirstImportCreatesEntitiesAndAssertions(t *testing.T) {
	o, opts := setup(t, strictSpecYAML, "loc_id,region\n1001,east\n1002,west\n1003,east\n")
	res, err := o.Import(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)
	require.Equal(t, 0, res.Closed)
	require.Equal(t, 0, res.Unchanged)
}

func TestIdempotentReimportUnderNormalizedMode(t *testing.T) {
	o, opts := setup(t, normalizedSpecYAML, "loc_id,region\n1001,east\n1002,west\n1003,east\n")
	_, err := o.Import(context.Background(), opts)
	require.NoError(t, err)

	res2, err := o.Import(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 0, res2.Created)
	require.Equal(t, 0, res2.Closed)
	require.Equal(t, 3, res2.Unchanged)
}

func TestOneRowChangedStrictModeClosesAndCreates(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(strictSpecYAML), 0o644))
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("loc_id,region\n1001,east\n1002,west\n1003,east\n"), 0o644))
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "ws1.yaml"), []byte("workspace_id: ws1\nentity_types: [\"Location\"]\n"), 0o644))
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	o := &Orchestrator{Store: graphstore.NewMemStore(), Schemas: specschema.NewCache()}
	opts := Options{WorkspaceID: "ws1", SpecPath: specPath, SourcePath: csvPath, Actor: "test"}

	_, err := o.Import(context.Background(), opts)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(csvPath, []byte("loc_id,region\n1001,east\n1002,WEST\n1003,east\n"), 0o644))
	res2, err := o.Import(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 1, res2.Created)
	require.Equal(t, 1, res2.Closed)
	require.Equal(t, 2, res2.Unchanged)
}

func TestRowDisappearanceClosesAssertionButKeepsEntity(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(strictSpecYAML), 0o644))
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("loc_id,region\n1001,east\n1002,west\n1003,east\n"), 0o644))
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "ws1.yaml"), []byte("workspace_id: ws1\nentity_types: [\"Location\"]\n"), 0o644))
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	o := &Orchestrator{Store: graphstore.NewMemStore(), Schemas: specschema.NewCache()}
	opts := Options{WorkspaceID: "ws1", SpecPath: specPath, SourcePath: csvPath, Actor: "test"}
	_, err := o.Import(context.Background(), opts)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(csvPath, []byte("loc_id,region\n1001,east\n1002,west\n"), 0o644))
	res2, err := o.Import(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 0, res2.Created)
	require.Equal(t, 1, res2.Closed)
	require.Equal(t, 2, res2.Unchanged)

	ent, err := o.Store.FindEntity(context.Background(), "ws1", "Location", "1003")
	require.NoError(t, err)
	require.NotNil(t, ent, "entities are never deleted on disappearance")
}

func TestImportRejectsUnknownEntityType(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(strictSpecYAML), 0o644))
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("loc_id,region\n1001,east\n"), 0o644))
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "ws1.yaml"), []byte("workspace_id: ws1\nentity_types: [\"Device\"]\n"), 0o644))
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	o := &Orchestrator{Store: graphstore.NewMemStore(), Schemas: specschema.NewCache()}
	opts := Options{WorkspaceID: "ws1", SpecPath: specPath, SourcePath: csvPath, Actor: "test"}
	_, err := o.Import(context.Background(), opts)
	require.Error(t, err)
}
