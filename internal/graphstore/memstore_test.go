package graphstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/internal/model"
)

func newEntity(ws, typ, pk string) *model.Entity {
	return &model.Entity{ID: "entity_" + pk, WorkspaceID: ws, EntityType: typ, PrimaryKey: pk}
}

func TestInsertAndFindEntity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	e := newEntity("ws1", "Location", "1001")
	require.NoError(t, s.InsertEntity(ctx, e))

	found, err := s.FindEntity(ctx, "ws1", "Location", "1001")
	require.NoError(t, err)
	require.Equal(t, e.ID, found.ID)

	missing, err := s.FindEntity(ctx, "ws1", "Location", "9999")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestInsertEntityRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	e := newEntity("ws1", "Location", "1001")
	require.NoError(t, s.InsertEntity(ctx, e))
	err := s.InsertEntity(ctx, newEntity("ws1", "Location", "1001"))
	require.Error(t, err)
}

func assertion(ws, key, scenario, sourceID string) *model.AssertionRecord {
	return &model.AssertionRecord{
		ID:                    "asrt_" + key + sourceID,
		WorkspaceID:           ws,
		AssertionKey:          key,
		RelationshipType:      model.HasPropertyRelationship,
		PropertyKey:           "region",
		SourceType:            model.SourceSpreadsheet,
		ScenarioID:            scenario,
		SourceID:              sourceID,
		ValidFrom:             time.Now(),
		Confidence:            0.9,
		SubjectEntityID:       "entity_1001",
		ObjectPropertyValueID: "pv_1",
	}
}

func TestInsertAssertionRejectsSecondOpenForSameKeyScenarioSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	key := "ws1:Location:1001:prop:region"
	require.NoError(t, s.InsertAssertion(ctx, assertion("ws1", key, model.BaseScenario, "src1")))

	dup := assertion("ws1", key, model.BaseScenario, "src1")
	dup.ID = "asrt_other"
	err := s.InsertAssertion(ctx, dup)
	require.Error(t, err)
}

func TestCloseAssertionRefusesDoubleClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := assertion("ws1", "ws1:Location:1001:prop:region", model.BaseScenario, "src1")
	require.NoError(t, s.InsertAssertion(ctx, a))

	require.NoError(t, s.CloseAssertion(ctx, a.ID, time.Now()))
	err := s.CloseAssertion(ctx, a.ID, time.Now())
	require.Error(t, err)
}

func TestOpenAssertionsForKeyOnlyReturnsOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	key := "ws1:Location:1001:prop:region"
	a1 := assertion("ws1", key, model.BaseScenario, "src1")
	a2 := assertion("ws1", key, model.BaseScenario, "src2")
	require.NoError(t, s.InsertAssertion(ctx, a1))
	require.NoError(t, s.InsertAssertion(ctx, a2))
	require.NoError(t, s.CloseAssertion(ctx, a1.ID, time.Now()))

	open, err := s.OpenAssertionsForKey(ctx, "ws1", key, model.BaseScenario)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, a2.ID, open[0].ID)
}

func TestReapOrphansDeletesUnlinkedAssertions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := assertion("ws1", "ws1:Location:1001:prop:region", model.BaseScenario, "src1")
	require.NoError(t, s.InsertAssertion(ctx, a))

	// No ChangeEvent was ever inserted linking a.ID, so it's orphaned.
	n, err := s.ReapOrphans(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetAssertion(ctx, a.ID)
	require.Error(t, err)
}

func TestReapOrphansSparesLinkedAssertions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := assertion("ws1", "ws1:Location:1001:prop:region", model.BaseScenario, "src1")
	require.NoError(t, s.InsertAssertion(ctx, a))
	require.NoError(t, s.InsertChangeEvent(ctx, &model.ChangeEvent{
		ID: "evt_1", WorkspaceID: "ws1", EventType: model.ChangeImport,
		CreatedAssertion: []string{a.ID},
	}))

	n, err := s.ReapOrphans(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPropertyValueDeduplicationByIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	pv := &model.PropertyValue{ID: "pv_1", WorkspaceID: "ws1", PropertyKey: "region", Value: "east", ValueType: model.ValueString}
	require.NoError(t, s.InsertPropertyValue(ctx, pv))

	found, err := s.FindPropertyValue(ctx, "ws1", pv.Identity())
	require.NoError(t, err)
	require.Equal(t, pv.ID, found.ID)

	notFound, err := s.FindPropertyValue(ctx, "ws1", [3]string{"region", "west", "string"})
	require.NoError(t, err)
	require.Nil(t, notFound)
}

func TestSearchEntitiesPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertEntity(ctx, newEntity("ws1", "Location", string(rune('A'+i)))))
	}
	results, err := s.SearchEntities(ctx, SearchOptions{WorkspaceID: "ws1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = s.SearchEntities(ctx, SearchOptions{WorkspaceID: "ws1", Limit: 1000})
	require.NoError(t, err)
	require.Len(t, results, 5)
}

func TestUpsertSourcePreservesIDAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	src := &model.Source{ID: "src_1", WorkspaceID: "ws1", SourceName: "spreadsheet_a", SourceType: model.SourceSpreadsheet}
	require.NoError(t, s.UpsertSource(ctx, src))

	updated := &model.Source{ID: "src_new", WorkspaceID: "ws1", SourceName: "spreadsheet_a", SourceType: model.SourceSpreadsheet, AuthorityRank: 2}
	require.NoError(t, s.UpsertSource(ctx, updated))
	require.Equal(t, "src_1", updated.ID)
}
