package graphstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/model"
)

// MemStore is the in-memory reference Store implementation (spec.md §4.5).
// It is grounded on steveyegge/beads/internal/storage/memory's single
// mutex-guarded map-of-maps backend, generalized from issues to the
// assertion-graph vertex kinds.
//
// A weighted semaphore caps concurrent access the way a real network-backed
// store would be pool-bounded. FindEntity is retried with exponential
// backoff (steveyegge/beads/internal/storage/dolt's
// backoff.Retry/backoff.Permanent pattern); the other reads make a single
// attempt and are not retried.
type MemStore struct {
	mu sync.RWMutex

	entities       map[string]*model.Entity         // id -> entity
	entityByKey    map[string]*model.Entity         // workspace|type|pk -> entity
	assertions     map[string]*model.AssertionRecord // id -> assertion
	propertyValues map[string]*model.PropertyValue   // id -> pv
	pvByIdentity   map[string]*model.PropertyValue   // workspace|key|value|type -> pv
	changeEvents   map[string]*model.ChangeEvent
	importRuns     map[string]*model.ImportRun
	sources        map[string]*model.Source // source_name -> source

	// createdEdges tracks, per assertion id, whether a CREATED_ASSERTION
	// edge points to it — used by ReapOrphans.
	createdEdges map[string]bool

	pool *semaphore.Weighted
}

// DefaultPoolSize mirrors a modest connection-pool width for a
// network-backed store; the in-memory backend still gates through it so
// callers observe the same concurrency contract as a production backend.
const DefaultPoolSize = 32

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities:       make(map[string]*model.Entity),
		entityByKey:    make(map[string]*model.Entity),
		assertions:     make(map[string]*model.AssertionRecord),
		propertyValues: make(map[string]*model.PropertyValue),
		pvByIdentity:   make(map[string]*model.PropertyValue),
		changeEvents:   make(map[string]*model.ChangeEvent),
		importRuns:     make(map[string]*model.ImportRun),
		sources:        make(map[string]*model.Source),
		createdEdges:   make(map[string]bool),
		pool:           semaphore.NewWeighted(DefaultPoolSize),
	}
}

func entityKey(workspaceID, entityType, primaryKey string) string {
	return strings.Join([]string{workspaceID, entityType, primaryKey}, "\x1f")
}

func pvKey(workspaceID string, identity [3]string) string {
	return strings.Join([]string{workspaceID, identity[0], identity[1], identity[2]}, "\x1f")
}

// acquire gates a call through the bounded pool, releasing on return.
func (m *MemStore) acquire(ctx context.Context) (func(), error) {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return nil, apperr.NewStore("acquire pool slot", err)
	}
	return func() { m.pool.Release(1) }, nil
}

// withRetry wraps an idempotent read in exponential backoff, per spec.md
// §4.5's portability note that the gateway is responsible for store
// resilience so callers never see transient backend errors. Writes are
// never retried here: a retried write could double-apply against a backend
// without the in-memory map's intrinsic idempotency.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, b)
}

func (m *MemStore) FindEntity(ctx context.Context, workspaceID, entityType, primaryKey string) (*model.Entity, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var found *model.Entity
	err = withRetry(ctx, func() error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		e, ok := m.entityByKey[entityKey(workspaceID, entityType, primaryKey)]
		if !ok {
			return backoff.Permanent(apperr.NewNotFound(primaryKey, "entity %s/%s not found", entityType, primaryKey))
		}
		found = e
		return nil
	})
	if err != nil {
		if _, ok := err.(*apperr.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return found, nil
}

func (m *MemStore) InsertEntity(ctx context.Context, e *model.Entity) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(e.WorkspaceID, e.EntityType, e.PrimaryKey)
	if _, exists := m.entityByKey[key]; exists {
		return apperr.NewConflict("entity %s/%s already exists in workspace %s", e.EntityType, e.PrimaryKey, e.WorkspaceID)
	}
	m.entities[e.ID] = e
	m.entityByKey[key] = e
	return nil
}

func (m *MemStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, apperr.NewNotFound(id, "entity %s not found", id)
	}
	return e, nil
}

func (m *MemStore) OpenAssertionsForKey(ctx context.Context, workspaceID, assertionKey, scenarioID string) ([]*model.AssertionRecord, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AssertionRecord
	for _, a := range m.assertions {
		if a.WorkspaceID == workspaceID && a.AssertionKey == assertionKey && a.ScenarioID == scenarioID && a.IsOpen() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) OpenAssertionsForEntity(ctx context.Context, workspaceID, entityID string) ([]*model.AssertionRecord, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AssertionRecord
	for _, a := range m.assertions {
		if a.WorkspaceID == workspaceID && a.SubjectEntityID == entityID && a.IsOpen() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) OpenAssertionsBySpec(ctx context.Context, workspaceID, specName string) ([]string, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()

	runIDs := make(map[string]bool)
	for _, r := range m.importRuns {
		if r.WorkspaceID == workspaceID && r.SpecName == specName {
			runIDs[r.ID] = true
		}
	}
	seen := make(map[string]bool)
	var keys []string
	for _, ev := range m.changeEvents {
		if ev.WorkspaceID != workspaceID || !runIDs[ev.ImportRunID] {
			continue
		}
		for _, aid := range ev.CreatedAssertion {
			a, ok := m.assertions[aid]
			if !ok || seen[a.AssertionKey] {
				continue
			}
			seen[a.AssertionKey] = true
			keys = append(keys, a.AssertionKey)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) InsertAssertion(ctx context.Context, a *model.AssertionRecord) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.assertions {
		if existing.WorkspaceID == a.WorkspaceID && existing.AssertionKey == a.AssertionKey &&
			existing.ScenarioID == a.ScenarioID && existing.SourceID == a.SourceID && existing.IsOpen() {
			return apperr.NewInternal(a.AssertionKey, "invariant violation: open assertion already exists for (workspace,key,scenario,source)")
		}
	}
	m.assertions[a.ID] = a
	return nil
}

func (m *MemStore) CloseAssertion(ctx context.Context, id string, validTo time.Time) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assertions[id]
	if !ok {
		return apperr.NewNotFound(id, "assertion %s not found", id)
	}
	if !a.IsOpen() {
		return (&apperr.ConflictError{Message: "assertion already closed"}).WithAssertionKey(a.AssertionKey)
	}
	vt := validTo
	a.ValidTo = &vt
	return nil
}

func (m *MemStore) GetAssertion(ctx context.Context, id string) (*model.AssertionRecord, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assertions[id]
	if !ok {
		return nil, apperr.NewNotFound(id, "assertion %s not found", id)
	}
	return a, nil
}

func (m *MemStore) InsertChangeEvent(ctx context.Context, ev *model.ChangeEvent) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeEvents[ev.ID] = ev
	for _, id := range ev.CreatedAssertion {
		m.createdEdges[id] = true
	}
	return nil
}

func (m *MemStore) GetChangeEvent(ctx context.Context, id string) (*model.ChangeEvent, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.changeEvents[id]
	if !ok {
		return nil, apperr.NewNotFound(id, "change_event %s not found", id)
	}
	return ev, nil
}

func (m *MemStore) UpsertSource(ctx context.Context, s *model.Source) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[s.SourceName]; ok {
		s.ID = existing.ID
	}
	m.sources[s.SourceName] = s
	return nil
}

func (m *MemStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sources {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, apperr.NewNotFound(id, "source %s not found", id)
}

func (m *MemStore) FindPropertyValue(ctx context.Context, workspaceID string, identity [3]string) (*model.PropertyValue, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	pv, ok := m.pvByIdentity[pvKey(workspaceID, identity)]
	if !ok {
		return nil, nil
	}
	return pv, nil
}

func (m *MemStore) InsertPropertyValue(ctx context.Context, pv *model.PropertyValue) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := pv.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propertyValues[pv.ID] = pv
	m.pvByIdentity[pvKey(pv.WorkspaceID, pv.Identity())] = pv
	return nil
}

func (m *MemStore) GetPropertyValue(ctx context.Context, id string) (*model.PropertyValue, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	pv, ok := m.propertyValues[id]
	if !ok {
		return nil, apperr.NewNotFound(id, "property_value %s not found", id)
	}
	return pv, nil
}

func (m *MemStore) ChangeEventForImportRun(ctx context.Context, workspaceID, importRunID string) (*model.ChangeEvent, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.changeEvents {
		if ev.WorkspaceID == workspaceID && ev.ImportRunID == importRunID {
			return ev, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ReapOrphans(ctx context.Context, workspaceID string) (int, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for id, a := range m.assertions {
		if a.WorkspaceID != workspaceID {
			continue
		}
		if !m.createdEdges[id] {
			delete(m.assertions, id)
			reaped++
		}
	}
	return reaped, nil
}

func (m *MemStore) StartImportRun(ctx context.Context, r *model.ImportRun) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.importRuns[r.ID] = r
	return nil
}

func (m *MemStore) FinishImportRun(ctx context.Context, r *model.ImportRun) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.importRuns[r.ID] = r
	return nil
}

func (m *MemStore) GetImportRun(ctx context.Context, id string) (*model.ImportRun, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.importRuns[id]
	if !ok {
		return nil, apperr.NewNotFound(id, "import_run %s not found", id)
	}
	return r, nil
}

func (m *MemStore) ListImportRuns(ctx context.Context, workspaceID string) ([]*model.ImportRun, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ImportRun
	for _, r := range m.importRuns {
		if r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) SearchEntities(ctx context.Context, opts SearchOptions) ([]*model.Entity, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var matched []*model.Entity
	for _, e := range m.entities {
		if e.WorkspaceID != opts.WorkspaceID {
			continue
		}
		if opts.EntityType != "" && e.EntityType != opts.EntityType {
			continue
		}
		if opts.PrimaryKey != "" && e.PrimaryKey != opts.PrimaryKey {
			continue
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(e.PrimaryKey), strings.ToLower(opts.Query)) &&
			!strings.Contains(strings.ToLower(e.DisplayName), strings.ToLower(opts.Query)) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

var _ Store = (*MemStore)(nil)
