// Package specschema loads mapping specifications (one per ingest source)
// and domain schemas (one per workspace), and validates the former against
// the latter (spec.md §4.3, C3).
package specschema

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/hashing"
)

// EntityMapping describes one sheets[*].entities.<alias> block.
type EntityMapping struct {
	Alias       string              `yaml:"-"`
	EntityType  string              `yaml:"entity_type"`
	KeyColumns  []string            `yaml:"key_columns"`
	KeyTemplate string              `yaml:"key_template"`
	Properties  []PropertyMapping   `yaml:"properties"`
}

// PropertyMapping describes one sheets[*].entities.<alias>.properties[*] entry.
type PropertyMapping struct {
	Column      string `yaml:"column"`
	PropertyKey string `yaml:"property_key"`
	ValueType   string `yaml:"value_type"`
}

// RelationshipMapping describes one sheets[*].relationships[*] entry.
type RelationshipMapping struct {
	RelationshipType string `yaml:"relationship_type"`
	FromEntity       string `yaml:"from_entity"`
	ToEntity         string `yaml:"to_entity"`
}

// SheetMapping describes one sheets[*] block.
type SheetMapping struct {
	SheetName     string                   `yaml:"sheet_name"`
	Entities      map[string]EntityMapping `yaml:"entities"`
	Relationships []RelationshipMapping    `yaml:"relationships"`
}

// SourceAuthority describes the source_authority block.
type SourceAuthority struct {
	SourceName       string   `yaml:"source_name"`
	AuthorityRank    int      `yaml:"authority_rank"`
	AuthorityDomains []string `yaml:"authority_domains"`
}

// ChangeDetection describes the change_detection block.
type ChangeDetection struct {
	Mode               string                       `yaml:"mode"` // "strict" | "normalized"
	NormalizationRules hashing.NormalizationRules   `yaml:"normalization_rules"`
}

// RawHashSerialization mirrors hashing.Serialization with yaml tags.
type RawHashSerialization struct {
	CellOrder          []string               `yaml:"cell_order"`
	Delimiter          string                 `yaml:"delimiter"`
	NullRepresentation string                 `yaml:"null_representation"`
	NumberFormat       hashing.NumberFormat   `yaml:"number_format"`
	DateFormat         hashing.DateFormat     `yaml:"date_format"`
	IncludeFormatting  bool                   `yaml:"include_formatting"`
}

// MappingSpec is the full ingest-source specification (spec.md §4.3).
type MappingSpec struct {
	SpecName            string                `yaml:"spec_name"`
	WorkspaceID         string                `yaml:"workspace_id"`
	Sheets              []SheetMapping        `yaml:"sheets"`
	RawHashSerialization RawHashSerialization `yaml:"raw_hash_serialization"`
	ChangeDetection     ChangeDetection       `yaml:"change_detection"`
	SourceAuthority     SourceAuthority       `yaml:"source_authority"`
}

// Serialization adapts the spec's yaml block to the hashing package's type.
func (m *MappingSpec) Serialization() hashing.Serialization {
	r := m.RawHashSerialization
	return hashing.Serialization{
		CellOrder:          r.CellOrder,
		Delimiter:          r.Delimiter,
		NullRepresentation: r.NullRepresentation,
		NumberFormat:       r.NumberFormat,
		DateFormat:         r.DateFormat,
		IncludeFormatting:  r.IncludeFormatting,
	}
}

// Validate enforces spec.md §4.3's reproducibility rules: hash settings must
// be fully specified, key_columns non-empty, entity/relationship types
// present in the domain schema.
func (m *MappingSpec) Validate(schema *DomainSchema) error {
	if m.SpecName == "" {
		return apperr.NewValidation("specschema: spec_name is required")
	}
	if m.WorkspaceID == "" {
		return apperr.NewValidation("specschema: workspace_id is required")
	}
	if len(m.RawHashSerialization.CellOrder) == 0 {
		return apperr.NewValidation("specschema %s: raw_hash_serialization.cell_order must be non-empty", m.SpecName)
	}
	if m.RawHashSerialization.NullRepresentation == "" {
		return apperr.NewValidation("specschema %s: raw_hash_serialization.null_representation must be set (no implicit defaults)", m.SpecName)
	}
	if m.ChangeDetection.Mode != "strict" && m.ChangeDetection.Mode != "normalized" {
		return apperr.NewValidation("specschema %s: change_detection.mode must be strict|normalized, got %q", m.SpecName, m.ChangeDetection.Mode)
	}
	for _, sheet := range m.Sheets {
		for alias, ent := range sheet.Entities {
			if len(ent.KeyColumns) == 0 {
				return apperr.NewValidation("specschema %s: entity %q has no key_columns", m.SpecName, alias)
			}
			if schema != nil && !schema.HasEntityType(ent.EntityType) {
				return apperr.NewValidation("specschema %s: unknown entity_type %q", m.SpecName, ent.EntityType)
			}
		}
		for _, rel := range sheet.Relationships {
			if schema != nil && !schema.HasRelationshipType(rel.RelationshipType) {
				return apperr.NewValidation("specschema %s: unknown relationship_type %q", m.SpecName, rel.RelationshipType)
			}
			if _, ok := sheet.Entities[rel.FromEntity]; !ok {
				return apperr.NewValidation("specschema %s: relationship references unknown from_entity alias %q", m.SpecName, rel.FromEntity)
			}
			if _, ok := sheet.Entities[rel.ToEntity]; !ok {
				return apperr.NewValidation("specschema %s: relationship references unknown to_entity alias %q", m.SpecName, rel.ToEntity)
			}
		}
	}
	return nil
}

// DomainSchema is a workspace's registered vocabulary of entity and
// relationship types (spec.md §4.3 validation target; fleshed out for
// internal/workspace, C9).
type DomainSchema struct {
	WorkspaceID       string   `yaml:"workspace_id"`
	EntityTypes       []string `yaml:"entity_types"`
	RelationshipTypes []string `yaml:"relationship_types"`
}

func (d *DomainSchema) HasEntityType(t string) bool {
	for _, e := range d.EntityTypes {
		if e == t {
			return true
		}
	}
	return false
}

func (d *DomainSchema) HasRelationshipType(t string) bool {
	for _, r := range d.RelationshipTypes {
		if r == t {
			return true
		}
	}
	return false
}

// LoadMappingSpec reads and parses a mapping spec YAML file from disk
// (grounded on steveyegge/beads/internal/config/local_config.go's direct
// yaml.Unmarshal pattern).
func LoadMappingSpec(path string) (*MappingSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewValidation("specschema: cannot read %s: %v", path, err)
	}
	var m MappingSpec
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperr.NewValidation("specschema: cannot parse %s: %v", path, err)
	}
	for i, sheet := range m.Sheets {
		for k, ent := range sheet.Entities {
			ent.Alias = k
			m.Sheets[i].Entities[k] = ent
		}
	}
	return &m, nil
}

// LoadDomainSchema reads and parses a domain schema YAML file from disk.
func LoadDomainSchema(path string) (*DomainSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewValidation("specschema: cannot read %s: %v", path, err)
	}
	var d DomainSchema
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, apperr.NewValidation("specschema: cannot parse %s: %v", path, err)
	}
	return &d, nil
}

// cacheEntry pairs a loaded schema with the mtime it was loaded at, so
// Cache can invalidate on file change without re-reading on every call.
type cacheEntry struct {
	schema  *DomainSchema
	modTime time.Time
}

// Cache loads DomainSchemas lazily and reloads them when the backing file's
// mtime changes, mirroring steveyegge/beads/internal/config's cached,
// reload-aware file config (watched via fsnotify at the internal/workspace
// layer, which owns the registry of paths per workspace).
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry // path -> entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the DomainSchema for path, reloading it if the file's mtime
// has advanced since the last load.
func (c *Cache) Get(path string) (*DomainSchema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.NewValidation("specschema: cannot stat %s: %v", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[path]; ok && e.modTime.Equal(info.ModTime()) {
		return e.schema, nil
	}
	schema, err := LoadDomainSchema(path)
	if err != nil {
		return nil, err
	}
	c.entries[path] = cacheEntry{schema: schema, modTime: info.ModTime()}
	return schema, nil
}

// Invalidate drops any cached entry for path, forcing the next Get to
// reload from disk. Called by internal/workspace's fsnotify watcher.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}
