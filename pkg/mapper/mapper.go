// Package mapper turns raw source rows into typed entity and relationship
// records, driven by a declarative per-table mapping configuration (the
// table key).
package mapper

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator"

	"github.com/civigraph/ledger/pkg/common"
)

// Discriminator selects the entity type for a slot. Exactly one of Fixed or
// Column must be set; Column discrimination looks the cell value up in
// Values to obtain the type tag.
type Discriminator struct {
	Fixed  string            `json:"fixed,omitempty"`
	Column string            `json:"column,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

// FieldMap maps entity or relationship field names to source column names.
type FieldMap map[string]string

// EntitySlot describes one entity record produced per row: how its type is
// discriminated and, per discriminated type, which columns feed which
// fields.
type EntitySlot struct {
	Discriminator Discriminator       `json:"discriminator"`
	Types         map[string]FieldMap `json:"types" validate:"required,min=1"`
}

// RelationshipSlot describes one relationship record produced per row and
// the pair of entity slots it connects. Source and Terminal are indices
// into the entity slot list and encode edge direction.
type RelationshipSlot struct {
	Type     string   `json:"relationship_type" validate:"required"`
	Fields   FieldMap `json:"fields"`
	Source   int      `json:"source"`
	Terminal int      `json:"terminal"`
}

// TableKey is the full mapping configuration for one source table.
type TableKey struct {
	Entities      []EntitySlot       `json:"entities" validate:"required,min=1,dive"`
	Relationships []RelationshipSlot `json:"relationships" validate:"dive"`
}

// LoadTableKey reads and validates a table key from a JSON file.
func LoadTableKey(path string) (*TableKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table key %s: %w", path, err)
	}
	return ParseTableKey(data)
}

// ParseTableKey parses and validates a table key from JSON bytes.
func ParseTableKey(data []byte) (*TableKey, error) {
	var key TableKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse table key: %w", err)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &key, nil
}

// Validate checks the structural constraints the validator tags cannot
// express: discriminator shape, known type tags, and slot index ranges.
func (k *TableKey) Validate() error {
	if err := validator.New().Struct(k); err != nil {
		return fmt.Errorf("invalid table key: %w", err)
	}

	for i, slot := range k.Entities {
		d := slot.Discriminator
		if (d.Fixed == "") == (d.Column == "") {
			return fmt.Errorf("entity slot %d: discriminator needs exactly one of fixed or column", i)
		}
		if d.Column != "" && len(d.Values) == 0 {
			return fmt.Errorf("entity slot %d: column discriminator needs a value lookup table", i)
		}

		tags := map[string]bool{}
		if d.Fixed != "" {
			tags[d.Fixed] = true
		}
		for _, tag := range d.Values {
			tags[tag] = true
		}
		for tag := range tags {
			if !knownEntityType(tag) {
				return fmt.Errorf("entity slot %d: unknown entity type tag %q", i, tag)
			}
			if _, ok := slot.Types[tag]; !ok {
				return fmt.Errorf("entity slot %d: no field mapping for type tag %q", i, tag)
			}
		}
		for tag, fields := range slot.Types {
			if !knownEntityType(tag) {
				return fmt.Errorf("entity slot %d: unknown entity type tag %q", i, tag)
			}
			if _, ok := fields["name"]; !ok {
				return fmt.Errorf("entity slot %d: type %q has no name column", i, tag)
			}
		}
	}

	for i, slot := range k.Relationships {
		if !knownRelationType(slot.Type) {
			return fmt.Errorf("relationship slot %d: unknown relationship type tag %q", i, slot.Type)
		}
		if slot.Source < 0 || slot.Source >= len(k.Entities) {
			return fmt.Errorf("relationship slot %d: source index %d out of range", i, slot.Source)
		}
		if slot.Terminal < 0 || slot.Terminal >= len(k.Entities) {
			return fmt.Errorf("relationship slot %d: terminal index %d out of range", i, slot.Terminal)
		}
	}
	return nil
}

func knownEntityType(tag string) bool {
	for _, t := range common.KnownEntityTypes {
		if string(t) == tag {
			return true
		}
	}
	return false
}

func knownRelationType(tag string) bool {
	for _, t := range common.KnownRelationTypes {
		if string(t) == tag {
			return true
		}
	}
	return false
}
