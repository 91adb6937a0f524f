// Package common defines the typed records shared across the resolution
// pipeline: entity records built from source rows, the relationships that
// connect them, and the canonical text rendering used for embedding and
// indexing.
package common

import (
	"fmt"
	"strings"
)

// EntityType identifies the concrete kind of an entity record.
type EntityType string

const (
	EntityTypeIndividual   EntityType = "individual"
	EntityTypeOrganization EntityType = "org"
	EntityTypeCorporation  EntityType = "corporation"
	EntityTypeAgency       EntityType = "agency"
	EntityTypePAC          EntityType = "pac"
)

// KnownEntityTypes lists every recognized entity type tag.
var KnownEntityTypes = []EntityType{
	EntityTypeIndividual,
	EntityTypeOrganization,
	EntityTypeCorporation,
	EntityTypeAgency,
	EntityTypePAC,
}

// RelationType identifies the concrete kind of a relationship record.
type RelationType string

const (
	RelationTypeContribution RelationType = "contribution"
	RelationTypeViolation    RelationType = "violation"
	RelationTypeEntityMatch  RelationType = "entity_match"
	RelationTypeMarriedTo    RelationType = "married_to"
)

// KnownRelationTypes lists every recognized relationship type tag.
var KnownRelationTypes = []RelationType{
	RelationTypeContribution,
	RelationTypeViolation,
	RelationTypeEntityMatch,
	RelationTypeMarriedTo,
}

// Field is one named descriptive value of an entity record. Descriptor
// order is stable per variant so canonical text is deterministic.
type Field struct {
	Key   string
	Value string
}

// Entity is the closed set of entity record variants. A record carries the
// raw values mapped from one source row plus the row index watermark of the
// batch it arrived in. The node id is assigned during resolution and may be
// invalidated by a later cluster collapse.
type Entity interface {
	Type() EntityType
	EntityName() string
	Row() int64
	NodeID() string
	SetNodeID(id string)

	// Descriptors returns the variant's descriptive fields in declaration
	// order, including empty ones. Callers filter for presence.
	Descriptors() []Field

	isEntity()
}

// Record holds the fields shared by every entity variant.
type Record struct {
	Name     string
	RowIndex int64

	nodeID string
}

func (r *Record) EntityName() string  { return r.Name }
func (r *Record) Row() int64          { return r.RowIndex }
func (r *Record) NodeID() string      { return r.nodeID }
func (r *Record) SetNodeID(id string) { r.nodeID = id }
func (r *Record) isEntity()           {}

// Individual is a natural person. Name parts are parsed from the raw name
// column at mapping time.
type Individual struct {
	Record
	Title      string
	Suffix     string
	First      string
	Middle     string
	Last       string
	Address    string
	City       string
	State      string
	Zip        string
	Gender     string
	Occupation string
	Employer   string
}

func (e *Individual) Type() EntityType { return EntityTypeIndividual }

func (e *Individual) Descriptors() []Field {
	return []Field{
		{"title", e.Title},
		{"suffix", e.Suffix},
		{"first", e.First},
		{"middle", e.Middle},
		{"last", e.Last},
		{"address", e.Address},
		{"city", e.City},
		{"state", e.State},
		{"zip", e.Zip},
		{"gender", e.Gender},
		{"occupation", e.Occupation},
		{"employer", e.Employer},
	}
}

// Organization is a generic non-corporate organization.
type Organization struct {
	Record
	Address  string
	City     string
	State    string
	Category string
}

func (e *Organization) Type() EntityType { return EntityTypeOrganization }

func (e *Organization) Descriptors() []Field {
	return []Field{
		{"address", e.Address},
		{"city", e.City},
		{"state", e.State},
		{"category", e.Category},
	}
}

// Corporation is a for-profit company.
type Corporation struct {
	Record
	ParentCompany      string
	Industry           string
	OwnershipStructure string
	HQState            string
}

func (e *Corporation) Type() EntityType { return EntityTypeCorporation }

func (e *Corporation) Descriptors() []Field {
	return []Field{
		{"parent_company", e.ParentCompany},
		{"industry", e.Industry},
		{"ownership_structure", e.OwnershipStructure},
		{"hq_state", e.HQState},
	}
}

// Agency is a government body.
type Agency struct {
	Record
	Jurisdiction string
	State        string
}

func (e *Agency) Type() EntityType { return EntityTypeAgency }

func (e *Agency) Descriptors() []Field {
	return []Field{
		{"jurisdiction", e.Jurisdiction},
		{"state", e.State},
	}
}

// PAC is a political action committee.
type PAC struct {
	Record
	State   string
	Sponsor string
}

func (e *PAC) Type() EntityType { return EntityTypePAC }

func (e *PAC) Descriptors() []Field {
	return []Field{
		{"state", e.State},
		{"sponsor", e.Sponsor},
	}
}

// Text renders the canonical "<name clause>; <description clause>" string
// for an entity. The name clause is "<type> named <name>"; the description
// clause joins the non-empty descriptors as "<field> of <value>" pairs. An
// entity with no populated descriptors has no separator.
func Text(e Entity) string {
	clause := fmt.Sprintf("%s named %s", e.Type(), e.EntityName())

	var descs []string
	for _, f := range e.Descriptors() {
		if f.Value != "" {
			descs = append(descs, f.Key+" of "+f.Value)
		}
	}
	if len(descs) == 0 {
		return clause
	}
	return clause + "; " + strings.Join(descs, ", ")
}

// Metadata returns the non-empty fields of an entity as a flat map, the
// shape stored as vector index metadata and as graph node properties.
func Metadata(e Entity) map[string]string {
	m := map[string]string{
		"name": e.EntityName(),
	}
	for _, f := range e.Descriptors() {
		if f.Value != "" {
			m[f.Key] = f.Value
		}
	}
	return m
}

// DescriptorKeys returns the descriptor key order of an entity type, used
// to render canonical text from stored metadata.
func DescriptorKeys(t EntityType) []string {
	var e Entity
	switch t {
	case EntityTypeIndividual:
		e = &Individual{}
	case EntityTypeOrganization:
		e = &Organization{}
	case EntityTypeCorporation:
		e = &Corporation{}
	case EntityTypeAgency:
		e = &Agency{}
	case EntityTypePAC:
		e = &PAC{}
	default:
		return nil
	}
	fields := e.Descriptors()
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	return keys
}

// TextFromMetadata renders the canonical text for stored node metadata,
// with descriptors in the same order Text uses for fresh records.
func TextFromMetadata(t EntityType, m map[string]string) string {
	clause := fmt.Sprintf("%s named %s", t, m["name"])

	var descs []string
	for _, key := range DescriptorKeys(t) {
		if v := m[key]; v != "" {
			descs = append(descs, key+" of "+v)
		}
	}
	if len(descs) == 0 {
		return clause
	}
	return clause + "; " + strings.Join(descs, ", ")
}

// Relationship is the closed set of relationship record variants. Direction
// is encoded by the (source, terminal) entity slot pair the mapping
// associates with the record, not by the record itself.
type Relationship interface {
	Type() RelationType
	Row() int64

	// Properties returns the relationship's own fields as edge properties.
	Properties() map[string]any

	isRelationship()
}

// Contribution is a monetary contribution between two entities.
type Contribution struct {
	RowIndex int64
	Amount   float64
	Date     string
	Cycle    int
}

func (r Contribution) Type() RelationType { return RelationTypeContribution }
func (r Contribution) Row() int64         { return r.RowIndex }
func (r Contribution) isRelationship()    {}

func (r Contribution) Properties() map[string]any {
	props := map[string]any{
		"amount": r.Amount,
		"date":   r.Date,
	}
	if r.Cycle != 0 {
		props["cycle"] = r.Cycle
	}
	return props
}

// Violation is a regulatory violation filed against an entity.
type Violation struct {
	RowIndex      int64
	Amount        float64
	Year          int
	ViolationType string
}

func (r Violation) Type() RelationType { return RelationTypeViolation }
func (r Violation) Row() int64         { return r.RowIndex }
func (r Violation) isRelationship()    {}

func (r Violation) Properties() map[string]any {
	return map[string]any{
		"amount":         r.Amount,
		"year":           r.Year,
		"violation_type": r.ViolationType,
	}
}

// EntityMatch records a resolved similarity match between two records of
// the same row. Used internally, never read back from source data.
type EntityMatch struct {
	RowIndex int64
	Score    float64
}

func (r EntityMatch) Type() RelationType { return RelationTypeEntityMatch }
func (r EntityMatch) Row() int64         { return r.RowIndex }
func (r EntityMatch) isRelationship()    {}

func (r EntityMatch) Properties() map[string]any {
	return map[string]any{"score": r.Score}
}

// MarriedTo links two individuals with no extra fields.
type MarriedTo struct {
	RowIndex int64
}

func (r MarriedTo) Type() RelationType { return RelationTypeMarriedTo }
func (r MarriedTo) Row() int64         { return r.RowIndex }
func (r MarriedTo) isRelationship()    {}

func (r MarriedTo) Properties() map[string]any {
	return map[string]any{}
}

// FilterCompatible reports whether two optional categorical values pass the
// soft filter used for identity edge creation and cluster collapse: they
// agree when equal or when either side is unset.
func FilterCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b
}
