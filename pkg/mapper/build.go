package mapper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/civigraph/ledger/pkg/common"
)

// Build constructs the entity and relationship records for one row. The
// returned pair list gives, per relationship, the (source, terminal) entity
// slot indices that encode edge direction. Any unresolvable discriminator,
// unknown type tag, or malformed numeric cell is a fatal mapping error for
// the row; rows are never silently dropped.
func (k *TableKey) Build(row map[string]string, rowIndex int64) ([]common.Entity, []common.Relationship, [][2]int, error) {
	entities := make([]common.Entity, 0, len(k.Entities))
	for i, slot := range k.Entities {
		entity, err := buildEntity(slot, row, rowIndex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("row %d entity slot %d: %w", rowIndex, i, err)
		}
		entities = append(entities, entity)
	}

	relationships := make([]common.Relationship, 0, len(k.Relationships))
	pairs := make([][2]int, 0, len(k.Relationships))
	for i, slot := range k.Relationships {
		rel, err := buildRelationship(slot, row, rowIndex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("row %d relationship slot %d: %w", rowIndex, i, err)
		}
		relationships = append(relationships, rel)
		pairs = append(pairs, [2]int{slot.Source, slot.Terminal})
	}

	return entities, relationships, pairs, nil
}

func buildEntity(slot EntitySlot, row map[string]string, rowIndex int64) (common.Entity, error) {
	tag := slot.Discriminator.Fixed
	if slot.Discriminator.Column != "" {
		cell := strings.TrimSpace(row[slot.Discriminator.Column])
		mapped, ok := slot.Discriminator.Values[cell]
		if !ok {
			return nil, fmt.Errorf("unrecognized discriminator value %q in column %q", cell, slot.Discriminator.Column)
		}
		tag = mapped
	}

	fields, ok := slot.Types[tag]
	if !ok {
		return nil, fmt.Errorf("no field mapping for type tag %q", tag)
	}

	values := map[string]string{}
	for field, column := range fields {
		values[field] = strings.TrimSpace(row[column])
	}
	name := values["name"]
	if name == "" {
		return nil, fmt.Errorf("empty name for type %q", tag)
	}

	record := common.Record{Name: name, RowIndex: rowIndex}
	switch common.EntityType(tag) {
	case common.EntityTypeIndividual:
		e := &common.Individual{
			Record:     record,
			Title:      values["title"],
			Suffix:     values["suffix"],
			First:      values["first"],
			Middle:     values["middle"],
			Last:       values["last"],
			Address:    values["address"],
			City:       values["city"],
			State:      values["state"],
			Zip:        values["zip"],
			Gender:     values["gender"],
			Occupation: values["occupation"],
			Employer:   values["employer"],
		}
		fillNameParts(e)
		return e, nil
	case common.EntityTypeOrganization:
		return &common.Organization{
			Record:   record,
			Address:  values["address"],
			City:     values["city"],
			State:    values["state"],
			Category: values["category"],
		}, nil
	case common.EntityTypeCorporation:
		return &common.Corporation{
			Record:             record,
			ParentCompany:      values["parent_company"],
			Industry:           values["industry"],
			OwnershipStructure: values["ownership_structure"],
			HQState:            values["hq_state"],
		}, nil
	case common.EntityTypeAgency:
		return &common.Agency{
			Record:       record,
			Jurisdiction: values["jurisdiction"],
			State:        values["state"],
		}, nil
	case common.EntityTypePAC:
		return &common.PAC{
			Record:  record,
			State:   values["state"],
			Sponsor: values["sponsor"],
		}, nil
	}
	return nil, fmt.Errorf("unrecognized entity type tag %q", tag)
}

// fillNameParts parses the raw name and fills only the part fields the
// mapping left empty, so explicit part columns win over parsing.
func fillNameParts(e *common.Individual) {
	parts := common.ParseName(e.Name)
	if e.Title == "" {
		e.Title = parts.Title
	}
	if e.Suffix == "" {
		e.Suffix = parts.Suffix
	}
	if e.First == "" {
		e.First = parts.First
	}
	if e.Middle == "" {
		e.Middle = parts.Middle
	}
	if e.Last == "" {
		e.Last = parts.Last
	}
}

func buildRelationship(slot RelationshipSlot, row map[string]string, rowIndex int64) (common.Relationship, error) {
	values := map[string]string{}
	for field, column := range slot.Fields {
		values[field] = strings.TrimSpace(row[column])
	}

	switch common.RelationType(slot.Type) {
	case common.RelationTypeContribution:
		amount, err := parseAmount(values["amount"])
		if err != nil {
			return nil, err
		}
		cycle := 0
		if values["cycle"] != "" {
			cycle, err = strconv.Atoi(values["cycle"])
			if err != nil {
				return nil, fmt.Errorf("malformed cycle %q: %w", values["cycle"], err)
			}
		}
		return common.Contribution{
			RowIndex: rowIndex,
			Amount:   amount,
			Date:     values["date"],
			Cycle:    cycle,
		}, nil
	case common.RelationTypeViolation:
		amount, err := parseAmount(values["amount"])
		if err != nil {
			return nil, err
		}
		year := 0
		if values["year"] != "" {
			year, err = strconv.Atoi(values["year"])
			if err != nil {
				return nil, fmt.Errorf("malformed year %q: %w", values["year"], err)
			}
		}
		return common.Violation{
			RowIndex:      rowIndex,
			Amount:        amount,
			Year:          year,
			ViolationType: values["violation_type"],
		}, nil
	case common.RelationTypeMarriedTo:
		return common.MarriedTo{RowIndex: rowIndex}, nil
	case common.RelationTypeEntityMatch:
		return nil, fmt.Errorf("relationship type %q cannot be mapped from rows", slot.Type)
	}
	return nil, fmt.Errorf("unrecognized relationship type tag %q", slot.Type)
}

func parseAmount(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	cleaned := strings.ReplaceAll(strings.TrimPrefix(raw, "$"), ",", "")
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", raw, err)
	}
	return amount, nil
}
