package common

import (
	"reflect"
	"strings"
	"testing"
)

func TestText_FullIndividual(t *testing.T) {
	e := &Individual{
		Record: Record{Name: "John Smith", RowIndex: 12},
		First:  "John",
		Last:   "Smith",
		City:   "Springfield",
		State:  "IL",
	}

	got := Text(e)
	want := "individual named John Smith; first of John, last of Smith, city of Springfield, state of IL"
	if got != want {
		t.Fatalf("unexpected text: got %q, want %q", got, want)
	}
}

func TestText_NoDescriptorsHasNoSeparator(t *testing.T) {
	e := &Agency{Record: Record{Name: "Election Board"}}

	got := Text(e)
	if got != "agency named Election Board" {
		t.Fatalf("unexpected text: %q", got)
	}
	if strings.Contains(got, ";") {
		t.Fatalf("expected no separator for empty description clause, got %q", got)
	}
}

func TestText_DescriptorOrderStable(t *testing.T) {
	e := &Corporation{
		Record:        Record{Name: "Acme Corp"},
		Industry:      "energy",
		ParentCompany: "Acme Holdings",
	}

	got := Text(e)
	want := "corporation named Acme Corp; parent_company of Acme Holdings, industry of energy"
	if got != want {
		t.Fatalf("descriptor order not stable: got %q, want %q", got, want)
	}
}

func TestMetadata_OnlyPopulatedFields(t *testing.T) {
	e := &Individual{
		Record: Record{Name: "Jane Doe"},
		First:  "Jane",
		Last:   "Doe",
		Gender: "f",
	}

	got := Metadata(e)
	want := map[string]string{
		"name":   "Jane Doe",
		"first":  "Jane",
		"last":   "Doe",
		"gender": "f",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected metadata: got %v, want %v", got, want)
	}
}

func TestRelationshipProperties(t *testing.T) {
	c := Contribution{RowIndex: 3, Amount: 250.0, Date: "2024-03-01", Cycle: 2024}
	props := c.Properties()
	if props["amount"] != 250.0 || props["date"] != "2024-03-01" || props["cycle"] != 2024 {
		t.Fatalf("unexpected contribution properties: %v", props)
	}

	v := Violation{Amount: 5000, Year: 2023, ViolationType: "late filing"}
	props = v.Properties()
	if props["violation_type"] != "late filing" || props["year"] != 2023 {
		t.Fatalf("unexpected violation properties: %v", props)
	}

	if len(MarriedTo{}.Properties()) != 0 {
		t.Fatal("married_to should carry no properties")
	}
}

func TestFilterCompatible(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"jr", "", true},
		{"", "sr", true},
		{"jr", "jr", true},
		{"jr", "sr", false},
	}
	for _, tt := range tests {
		if got := FilterCompatible(tt.a, tt.b); got != tt.want {
			t.Fatalf("FilterCompatible(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
