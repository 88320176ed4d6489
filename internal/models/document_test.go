package models

import (
	"errors"
	"testing"
)

func TestContentUnitValidate(t *testing.T) {
	tests := []struct {
		name    string
		unit    ContentUnit
		wantErr bool
	}{
		{"text", NewTextUnit("d", 1, "hello"), false},
		{"image", NewImageUnit("d", 2, ImageUnit{Caption: "a chart"}), false},
		{"table", NewTableUnit("d", 3, TableUnit{Cells: [][]string{{"a"}}}), false},
		{"text without payload", ContentUnit{Kind: ContentText, Page: 1}, true},
		{"unknown kind", ContentUnit{Kind: "audio", Page: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDocumentUnitsInPageOrder(t *testing.T) {
	doc := &Document{ID: "d", Pages: []Page{
		{Number: 1, Units: []ContentUnit{NewTextUnit("d", 1, "one")}},
		{Number: 2, Units: []ContentUnit{NewTextUnit("d", 2, "two"), NewImageUnit("d", 2, ImageUnit{})}},
	}}
	units := doc.Units()
	if len(units) != 3 || doc.PageCount() != 2 {
		t.Fatalf("got %d units over %d pages", len(units), doc.PageCount())
	}
	if units[0].Page != 1 || units[2].Kind != ContentImage {
		t.Errorf("units out of order: %+v", units)
	}
}

func TestPartialFailureUnwrap(t *testing.T) {
	f := PartialFailure{Page: 4, Kind: ContentImage, Err: ErrExtractionPartial}
	if !errors.Is(f, ErrExtractionPartial) {
		t.Error("PartialFailure should unwrap to its cause")
	}
	if got := f.Error(); got != "page 4 (image): partial extraction failure" {
		t.Errorf("Error() = %q", got)
	}
}

func TestChunkKeyDeterministic(t *testing.T) {
	if ChunkKey("doc", 3, ContentTable, 1) != "doc-p3-table-1" {
		t.Errorf("unexpected key %q", ChunkKey("doc", 3, ContentTable, 1))
	}
}
