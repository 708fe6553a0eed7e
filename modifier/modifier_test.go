package modifier

import (
	"testing"

	"github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

func baseTemplate(id uint16, fieldIDs ...uint16) *ipfix.TemplateRecord {
	fields := make([]ipfix.Field, 0, len(fieldIDs))
	for _, fid := range fieldIDs {
		fields = append(fields, ipfix.NewUnassignedFieldBuilder(fid).SetLength(4).Complete())
	}
	return &ipfix.TemplateRecord{TemplateId: id, FieldCount: uint16(len(fields)), Fields: fields}
}

func TestDeriveTemplateAssignsFreshID(t *testing.T) {
	m := New(nil, nil)
	base := baseTemplate(256, 8, 12)

	id, fields, restarted, err := m.DeriveTemplate(base, []AddedField{{ID: 40000, PEN: 12345, Value: []byte{1, 2, 3, 4}}})
	if err != nil {
		t.Fatal(err)
	}
	if restarted {
		t.Errorf("expected no restart on first derivation")
	}
	if id != 256 {
		t.Errorf("DeriveTemplate id = %d, want 256 (first allocator output)", id)
	}
	if len(fields) != len(base.Fields)+1 {
		t.Fatalf("derived field count = %d, want %d", len(fields), len(base.Fields)+1)
	}
	last := fields[len(fields)-1]
	if last.Id() != 40000 || last.PEN() != 12345 {
		t.Errorf("added field mismatch: id=%d pen=%d", last.Id(), last.PEN())
	}
}

func TestDeriveTemplateDedupsByContent(t *testing.T) {
	m := New(nil, nil)
	base := baseTemplate(256, 8, 12)
	added := []AddedField{{ID: 40000, PEN: 12345, Value: []byte{1, 2, 3, 4}}}

	id1, _, _, err := m.DeriveTemplate(base, added)
	if err != nil {
		t.Fatal(err)
	}
	id2, _, restarted, err := m.DeriveTemplate(base, added)
	if err != nil {
		t.Fatal(err)
	}
	if restarted {
		t.Errorf("expected no restart on repeated derivation")
	}
	if id1 != id2 {
		t.Errorf("expected identical derivation to reuse the same template ID: %d != %d", id1, id2)
	}
}

func TestDeriveTemplateDistinctContentGetsDistinctID(t *testing.T) {
	m := New(nil, nil)
	base := baseTemplate(256, 8, 12)

	id1, _, _, err := m.DeriveTemplate(base, []AddedField{{ID: 40000, PEN: 1, Value: []byte{1}}})
	if err != nil {
		t.Fatal(err)
	}
	id2, _, _, err := m.DeriveTemplate(base, []AddedField{{ID: 40001, PEN: 1, Value: []byte{1}}})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Errorf("expected distinct added fields to derive distinct template IDs")
	}
}

func TestDeriveTemplateRestartClearsDedupTable(t *testing.T) {
	m := New(nil, nil)
	m.allocator = &TemplateIDAllocator{next: lastDerivedID}

	base := baseTemplate(256, 8)
	added := []AddedField{{ID: 1, PEN: 0, Value: []byte{0}}}

	id, _, restarted, err := m.DeriveTemplate(base, added)
	if err != nil {
		t.Fatal(err)
	}
	if id != lastDerivedID || !restarted {
		t.Fatalf("expected restart at allocator ceiling, got id=%d restarted=%v", id, restarted)
	}
	if len(m.derived) != 1 {
		t.Errorf("expected dedup table to contain only the post-restart entry, got %d", len(m.derived))
	}
}

func TestDeriveTemplateRemovesMarkedFields(t *testing.T) {
	m := New(nil, nil)
	m.Remove = func(base *ipfix.TemplateRecord) []bool {
		// Drop the second field (field ID 12).
		return []bool{false, true}
	}
	base := baseTemplate(256, 8, 12)

	_, fields, _, err := m.DeriveTemplate(base, []AddedField{{ID: 40000, PEN: 1, Value: []byte{1, 2, 3, 4}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 {
		t.Fatalf("derived field count = %d, want 2 (1 kept base field + 1 added)", len(fields))
	}
	if fields[0].Id() != 8 {
		t.Errorf("kept field id = %d, want 8", fields[0].Id())
	}
	if fields[1].Id() != 40000 {
		t.Errorf("added field id = %d, want 40000", fields[1].Id())
	}
}

func TestDeriveTemplateRemoveMaskWrongLengthErrors(t *testing.T) {
	m := New(nil, nil)
	m.Remove = func(base *ipfix.TemplateRecord) []bool {
		return []bool{true}
	}
	base := baseTemplate(256, 8, 12)
	if _, _, _, err := m.DeriveTemplate(base, nil); err == nil {
		t.Error("expected error when Remove mask length mismatches base field count")
	}
}

func TestDeriveTemplateDistinctRemovalGetsDistinctID(t *testing.T) {
	m := New(nil, nil)
	base := baseTemplate(256, 8, 12)

	id1, _, _, err := m.DeriveTemplate(base, nil)
	if err != nil {
		t.Fatal(err)
	}

	m.Remove = func(base *ipfix.TemplateRecord) []bool {
		return []bool{false, true}
	}
	id2, fields2, _, err := m.DeriveTemplate(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Errorf("expected removing a field to derive a distinct template ID")
	}
	if len(fields2) != 1 {
		t.Fatalf("derived field count = %d, want 1", len(fields2))
	}
}

func TestReset(t *testing.T) {
	m := New(nil, nil)
	base := baseTemplate(256, 8)
	if _, _, _, err := m.DeriveTemplate(base, nil); err != nil {
		t.Fatal(err)
	}
	m.Reset()
	if len(m.derived) != 0 {
		t.Errorf("Reset did not clear the dedup table")
	}
}

func TestApplyFilterDefaultsToAllOutputs(t *testing.T) {
	m := New(nil, nil)
	bm, err := m.ApplyFilter(&pipeline.DataRecordRef{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(bm) != 3 {
		t.Fatalf("len(bm) = %d, want 3", len(bm))
	}
	for i, v := range bm {
		if !v {
			t.Errorf("bm[%d] = false, want true (no Filter set)", i)
		}
	}
}

func TestApplyFilterRejectsWrongShape(t *testing.T) {
	m := New(func(rec *pipeline.DataRecordRef, outputs int) []bool {
		return []bool{true}
	}, nil)
	if _, err := m.ApplyFilter(&pipeline.DataRecordRef{}, 3); err == nil {
		t.Errorf("expected error when Filter returns the wrong number of entries")
	}
}
