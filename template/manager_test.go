package template

import (
	"testing"
	"time"

	"github.com/go-logr/logr"

	ipfix "github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
)

func tmplRecord(id uint16, fieldIDs ...uint16) *ipfix.TemplateRecord {
	fields := make([]ipfix.Field, 0, len(fieldIDs))
	for _, fid := range fieldIDs {
		fields = append(fields, ipfix.NewUnassignedFieldBuilder(fid).SetLength(4).Complete())
	}
	return &ipfix.TemplateRecord{TemplateId: id, FieldCount: uint16(len(fields)), Fields: fields}
}

func optsRecord(id uint16, scopeIDs, optionIDs []uint16) *ipfix.OptionsTemplateRecord {
	scopes := make([]ipfix.Field, 0, len(scopeIDs))
	for _, fid := range scopeIDs {
		scopes = append(scopes, ipfix.NewUnassignedFieldBuilder(fid).SetLength(4).Complete())
	}
	options := make([]ipfix.Field, 0, len(optionIDs))
	for _, fid := range optionIDs {
		options = append(options, ipfix.NewUnassignedFieldBuilder(fid).SetLength(4).Complete())
	}
	return &ipfix.OptionsTemplateRecord{
		TemplateId:      id,
		ScopeFieldCount: uint16(len(scopes)),
		FieldCount:      uint16(len(scopes) + len(options)),
		Scopes:          scopes,
		Options:         options,
	}
}

func TestSetExportTimeFirstCallAlwaysAccepted(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	res, err := m.SetExportTime(1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.DropData {
		t.Error("first export time should never be dropped")
	}
	if m.ExportTime() != 1000 {
		t.Errorf("ExportTime() = %d, want 1000", m.ExportTime())
	}
}

func TestSetExportTimeNonUDPRejectsOlder(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetExportTime(999); err == nil {
		t.Fatal("expected an error rejecting an export time older than the last seen one over TCP")
	}
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatalf("equal export time should be accepted: %v", err)
	}
}

func TestSetExportTimeNonUDPAcceptsAdvancing(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetExportTime(1001); err != nil {
		t.Fatal(err)
	}
	if m.ExportTime() != 1001 {
		t.Errorf("ExportTime() = %d, want 1001", m.ExportTime())
	}
}

func TestSetExportTimeUDPReordersWithinWindow(t *testing.T) {
	m := NewManager(session.UDP, 10*time.Second, logr.Discard(), nil)
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatal(err)
	}
	res, err := m.SetExportTime(995) // 5s older, within the 10s window
	if err != nil {
		t.Fatal(err)
	}
	if res.DropData {
		t.Error("a reordered UDP export time within the window should not drop data")
	}
	if m.ExportTime() != 1000 {
		t.Errorf("ExportTime() should stay at the high watermark 1000, got %d", m.ExportTime())
	}
}

func TestSetExportTimeUDPDropsOutsideWindow(t *testing.T) {
	m := NewManager(session.UDP, 10*time.Second, logr.Discard(), nil)
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatal(err)
	}
	res, err := m.SetExportTime(500) // 500s older, outside the 10s window
	if err != nil {
		t.Fatal(err)
	}
	if !res.DropData {
		t.Error("a reordered UDP export time outside the window should drop data")
	}
}

func TestSetExportTimeUDPAdvances(t *testing.T) {
	m := NewManager(session.UDP, 10*time.Second, logr.Discard(), nil)
	if _, err := m.SetExportTime(1000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetExportTime(1005); err != nil {
		t.Fatal(err)
	}
	if m.ExportTime() != 1005 {
		t.Errorf("ExportTime() = %d, want 1005", m.ExportTime())
	}
}

func TestInsertTemplateRejectsZeroFields(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	rec := &ipfix.TemplateRecord{TemplateId: 256}
	if err := m.InsertTemplate(rec); err == nil {
		t.Fatal("expected an error inserting a template record with zero fields")
	}
}

func TestInsertTemplateThenLookup(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	rec := tmplRecord(256, 8, 12)
	if err := m.InsertTemplate(rec); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	defer snap.Release()
	got, ok := snap.Lookup(256)
	if !ok {
		t.Fatal("expected template 256 to be present after insertion")
	}
	if got.TemplateId != 256 {
		t.Errorf("got.TemplateId = %d, want 256", got.TemplateId)
	}
}

func TestInsertOptionsTemplateRejectsZeroScopes(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	rec := &ipfix.OptionsTemplateRecord{TemplateId: 300, Options: []ipfix.Field{ipfix.NewUnassignedFieldBuilder(1).SetLength(4).Complete()}}
	if err := m.InsertOptionsTemplate(rec); err == nil {
		t.Fatal("expected an error inserting an options template with zero scope fields")
	}
}

func TestInsertOptionsTemplateRejectsZeroScopesAndOptions(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	rec := &ipfix.OptionsTemplateRecord{TemplateId: 300}
	if err := m.InsertOptionsTemplate(rec); err == nil {
		t.Fatal("expected an error inserting a wholly empty options template")
	}
}

func TestInsertOptionsTemplateThenLookup(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	rec := optsRecord(300, []uint16{1}, []uint16{2, 3})
	if err := m.InsertOptionsTemplate(rec); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	defer snap.Release()
	if !snap.Has(300) {
		t.Fatal("expected options template 300 to be present")
	}
	if _, ok := snap.Lookup(300); ok {
		t.Error("Lookup should not find an options template")
	}
	got, ok := snap.LookupOptions(300)
	if !ok || got.TemplateId != 300 {
		t.Fatalf("LookupOptions(300) = %v, %v", got, ok)
	}
}

func TestCheckRedefinitionUDPAlwaysAllowed(t *testing.T) {
	m := NewManager(session.UDP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertTemplate(tmplRecord(256, 8, 12)); err != nil {
		t.Fatalf("UDP redefinition should implicitly replace without error: %v", err)
	}
	snap := m.Current()
	defer snap.Release()
	got, _ := snap.Lookup(256)
	if len(got.Fields) != 2 {
		t.Errorf("expected the redefined template to win, got %d fields", len(got.Fields))
	}
}

func TestCheckRedefinitionNonUDPRejectedWithoutWithdrawal(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertTemplate(tmplRecord(256, 8, 12)); err == nil {
		t.Fatal("expected an error redefining a template over TCP without an explicit withdrawal")
	}
}

func TestWithdrawThenRedefineNonUDP(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.Withdraw(256); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	if snap.Has(256) {
		snap.Release()
		t.Fatal("expected template 256 to be gone after withdrawal")
	}
	snap.Release()
	if err := m.InsertTemplate(tmplRecord(256, 8, 12)); err != nil {
		t.Fatalf("redefinition after withdrawal should succeed: %v", err)
	}
}

func TestWithdrawUDPIsNoOp(t *testing.T) {
	m := NewManager(session.UDP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.Withdraw(256); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	defer snap.Release()
	if !snap.Has(256) {
		t.Error("withdrawal over UDP should be a no-op; template should still be present")
	}
}

func TestWithdrawAllTemplates(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertTemplate(tmplRecord(257, 9)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertOptionsTemplate(optsRecord(300, []uint16{1}, []uint16{2})); err != nil {
		t.Fatal(err)
	}
	if err := m.Withdraw(WithdrawAllTemplates); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	defer snap.Release()
	if snap.Has(256) || snap.Has(257) {
		t.Error("WithdrawAllTemplates should remove every data template")
	}
	if !snap.Has(300) {
		t.Error("WithdrawAllTemplates must not remove options templates")
	}
}

func TestWithdrawAllOptionsTemplates(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertOptionsTemplate(optsRecord(300, []uint16{1}, []uint16{2})); err != nil {
		t.Fatal(err)
	}
	if err := m.Withdraw(WithdrawAllOptionsTemplates); err != nil {
		t.Fatal(err)
	}
	snap := m.Current()
	defer snap.Release()
	if !snap.Has(256) {
		t.Error("WithdrawAllOptionsTemplates must not remove data templates")
	}
	if snap.Has(300) {
		t.Error("WithdrawAllOptionsTemplates should remove every options template")
	}
}

func TestManagerSupersedeFiresOnGarbageWhenSnapshotRefcountReachesZero(t *testing.T) {
	var freed []*pipeline.Garbage
	onGarbage := func(g *pipeline.Garbage) { freed = append(freed, g) }
	m := NewManager(session.TCP, 0, logr.Discard(), onGarbage)

	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	first := m.Current()

	if err := m.InsertTemplate(tmplRecord(257, 9)); err != nil {
		t.Fatal(err)
	}

	if len(freed) != 0 {
		t.Fatalf("the superseded snapshot is still held by `first`; onGarbage must not fire yet, got %d calls", len(freed))
	}
	first.Release()
	if len(freed) != 1 {
		t.Errorf("releasing the last reference to the superseded snapshot should fire onGarbage exactly once, got %d", len(freed))
	}
}

func TestCurrentAcquiresReferenceCount(t *testing.T) {
	m := NewManager(session.TCP, 0, logr.Discard(), nil)
	if err := m.InsertTemplate(tmplRecord(256, 8)); err != nil {
		t.Fatal(err)
	}
	a := m.Current()
	b := m.Current()
	if a != b {
		t.Fatal("Current() should return the same snapshot while it is still current")
	}
	a.Release()
	b.Release()
}
