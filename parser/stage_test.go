package parser

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"

	ipfix "github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
	"github.com/CESNET/ipfixcol2-sub000/template"
)

func newTestStage() (*Stage, *session.Registry, *session.Session) {
	sessions := session.NewRegistry()
	templates := template.NewRegistry(logr.Discard(), nil)
	p := New(sessions, templates, logr.Discard())
	stage := NewStage(p, sessions, templates)

	sess := session.New(session.TCP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	sessions.GetOrCreate(sess.ID, func() *session.Session { return sess })
	return stage, sessions, sess
}

func TestStageProcessMultiRawProducesParsedEnvelope(t *testing.T) {
	stage, _, sess := newTestStage()
	ts := templateSet(256, 8)
	msg1 := append(msgHeader(messageHeaderLength+len(ts), 1000, 1, 1), ts...)
	if _, err := stage.ProcessMulti(context.Background(), pipeline.NewRawEnvelope(&pipeline.RawMessage{SessionID: sess.ID, Data: msg1})); err != nil {
		t.Fatal(err)
	}

	ds := dataSet(256, [][]byte{{1, 2, 3, 4}})
	msg2 := append(msgHeader(messageHeaderLength+len(ds), 1000, 2, 1), ds...)
	out, err := stage.ProcessMulti(context.Background(), pipeline.NewRawEnvelope(&pipeline.RawMessage{SessionID: sess.ID, Data: msg2}))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range out {
		if e.Kind == pipeline.KindParsed {
			found = true
			for i := range e.Parsed.Records {
				e.Parsed.Records[i].Snapshot.Release()
			}
		}
	}
	if !found {
		t.Error("expected a KindParsed envelope among the stage's output")
	}
}

func TestStageProcessMultiRawUnknownSessionErrors(t *testing.T) {
	stage, _, _ := newTestStage()
	hdr := make([]byte, messageHeaderLength)
	binary.BigEndian.PutUint16(hdr[0:2], 10)
	binary.BigEndian.PutUint16(hdr[2:4], messageHeaderLength)
	_, err := stage.ProcessMulti(context.Background(), pipeline.NewRawEnvelope(&pipeline.RawMessage{SessionID: "unknown", Data: hdr}))
	if err == nil {
		t.Fatal("expected an error processing a raw message for an unregistered session")
	}
}

func TestStageProcessMultiSessionControlRemovesTemplates(t *testing.T) {
	stage, _, sess := newTestStage()
	scope := template.Scope{SessionID: sess.ID, ODID: 1}
	m0 := stage.templates.Get(scope, session.TCP, 0)

	out, err := stage.ProcessMulti(context.Background(), pipeline.NewSessionControlEnvelope(&pipeline.SessionControl{
		Kind:      pipeline.SessionClose,
		SessionID: sess.ID,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != pipeline.KindSessionControl {
		t.Fatal("expected the session control envelope to be passed through unchanged")
	}

	m1 := stage.templates.Get(scope, session.TCP, 0)
	// a fresh manager for the same scope proves the old one was evicted
	if m1 == m0 {
		t.Fatal("expected SessionClose to evict the scope's template manager")
	}
	rec := &ipfix.TemplateRecord{
		TemplateId: 256,
		FieldCount: 1,
		Fields:     []ipfix.Field{ipfix.NewUnassignedFieldBuilder(8).SetLength(4).Complete()},
	}
	if err := m1.InsertTemplate(rec); err != nil {
		t.Fatal(err)
	}
	snap := m1.Current()
	defer snap.Release()
	if !snap.Has(256) {
		t.Fatal("expected template 256 in the fresh manager's snapshot")
	}
}

func TestStageSessionCloseRemovesTemplates(t *testing.T) {
	stage, _, sess := newTestStage()
	scope := template.Scope{SessionID: sess.ID, ODID: 1}
	m0 := stage.templates.Get(scope, session.TCP, 0)

	if err := stage.SessionClose(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if stage.templates.Get(scope, session.TCP, 0) == m0 {
		t.Fatal("expected SessionClose to evict the scope's template manager")
	}
}
