package parser

import (
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"

	ipfix "github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
	"github.com/CESNET/ipfixcol2-sub000/template"
)

func msgHeader(length int, exportTime, seq, odid uint32) []byte {
	h := make([]byte, 0, messageHeaderLength)
	h = binary.BigEndian.AppendUint16(h, 10)
	h = binary.BigEndian.AppendUint16(h, uint16(length))
	h = binary.BigEndian.AppendUint32(h, exportTime)
	h = binary.BigEndian.AppendUint32(h, seq)
	h = binary.BigEndian.AppendUint32(h, odid)
	return h
}

func templateSet(id uint16, fieldIDs ...uint16) []byte {
	body := make([]byte, 0)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, uint16(len(fieldIDs)))
	for _, fid := range fieldIDs {
		body = binary.BigEndian.AppendUint16(body, fid)
		body = binary.BigEndian.AppendUint16(body, 4)
	}
	set := make([]byte, 0, setHeaderLength+len(body))
	set = binary.BigEndian.AppendUint16(set, setIDTemplate)
	set = binary.BigEndian.AppendUint16(set, uint16(setHeaderLength+len(body)))
	set = append(set, body...)
	return set
}

func templateWithdrawalSet(id uint16) []byte {
	body := make([]byte, 0, 4)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, 0)
	set := make([]byte, 0, setHeaderLength+len(body))
	set = binary.BigEndian.AppendUint16(set, setIDTemplate)
	set = binary.BigEndian.AppendUint16(set, uint16(setHeaderLength+len(body)))
	set = append(set, body...)
	return set
}

func optionsTemplateSet(id uint16, scopeFieldIDs, optionFieldIDs []uint16) []byte {
	body := make([]byte, 0)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, uint16(len(scopeFieldIDs)+len(optionFieldIDs)))
	body = binary.BigEndian.AppendUint16(body, uint16(len(scopeFieldIDs)))
	for _, fid := range scopeFieldIDs {
		body = binary.BigEndian.AppendUint16(body, fid)
		body = binary.BigEndian.AppendUint16(body, 4)
	}
	for _, fid := range optionFieldIDs {
		body = binary.BigEndian.AppendUint16(body, fid)
		body = binary.BigEndian.AppendUint16(body, 4)
	}
	set := make([]byte, 0, setHeaderLength+len(body))
	set = binary.BigEndian.AppendUint16(set, setIDOptionsTemplate)
	set = binary.BigEndian.AppendUint16(set, uint16(setHeaderLength+len(body)))
	set = append(set, body...)
	return set
}

func dataSet(tmplID uint16, records [][]byte) []byte {
	body := make([]byte, 0)
	for _, r := range records {
		body = append(body, r...)
	}
	set := make([]byte, 0, setHeaderLength+len(body))
	set = binary.BigEndian.AppendUint16(set, tmplID)
	set = binary.BigEndian.AppendUint16(set, uint16(setHeaderLength+len(body)))
	set = append(set, body...)
	return set
}

func newTestParser() (*Parser, *session.Session) {
	sessions := session.NewRegistry()
	templates := template.NewRegistry(logr.Discard(), nil)
	p := New(sessions, templates, logr.Discard())
	sess := session.New(session.TCP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	return p, sess
}

func TestParseRejectsShortMessage(t *testing.T) {
	p, sess := newTestParser()
	_, err := p.Parse(sess, &pipeline.RawMessage{Data: []byte{0, 10}})
	if err == nil {
		t.Fatal("expected error parsing a message shorter than the header")
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	p, sess := newTestParser()
	hdr := msgHeader(16, 1000, 1, 1)
	hdr[0] = 0
	hdr[1] = 9
	_, err := p.Parse(sess, &pipeline.RawMessage{Data: hdr})
	if err == nil {
		t.Fatal("expected error parsing a non-IPFIX-version message")
	}
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	p, sess := newTestParser()
	hdr := msgHeader(100, 1000, 1, 1)
	_, err := p.Parse(sess, &pipeline.RawMessage{Data: hdr})
	if err == nil {
		t.Fatal("expected error when header length disagrees with buffer size")
	}
}

func TestParseTemplateSetOnlyProducesNoRecords(t *testing.T) {
	p, sess := newTestParser()
	ts := templateSet(256, 8, 12)
	msg := append(msgHeader(messageHeaderLength+len(ts), 1000, 1, 1), ts...)

	res, err := p.Parse(sess, &pipeline.RawMessage{Data: msg})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parsed != nil {
		t.Error("a template-only message with no data records should produce no Parsed message")
	}
}

func TestParseTemplateThenDataProducesRecords(t *testing.T) {
	p, sess := newTestParser()
	ts := templateSet(256, 8, 12)
	msg1 := append(msgHeader(messageHeaderLength+len(ts), 1000, 1, 1), ts...)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg1}); err != nil {
		t.Fatal(err)
	}

	rec := make([]byte, 8) // two 4-byte fields
	ds := dataSet(256, [][]byte{rec})
	msg2 := append(msgHeader(messageHeaderLength+len(ds), 1000, 2, 1), ds...)

	res, err := p.Parse(sess, &pipeline.RawMessage{Data: msg2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parsed == nil {
		t.Fatal("expected a Parsed message with one decoded data record")
	}
	if len(res.Parsed.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(res.Parsed.Records))
	}
	if res.Parsed.Records[0].Size != 8 {
		t.Errorf("Records[0].Size = %d, want 8", res.Parsed.Records[0].Size)
	}
	res.Parsed.Records[0].Snapshot.Release()
}

func TestParseOptionsTemplateThenDataProducesRecordsWithValidTemplateRef(t *testing.T) {
	p, sess := newTestParser()
	ots := optionsTemplateSet(257, []uint16{1}, []uint16{41})
	msg1 := append(msgHeader(messageHeaderLength+len(ots), 1000, 1, 1), ots...)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg1}); err != nil {
		t.Fatal(err)
	}

	rec := make([]byte, 8) // scope field (4 bytes) + option field (4 bytes)
	ds := dataSet(257, [][]byte{rec})
	msg2 := append(msgHeader(messageHeaderLength+len(ds), 1000, 2, 1), ds...)

	res, err := p.Parse(sess, &pipeline.RawMessage{Data: msg2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parsed == nil {
		t.Fatal("expected a Parsed message with one decoded options-template data record")
	}
	if len(res.Parsed.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(res.Parsed.Records))
	}
	ref := res.Parsed.Records[0].Template
	if ref == nil {
		t.Fatal("Records[0].Template must not be nil for a record decoded against an Options Template")
	}
	if ref.Id() != 257 {
		t.Errorf("Records[0].Template.Id() = %d, want 257", ref.Id())
	}
	res.Parsed.Records[0].Snapshot.Release()
}

func TestParseDataSetWithUnknownTemplateIsSkippedNotFatal(t *testing.T) {
	p, sess := newTestParser()
	ds := dataSet(999, [][]byte{{1, 2, 3, 4}})
	msg := append(msgHeader(messageHeaderLength+len(ds), 1000, 1, 1), ds...)

	res, err := p.Parse(sess, &pipeline.RawMessage{Data: msg})
	if err != nil {
		t.Fatalf("an unknown template should be skipped, not fatal: %v", err)
	}
	if res.Parsed != nil {
		t.Error("no data should have been decoded for the unknown template")
	}
}

func TestParseWithdrawalRemovesTemplate(t *testing.T) {
	p, sess := newTestParser()
	ts := templateSet(256, 8)
	msg1 := append(msgHeader(messageHeaderLength+len(ts), 1000, 1, 1), ts...)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg1}); err != nil {
		t.Fatal(err)
	}

	w := templateWithdrawalSet(256)
	msg2 := append(msgHeader(messageHeaderLength+len(w), 1000, 2, 1), w...)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg2}); err != nil {
		t.Fatal(err)
	}

	ds := dataSet(256, [][]byte{{1, 2, 3, 4}})
	msg3 := append(msgHeader(messageHeaderLength+len(ds), 1000, 3, 1), ds...)
	res, err := p.Parse(sess, &pipeline.RawMessage{Data: msg3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parsed != nil {
		t.Error("data referencing a withdrawn template must be dropped, not decoded")
	}
}

func TestParseExportTimeRegressionBlocksSessionOverTCP(t *testing.T) {
	p, sess := newTestParser()
	msg1 := msgHeader(messageHeaderLength, 1000, 1, 1)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg1}); err != nil {
		t.Fatal(err)
	}
	msg2 := msgHeader(messageHeaderLength, 999, 2, 1)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: msg2}); err == nil {
		t.Fatal("expected an export-time regression over TCP to be rejected")
	}
	if sess.State(1, 0) != session.Blocked {
		t.Errorf("session state = %v, want Blocked after an export-time regression", sess.State(1, 0))
	}
}

func TestParseConverterInvokedForNetflowV5(t *testing.T) {
	p, sess := newTestParser()
	called := false
	p.Converter = func(s *session.Session, odid uint32, raw []byte) ([]byte, error) {
		called = true
		return msgHeader(messageHeaderLength, 1000, 1, odid), nil
	}
	nf5 := make([]byte, 4)
	binary.BigEndian.PutUint16(nf5[0:2], 5)

	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: nf5, ODID: 1}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("expected the configured Converter to be invoked for a NetFlow v5 message")
	}
}

func TestParseConverterMissingIsError(t *testing.T) {
	p, sess := newTestParser()
	nf9 := make([]byte, 4)
	binary.BigEndian.PutUint16(nf9[0:2], 9)
	if _, err := p.Parse(sess, &pipeline.RawMessage{Data: nf9}); err == nil {
		t.Fatal("expected an error when a NetFlow message arrives with no Converter configured")
	}
}

func TestRecordSizeFixedLength(t *testing.T) {
	fields := []ipfix.Field{
		ipfix.NewUnassignedFieldBuilder(8).SetLength(4).Complete(),
		ipfix.NewUnassignedFieldBuilder(12).SetLength(4).Complete(),
	}
	size, err := recordSize(fields, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	if size != 8 {
		t.Errorf("recordSize = %d, want 8", size)
	}
}

func TestRecordSizeVariableLengthShort(t *testing.T) {
	fields := []ipfix.Field{
		ipfix.NewUnassignedFieldBuilder(8).SetLength(0xFFFF).Complete(),
	}
	body := []byte{5, 'h', 'e', 'l', 'l', 'o'}
	size, err := recordSize(fields, body)
	if err != nil {
		t.Fatal(err)
	}
	if size != 6 {
		t.Errorf("recordSize = %d, want 6 (1 length byte + 5 data bytes)", size)
	}
}
