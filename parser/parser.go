/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package parser implements the IPFIX Message parser stage (§4.4): a
// stateless algorithm wrapped around a per-(Session, ODID, Stream) template
// manager, grounded on original_source/src/core/parser.c's structural
// algorithm (header validation, sequence check, Set iteration, Set-ID
// dispatch) and the teacher's Set/SetHeader/TemplateRecord wire codecs.
package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
	"github.com/CESNET/ipfixcol2-sub000/template"
)

const (
	messageHeaderLength = 16
	setHeaderLength     = 4

	setIDTemplate        = 2
	setIDOptionsTemplate = 3
	setIDDataMin         = 256

	variableLengthSentinel = 0xFFFF
	variableLengthLong     = 255
)

// Parser decodes raw IPFIX byte messages into pipeline.ParsedMessage values,
// synthesizing/withdrawing templates along the way (§4.4).
type Parser struct {
	sessions  *session.Registry
	templates *template.Registry
	logger    logr.Logger

	// fieldCache resolves each wire (field ID, PEN) pair to a FieldBuilder
	// while decoding Template/Options-Template records; an ephemeral cache
	// is enough here since the parser only needs field length/PEN layout
	// information, not a populated IANA dictionary (unassigned fields fall
	// back to a generic builder).
	fieldCache ipfix.FieldCache

	// Converter is invoked for raw messages whose first two bytes indicate
	// NetFlow v5/v9 rather than IPFIX (§4.4 step 0, §1 "NetFlow converter").
	// It must return an equivalent IPFIX-framed byte message.
	Converter func(sess *session.Session, odid uint32, raw []byte) ([]byte, error)
}

// New constructs a Parser sharing sessions and a template registry with the
// rest of the collector.
func New(sessions *session.Registry, templates *template.Registry, logger logr.Logger) *Parser {
	return &Parser{
		sessions:   sessions,
		templates:  templates,
		logger:     logger,
		fieldCache: ipfix.NewEphemeralFieldCache(nil),
	}
}

// Result is everything the parser produced from one raw message: the parsed
// IPFIX message (nil if every record was dropped and there's nothing to
// forward) plus zero or more garbage messages for snapshots the insertion/
// withdrawal of templates superseded.
type Result struct {
	Parsed  *pipeline.ParsedMessage
	Garbage []*pipeline.Garbage
}

// Parse runs the §4.4 algorithm against one raw message.
func (p *Parser) Parse(sess *session.Session, raw *pipeline.RawMessage) (*Result, error) {
	data := raw.Data
	if len(data) >= 2 {
		version := binary.BigEndian.Uint16(data[0:2])
		if version == 5 || version == 9 {
			if p.Converter == nil {
				return nil, pipeline.NewError(pipeline.ARG, fmt.Errorf("netflow v%d message received but no converter configured", version))
			}
			converted, err := p.Converter(sess, raw.ODID, data)
			if err != nil {
				return nil, err
			}
			data = converted
		}
	}

	if len(data) < messageHeaderLength {
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("message shorter than header (%d bytes)", len(data)))
	}

	var hdr ipfix.Message
	if _, err := hdr.Decode(bytes.NewReader(data[:messageHeaderLength])); err != nil {
		return nil, pipeline.NewError(pipeline.FORMAT, err)
	}
	if hdr.Version != 10 {
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("unsupported message version %d", hdr.Version))
	}
	if int(hdr.Length) != len(data) {
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("header length %d does not match buffer size %d", hdr.Length, len(data)))
	}

	odid := hdr.ObservationDomainId
	scope := template.Scope{SessionID: sess.ID, ODID: odid, Stream: raw.Stream}

	var collected []*pipeline.Garbage
	mgr := p.templates.Get(scope, sess.Kind, sess.TemplateLifetime)

	etRes, err := mgr.SetExportTime(hdr.ExportTime)
	if err != nil {
		sess.Block(odid, raw.Stream, err)
		return nil, err
	}

	expected := sess.Stats(odid, raw.Stream).LastSequence
	recordCount := uint32(0)

	out := &pipeline.ParsedMessage{
		SessionID: sess.ID,
		ODID:      odid,
		Stream:    raw.Stream,
		Header:    hdr,
		Raw:       data,
	}

	cursor := messageHeaderLength
	for cursor < len(data) {
		if cursor+setHeaderLength > len(data) {
			return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("truncated set header at offset %d", cursor))
		}
		setID := binary.BigEndian.Uint16(data[cursor : cursor+2])
		setLen := binary.BigEndian.Uint16(data[cursor+2 : cursor+4])
		if setLen < setHeaderLength || cursor+int(setLen) > len(data) {
			return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("invalid set length %d at offset %d", setLen, cursor))
		}
		body := data[cursor+setHeaderLength : cursor+int(setLen)]
		out.Sets = append(out.Sets, pipeline.SetRef{Offset: cursor, ID: setID, Length: setLen})

		switch {
		case setID == setIDTemplate:
			g, err := p.handleTemplateSet(mgr, body)
			collected = append(collected, g...)
			if err != nil {
				sess.Block(odid, raw.Stream, err)
				return nil, err
			}
		case setID == setIDOptionsTemplate:
			g, err := p.handleOptionsTemplateSet(mgr, body)
			collected = append(collected, g...)
			if err != nil {
				sess.Block(odid, raw.Stream, err)
				return nil, err
			}
		case setID >= setIDDataMin:
			if etRes.DropData {
				sess.RecordDropped(odid, raw.Stream)
				break
			}
			n, err := p.handleDataSet(mgr, setID, cursor+setHeaderLength, body, out)
			if err != nil {
				// missing template: skip with a warning, not fatal (§4.4 step 4)
				p.logger.Info("dropping data set for unknown template", "template", setID, "odid", odid, "error", err.Error())
				break
			}
			recordCount += uint32(n)
		default:
			p.logger.V(1).Info("skipping reserved set", "id", setID)
		}

		cursor += int(setLen)
	}

	// §4.4 step 3: sequence number check, with wraparound-aware comparison.
	// Out-of-sequence messages are processed and logged but do not advance
	// the expected counter.
	observed := hdr.SequenceNumber
	firstMessage := sess.Stats(odid, raw.Stream).MessagesAccepted == 0
	if !firstMessage && observed != expected {
		p.logger.Info("out-of-sequence message", "expected", expected, "observed", observed, "session", sess.ID, "odid", odid)
		sess.RecordAccepted(odid, raw.Stream, expected)
	} else {
		sess.RecordAccepted(odid, raw.Stream, pipeline.SeqAdvance(expected, observed, recordCount))
	}

	sess.Observe(odid, raw.Stream)

	if len(out.Records) == 0 {
		return &Result{Garbage: collected}, nil
	}
	return &Result{Parsed: out, Garbage: collected}, nil
}

func (p *Parser) handleTemplateSet(mgr *template.Manager, body []byte) ([]*pipeline.Garbage, error) {
	var garbage []*pipeline.Garbage
	r := bytes.NewReader(body)
	for r.Len() > 0 {
		id, fieldCount, ok := peekRecordHeader(r)
		if !ok {
			break
		}
		if fieldCount == 0 {
			// withdrawal: Template ID with field count 0
			consumeRecordHeader(r)
			if err := mgr.Withdraw(id); err != nil {
				return garbage, err
			}
			continue
		}
		rec := (&ipfix.TemplateRecord{}).WithFieldCache(p.fieldCache)
		if _, err := rec.Decode(r); err != nil {
			return garbage, pipeline.NewError(pipeline.FORMAT, err)
		}
		if err := mgr.InsertTemplate(rec); err != nil {
			return garbage, err
		}
	}
	return garbage, nil
}

func (p *Parser) handleOptionsTemplateSet(mgr *template.Manager, body []byte) ([]*pipeline.Garbage, error) {
	var garbage []*pipeline.Garbage
	r := bytes.NewReader(body)
	for r.Len() > 0 {
		id, fieldCount, ok := peekRecordHeader(r)
		if !ok {
			break
		}
		if fieldCount == 0 {
			consumeRecordHeader(r)
			if err := mgr.Withdraw(id); err != nil {
				return garbage, err
			}
			continue
		}
		rec := (&ipfix.OptionsTemplateRecord{}).WithFieldCache(p.fieldCache)
		if _, err := rec.Decode(r); err != nil {
			return garbage, pipeline.NewError(pipeline.FORMAT, err)
		}
		if rec.ScopeFieldCount == 0 {
			return garbage, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("options template %d has zero scope fields", rec.TemplateId))
		}
		if err := mgr.InsertOptionsTemplate(rec); err != nil {
			return garbage, err
		}
	}
	return garbage, nil
}

// peekRecordHeader reads the 4-byte (Template ID, Field Count) header
// without consuming it from r, reporting ok=false at end of buffer.
func peekRecordHeader(r *bytes.Reader) (id uint16, fieldCount uint16, ok bool) {
	if r.Len() < 4 {
		return 0, 0, false
	}
	b := make([]byte, 4)
	pos, _ := r.Seek(0, io.SeekCurrent)
	_, _ = r.Read(b)
	_, _ = r.Seek(pos, io.SeekStart)
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), true
}

func consumeRecordHeader(r *bytes.Reader) {
	_, _ = r.Seek(4, io.SeekCurrent)
}

// handleDataSet decodes the fixed-count of whole data records that fit in
// body against template id, appending a DataRecordRef per record (§4.4 step
// 4, §3 "Parsed IPFIX message").
func (p *Parser) handleDataSet(mgr *template.Manager, id uint16, bodyOffset int, body []byte, out *pipeline.ParsedMessage) (int, error) {
	snap := mgr.Current()
	var fields []ipfix.Field
	var ref pipeline.TemplateRef
	if tmpl, ok := snap.Lookup(id); ok {
		fields = tmpl.Fields
		ref = tmpl
	} else if otmpl, ok := snap.LookupOptions(id); ok {
		fields = append(append([]ipfix.Field{}, otmpl.Scopes...), otmpl.Options...)
		ref = otmpl
	} else {
		snap.Release()
		return 0, fmt.Errorf("unknown template %d", id)
	}

	count := 0
	offset := 0
	for offset < len(body) {
		size, err := recordSize(fields, body[offset:])
		if err != nil || offset+size > len(body) {
			break // trailing padding shorter than one record
		}
		snap.Acquire()
		out.Records = append(out.Records, pipeline.DataRecordRef{
			Offset:   bodyOffset + offset,
			Size:     size,
			Template: ref,
			Snapshot: snap,
		})
		offset += size
		count++
	}
	snap.Release()
	return count, nil
}

// recordSize computes the byte length of one data record laid out per
// fields' fixed/variable-length layout (§3 "Template").
func recordSize(fields []ipfix.Field, body []byte) (int, error) {
	n := 0
	for _, f := range fields {
		if f.Length() != variableLengthSentinel {
			n += int(f.Length())
			continue
		}
		if n >= len(body) {
			return 0, fmt.Errorf("truncated variable-length field")
		}
		first := body[n]
		if first == variableLengthLong {
			if n+3 > len(body) {
				return 0, fmt.Errorf("truncated variable-length field")
			}
			l := binary.BigEndian.Uint16(body[n+1 : n+3])
			n += 3 + int(l)
		} else {
			n += 1 + int(first)
		}
	}
	if n > len(body) {
		return 0, fmt.Errorf("record exceeds set body")
	}
	return n, nil
}
