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

package netflow

import (
	"encoding/binary"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

const (
	v9HeaderLength      = 20
	v9FlowSetHeaderLen  = 4
	v9TemplateFlowSetID = 0
	v9OptionsFlowSetID  = 1
	v9DataFlowSetMin    = 256

	// v9PENConverted marks a converted field whose original element ID was
	// in the "collector-specific" NetFlow v9 range 128-32767 (original_source
	// netflow9_templates.c's remapping table).
	v9PENConverted uint32 = 4294967294
	// v9PENRemapped marks a converted field whose original element ID was
	// outside any IANA-assigned IPFIX range (32768-65535); its low 15 bits
	// are kept as the enterprise-specific element ID.
	v9PENRemapped uint32 = 4294967295
)

// v9FieldInstr is one compiled instruction for converting a single NetFlow
// v9 field occurrence into its IPFIX equivalent.
type v9FieldInstr struct {
	srcLength  uint16
	ipfixID    uint16
	pen        uint32 // 0 for a directly-mapped IANA element
	convertTS  bool   // true: this field is a relative-ms timestamp needing conversion to absolute
	isScope    bool
}

// v9Template is one compiled (Template ID -> field instructions) entry in
// the sparse two-level table (§4.6).
type v9Template struct {
	fields     []v9FieldInstr
	recordSize int // sum of the source (NetFlow v9) field lengths

	// drop marks an Options Template whose scope fields could not be
	// converted (an unsupported NetFlow Scope Field Type, or one too large
	// for its IPFIX target IE). Its Data FlowSets are silently discarded
	// and no Options Template Set is re-emitted for it, mirroring
	// original_source's REC_ACT_DROP "dummy" template (§4.6).
	drop bool
}

// V9Converter implements the two-level sparse NetFlow v9 template table and
// field remapping described in §4.6, grounded on original_source's
// netflow9_templates.c/.h and netflow9_parsers.c/.h, cross-checked against
// reshwanthmanupati-NetWeaver's NetFlowV9Header layout.
type V9Converter struct {
	logger logr.Logger

	// table[odid] is itself a 256-bucket table of up-to-256 templates,
	// mirroring the original's two-level 256x256 structure keyed by the
	// NetFlow v9 Template ID's high/low byte.
	table map[uint32]*[256]*[256]*v9Template

	// seq tracks the re-originated IPFIX sequence number per ODID,
	// independent of the source NetFlow v9 message sequence (§4.6).
	seq map[uint32]uint32
}

// NewV9Converter constructs a V9Converter.
func NewV9Converter(logger logr.Logger) *V9Converter {
	return &V9Converter{
		logger: logger,
		table:  make(map[uint32]*[256]*[256]*v9Template),
		seq:    make(map[uint32]uint32),
	}
}

func (c *V9Converter) templateFor(odid uint32, id uint16) *v9Template {
	hi, lo := byte(id>>8), byte(id)
	outer, ok := c.table[odid]
	if !ok {
		return nil
	}
	inner := outer[hi]
	if inner == nil {
		return nil
	}
	return inner[lo]
}

func (c *V9Converter) setTemplateFor(odid uint32, id uint16, t *v9Template) {
	hi, lo := byte(id>>8), byte(id)
	outer, ok := c.table[odid]
	if !ok {
		outer = &[256]*[256]*v9Template{}
		c.table[odid] = outer
	}
	if outer[hi] == nil {
		outer[hi] = &[256]*v9Template{}
	}
	outer[hi][lo] = t
}

// Convert rewrites one NetFlow v9 packet into an IPFIX-framed byte message.
func (c *V9Converter) Convert(odid uint32, raw []byte) ([]byte, error) {
	if len(raw) < v9HeaderLength {
		V9ErrorsTotal.Inc()
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("netflow v9 packet shorter than header (%d bytes)", len(raw)))
	}
	version := binary.BigEndian.Uint16(raw[0:2])
	if version != 9 {
		V9ErrorsTotal.Inc()
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("expected netflow v9, got version %d", version))
	}
	declaredCount := binary.BigEndian.Uint16(raw[2:4])
	sysUptime := binary.BigEndian.Uint32(raw[4:8])
	unixSecs := binary.BigEndian.Uint32(raw[8:12])

	body := raw[v9HeaderLength:]
	var sets []byte
	recordCount := 0

	cursor := 0
	for cursor < len(body) {
		if cursor+v9FlowSetHeaderLen > len(body) {
			return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("truncated flowset header at offset %d", cursor))
		}
		fsID := binary.BigEndian.Uint16(body[cursor : cursor+2])
		fsLen := binary.BigEndian.Uint16(body[cursor+2 : cursor+4])
		if fsLen < v9FlowSetHeaderLen || cursor+int(fsLen) > len(body) {
			return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("invalid flowset length %d at offset %d", fsLen, cursor))
		}
		fsBody := body[cursor+v9FlowSetHeaderLen : cursor+int(fsLen)]

		switch {
		case fsID == v9TemplateFlowSetID:
			tmplBytes, err := c.handleTemplateFlowSet(odid, fsBody)
			if err != nil {
				return nil, err
			}
			sets = append(sets, tmplBytes...)
		case fsID == v9OptionsFlowSetID:
			// Options templates remap their scope fields through the
			// fixed scope-field table (netflow/scope.go) and their option
			// fields through the ordinary element-ID remapping; scope-field
			// semantics themselves are preserved, only the element IDs
			// change (§4.6 "scope-field remapping table").
			tmplBytes, err := c.handleOptionsFlowSet(odid, fsBody)
			if err != nil {
				return nil, err
			}
			sets = append(sets, tmplBytes...)
		case fsID >= v9DataFlowSetMin:
			dataBytes, n, err := c.handleDataFlowSet(odid, fsID, fsBody, unixSecs, sysUptime)
			if err != nil {
				c.logger.Info("dropping netflow v9 data flowset for unknown template", "template", fsID, "odid", odid, "error", err.Error())
			} else {
				sets = append(sets, dataBytes...)
				recordCount += n
			}
		default:
			c.logger.V(1).Info("skipping reserved netflow v9 flowset", "id", fsID)
		}

		cursor += int(fsLen)
	}

	if int(declaredCount) != 0 && recordCount == 0 && len(sets) == 0 {
		// Every flowset was template-only or dropped; nothing to re-emit
		// is not itself an error (§9 OQ1: record-count mismatches are not
		// escalated to FORMAT).
	}

	c.seq[odid]++
	header := make([]byte, 0, 16)
	header = binary.BigEndian.AppendUint16(header, ipfixVersion)
	header = binary.BigEndian.AppendUint16(header, uint16(16+len(sets)))
	header = binary.BigEndian.AppendUint32(header, unixSecs)
	header = binary.BigEndian.AppendUint32(header, c.seq[odid])
	header = binary.BigEndian.AppendUint32(header, odid)

	msg := make([]byte, 0, 16+len(sets))
	msg = append(msg, header...)
	msg = append(msg, sets...)

	V9RecordsConverted.Add(float64(recordCount))
	return msg, nil
}

// handleTemplateFlowSet parses one or more Template records from a Template
// FlowSet (id 0), compiling and storing each into the sparse table, and
// returns the equivalent IPFIX Template Set bytes.
func (c *V9Converter) handleTemplateFlowSet(odid uint32, body []byte) ([]byte, error) {
	var out []byte
	cursor := 0
	for cursor+4 <= len(body) {
		tmplID := binary.BigEndian.Uint16(body[cursor : cursor+2])
		fieldCount := binary.BigEndian.Uint16(body[cursor+2 : cursor+4])
		cursor += 4

		fields := make([]v9FieldInstr, 0, fieldCount)
		ipfixBody := make([]byte, 0, 4+int(fieldCount)*4)
		ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, tmplID)
		ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, fieldCount)

		recSize := 0
		for i := 0; i < int(fieldCount); i++ {
			if cursor+4 > len(body) {
				return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("truncated template %d field %d", tmplID, i))
			}
			v9ID := binary.BigEndian.Uint16(body[cursor : cursor+2])
			length := binary.BigEndian.Uint16(body[cursor+2 : cursor+4])
			cursor += 4

			instr := remapV9Field(v9ID, length)
			fields = append(fields, instr)
			recSize += int(length)

			outLength := length
			if instr.convertTS && length == 4 {
				outLength = 8 // emitted as an absolute millisecond timestamp
			}
			ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, instr.ipfixID)
			ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, outLength)
			if instr.pen != 0 {
				// Enterprise bit on the emitted IPFIX element ID, per §4.6.
				ipfixBody[len(ipfixBody)-4] |= 0x80
				ipfixBody = binary.BigEndian.AppendUint32(ipfixBody, instr.pen)
			}
		}

		c.setTemplateFor(odid, tmplID, &v9Template{fields: fields, recordSize: recSize})

		set := make([]byte, 0, 4+len(ipfixBody))
		set = binary.BigEndian.AppendUint16(set, 2)
		set = binary.BigEndian.AppendUint16(set, uint16(4+len(ipfixBody)))
		set = append(set, ipfixBody...)
		out = append(out, set...)
	}
	return out, nil
}

// handleOptionsFlowSet parses Options Template records (id 1), remapping
// scope fields through the fixed table (netflow/scope.go) and option fields
// through the ordinary element-ID remapping. A scope field the table
// doesn't recognize (or a Template with no scope fields at all) marks the
// whole Template "drop": no Options Template Set is re-emitted and its
// Data FlowSets are silently discarded, matching original_source's
// REC_ACT_DROP dummy-template handling (§4.6).
func (c *V9Converter) handleOptionsFlowSet(odid uint32, body []byte) ([]byte, error) {
	if len(body) < 6 {
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("truncated options template header"))
	}
	tmplID := binary.BigEndian.Uint16(body[0:2])
	scopeLen := binary.BigEndian.Uint16(body[2:4])
	optionLen := binary.BigEndian.Uint16(body[4:6])
	cursor := 6

	scopeCount := int(scopeLen) / 4
	optionCount := int(optionLen) / 4

	if scopeCount == 0 {
		c.logger.Info("dropping netflow v9 options template with no scope fields", "template", tmplID, "odid", odid)
		c.setTemplateFor(odid, tmplID, &v9Template{drop: true})
		return nil, nil
	}

	fields := make([]v9FieldInstr, 0, scopeCount+optionCount)
	ipfixBody := make([]byte, 0, 6+int(scopeLen)+int(optionLen))
	ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, tmplID)
	ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, uint16(scopeCount))
	ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, uint16(scopeCount+optionCount))

	recSize := 0
	unsupportedScope := false
	appendField := func(isScope bool) error {
		if cursor+4 > len(body) {
			return fmt.Errorf("truncated options template %d", tmplID)
		}
		v9ID := binary.BigEndian.Uint16(body[cursor : cursor+2])
		length := binary.BigEndian.Uint16(body[cursor+2 : cursor+4])
		cursor += 4

		var instr v9FieldInstr
		if isScope {
			var ok bool
			instr, ok = remapV9ScopeField(v9ID, length)
			if !ok {
				unsupportedScope = true
				return nil
			}
		} else {
			instr = remapV9Field(v9ID, length)
		}
		instr.isScope = isScope
		fields = append(fields, instr)
		recSize += int(length)

		outLength := length
		if instr.convertTS && length == 4 {
			outLength = 8 // emitted as an absolute millisecond timestamp
		}
		ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, instr.ipfixID)
		ipfixBody = binary.BigEndian.AppendUint16(ipfixBody, outLength)
		if instr.pen != 0 {
			ipfixBody[len(ipfixBody)-4] |= 0x80
			ipfixBody = binary.BigEndian.AppendUint32(ipfixBody, instr.pen)
		}
		return nil
	}

	for i := 0; i < scopeCount && !unsupportedScope; i++ {
		if err := appendField(true); err != nil {
			return nil, pipeline.NewError(pipeline.FORMAT, err)
		}
	}
	for i := 0; i < optionCount && !unsupportedScope; i++ {
		if err := appendField(false); err != nil {
			return nil, pipeline.NewError(pipeline.FORMAT, err)
		}
	}

	if unsupportedScope {
		c.logger.Info("dropping netflow v9 options template with unsupported scope field", "template", tmplID, "odid", odid)
		c.setTemplateFor(odid, tmplID, &v9Template{drop: true})
		return nil, nil
	}

	c.setTemplateFor(odid, tmplID, &v9Template{fields: fields, recordSize: recSize})

	set := make([]byte, 0, 4+len(ipfixBody))
	set = binary.BigEndian.AppendUint16(set, 3)
	set = binary.BigEndian.AppendUint16(set, uint16(4+len(ipfixBody)))
	set = append(set, ipfixBody...)
	return set, nil
}

func (c *V9Converter) handleDataFlowSet(odid uint32, id uint16, body []byte, unixSecs, sysUptime uint32) ([]byte, int, error) {
	tmpl := c.templateFor(odid, id)
	if tmpl == nil {
		return nil, 0, fmt.Errorf("unknown template %d", id)
	}
	if tmpl.drop {
		return nil, 0, fmt.Errorf("template %d dropped (unconvertible scope field)", id)
	}
	if tmpl.recordSize <= 0 {
		return nil, 0, fmt.Errorf("template %d has non-positive record size", id)
	}

	count := len(body) / tmpl.recordSize
	out := make([]byte, 0, count*tmpl.recordSize)
	for i := 0; i < count; i++ {
		rec := body[i*tmpl.recordSize : (i+1)*tmpl.recordSize]
		off := 0
		for _, f := range tmpl.fields {
			v := rec[off : off+int(f.srcLength)]
			if f.convertTS && f.srcLength == 4 {
				ms := AbsoluteMilliseconds(unixSecs, 0, sysUptime, binary.BigEndian.Uint32(v))
				b := make([]byte, 8)
				binary.BigEndian.PutUint64(b, ms)
				out = append(out, b...)
			} else {
				out = append(out, v...)
			}
			off += int(f.srcLength)
		}
	}

	set := make([]byte, 0, 4+len(out))
	set = binary.BigEndian.AppendUint16(set, id)
	set = binary.BigEndian.AppendUint16(set, uint16(4+len(out)))
	set = append(set, out...)
	return set, count, nil
}

// remapV9Field implements §4.6's element-ID remapping rules: IDs 1-127 copy
// straight through (shared IANA assignment with IPFIX); 128-32767 are
// vendor/collector-specific and get the enterprise bit plus PEN
// v9PENConverted; 32768-65535 fall outside any assigned range and get PEN
// v9PENRemapped. Field 21/22 (First/Last Switched, sysUptime-relative ms)
// convert to absolute timestamps.
func remapV9Field(v9ID uint16, length uint16) v9FieldInstr {
	instr := v9FieldInstr{srcLength: length}
	switch {
	case v9ID == 21:
		instr.ipfixID = 153 // flowEndMilliseconds
		instr.convertTS = true
	case v9ID == 22:
		instr.ipfixID = 152 // flowStartMilliseconds
		instr.convertTS = true
	case v9ID >= 1 && v9ID <= 127:
		instr.ipfixID = v9ID
	case v9ID >= 128 && v9ID <= 32767:
		instr.ipfixID = v9ID
		instr.pen = v9PENConverted
	default:
		instr.ipfixID = v9ID
		instr.pen = v9PENRemapped
	}
	return instr
}

var (
	V9RecordsConverted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "netflow_v9",
		Name:      "records_converted_total",
		Help:      "Total number of NetFlow v9 records converted to IPFIX",
	})
	V9ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "netflow_v9",
		Name:      "errors_total",
		Help:      "Total number of NetFlow v9 conversion errors",
	})
)
