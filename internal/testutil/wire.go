// Package testutil holds wire-format builders and other fixtures shared
// across package test suites: raw IPFIX Message/Set byte builders mirroring
// what parser.Parser decodes, plus a seeded random source for property-test
// table expansion. Nothing here is imported by non-test code.
package testutil

import "encoding/binary"

// Wire-format constants mirrored from package parser, which keeps its own
// copies unexported; testutil builds raw bytes independently of parser so
// that a change to parser's internal layout is caught by a failing
// cross-check rather than silently agreeing with itself.
const (
	MessageHeaderLength = 16
	SetHeaderLength     = 4

	SetIDTemplate        = 2
	SetIDOptionsTemplate = 3
)

// MessageHeader builds a 16-byte IPFIX Message header.
func MessageHeader(length int, exportTime, seq, odid uint32) []byte {
	h := make([]byte, 0, MessageHeaderLength)
	h = binary.BigEndian.AppendUint16(h, 10)
	h = binary.BigEndian.AppendUint16(h, uint16(length))
	h = binary.BigEndian.AppendUint32(h, exportTime)
	h = binary.BigEndian.AppendUint32(h, seq)
	h = binary.BigEndian.AppendUint32(h, odid)
	return h
}

// TemplateSet builds a Template Set (Set ID 2) containing one Template
// Record with id and one 4-byte field per entry in fieldIDs.
func TemplateSet(id uint16, fieldIDs ...uint16) []byte {
	body := make([]byte, 0)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, uint16(len(fieldIDs)))
	for _, fid := range fieldIDs {
		body = binary.BigEndian.AppendUint16(body, fid)
		body = binary.BigEndian.AppendUint16(body, 4)
	}
	return wrapSet(SetIDTemplate, body)
}

// Field is one (IE id, length) pair for TemplateSetFields, used when a
// scenario needs fields of differing widths rather than TemplateSet's
// uniform 4-byte assumption.
type Field struct {
	ID     uint16
	Length uint16
}

// TemplateSetFields builds a Template Set (Set ID 2) containing one
// Template Record with explicit per-field widths.
func TemplateSetFields(id uint16, fields ...Field) []byte {
	body := make([]byte, 0)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, uint16(len(fields)))
	for _, f := range fields {
		body = binary.BigEndian.AppendUint16(body, f.ID)
		body = binary.BigEndian.AppendUint16(body, f.Length)
	}
	return wrapSet(SetIDTemplate, body)
}

// TemplateWithdrawal builds a Template Set withdrawing id (field count 0).
func TemplateWithdrawal(id uint16) []byte {
	body := make([]byte, 0, 4)
	body = binary.BigEndian.AppendUint16(body, id)
	body = binary.BigEndian.AppendUint16(body, 0)
	return wrapSet(SetIDTemplate, body)
}

// OptionsTemplateSet builds an Options Template Set (Set ID 3) with one
// record, scopeFieldIDs as scope fields and optionFieldIDs as option
// fields, each 4 bytes wide.
func OptionsTemplateSet(id uint16, scopeFieldIDs, optionFieldIDs []uint16) []byte {
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
	return wrapSet(SetIDOptionsTemplate, body)
}

// DataSet builds a Data Set for template tmplID from the given raw records,
// concatenated in order.
func DataSet(tmplID uint16, records [][]byte) []byte {
	body := make([]byte, 0)
	for _, r := range records {
		body = append(body, r...)
	}
	return wrapSet(tmplID, body)
}

// Message prepends a Message header sized for body around body itself,
// producing one complete raw IPFIX message.
func Message(exportTime, seq, odid uint32, body []byte) []byte {
	return append(MessageHeader(MessageHeaderLength+len(body), exportTime, seq, odid), body...)
}

func wrapSet(id uint16, body []byte) []byte {
	set := make([]byte, 0, SetHeaderLength+len(body))
	set = binary.BigEndian.AppendUint16(set, id)
	set = binary.BigEndian.AppendUint16(set, uint16(SetHeaderLength+len(body)))
	set = append(set, body...)
	return set
}

// DecodeUint64At reads a big-endian uint64 from buf at offset, for tests
// that need to reach into a converted message's raw bytes rather than
// re-decoding it through the full Template/Field machinery.
func DecodeUint64At(buf []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(buf[offset : offset+8])
}

// NetflowV5Header builds a 24-byte NetFlow v5 packet header.
func NetflowV5Header(count uint16, sysUptime, unixSecs, unixNsecs uint32) []byte {
	h := make([]byte, 0, 24)
	h = binary.BigEndian.AppendUint16(h, 5)
	h = binary.BigEndian.AppendUint16(h, count)
	h = binary.BigEndian.AppendUint32(h, sysUptime)
	h = binary.BigEndian.AppendUint32(h, unixSecs)
	h = binary.BigEndian.AppendUint32(h, unixNsecs)
	h = binary.BigEndian.AppendUint32(h, 0) // flow_sequence
	h = append(h, 0, 0)                     // engine_type, engine_id
	h = binary.BigEndian.AppendUint16(h, 0) // sampling_interval
	return h
}

// NetflowV5Record builds a 48-byte fixed NetFlow v5 flow record.
func NetflowV5Record(srcAddr, dstAddr, nextHop [4]byte, input, output uint16, dPkts, dOctets, first, last uint32, srcPort, dstPort uint16, tcpFlags, prot, tos byte, srcAS, dstAS uint16, srcMask, dstMask byte) []byte {
	rec := make([]byte, 0, 48)
	rec = append(rec, srcAddr[:]...)
	rec = append(rec, dstAddr[:]...)
	rec = append(rec, nextHop[:]...)
	rec = binary.BigEndian.AppendUint16(rec, input)
	rec = binary.BigEndian.AppendUint16(rec, output)
	rec = binary.BigEndian.AppendUint32(rec, dPkts)
	rec = binary.BigEndian.AppendUint32(rec, dOctets)
	rec = binary.BigEndian.AppendUint32(rec, first)
	rec = binary.BigEndian.AppendUint32(rec, last)
	rec = binary.BigEndian.AppendUint16(rec, srcPort)
	rec = binary.BigEndian.AppendUint16(rec, dstPort)
	rec = append(rec, 0) // pad1
	rec = append(rec, tcpFlags, prot, tos)
	rec = binary.BigEndian.AppendUint16(rec, srcAS)
	rec = binary.BigEndian.AppendUint16(rec, dstAS)
	rec = append(rec, srcMask, dstMask)
	rec = append(rec, 0, 0) // pad2
	return rec
}
