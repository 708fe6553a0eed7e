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

// Package builder implements the IPFIX message builder (§4.8): a growable
// byte buffer for assembling a new Message out of Sets and Data Records
// drawn (by copy) from one or more parsed messages, grounded on
// original_source's src/core/message_builder.c. Builder records Set and
// Data-Record positions as offsets into its buffer, so they stay valid when
// append reallocates the buffer, mirroring the original's offsets/offset_item
// bookkeeping.
package builder

import (
	"encoding/binary"
	"fmt"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// MaxMessageLength is the largest Message a Builder will produce: the
// 16-bit Length field ceiling shared by IPFIX, NetFlow v5, and v9 (§4.8).
const MaxMessageLength = 65535

const (
	messageHeaderLength = 16
	setHeaderLength     = 4
)

// setSlot records where one Set's header begins, so EndSet can backfill its
// length once the caller has finished appending records.
type setSlot struct {
	headerOffset int
	bodyLength   int
}

// recordSlot records where one Data Record was written, as an offset into
// the buffer.
type recordSlot struct {
	offset int
	size   int
}

// Builder assembles a new IPFIX Message incrementally. It is not safe for
// concurrent use; exactly one message modifier goroutine owns a Builder at
// a time (§4.8).
type Builder struct {
	buf []byte

	exportTime uint32
	sequence   uint32
	odid       uint32

	sets    []setSlot
	records []recordSlot

	openSet *setSlot
}

// New starts a new Builder for one output message, pre-writing the 16-byte
// Message header (the Length field is backfilled by Bytes).
func New(exportTime, sequence, odid uint32) *Builder {
	b := &Builder{exportTime: exportTime, sequence: sequence, odid: odid}
	b.buf = make([]byte, messageHeaderLength, 4096)
	binary.BigEndian.PutUint16(b.buf[0:2], 10)
	binary.BigEndian.PutUint32(b.buf[4:8], exportTime)
	binary.BigEndian.PutUint32(b.buf[8:12], sequence)
	binary.BigEndian.PutUint32(b.buf[12:16], odid)
	return b
}

// Len reports the message's current length, header included.
func (b *Builder) Len() int { return len(b.buf) }

// Remaining reports how many more bytes can be appended before
// MaxMessageLength is reached.
func (b *Builder) Remaining() int { return MaxMessageLength - len(b.buf) }

// StartSet opens a new Set with the given Set ID, writing its 4-byte header
// (length backfilled on EndSet). Only one Set may be open at a time.
func (b *Builder) StartSet(id uint16) error {
	if b.openSet != nil {
		return fmt.Errorf("message builder: a set is already open")
	}
	if b.Remaining() < setHeaderLength {
		return pipeline.NewError(pipeline.LIMIT, fmt.Errorf("message builder: no room for a new set header"))
	}
	off := len(b.buf)
	b.buf = append(b.buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint16(b.buf[off:off+2], id)
	b.openSet = &setSlot{headerOffset: off}
	return nil
}

// EndSet closes the currently open Set, backfilling its length field.
func (b *Builder) EndSet() error {
	if b.openSet == nil {
		return fmt.Errorf("message builder: no set is open")
	}
	length := len(b.buf) - b.openSet.headerOffset
	binary.BigEndian.PutUint16(b.buf[b.openSet.headerOffset+2:b.openSet.headerOffset+4], uint16(length))
	b.sets = append(b.sets, *b.openSet)
	b.openSet = nil
	return nil
}

// AppendRecord copies data verbatim into the currently open Set, returning
// pipeline.LIMIT if it would exceed MaxMessageLength (§4.8 "capped at 65535
// bytes").
func (b *Builder) AppendRecord(data []byte) error {
	if b.openSet == nil {
		return fmt.Errorf("message builder: no set is open")
	}
	if len(data) > b.Remaining() {
		return pipeline.NewError(pipeline.LIMIT, fmt.Errorf("message builder: record of %d bytes would exceed the %d-byte message cap", len(data), MaxMessageLength))
	}
	off := len(b.buf)
	b.buf = append(b.buf, data...)
	b.records = append(b.records, recordSlot{offset: off, size: len(data)})
	return nil
}

// RecordCount reports how many Data Records have been appended so far.
func (b *Builder) RecordCount() int { return len(b.records) }

// SetCount reports how many Sets have been closed so far.
func (b *Builder) SetCount() int { return len(b.sets) }

// Bytes finalizes the message, backfilling the Length field, and returns
// the built buffer. The Builder must have no open Set.
func (b *Builder) Bytes() ([]byte, error) {
	if b.openSet != nil {
		return nil, fmt.Errorf("message builder: a set is still open")
	}
	binary.BigEndian.PutUint16(b.buf[2:4], uint16(len(b.buf)))
	return b.buf, nil
}

// Reset clears the Builder for reuse with a new header, keeping the
// underlying array's capacity (the original's realloc-avoidance strategy,
// adapted to Go's append-based growth).
func (b *Builder) Reset(exportTime, sequence, odid uint32) {
	b.buf = b.buf[:0]
	b.sets = b.sets[:0]
	b.records = b.records[:0]
	b.openSet = nil
	b.exportTime, b.sequence, b.odid = exportTime, sequence, odid

	b.buf = append(b.buf, make([]byte, messageHeaderLength)...)
	binary.BigEndian.PutUint16(b.buf[0:2], 10)
	binary.BigEndian.PutUint32(b.buf[4:8], exportTime)
	binary.BigEndian.PutUint32(b.buf[8:12], sequence)
	binary.BigEndian.PutUint32(b.buf[12:16], odid)
}
