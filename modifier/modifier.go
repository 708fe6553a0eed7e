package modifier

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// AddedField is one extra field the Adder callback injects into an output's
// rewritten copy of a Data Record.
type AddedField struct {
	ID    uint16
	PEN   uint32
	Value []byte
}

// FilterFunc decides, per output index (0..outputs-1), whether a record
// should be delivered to that output at all (§4.8 "filter(rec, out_bitmap)").
type FilterFunc func(rec *pipeline.DataRecordRef, outputs int) []bool

// AdderFunc computes the extra fields to append for one (record, output)
// pair that FilterFunc has already approved (§4.8 "adder(rec, out_buffers)").
// Returning nil means "no extra fields, forward verbatim".
type AdderFunc func(rec *pipeline.DataRecordRef, output int) []AddedField

// RemoveFunc marks which of base's fields, by index, should be dropped from
// the derived Template (§4.8 "remove marked fields"). A nil return, or a nil
// RemoveFunc itself, removes nothing. This is independent of FilterFunc,
// which decides per-output delivery rather than per-field content.
type RemoveFunc func(base *ipfix.TemplateRecord) []bool

// Modifier derives and deduplicates Templates that describe a base
// Template's fields, with zero or more fields removed and zero or more
// Adder-contributed fields appended, per (Transport Session, ODID, Stream)
// scope (§3, §4.8).
type Modifier struct {
	Filter FilterFunc
	Adder  AdderFunc
	Remove RemoveFunc

	mu        sync.Mutex
	allocator *TemplateIDAllocator
	derived   map[string]derivedTemplate
}

type derivedTemplate struct {
	id     uint16
	fields []ipfix.Field
}

// New constructs an empty Modifier for one scope.
func New(filter FilterFunc, adder AdderFunc) *Modifier {
	return &Modifier{
		Filter:    filter,
		Adder:     adder,
		allocator: NewTemplateIDAllocator(),
		derived:   make(map[string]derivedTemplate),
	}
}

// DeriveTemplate returns the Template ID and field list for base with
// Remove-marked fields dropped and added appended, creating and interning a
// new synthesized Template the first time this exact (base, removed, added)
// combination is seen in this scope (§4.8 "content-based dedup"). restarted
// is true when deriving a brand-new template exhausted the ID space and
// every prior derived template in this scope must now be considered
// withdrawn.
func (m *Modifier) DeriveTemplate(base *ipfix.TemplateRecord, added []AddedField) (id uint16, fields []ipfix.Field, restarted bool, err error) {
	var removed []bool
	if m.Remove != nil {
		removed = m.Remove(base)
		if removed != nil && len(removed) != len(base.Fields) {
			return 0, nil, false, fmt.Errorf("modifier: remove mask has %d entries for %d base fields", len(removed), len(base.Fields))
		}
	}

	key := derivationKey(base.TemplateId, removed, added)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.derived[key]; ok {
		return existing.id, existing.fields, false, nil
	}

	kept := removeMarkedFields(base.Fields, removed)
	fields = append(append([]ipfix.Field{}, kept...), addedFieldsToIPFIX(added)...)
	newID, restarted := m.allocator.Next()
	if restarted {
		m.derived = make(map[string]derivedTemplate)
	}
	m.derived[key] = derivedTemplate{id: newID, fields: fields}
	return newID, fields, restarted, nil
}

// removeMarkedFields returns a copy of fields with every index marked true
// in removed dropped, mirroring original_source's ipfix_template_remove_fields
// (a single pass that skips marked fields rather than filtering in place).
func removeMarkedFields(fields []ipfix.Field, removed []bool) []ipfix.Field {
	if removed == nil {
		return append([]ipfix.Field{}, fields...)
	}
	kept := make([]ipfix.Field, 0, len(fields))
	for i, f := range fields {
		if removed[i] {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// Reset clears every derived template mapping for this scope, e.g. once
// the session it belongs to has closed (§3).
func (m *Modifier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.derived = make(map[string]derivedTemplate)
}

func derivationKey(baseID uint16, removed []bool, added []AddedField) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(baseID), 10))
	b.WriteByte('/')
	for _, r := range removed {
		if r {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	for _, f := range added {
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(uint64(f.ID), 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(f.PEN), 10))
	}
	return b.String()
}

func addedFieldsToIPFIX(added []AddedField) []ipfix.Field {
	out := make([]ipfix.Field, 0, len(added))
	for _, f := range added {
		fb := ipfix.NewUnassignedFieldBuilder(f.ID).SetPEN(f.PEN).SetLength(uint16(len(f.Value)))
		out = append(out, fb.Complete())
	}
	return out
}

// ApplyFilter runs Filter (defaulting to "deliver to all outputs" when nil)
// and validates its result shape.
func (m *Modifier) ApplyFilter(rec *pipeline.DataRecordRef, outputs int) ([]bool, error) {
	if m.Filter == nil {
		bm := make([]bool, outputs)
		for i := range bm {
			bm[i] = true
		}
		return bm, nil
	}
	bm := m.Filter(rec, outputs)
	if len(bm) != outputs {
		return nil, fmt.Errorf("modifier: filter returned %d entries for %d outputs", len(bm), outputs)
	}
	return bm, nil
}
