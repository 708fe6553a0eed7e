package pipeline

import (
	"sync/atomic"

	"github.com/CESNET/ipfixcol2-sub000"
)

// Kind discriminates the payload carried by an Envelope (§3 "Lifecycle").
type Kind int

const (
	// KindRaw carries an exporter-framed byte buffer awaiting parsing.
	KindRaw Kind = iota
	// KindParsed carries a parsed IPFIX message.
	KindParsed
	// KindSessionControl carries a SESSION_OPEN/SESSION_CLOSE notice.
	KindSessionControl
	// KindTerminate carries a termination request.
	KindTerminate
	// KindGarbage carries an opaque payload plus a destructor, used to
	// defer freeing shared structures until they've passed every consumer.
	KindGarbage
)

// SessionControlKind distinguishes the two Session-control message shapes.
type SessionControlKind int

const (
	SessionOpen SessionControlKind = iota
	SessionClose
)

// RawMessage is an exporter-framed byte buffer plus the context it arrived
// under (§3 "Raw message").
type RawMessage struct {
	SessionID string
	ODID      uint32
	Stream    uint16
	Data      []byte
}

// TemplateRef is the subset of ipfix.TemplateRecord and
// ipfix.OptionsTemplateRecord a DataRecordRef needs: enough identity to
// satisfy the invariant that a record's template is always present in its
// snapshot, without forcing the parser to pick one concrete type for Data
// Sets decoded against an Options Template (§3, §4.4, §8).
type TemplateRef interface {
	Id() uint16
}

// DataRecordRef indexes one decoded Data Record within a ParsedMessage's
// backing buffer, carrying the template and snapshot it was decoded against
// so downstream stages never need to re-resolve template scope (§3 "Parsed
// IPFIX message").
type DataRecordRef struct {
	Offset   int
	Size     int
	Template TemplateRef
	// Snapshot is an opaque reference (handed out by package template) kept
	// alive for exactly as long as some DataRecordRef still cites it; it
	// decrements on ParsedMessage release.
	Snapshot interface{ Release() }
}

// SetRef indexes one Set header location within a ParsedMessage's backing
// buffer.
type SetRef struct {
	Offset int
	ID     uint16
	Length uint16
}

// ParsedMessage is a raw buffer plus the Set and Data-Record indices the
// parser appended to it (§3 "Parsed IPFIX message"). It exclusively owns
// Raw; Records' Snapshot references are shared with the template manager.
type ParsedMessage struct {
	SessionID string
	ODID      uint32
	Stream    uint16

	Header  ipfix.Message
	Raw     []byte
	Sets    []SetRef
	Records []DataRecordRef
}

// SessionControl announces a Transport Session's creation or destruction.
type SessionControl struct {
	Kind      SessionControlKind
	SessionID string
}

// Termination carries one of the two termination flavors described in §4.3.
type Termination struct {
	Graceful bool
	Reason   string
}

// Garbage carries an opaque payload plus a destructor, forwarded downstream
// so that shared structures (template snapshots, per-session state) are
// freed only after the last consumer has observed them (§3 "Garbage
// message", §9).
type Garbage struct {
	Payload   interface{}
	Destroy   func()
	destroyed bool
}

// Free invokes Destroy exactly once, idempotently.
func (g *Garbage) Free() {
	if g.destroyed {
		return
	}
	g.destroyed = true
	if g.Destroy != nil {
		g.Destroy()
	}
}

// Envelope is the single message type that flows through Rings. Exactly one
// of the typed fields is populated, selected by Kind.
type Envelope struct {
	Kind Kind

	Raw            *RawMessage
	Parsed         *ParsedMessage
	SessionControl *SessionControl
	Term           *Termination
	Garbage        *Garbage

	// refcount mirrors ParsedMessage.refcount for envelope kinds that don't
	// carry a ParsedMessage (Termination, Garbage, SessionControl) but still
	// participate in the output manager's symmetric fan-in/fan-out counting
	// (§4.3, §4.7: "Termination and garbage messages are always delivered to
	// all outputs").
	refcount int32
}

// NewRawEnvelope wraps a RawMessage.
func NewRawEnvelope(m *RawMessage) *Envelope { return &Envelope{Kind: KindRaw, Raw: m} }

// NewParsedEnvelope wraps a ParsedMessage.
func NewParsedEnvelope(m *ParsedMessage) *Envelope { return &Envelope{Kind: KindParsed, Parsed: m} }

// NewSessionControlEnvelope wraps a SessionControl notice.
func NewSessionControlEnvelope(m *SessionControl) *Envelope {
	return &Envelope{Kind: KindSessionControl, SessionControl: m}
}

// NewTerminateEnvelope wraps a Termination request.
func NewTerminateEnvelope(graceful bool, reason string) *Envelope {
	return &Envelope{Kind: KindTerminate, Term: &Termination{Graceful: graceful, Reason: reason}}
}

// NewGarbageEnvelope wraps a Garbage message.
func NewGarbageEnvelope(g *Garbage) *Envelope { return &Envelope{Kind: KindGarbage, Garbage: g} }

// SetRefCount initializes the fan-out reference count (§4.7): a message
// delivered to k outputs has its count set to k, each output Release()s
// once, and the last decrement is responsible for freeing shared resources.
func (e *Envelope) SetRefCount(n int32) {
	atomic.StoreInt32(&e.refcount, n)
}

// Release decrements the fan-out reference count and reports whether this
// call brought it to zero. When the envelope carries a Garbage payload, the
// last release also frees it; when it carries a ParsedMessage, the last
// release also releases every Data Record's template snapshot reference
// (§3 "Lifecycle": a Data Record's snapshot is held for as long as some
// consumer may still read the record it was decoded against).
func (e *Envelope) Release() bool {
	done := atomic.AddInt32(&e.refcount, -1) == 0
	if !done {
		return false
	}
	if e.Garbage != nil {
		e.Garbage.Free()
	}
	if e.Parsed != nil {
		for _, rec := range e.Parsed.Records {
			if rec.Snapshot != nil {
				rec.Snapshot.Release()
			}
		}
	}
	return true
}
