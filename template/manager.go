package template

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
)

// Kind constants for Template ID 2/3 withdrawal semantics (§4.4: "A
// withdrawal with Template ID 2 or 3 withdraws all templates of that
// kind").
const (
	WithdrawAllTemplates        uint16 = 2
	WithdrawAllOptionsTemplates uint16 = 3
	FirstTemplateID             uint16 = 256
)

// Manager holds the current and (for UDP) historical snapshots for exactly
// one (Transport Session, ODID, Stream) scope (§3 "Template manager (per
// Session+ODID)"). A Manager is touched by exactly one parser goroutine; it
// is not safe to call Insert/Withdraw/SetExportTime concurrently, but
// Snapshot.Acquire/Release (used by other stages holding DataRecordRefs)
// are safe from any goroutine.
type Manager struct {
	mu sync.Mutex

	sessionType session.Type
	logger      logr.Logger

	// udpWindow bounds how far Export Time may travel backwards on a UDP
	// session before a message's data records are dropped outright (§4.4).
	// It is seeded from the session's TemplateLifetime/OptionsTemplateLifetime.
	udpWindow time.Duration

	exportTime uint32
	seenFirst  bool

	current *Snapshot

	// onGarbage is invoked once a superseded snapshot's refcount reaches
	// zero, so the owning parser stage can wrap it as a pipeline.Garbage
	// envelope and forward it downstream (§3, §9).
	onGarbage func(*pipeline.Garbage)
}

// NewManager constructs an empty Manager for one scope.
func NewManager(sessionType session.Type, udpWindow time.Duration, logger logr.Logger, onGarbage func(*pipeline.Garbage)) *Manager {
	m := &Manager{
		sessionType: sessionType,
		udpWindow:   udpWindow,
		logger:      logger,
		onGarbage:   onGarbage,
	}
	m.current = newSnapshot(0, map[uint16]entry{}, m.snapshotFreed)
	return m
}

func (m *Manager) snapshotFreed(s *Snapshot) {
	if m.onGarbage == nil {
		return
	}
	m.onGarbage(&pipeline.Garbage{
		Payload: s,
		Destroy: func() {},
	})
}

// ExportTimeResult reports the outcome of SetExportTime.
type ExportTimeResult struct {
	// DropData is true when the message's Data Records must be silently
	// dropped (UDP out-of-window reorder, §4.4); no error is raised.
	DropData bool
}

// SetExportTime applies the Export Time monotonicity rule for this scope.
// TCP/SCTP/FILE require export time to be non-decreasing, else the stream
// is invalid (FORMAT, closed by the caller). UDP permits reordering within
// udpWindow; older-than-window timestamps cause the caller to drop the
// message's data records without error.
func (m *Manager) SetExportTime(t uint32) (ExportTimeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seenFirst {
		m.exportTime = t
		m.seenFirst = true
		return ExportTimeResult{}, nil
	}

	if m.sessionType != session.UDP {
		if pipeline.SeqBefore(t, m.exportTime) {
			return ExportTimeResult{}, pipeline.NewError(pipeline.FORMAT,
				errFormatf("export time %d older than last seen %d on non-UDP session", t, m.exportTime))
		}
		m.exportTime = t
		return ExportTimeResult{}, nil
	}

	// UDP: allow reordering within the window.
	if !pipeline.SeqBefore(t, m.exportTime) {
		m.exportTime = t
		return ExportTimeResult{}, nil
	}
	age := time.Duration(m.exportTime-t) * time.Second
	if m.udpWindow > 0 && age > m.udpWindow {
		return ExportTimeResult{DropData: true}, nil
	}
	return ExportTimeResult{}, nil
}

// ExportTime returns the last Export Time accepted for this scope.
func (m *Manager) ExportTime() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportTime
}

// Current returns the live snapshot, with its reference count already
// incremented on the caller's behalf (the caller must Release it once
// done, typically by attaching it to a DataRecordRef and releasing when the
// parsed message is freed).
func (m *Manager) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Acquire()
	return m.current
}

// supersede replaces the current snapshot with next, releasing the
// manager's own hold on the old one.
func (m *Manager) supersede(next *Snapshot) {
	old := m.current
	m.current = next
	old.Release()
}

func (m *Manager) clone() map[uint16]entry {
	next := make(map[uint16]entry, len(m.current.templates))
	for k, v := range m.current.templates {
		next[k] = v
	}
	return next
}

// InsertTemplate validates and inserts a (non-options) Template record,
// returning an error of kind DENIED if this session type requires explicit
// withdrawal before redefinition and none occurred, or FORMAT if the record
// itself is malformed (§4.4 "Template acceptance rules").
func (m *Manager) InsertTemplate(rec *ipfix.TemplateRecord) error {
	if len(rec.Fields) == 0 {
		return pipeline.NewError(pipeline.FORMAT, errFormatf("template %d has zero fields", rec.TemplateId))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRedefinition(rec.TemplateId); err != nil {
		return err
	}

	next := m.clone()
	next[rec.TemplateId] = entry{record: rec}
	m.supersede(newSnapshot(m.exportTime, next, m.snapshotFreed))
	return nil
}

// InsertOptionsTemplate validates and inserts an Options Template record.
func (m *Manager) InsertOptionsTemplate(rec *ipfix.OptionsTemplateRecord) error {
	if len(rec.Scopes) == 0 {
		return pipeline.NewError(pipeline.FORMAT, errFormatf("options template %d has zero scope fields", rec.TemplateId))
	}
	if len(rec.Scopes)+len(rec.Options) == 0 {
		return pipeline.NewError(pipeline.FORMAT, errFormatf("options template %d has zero fields", rec.TemplateId))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRedefinition(rec.TemplateId); err != nil {
		return err
	}

	next := m.clone()
	next[rec.TemplateId] = entry{options: rec, isOptions: true, scopeFields: len(rec.Scopes)}
	m.supersede(newSnapshot(m.exportTime, next, m.snapshotFreed))
	return nil
}

// checkRedefinition implements §4.4(b)/(c): over TCP/SCTP/FILE, redefining
// an existing Template ID without a preceding withdrawal is DENIED; over
// UDP, redefinition always succeeds (implicit replace).
func (m *Manager) checkRedefinition(id uint16) error {
	if m.sessionType == session.UDP {
		return nil
	}
	if _, exists := m.current.templates[id]; exists {
		return pipeline.NewError(pipeline.DENIED,
			errFormatf("template %d redefined on %s session without withdrawal", id, m.sessionType))
	}
	return nil
}

// Withdraw removes a single Template ID, or (for id == WithdrawAllTemplates
// / WithdrawAllOptionsTemplates) every template of the corresponding kind.
// Withdrawals over UDP are ignored per §4.4.
func (m *Manager) Withdraw(id uint16) error {
	if m.sessionType == session.UDP {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.clone()
	switch id {
	case WithdrawAllTemplates:
		for k, e := range next {
			if !e.isOptions {
				delete(next, k)
			}
		}
	case WithdrawAllOptionsTemplates:
		for k, e := range next {
			if e.isOptions {
				delete(next, k)
			}
		}
	default:
		delete(next, id)
	}
	m.supersede(newSnapshot(m.exportTime, next, m.snapshotFreed))
	return nil
}

func errFormatf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
