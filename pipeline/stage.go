package pipeline

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/CESNET/ipfixcol2-sub000"
)

// Processor is the capability set a stage's plugin host exercises per
// message (§4.3, §6 "Plugin contract"). Intermediate and output stages only
// need Process; input stages additionally need Get and, optionally,
// SessionClose.
type Processor interface {
	// Process transforms or drops one envelope. Returning a nil envelope
	// with a nil error drops the message silently (e.g. the output manager
	// fanning out to zero matching outputs, §4.7/§9 OQ3).
	Process(ctx context.Context, e *Envelope) (*Envelope, error)
}

// MultiProcessor is an optional extension of Processor for stages that may
// emit more than one envelope per input message, such as the parser stage,
// which forwards superseded template snapshots as garbage alongside the
// parsed message (§3, §9). A Stage prefers ProcessMulti over Process when
// Proc implements both.
type MultiProcessor interface {
	ProcessMulti(ctx context.Context, e *Envelope) ([]*Envelope, error)
}

// SessionCloser is implemented by input stages that can act on an upstream
// request to close one Transport Session. Per §4.2, an input stage that
// does not implement this is never handed a feedback pipe by its upstream
// parser.
type SessionCloser interface {
	SessionClose(ctx context.Context, sessionID string) error
}

// Source is implemented by input stages: it produces raw envelopes from a
// transport instead of popping them from an input Ring.
type Source interface {
	Get(ctx context.Context) (*Envelope, error)
}

// Stage is one pipeline worker: it owns one thread (goroutine), one input
// (a Ring, or a Source for input stages), one output (a Ring, or nil for
// the terminal output stage/its sink), and an optional Feedback handle.
type Stage struct {
	Name string

	Input  *Ring  // nil for input stages
	Output *Ring  // nil for sink-terminal output stages
	Source Source // non-nil for input stages

	// Feedback is read by input stages (for terminate/session-close
	// requests) and written by any stage the configurator wired with a
	// handle (§4.2).
	Feedback *Feedback

	Proc Processor

	Logger logr.Logger

	// terminatesRequired is how many upstream producers must each signal
	// termination before this stage propagates and exits (§4.3: "when a
	// downstream ring has k producers, it must observe k terminate messages
	// before the downstream exits").
	terminatesRequired int
	terminatesSeen      int

	done chan struct{}
}

// NewStage constructs a Stage. terminatesRequired defaults to the input
// ring's registered producer count (or 1 for input stages / unregistered
// single-producer rings).
func NewStage(name string, proc Processor) *Stage {
	return &Stage{
		Name:               name,
		Proc:               proc,
		Logger:             ipfix.Log.WithName(name),
		terminatesRequired: 1,
		done:               make(chan struct{}),
	}
}

// WithInput attaches an input ring and derives the required terminate
// count from its registered producer count.
func (s *Stage) WithInput(r *Ring) *Stage {
	s.Input = r
	s.terminatesRequired = r.Producers()
	return s
}

// WithOutput attaches the downstream output ring.
func (s *Stage) WithOutput(r *Ring) *Stage {
	s.Output = r
	return s
}

// WithSource attaches a transport Source, making this an input stage.
func (s *Stage) WithSource(src Source) *Stage {
	s.Source = src
	return s
}

// WithFeedback attaches a feedback pipe. For input stages this is the read
// end; for any other stage handed a pipe, this is the write end used to
// request upstream termination or session closes (§4.2).
func (s *Stage) WithFeedback(f *Feedback) *Stage {
	s.Feedback = f
	return s
}

// Done is closed once Run returns, so callers can join stage threads in
// reverse flow order (§4.3).
func (s *Stage) Done() <-chan struct{} {
	return s.done
}

// Run executes the stage loop until a termination message has been seen
// from every upstream producer (or the transport signals end-of-data for an
// input stage) and propagated downstream. Run is meant to be launched with
// `go stage.Run(ctx)`.
func (s *Stage) Run(ctx context.Context) {
	defer close(s.done)

	for {
		e, ok := s.next(ctx)
		if !ok {
			return
		}

		switch e.Kind {
		case KindTerminate:
			flavor := "graceful"
			if !e.Term.Graceful {
				flavor = "fast"
			}
			StageTerminationsTotal.WithLabelValues(s.Name, flavor).Inc()
			stop := s.observeTerminate(e)
			s.propagate(e)
			if stop {
				return
			}
			continue
		case KindSessionControl:
			// Stateless pass-through by default; stateful stages (the
			// parser, the output manager) override Proc to react.
		}

		outs, err := s.process(ctx, e)
		if err != nil {
			kind, known := KindOf(err)
			if !known {
				kind = ARG
			}
			StageErrorsTotal.WithLabelValues(s.Name, kind.String()).Inc()
			if kind.IsFatal() {
				s.Logger.Error(err, "fatal error in stage, initiating fast termination")
				s.fastTerminate()
				return
			}
			s.Logger.Error(err, "recoverable error in stage")
			continue
		}
		for _, out := range outs {
			if out == nil {
				continue
			}
			if s.Output != nil {
				RingPushesTotal.WithLabelValues(s.Name).Inc()
				s.Output.Push(out)
			}
		}
	}
}

// process dispatches to ProcessMulti when Proc implements it, else wraps
// the single-envelope Process result in a one-element slice.
func (s *Stage) process(ctx context.Context, e *Envelope) ([]*Envelope, error) {
	if mp, ok := s.Proc.(MultiProcessor); ok {
		return mp.ProcessMulti(ctx, e)
	}
	out, err := s.Proc.Process(ctx, e)
	if err != nil {
		return nil, err
	}
	return []*Envelope{out}, nil
}

func (s *Stage) next(ctx context.Context) (*Envelope, bool) {
	if s.Source != nil {
		return s.nextInput(ctx)
	}
	e, ok := s.Input.Pop()
	if ok {
		RingPopsTotal.WithLabelValues(s.Name).Inc()
	}
	return e, ok
}

// nextInput implements the input-stage variant of the loop: it races the
// transport Source against the feedback pipe, per §4.3/§4.2 ("typically
// polled concurrently with transport").
func (s *Stage) nextInput(ctx context.Context) (*Envelope, bool) {
	if s.Feedback != nil {
		if req, ok := s.Feedback.TryRead(); ok {
			return s.feedbackEnvelope(ctx, req), true
		}
	}
	e, err := s.Source.Get(ctx)
	if err != nil {
		s.Logger.Info("input source ended", "reason", err.Error())
		return NewTerminateEnvelope(true, "input exhausted"), true
	}
	return e, true
}

func (s *Stage) feedbackEnvelope(ctx context.Context, req FeedbackRequest) *Envelope {
	switch req.Kind {
	case FeedbackSessionClose:
		if sc, ok := s.Proc.(SessionCloser); ok {
			if err := sc.SessionClose(ctx, req.SessionID); err != nil {
				s.Logger.Error(err, "session close failed", "session", req.SessionID)
			}
		}
		return NewSessionControlEnvelope(&SessionControl{Kind: SessionClose, SessionID: req.SessionID})
	default:
		return NewTerminateEnvelope(req.Graceful, "feedback request")
	}
}

// observeTerminate tallies one terminate observation and reports whether
// every expected producer has now been accounted for.
func (s *Stage) observeTerminate(e *Envelope) bool {
	s.terminatesSeen++
	if !e.Term.Graceful {
		// Fast termination from any single producer stops this stage
		// immediately and drops whatever else is buffered (§4.3).
		return true
	}
	return s.terminatesSeen >= s.terminatesRequired
}

func (s *Stage) propagate(e *Envelope) {
	if s.Output != nil {
		s.Output.Push(e)
	}
}

// fastTerminate drops pending input and propagates a fast terminate
// downstream immediately (§4.3, §7).
func (s *Stage) fastTerminate() {
	if s.Input != nil {
		s.Input.Shutdown()
	}
	s.propagate(NewTerminateEnvelope(false, "fatal error"))
}
