package testutil

import (
	"context"
	"io"
	"time"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// FakeSource is a pipeline.Source test double that replays a fixed slice of
// envelopes. Draining the slice does not end it: Get keeps polling and
// reports end-of-data (io.EOF) once feedback is non-empty, or returns
// ctx.Err() once ctx is done.
//
// The real transports (session.TCPSource.Get, in particular) only select on
// their own channel and ctx.Done(); they never poll Feedback themselves, so
// a pipeline.Stage's feedback check between Get calls is the only chance to
// observe a pending request. FakeSource mirrors that: its Get polls
// Feedback on a short ticker rather than blocking on it directly, so a
// Feedback.Write from the test never races against undelivered messages
// still sitting in msgs — Go's select always prefers an already-ready
// channel receive over a not-yet-fired timer case, so every buffered
// message is delivered before the poll branch can ever fire.
type FakeSource struct {
	msgs     chan *pipeline.Envelope
	feedback *pipeline.Feedback
}

// NewFakeSource constructs a FakeSource preloaded with envs, polling
// feedback (which may be nil) for an early end-of-data signal.
func NewFakeSource(envs []*pipeline.Envelope, feedback *pipeline.Feedback) *FakeSource {
	ch := make(chan *pipeline.Envelope, len(envs))
	for _, e := range envs {
		ch <- e
	}
	return &FakeSource{msgs: ch, feedback: feedback}
}

// Get implements pipeline.Source.
func (f *FakeSource) Get(ctx context.Context) (*pipeline.Envelope, error) {
	for {
		select {
		case e := <-f.msgs:
			return e, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
			if f.feedback != nil && f.feedback.Len() > 0 {
				return nil, io.EOF
			}
		}
	}
}
