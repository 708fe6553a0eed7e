package pipeline

import "sync"

// FeedbackKind distinguishes the two things that travel upstream on a
// Feedback pipe (§4.2).
type FeedbackKind int

const (
	// FeedbackTerminate asks the owning input stage to terminate, either
	// gracefully or fast (see Envelope.Termination).
	FeedbackTerminate FeedbackKind = iota
	// FeedbackSessionClose asks the owning input stage to close a single
	// Transport Session (e.g. the parser blocked it after a FORMAT error).
	FeedbackSessionClose
)

// FeedbackRequest is one item flowing upstream through a Feedback pipe.
type FeedbackRequest struct {
	Kind FeedbackKind

	// Valid when Kind == FeedbackTerminate.
	Graceful bool

	// Valid when Kind == FeedbackSessionClose.
	SessionID string
	Reason    error
}

// Feedback is an unbounded multi-producer/single-consumer queue of
// FeedbackRequest values flowing upstream from any stage back to the input
// stage that owns a Transport Session. Write never blocks. Only stages
// explicitly handed a *Feedback by their upstream parser may write to it;
// only the owning input stage reads it.
type Feedback struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []FeedbackRequest
}

// NewFeedback constructs an empty feedback pipe.
func NewFeedback() *Feedback {
	f := &Feedback{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Write enqueues req without blocking.
func (f *Feedback) Write(req FeedbackRequest) {
	f.mu.Lock()
	f.items = append(f.items, req)
	f.mu.Unlock()
	f.cond.Signal()
}

// Read blocks until at least one request is queued, then returns the oldest
// one.
func (f *Feedback) Read() FeedbackRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 {
		f.cond.Wait()
	}
	req := f.items[0]
	f.items = f.items[1:]
	return req
}

// TryRead returns the oldest queued request without blocking. ok is false
// when the pipe is currently empty; used by input stages that poll the
// feedback pipe concurrently with their transport.
func (f *Feedback) TryRead() (req FeedbackRequest, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return FeedbackRequest{}, false
	}
	req = f.items[0]
	f.items = f.items[1:]
	return req, true
}

// Len reports the number of currently queued requests.
func (f *Feedback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
