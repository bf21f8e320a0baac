package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/metrics"
)

// Event is one transient progress notification for a job. It is never persisted.
type Event struct {
	JobID    string         `json:"jobId"`
	Status   string         `json:"status"` // started, processing, completed, error
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Terminal reports whether no further events follow e for its job.
func (e Event) Terminal() bool {
	return e.Status == common.EventCompleted || e.Status == common.EventError
}

// Publisher accepts progress events; implementations must not block.
type Publisher interface {
	Publish(jobID string, ev Event)
}

// Forwarder receives every locally published event, for relaying to other instances.
type Forwarder interface {
	Forward(jobID string, ev Event)
}

// Broadcaster holds at most one subscriber per job and routes events to it.
type Broadcaster struct {
	mu    sync.Mutex
	slots map[string]*Subscription
	log   *slog.Logger
	fwd   Forwarder
}

var _ Publisher = (*Broadcaster)(nil)

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{slots: map[string]*Subscription{}, log: log}
}

// SetForwarder installs f to receive every event passed to Publish.
func (b *Broadcaster) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fwd = f
}

// Subscribe installs a new subscriber for jobID. A previous subscriber is
// abandoned: it stops receiving events but is not closed.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	sub := newSubscription(jobID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.slots[jobID]; ok && old != nil {
		b.log.Debug("replacing progress subscriber", "job_id", jobID)
	} else {
		metrics.ProgressSubscribers.Inc()
	}
	b.slots[jobID] = sub
	return sub
}

// Evict clears jobID's slot if it still holds sub.
func (b *Broadcaster) Evict(jobID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.slots[jobID]; ok && cur == sub {
		delete(b.slots, jobID)
		metrics.ProgressSubscribers.Dec()
	}
}

// Subscribed reports whether jobID currently has a subscriber.
func (b *Broadcaster) Subscribed(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.slots[jobID]
	return ok
}

// Publish delivers ev locally and hands it to the forwarder, if any.
func (b *Broadcaster) Publish(jobID string, ev Event) {
	b.Deliver(jobID, ev)
	b.mu.Lock()
	fwd := b.fwd
	b.mu.Unlock()
	if fwd != nil {
		fwd.Forward(jobID, ev)
	}
}

// Deliver routes ev to the local subscriber only. Without a subscriber the event
// is dropped. A terminal event closes the subscription and clears the slot.
func (b *Broadcaster) Deliver(jobID string, ev Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.slots[jobID]
	if !ok {
		metrics.ProgressEventsDroppedTotal.Inc()
		return
	}
	sub.push(ev)
	if ev.Terminal() {
		delete(b.slots, jobID)
		metrics.ProgressSubscribers.Dec()
		sub.close()
	}
}

// Subscription is one subscriber's ordered, unbounded event queue.
type Subscription struct {
	jobID  string
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

func newSubscription(jobID string) *Subscription {
	return &Subscription{jobID: jobID, notify: make(chan struct{}, 1)}
}

func (s *Subscription) JobID() string { return s.jobID }

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed and
// drained, or ctx ends. ok is false in the latter two cases.
func (s *Subscription) Next(ctx context.Context) (ev Event, ok bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.notify:
		}
	}
}
