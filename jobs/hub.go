package jobs

import (
	"sync"
	"time"

	"github.com/onnwee/clip-tender/telemetry"
)

// Event is one progress or state change broadcast for a job.
type Event struct {
	JobID    string    `json:"job_id"`
	Kind     Kind      `json:"kind"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func eventFor(j Job) Event {
	return Event{JobID: j.ID, Kind: j.Kind, Status: j.Status, Progress: j.Progress, Error: j.Error, At: time.Now().UTC()}
}

// Sink receives every event in addition to local subscribers. Publish must
// not block.
type Sink interface {
	Publish(Event)
}

// HubOptions configures subscriber buffering.
type HubOptions struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer int
	// MaxDrops is how many consecutive undelivered events prune a subscriber.
	MaxDrops int
}

// Hub fans job events out to subscribers without ever blocking the
// publisher. A full subscriber loses the event; one that keeps falling
// behind is dropped and its channel closed. A terminal event closes every
// subscription of that job after delivery.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	buffer   int
	maxDrops int
	sinks    []Sink
}

// NewHub creates a hub. Zero options take defaults (16 buffered, prune at 8).
func NewHub(opts HubOptions, sinks ...Sink) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.MaxDrops <= 0 {
		opts.MaxDrops = 8
	}
	return &Hub{
		subs:     map[string]map[*Subscription]struct{}{},
		buffer:   opts.Buffer,
		maxDrops: opts.MaxDrops,
		sinks:    sinks,
	}
}

// Subscription receives events for one job on C until closed.
type Subscription struct {
	C <-chan Event

	hub    *Hub
	jobID  string
	ch     chan Event
	drops  int
	closed bool
}

// Subscribe registers interest in jobID.
func (h *Hub) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, hub: h, jobID: jobID, ch: ch}
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	n := h.countLocked()
	h.mu.Unlock()
	telemetry.SetProgressSubscribers(n)
	return s
}

// Close unsubscribes. It does not affect the job.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.removeLocked(s)
	n := s.hub.countLocked()
	s.hub.mu.Unlock()
	telemetry.SetProgressSubscribers(n)
}

// Publish delivers ev to every subscriber of ev.JobID and to all sinks.
func (h *Hub) Publish(ev Event) {
	for _, sink := range h.sinks {
		sink.Publish(ev)
	}
	h.mu.Lock()
	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
			s.drops = 0
		default:
			s.drops++
			telemetry.IncProgressDropped()
			if s.drops >= h.maxDrops {
				h.removeLocked(s)
			}
		}
	}
	if ev.Status.Terminal() {
		for s := range h.subs[ev.JobID] {
			h.removeLocked(s)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()
	telemetry.SetProgressSubscribers(n)
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set, ok := h.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.jobID)
		}
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
