package jobs

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHubDeliversInOrder(t *testing.T) {
	h := NewHub(HubOptions{Buffer: 8})
	sub := h.Subscribe("job-1")
	defer sub.Close()

	for p := 10; p <= 30; p += 10 {
		h.Publish(Event{JobID: "job-1", Status: StatusProcessing, Progress: p})
	}
	h.Publish(Event{JobID: "other", Status: StatusProcessing, Progress: 99})

	for _, want := range []int{10, 20, 30} {
		select {
		case ev := <-sub.C:
			if ev.Progress != want {
				t.Fatalf("progress = %d, want %d", ev.Progress, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for another job: %+v", ev)
	default:
	}
}

func TestHubSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	sink := &recordingSink{}
	h := NewHub(HubOptions{Buffer: 4, MaxDrops: 3}, sink)
	slow := h.Subscribe("job-1")
	fast := h.Subscribe("job-1")

	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range fast.C {
			got = append(got, ev.Progress)
		}
	}()

	finished := make(chan struct{})
	go func() {
		for i := 1; i <= 20; i++ {
			h.Publish(Event{JobID: "job-1", Status: StatusProcessing, Progress: i})
			// give the reader a chance so it is not pruned itself
			time.Sleep(time.Millisecond)
		}
		h.Publish(Event{JobID: "job-1", Status: StatusCompleted, Progress: 100})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	<-done

	// slow was pruned after its buffer filled and MaxDrops more events were lost
	n := 0
	for range slow.C {
		n++
	}
	if n != 4 {
		t.Errorf("slow subscriber received %d events, want its buffer of 4", n)
	}
	if len(got) == 0 || got[len(got)-1] != 100 {
		t.Errorf("fast subscriber events = %v, want to end with terminal 100", got)
	}
	if h.Subscribers("job-1") != 0 {
		t.Errorf("subscribers = %d, want 0 after terminal event", h.Subscribers("job-1"))
	}
	if sink.len() != 21 {
		t.Errorf("sink received %d events, want 21", sink.len())
	}
}

func TestHubTerminalEventClosesSubscriptions(t *testing.T) {
	h := NewHub(HubOptions{})
	sub := h.Subscribe("job-1")

	h.Publish(Event{JobID: "job-1", Status: StatusFailed, Error: "boom"})

	ev, ok := <-sub.C
	if !ok || ev.Status != StatusFailed || ev.Error != "boom" {
		t.Fatalf("first receive = %+v, %v; want FAILED event", ev, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after terminal event")
	}
	// closing again after the hub closed it must be safe
	sub.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(HubOptions{})
	a := h.Subscribe("job-1")
	b := h.Subscribe("job-1")
	if h.Subscribers("job-1") != 2 {
		t.Fatalf("subscribers = %d, want 2", h.Subscribers("job-1"))
	}
	a.Close()
	a.Close()
	if h.Subscribers("job-1") != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers("job-1"))
	}
	b.Close()
	if h.Subscribers("job-1") != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers("job-1"))
	}
}
