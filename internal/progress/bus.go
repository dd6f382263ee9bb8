package progress

import (
	"sync"

	"github.com/nugget/bmsinsight/internal/jobs"
)

// Event is a progress event tagged with its job.
type Event struct {
	JobID string
	jobs.ProgressEvent
}

// Bus is a non-blocking broadcast of progress events to in-process
// subscribers. Slow subscribers miss events rather than blocking the
// loop; they are expected to catch up from the job store. A nil *Bus
// is a valid no-op sink.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]string // channel -> job filter ("" = all)
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]string),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers ev to every subscriber of jobID.
func (b *Bus) Publish(jobID string, ev jobs.ProgressEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != "" && filter != jobID {
			continue
		}
		select {
		case ch <- Event{JobID: jobID, ProgressEvent: ev}:
		default:
		}
	}
}

// Subscribe returns a channel receiving events for jobID, or for all
// jobs when jobID is empty. Callers must Unsubscribe.
func (b *Bus) Subscribe(jobID string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = jobID
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. It is a
// no-op for unknown channels.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
