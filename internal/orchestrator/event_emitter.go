package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventEmitter delivers run loop events to one subscriber. A slow
// subscriber never stalls the loop: events that cannot be delivered within
// a short timeout are dropped and counted.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	closeOnce    sync.Once
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event, waiting at most 100ms when the buffer is full.
// Emit on a nil emitter is a no-op.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[cub] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the receive side of the channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() { close(e.events) })
}
