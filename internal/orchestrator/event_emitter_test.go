package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventEmitter_DeliversInOrder(t *testing.T) {
	e := NewEventEmitter(4)
	e.Emit(Event{Type: EventSessionStarted})
	e.Emit(Event{Type: EventTaskClaimed, TaskID: "T1"})
	e.Close()

	var got []EventType
	for ev := range e.Events() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventSessionStarted, EventTaskClaimed}, got)
	assert.Zero(t, e.DroppedCount())
}

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(Event{Type: EventSessionStarted})
	e.Emit(Event{Type: EventTaskClaimed})
	assert.Equal(t, uint64(1), e.DroppedCount())

	e.Close()
	e.Close()
}

func TestEventEmitter_NilIsNoop(t *testing.T) {
	var e *EventEmitter
	e.Emit(Event{Type: EventSessionStarted})
	e.Close()
}
