package events

import (
	"testing"

	"github.com/mikey-austin/mucp/pkg/cp"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(1)
	b, cancelB := bus.Subscribe(1)
	defer cancelB()

	bus.Publish(cp.Event{Type: cp.EventDevicesChanged, TS: 1})
	if evt := <-a; evt.Type != cp.EventDevicesChanged {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt := <-b; evt.TS != 1 {
		t.Fatalf("unexpected event %+v", evt)
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("expected closed channel")
	}
	bus.Publish(cp.Event{Type: cp.EventSelectionChanged})
	if evt := <-b; evt.Type != cp.EventSelectionChanged {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	bus.Publish(cp.Event{TS: 1})
	bus.Publish(cp.Event{TS: 2})
	if evt := <-ch; evt.TS != 1 {
		t.Fatalf("expected first event, got %+v", evt)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}
