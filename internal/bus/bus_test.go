package bus_test

import (
	"testing"
	"time"

	"github.com/basket/missionctl/internal/bus"
)

func TestSubscribePrefixMatching(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("record.tasks.")
	defer b.Unsubscribe(sub)

	b.Publish("record.tasks.update", "yes")
	b.Publish("record.messages.create", "no")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "record.tasks.update" {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockSlowSubscriber(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("record.")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Never drained; a full buffer must drop, not block.
		for i := 0; i < 1000; i++ {
			b.Publish("record.tasks.update", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestRecordTopic(t *testing.T) {
	got := bus.RecordTopic("tasks", "update")
	if got != "record.tasks.update" {
		t.Fatalf("RecordTopic = %q", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("record.")
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
