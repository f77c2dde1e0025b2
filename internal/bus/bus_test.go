package bus_test

import (
	"testing"
	"time"

	"github.com/basket/foundry/internal/bus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("item.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicItemEnqueued, bus.StageEvent{ItemID: "w1", Stage: "DEV"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicItemEnqueued {
			t.Fatalf("expected topic %q, got %q", bus.TopicItemEnqueued, ev.Topic)
		}
		payload, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.ItemID != "w1" {
			t.Fatalf("expected item w1, got %q", payload.ItemID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PrefixFiltering(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("agent.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicItemEnqueued, nil)
	b.Publish(bus.TopicAgentDegraded, bus.AgentEvent{AgentID: "dev-1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicAgentDegraded {
			t.Fatalf("expected agent topic, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestBus_EmptyPrefixMatchesAll(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	topics := []string{bus.TopicItemDone, bus.TopicLeaseReclaimed, bus.TopicMetricsSnapshot}
	for _, topic := range topics {
		b.Publish(topic, nil)
	}
	for _, want := range topics {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("expected %q, got %q", want, ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestBus_SlowConsumerDropsEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the subscription buffer; publish must not block.
	for i := 0; i < 500; i++ {
		b.Publish(bus.TopicItemRequeued, i)
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received == 0 || received > 100 {
				t.Fatalf("expected 1..100 buffered events, got %d", received)
			}
			return
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
