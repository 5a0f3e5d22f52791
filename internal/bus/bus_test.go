package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSummaryPrefix)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSummaryClaimed, "G1")

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSummaryClaimed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSummaryClaimed)
		}
		if event.Payload != "G1" {
			t.Fatalf("payload = %v, want %q", event.Payload, "G1")
		}
		if event.Time.IsZero() {
			t.Fatal("event time not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	summarySub := b.Subscribe(TopicSummaryPrefix)
	defer b.Unsubscribe(summarySub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicSummaryCompleted, "G1")
	b.Publish(TopicStoreSaved, StoreEvent{Conversations: 1})

	select {
	case event := <-summarySub.Ch():
		if event.Topic != TopicSummaryCompleted {
			t.Fatalf("topic = %q, want %s", event.Topic, TopicSummaryCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for summary event")
	}

	// summarySub must not see store events.
	select {
	case event := <-summarySub.Ch():
		t.Fatalf("unexpected event on summarySub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSummaryPrefix)
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicSummaryClaimed, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if b.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", b.Dropped())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSummaryPrefix)

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(TopicSummaryPrefix)
	sub2 := b.Subscribe(TopicSummaryPrefix)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicSummaryFailed, "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicSummaryClaimed, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicSummaryClaimed, "ignored")
}
