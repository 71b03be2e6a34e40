package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/moltbunker/bondoracle/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New(ReportSettled, 1, types.Instant{Timestamp: 10, Block: 2}, nil)
	b := New(ReportSettled, 1, types.Instant{Timestamp: 10, Block: 2}, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if a.Instant.Block != 2 || a.Instant.Timestamp != 10 {
		t.Errorf("instant not recorded: %+v", a.Instant)
	}
}

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(8)
	all := bus.Subscribe()
	onlySettled := bus.Subscribe(ReportSettled)
	defer all.Unsubscribe()
	defer onlySettled.Unsubscribe()

	bus.Publish(New(ReportInstanceCreated, 1, types.Instant{}, nil))
	bus.Publish(New(ReportSettled, 1, types.Instant{}, nil))

	if len(all.C()) != 2 {
		t.Errorf("all subscriber got %d events, want 2", len(all.C()))
	}
	if len(onlySettled.C()) != 1 {
		t.Errorf("filtered subscriber got %d events, want 1", len(onlySettled.C()))
	}
	ev := <-onlySettled.C()
	if ev.Type != ReportSettled {
		t.Errorf("filtered subscriber got %s", ev.Type)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 3; i++ {
		bus.Publish(New(LedgerCredited, 0, types.Instant{}, nil))
	}
	published, dropped := bus.Stats()
	if published != 3 || dropped != 2 {
		t.Errorf("published=%d dropped=%d, want 3 and 2", published, dropped)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", bus.Subscribers())
	}
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", bus.Subscribers())
	}
	// publishing with no subscribers is fine
	bus.Publish(New(ReportDisputed, 1, types.Instant{}, nil))
}

func TestConsume(t *testing.T) {
	bus := NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []Type
	got := make(chan struct{}, 4)
	done := Consume(ctx, "test-consumer", bus.Subscribe(), func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		got <- struct{}{}
	})

	bus.Publish(New(ReportInstanceCreated, 1, types.Instant{}, nil))
	bus.Publish(New(InitialReportSubmitted, 1, types.Instant{}, nil))

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for consumer")
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != ReportInstanceCreated {
		t.Errorf("seen = %v", seen)
	}
	if bus.Subscribers() != 0 {
		t.Error("consumer did not unsubscribe on exit")
	}
}
