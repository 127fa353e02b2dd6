package pubsub_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/opsbots/machinist/internal/pubsub"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubscribeReceivesPublished(t *testing.T) {
	h := pubsub.NewHub[int](4)
	defer h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(7)
	h.Publish(8)

	if got := <-ch; got != 7 {
		t.Errorf("expected value: got '%d', want '7'", got)
	}

	if got := <-ch; got != 8 {
		t.Errorf("expected value: got '%d', want '8'", got)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := pubsub.NewHub[int](1)
	defer h.Close()

	_, cancel := h.Subscribe()
	defer cancel()

	// Nobody reads; only the first publish fits the buffer. The rest
	// must be dropped without blocking this goroutine.
	for i := range 10 {
		h.Publish(i)
	}

	if got := h.Dropped(); got != 9 {
		t.Errorf("expected dropped count: got '%d', want '9'", got)
	}
}

func TestCancelIsIdempotentAndReleases(t *testing.T) {
	h := pubsub.NewHub[string](1)
	defer h.Close()

	ch, cancel := h.Subscribe()

	if got := h.Len(); got != 1 {
		t.Fatalf("expected subscriber count: got '%d', want '1'", got)
	}

	cancel()
	cancel()

	if got := h.Len(); got != 0 {
		t.Errorf("expected subscriber count: got '%d', want '0'", got)
	}

	if _, open := <-ch; open {
		t.Error("expected subscriber channel to be closed after cancel")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	h := pubsub.NewHub[int](1)

	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	h.Close()

	if _, open := <-ch1; open {
		t.Error("expected first subscriber channel to be closed")
	}

	if _, open := <-ch2; open {
		t.Error("expected second subscriber channel to be closed")
	}

	// Publish and Subscribe after Close must be safe no-ops.
	h.Publish(1)

	ch3, cancel3 := h.Subscribe()
	defer cancel3()

	if _, open := <-ch3; open {
		t.Error("expected post-close subscription channel to be closed")
	}
}
