package live

import (
	"sync"
	"testing"
	"time"

	"chatstream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(channel, id, cursor string) Event {
	return Event{
		Type:   EventInserted,
		Msg:    models.Message{ID: id, Channel: channel},
		Cursor: cursor,
	}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesChannelSubscribersOnly(t *testing.T) {
	h := NewHub(8, "n1")
	a := h.Subscribe("general", "")
	defer a.Close()
	b := h.Subscribe("random", "")
	defer b.Close()

	h.Publish(ev("general", "m1", "k1"))

	got := recv(t, a)
	assert.Equal(t, "m1", got.Msg.ID)
	assert.Equal(t, "n1", got.Node)

	select {
	case e := <-b.Events():
		t.Fatalf("unexpected event on other channel: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAnchorFiltersAlreadyFetchedInserts(t *testing.T) {
	h := NewHub(8, "n1")
	sub := h.Subscribe("general", "k5")
	defer sub.Close()

	h.Publish(ev("general", "old", "k4")) // at or before the anchor
	h.Publish(ev("general", "edge", "k5"))
	h.Publish(ev("general", "new", "k6"))

	got := recv(t, sub)
	assert.Equal(t, "new", got.Msg.ID)

	// modified and removed events pass regardless of cursor
	h.Publish(Event{Type: EventModified, Msg: models.Message{ID: "old", Channel: "general"}, Cursor: "k4"})
	got = recv(t, sub)
	assert.Equal(t, EventModified, got.Type)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := NewHub(2, "n1")
	slow := h.Subscribe("general", "")

	// fill the buffer and then overflow it without draining
	for i := 0; i < 3; i++ {
		h.Publish(ev("general", "m", "k"))
	}

	// the slow feed ends with a channel close after its buffered events
	deadline := time.After(time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}

	// later subscribers are unaffected
	fresh := h.Subscribe("general", "")
	defer fresh.Close()
	h.Publish(ev("general", "m4", "k4"))
	got := recv(t, fresh)
	assert.Equal(t, "m4", got.Msg.ID)
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	h := NewHub(8, "n1")
	sub := h.Subscribe("general", "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

type captureBridge struct {
	mu  sync.Mutex
	evs []Event
}

func (c *captureBridge) Forward(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, e)
}

func (c *captureBridge) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func TestBridgeForwardAndInjectEchoSuppression(t *testing.T) {
	h := NewHub(8, "n1")
	bridge := &captureBridge{}
	h.SetBridge(bridge)
	sub := h.Subscribe("general", "")
	defer sub.Close()

	h.Publish(ev("general", "m1", "k1"))
	recv(t, sub)
	require.Equal(t, 1, bridge.count())

	// an event from another node is delivered but not re-forwarded
	peer := ev("general", "m2", "k2")
	peer.Node = "n2"
	h.Inject(peer)
	got := recv(t, sub)
	assert.Equal(t, "m2", got.Msg.ID)
	assert.Equal(t, 1, bridge.count())

	// our own event echoed back is discarded
	own := ev("general", "m3", "k3")
	own.Node = "n1"
	h.Inject(own)
	select {
	case e := <-sub.Events():
		t.Fatalf("own echo delivered: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseAll(t *testing.T) {
	h := NewHub(8, "n1")
	a := h.Subscribe("general", "")
	b := h.Subscribe("random", "")
	h.CloseAll()

	_, ok := <-a.Events()
	assert.False(t, ok)
	_, ok = <-b.Events()
	assert.False(t, ok)
}
