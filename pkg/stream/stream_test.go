package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/pkg/live"
	"chatstream/pkg/models"
	"chatstream/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Store+Source. Writes publish events through a
// real hub so the full subscription path is exercised.
type fakeBackend struct {
	mu         sync.Mutex
	recs       map[string][]store.Stored
	ts         int64
	seq        uint64
	failAppend bool
	failFetch  bool
	fetchCalls int
	fetchGate  chan struct{} // when set, FetchNBefore blocks until closed
	hub        *live.Hub
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		recs: make(map[string][]store.Stored),
		ts:   time.Now().UTC().UnixNano(),
		hub:  live.NewHub(64, "test"),
	}
}

func (f *fakeBackend) cursorFor(channelID string, ts int64, seq uint64) string {
	return fmt.Sprintf("channel:%s:msg:%020d-%06d", channelID, ts, seq)
}

// seed stores n messages directly, without publishing events.
func (f *fakeBackend) seed(channelID string, n int) []store.Stored {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Stored
	for i := 0; i < n; i++ {
		f.ts += int64(time.Millisecond)
		f.seq++
		m := models.Message{
			ID:        fmt.Sprintf("seed-%d", f.seq),
			Channel:   channelID,
			Text:      fmt.Sprintf("message %d", f.seq),
			SenderID:  "u1",
			CreatedTS: f.ts,
		}
		rec := store.Stored{Msg: m, Cursor: f.cursorFor(channelID, f.ts, f.seq)}
		f.recs[channelID] = append(f.recs[channelID], rec)
		out = append(out, rec)
	}
	return out
}

func (f *fakeBackend) FetchLastN(channelID string, n int) ([]store.Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, fmt.Errorf("backend unavailable")
	}
	all := f.recs[channelID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]store.Stored(nil), all...), nil
}

func (f *fakeBackend) FetchNBefore(channelID, cursor string, n int) ([]store.Stored, error) {
	f.mu.Lock()
	f.fetchCalls++
	gate := f.fetchGate
	fail := f.failFetch
	all := f.recs[channelID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, fmt.Errorf("backend unavailable")
	}
	var older []store.Stored
	for _, rec := range all {
		if rec.Cursor < cursor {
			older = append(older, rec)
		}
	}
	if len(older) > n {
		older = older[len(older)-n:]
	}
	return older, nil
}

func (f *fakeBackend) AppendMessage(channelID string, msg models.Message) (store.Stored, error) {
	f.mu.Lock()
	if f.failAppend {
		f.mu.Unlock()
		return store.Stored{}, fmt.Errorf("write failed")
	}
	f.ts += int64(time.Millisecond)
	f.seq++
	msg.Channel = channelID
	msg.CreatedTS = f.ts
	msg.Status = ""
	rec := store.Stored{Msg: msg, Cursor: f.cursorFor(channelID, f.ts, f.seq)}
	f.recs[channelID] = append(f.recs[channelID], rec)
	f.mu.Unlock()
	f.hub.Publish(live.Event{Type: live.EventInserted, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (f *fakeBackend) UpdateMessageText(id, newText string) (store.Stored, error) {
	f.mu.Lock()
	var rec store.Stored
	found := false
	for ch, all := range f.recs {
		for i := range all {
			if all[i].Msg.ID == id {
				all[i].Msg.Text = newText
				all[i].Msg.EditedTS = f.ts + 1
				rec = all[i]
				f.recs[ch] = all
				found = true
			}
		}
	}
	f.mu.Unlock()
	if !found {
		return store.Stored{}, store.ErrNotFound
	}
	f.hub.Publish(live.Event{Type: live.EventModified, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (f *fakeBackend) RemoveMessage(channelID, id string) (store.Stored, error) {
	f.mu.Lock()
	all := f.recs[channelID]
	var rec store.Stored
	found := false
	kept := all[:0]
	for _, r := range all {
		if r.Msg.ID == id {
			rec = r
			rec.Msg.Deleted = true
			found = true
			continue
		}
		kept = append(kept, r)
	}
	f.recs[channelID] = kept
	f.mu.Unlock()
	if !found {
		return store.Stored{}, store.ErrNotFound
	}
	f.hub.Publish(live.Event{Type: live.EventRemoved, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (f *fakeBackend) Subscribe(channelID, afterCursor string) Subscription {
	return f.hub.Subscribe(channelID, afterCursor)
}

func openTestStream(t *testing.T, f *fakeBackend, opts Options) *Stream {
	t.Helper()
	opts.Store = f
	opts.Source = f
	s, err := Open(context.Background(), "general", opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func ids(v View) []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		out = append(out, m.ID)
	}
	return out
}

func requireAscending(t *testing.T, v View) {
	t.Helper()
	for i := 1; i < len(v.Messages); i++ {
		require.LessOrEqual(t, v.Messages[i-1].CreatedTS, v.Messages[i].CreatedTS,
			"messages out of order at %d", i)
	}
}

func requireUniqueIDs(t *testing.T, v View) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range v.Messages {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestOpenLoadsMostRecentPage(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 25)

	s := openTestStream(t, f, Options{PageSize: 20})
	v := s.Snapshot()
	require.Len(t, v.Messages, 20)
	assert.True(t, v.HasMoreHistory)
	assert.False(t, v.IsLoadingInitial)
	requireAscending(t, v)
	// the newest 20 of the 25 seeded
	assert.Equal(t, "seed-6", v.Messages[0].ID)
	assert.Equal(t, "seed-25", v.Messages[19].ID)
}

func TestFetchOlderExtendsWithoutDuplicates(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 25)

	s := openTestStream(t, f, Options{PageSize: 20})
	require.NoError(t, s.FetchOlder())

	v := s.Snapshot()
	require.Len(t, v.Messages, 25)
	assert.False(t, v.HasMoreHistory, "5-record page means history is exhausted")
	requireAscending(t, v)
	requireUniqueIDs(t, v)

	// exhausted history makes further calls no-ops
	calls := f.fetchCalls
	require.NoError(t, s.FetchOlder())
	assert.Equal(t, calls, f.fetchCalls)
}

func TestFetchOlderWhileInFlightIsIgnored(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 40)
	f.fetchGate = make(chan struct{})

	s := openTestStream(t, f, Options{PageSize: 20})

	done := make(chan error, 1)
	go func() { done <- s.FetchOlder() }()
	require.Eventually(t, func() bool { return s.Snapshot().IsFetchingOlder }, time.Second, 2*time.Millisecond)

	// the overlapping call returns immediately without touching the store
	require.NoError(t, s.FetchOlder())

	close(f.fetchGate)
	require.NoError(t, <-done)

	f.mu.Lock()
	calls := f.fetchCalls
	f.mu.Unlock()
	assert.Equal(t, 1, calls)
	require.Len(t, s.Snapshot().Messages, 40)
}

func TestFetchOlderErrorIsRetryable(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 30)

	s := openTestStream(t, f, Options{PageSize: 20})

	f.mu.Lock()
	f.failFetch = true
	f.mu.Unlock()
	require.Error(t, s.FetchOlder())
	v := s.Snapshot()
	assert.Error(t, v.Err)
	assert.True(t, v.HasMoreHistory, "failed fetch must not burn the page")
	require.Len(t, v.Messages, 20)

	f.mu.Lock()
	f.failFetch = false
	f.mu.Unlock()
	require.NoError(t, s.FetchOlder())
	v = s.Snapshot()
	assert.NoError(t, v.Err)
	require.Len(t, v.Messages, 30)
}

func TestSendOptimisticEchoCollapsesOnConfirm(t *testing.T) {
	f := newFakeBackend()
	changed := make(chan struct{}, 64)
	s := openTestStream(t, f, Options{
		PageSize: 20,
		Sender:   Identity{ID: "me", Name: "Me"},
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})

	echo, err := s.Send("hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSending, echo.Status)

	v := s.Snapshot()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, models.StatusSending, v.Messages[0].Status)
	assert.Equal(t, "me", v.Messages[0].SenderID)

	// the echo collapses into exactly one confirmed entry under the same id
	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && v.Messages[0].Confirmed()
	}, time.Second, 2*time.Millisecond)
	v = s.Snapshot()
	assert.Equal(t, echo.ID, v.Messages[0].ID)
	assert.NotZero(t, v.Messages[0].CreatedTS)
	requireUniqueIDs(t, v)
	select {
	case <-changed:
	default:
		t.Fatal("expected change notifications")
	}
}

func TestSendRejectsEmptyAndProfaneText(t *testing.T) {
	f := newFakeBackend()
	s := openTestStream(t, f, Options{
		PageSize: 20,
		Filter:   func(text string) bool { return strings.Contains(text, "zebra") },
	})

	_, err := s.Send("   ", nil)
	require.ErrorIs(t, err, ErrRejectedInput)

	_, err = s.Send("a zebra walks in", nil)
	require.ErrorIs(t, err, ErrRejectedInput)

	// no echo, no write
	assert.Empty(t, s.Snapshot().Messages)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.recs["general"])
}

func TestSendFailureKeepsEchoForRetry(t *testing.T) {
	f := newFakeBackend()
	f.failAppend = true
	s := openTestStream(t, f, Options{PageSize: 20, Sender: Identity{ID: "me"}})

	echo, err := s.Send("first try", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && v.Messages[0].Status == models.StatusError
	}, time.Second, 2*time.Millisecond)

	f.mu.Lock()
	f.failAppend = false
	f.mu.Unlock()
	require.NoError(t, s.Retry(echo.ID))

	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && v.Messages[0].Confirmed()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, echo.ID, s.Snapshot().Messages[0].ID, "retry keeps the client-assigned id")
}

func TestDismissDropsFailedEcho(t *testing.T) {
	f := newFakeBackend()
	f.failAppend = true
	s := openTestStream(t, f, Options{PageSize: 20})

	echo, err := s.Send("doomed", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && v.Messages[0].Status == models.StatusError
	}, time.Second, 2*time.Millisecond)

	s.Dismiss(echo.ID)
	assert.Empty(t, s.Snapshot().Messages)

	// retry of a dismissed message is an error
	require.Error(t, s.Retry(echo.ID))
}

func TestReplyCarriesSnapshotOfTarget(t *testing.T) {
	f := newFakeBackend()
	seeded := f.seed("general", 1)
	s := openTestStream(t, f, Options{PageSize: 20, ReplySnippetLen: 10})

	target := seeded[0].Msg
	echo, err := s.Send("replying", &target)
	require.NoError(t, err)
	assert.Equal(t, target.ID, echo.ReplyToID)
	assert.Equal(t, target.SenderID, echo.ReplyToSenderID)
	assert.LessOrEqual(t, len([]rune(echo.ReplyToSnippet)), 10)
}

func TestDuplicateEventsAreIdempotent(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 3)
	s := openTestStream(t, f, Options{PageSize: 20})

	f.mu.Lock()
	rec := f.recs["general"][1]
	f.mu.Unlock()
	ev := live.Event{Type: live.EventInserted, Msg: rec.Msg, Cursor: rec.Cursor}
	f.hub.Publish(ev)
	f.hub.Publish(ev)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 3
	}, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	v := s.Snapshot()
	require.Len(t, v.Messages, 3)
	requireUniqueIDs(t, v)
	requireAscending(t, v)
}

func TestModifiedEventUpdatesInPlace(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 5)
	s := openTestStream(t, f, Options{PageSize: 20})

	f.mu.Lock()
	target := f.recs["general"][2].Msg
	f.mu.Unlock()
	_, err := f.UpdateMessageText(target.ID, "edited text")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 5 && v.Messages[2].Text == "edited text"
	}, time.Second, 2*time.Millisecond)
	// an edit does not move the message
	assert.Equal(t, target.ID, s.Snapshot().Messages[2].ID)
}

func TestModifiedEventOutsideWindowIsIgnored(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 30)
	s := openTestStream(t, f, Options{PageSize: 20})

	// seed-1 is older than the loaded window
	f.hub.Publish(live.Event{
		Type:   live.EventModified,
		Msg:    models.Message{ID: "seed-1", Channel: "general", Text: "ghost edit"},
		Cursor: "",
	})
	time.Sleep(20 * time.Millisecond)
	v := s.Snapshot()
	require.Len(t, v.Messages, 20)
	assert.NotContains(t, ids(v), "seed-1")
}

func TestRemovedEventDropsMessage(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 5)
	s := openTestStream(t, f, Options{PageSize: 20})

	f.mu.Lock()
	target := f.recs["general"][4].Msg
	f.mu.Unlock()
	_, err := f.RemoveMessage("general", target.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 4
	}, time.Second, 2*time.Millisecond)
	assert.NotContains(t, ids(s.Snapshot()), target.ID)
}

func TestLiveInsertDuringPaginationStaysOrdered(t *testing.T) {
	f := newFakeBackend()
	f.seed("general", 25)
	s := openTestStream(t, f, Options{PageSize: 20})

	// a new message arrives while older history is being pulled in
	_, err := f.AppendMessage("general", models.Message{ID: "live-1", Text: "fresh"})
	require.NoError(t, err)
	require.NoError(t, s.FetchOlder())

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 26
	}, time.Second, 2*time.Millisecond)
	v := s.Snapshot()
	requireAscending(t, v)
	requireUniqueIDs(t, v)
	assert.Equal(t, "live-1", v.Messages[25].ID)
}

func TestOpenValidatesArguments(t *testing.T) {
	f := newFakeBackend()
	_, err := Open(context.Background(), "  ", Options{Store: f, Source: f})
	require.Error(t, err)
	_, err = Open(context.Background(), "general", Options{})
	require.Error(t, err)
}

func TestClosedStreamRejectsOperations(t *testing.T) {
	f := newFakeBackend()
	s := openTestStream(t, f, Options{PageSize: 20})
	s.Close()
	s.Close() // idempotent

	_, err := s.Send("hello", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.FetchOlder(), ErrClosed)
}
