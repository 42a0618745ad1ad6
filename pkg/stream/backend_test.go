package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatstream/pkg/live"
	"chatstream/pkg/models"
	"chatstream/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end: a stream over the real Pebble store and hub, as the server
// composes them.
func TestStreamOverLocalBackend(t *testing.T) {
	require.NoError(t, store.Open(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	hub := live.NewHub(64, "test")
	t.Cleanup(hub.CloseAll)
	backend := LocalBackend{Hub: hub}

	for i := 1; i <= 8; i++ {
		_, err := store.AppendMessage("general", models.Message{
			ID: fmt.Sprintf("hist-%d", i), Text: fmt.Sprintf("history %d", i), SenderID: "u1",
		})
		require.NoError(t, err)
	}

	s, err := Open(context.Background(), "general", Options{
		Store:    backend,
		Source:   backend,
		Sender:   Identity{ID: "me", Name: "Me"},
		PageSize: 5,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	v := s.Snapshot()
	require.Len(t, v.Messages, 5)
	assert.True(t, v.HasMoreHistory)
	assert.Equal(t, "hist-4", v.Messages[0].ID)

	require.NoError(t, s.FetchOlder())
	v = s.Snapshot()
	require.Len(t, v.Messages, 8)
	assert.False(t, v.HasMoreHistory)

	// a send lands in the store and collapses into the confirmed view
	echo, err := s.Send("hello from the stream", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 9 && v.Messages[8].Confirmed()
	}, time.Second, 2*time.Millisecond)
	v = s.Snapshot()
	assert.Equal(t, echo.ID, v.Messages[8].ID)
	assert.Equal(t, "me", v.Messages[8].SenderID)

	stored, err := store.GetLatestMessage(echo.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello from the stream", stored.Text)

	// edits and deletes round-trip through the store events
	require.NoError(t, s.Edit(echo.ID, "revised"))
	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return v.Messages[8].Text == "revised"
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, s.Delete("hist-8"))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 8
	}, time.Second, 2*time.Millisecond)
}
