package store

import (
	"fmt"
	"testing"
	"time"

	"chatstream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) {
	t.Helper()
	require.NoError(t, Open(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, Close()) })
}

func appendN(t *testing.T, channel string, n int) []Stored {
	t.Helper()
	out := make([]Stored, 0, n)
	for i := 0; i < n; i++ {
		rec, err := AppendMessage(channel, models.Message{
			ID:       fmt.Sprintf("%s-m%d", channel, i+1),
			Text:     fmt.Sprintf("text %d", i+1),
			SenderID: "u1",
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestAppendAssignsTimestampAndCursor(t *testing.T) {
	openTestStore(t)

	rec, err := AppendMessage("c1", models.Message{ID: "m1", Text: "hi", CreatedTS: 42, Status: models.StatusSending})
	require.NoError(t, err)
	assert.NotEqual(t, int64(42), rec.Msg.CreatedTS, "store time replaces the client placeholder")
	assert.Empty(t, rec.Msg.Status, "stored records are confirmed")
	assert.NotEmpty(t, rec.Cursor)
	assert.Equal(t, "c1", rec.Msg.Channel)
}

func TestFetchLastNAscending(t *testing.T) {
	openTestStore(t)
	recs := appendN(t, "c1", 5)

	got, err := FetchLastN("c1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[2].Msg.ID, got[0].Msg.ID)
	assert.Equal(t, recs[4].Msg.ID, got[2].Msg.ID)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Cursor, got[i].Cursor)
	}
}

func TestCursorPaginationCoversLogWithoutOverlap(t *testing.T) {
	openTestStore(t)
	appendN(t, "c1", 10)
	appendN(t, "c2", 3) // neighbor channel must not leak in

	newest, err := FetchLastN("c1", 4)
	require.NoError(t, err)
	require.Len(t, newest, 4)

	middle, err := FetchNBefore("c1", newest[0].Cursor, 4)
	require.NoError(t, err)
	require.Len(t, middle, 4)
	assert.Less(t, middle[3].Cursor, newest[0].Cursor)

	oldest, err := FetchNBefore("c1", middle[0].Cursor, 4)
	require.NoError(t, err)
	require.Len(t, oldest, 2, "only two records remain")

	seen := map[string]bool{}
	for _, page := range [][]Stored{oldest, middle, newest} {
		for _, rec := range page {
			require.False(t, seen[rec.Msg.ID], "pages overlap at %s", rec.Msg.ID)
			seen[rec.Msg.ID] = true
			assert.Equal(t, "c1", rec.Msg.Channel)
		}
	}
	require.Len(t, seen, 10)
}

func TestFetchNAfterWalksForward(t *testing.T) {
	openTestStore(t)
	recs := appendN(t, "c1", 6)

	got, err := FetchNAfter("c1", recs[1].Cursor, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[2].Msg.ID, got[0].Msg.ID)

	// empty cursor starts from the beginning
	all, err := FetchNAfter("c1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
}

func TestUpdateKeepsLogPosition(t *testing.T) {
	openTestStore(t)
	recs := appendN(t, "c1", 3)
	time.Sleep(time.Millisecond)

	updated, err := UpdateMessageText("c1-m2", "edited")
	require.NoError(t, err)
	assert.Equal(t, recs[1].Cursor, updated.Cursor, "edit must not move the record")
	assert.Equal(t, "edited", updated.Msg.Text)
	assert.NotZero(t, updated.Msg.EditedTS)

	got, err := FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "edited", got[1].Msg.Text)
	assert.Equal(t, "c1-m2", got[1].Msg.ID)

	versions, err := ListMessageVersions("c1-m2")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "text 2", versions[0].Text)
	assert.Equal(t, "edited", versions[1].Text)
}

func TestRemoveMessageTombstones(t *testing.T) {
	openTestStore(t)
	appendN(t, "c1", 3)

	rec, err := RemoveMessage("c1", "c1-m2")
	require.NoError(t, err)
	assert.True(t, rec.Msg.Deleted)

	got, err := FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "removed record leaves the log")

	latest, err := GetLatestMessage("c1-m2")
	require.NoError(t, err)
	assert.True(t, latest.Deleted)

	// a deleted message cannot be edited
	_, err = UpdateMessageText("c1-m2", "zombie")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = RemoveMessage("c1", "c1-m2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetLatestMessageNotFound(t *testing.T) {
	openTestStore(t)
	_, err := GetLatestMessage("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeChannelBefore(t *testing.T) {
	openTestStore(t)
	recs := appendN(t, "c1", 5)
	cutoff := recs[2].Msg.CreatedTS + 1

	// dry run only counts
	n, err := PurgeChannelBefore("c1", cutoff, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, got, 5)

	n, err = PurgeChannelBefore("c1", cutoff, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err = FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[3].Msg.ID, got[0].Msg.ID)

	// purged records lose latest and version entries too
	_, err = GetLatestMessage(recs[0].Msg.ID)
	require.ErrorIs(t, err, ErrNotFound)
	versions, err := ListMessageVersions(recs[0].Msg.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestChannelLifecycle(t *testing.T) {
	openTestStore(t)

	ch := models.Channel{ID: "c1", Name: "general", CreatedTS: time.Now().UnixNano()}
	require.NoError(t, SaveChannel(ch))

	got, err := GetChannel("c1")
	require.NoError(t, err)
	assert.Equal(t, "general", got.Name)

	TouchChannel("c1", got.CreatedTS+10)
	got, err = GetChannel("c1")
	require.NoError(t, err)
	assert.Equal(t, ch.CreatedTS+10, got.UpdatedTS)

	// touching an unknown channel creates it
	TouchChannel("c2", 99)
	chans, err := ListChannels()
	require.NoError(t, err)
	require.Len(t, chans, 2)

	require.NoError(t, SoftDeleteChannel("c1", "admin"))
	got, err = GetChannel("c1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.NotZero(t, got.DeletedTS)

	// the tombstone event message lands in the channel log
	msgs, err := FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Msg.Deleted)

	require.ErrorIs(t, SoftDeleteChannel("missing", "admin"), ErrNotFound)
}
