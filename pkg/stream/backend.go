package stream

import (
	"chatstream/pkg/live"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
)

// LocalBackend adapts the embedded Pebble store plus the in-process hub to
// the Store and Source interfaces, publishing a hub event for every write
// so streams (and the HTTP tail endpoints) observe their own mutations.
type LocalBackend struct {
	Hub *live.Hub
}

func (b LocalBackend) FetchLastN(channelID string, n int) ([]store.Stored, error) {
	return store.FetchLastN(channelID, n)
}

func (b LocalBackend) FetchNBefore(channelID, cursor string, n int) ([]store.Stored, error) {
	return store.FetchNBefore(channelID, cursor, n)
}

func (b LocalBackend) AppendMessage(channelID string, msg models.Message) (store.Stored, error) {
	rec, err := store.AppendMessage(channelID, msg)
	if err != nil {
		return rec, err
	}
	b.Hub.Publish(live.Event{Type: live.EventInserted, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (b LocalBackend) UpdateMessageText(id, newText string) (store.Stored, error) {
	rec, err := store.UpdateMessageText(id, newText)
	if err != nil {
		return rec, err
	}
	b.Hub.Publish(live.Event{Type: live.EventModified, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (b LocalBackend) RemoveMessage(channelID, id string) (store.Stored, error) {
	rec, err := store.RemoveMessage(channelID, id)
	if err != nil {
		return rec, err
	}
	b.Hub.Publish(live.Event{Type: live.EventRemoved, Msg: rec.Msg, Cursor: rec.Cursor})
	return rec, nil
}

func (b LocalBackend) Subscribe(channelID, afterCursor string) Subscription {
	return b.Hub.Subscribe(channelID, afterCursor)
}
