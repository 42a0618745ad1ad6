package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/utils"

	"github.com/cockroachdb/pebble"
)

// SaveChannel stores channel metadata under a reserved key.
func SaveChannel(ch models.Channel) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}
	if err := db.Set([]byte(metaKey(ch.ID)), data, pebble.Sync); err != nil {
		logger.Error("save_channel_failed", "channel", ch.ID, "error", err)
		return err
	}
	logger.Debug("channel_saved", "channel", ch.ID)
	return nil
}

// GetChannel returns the stored channel metadata for a given channel ID.
func GetChannel(channelID string) (models.Channel, error) {
	if db == nil {
		return models.Channel{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(metaKey(channelID)))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Channel{}, ErrNotFound
		}
		return models.Channel{}, err
	}
	defer func() {
		if closer != nil {
			_ = closer.Close()
		}
	}()
	var ch models.Channel
	if err := json.Unmarshal(v, &ch); err != nil {
		return models.Channel{}, fmt.Errorf("invalid channel JSON: %w", err)
	}
	return ch, nil
}

// TouchChannel bumps the channel's updated timestamp, creating the metadata
// record when a message arrives for a channel never saved explicitly.
func TouchChannel(channelID string, ts int64) {
	ch, err := GetChannel(channelID)
	if err != nil {
		ch = models.Channel{ID: channelID, CreatedTS: ts}
	}
	ch.UpdatedTS = ts
	_ = SaveChannel(ch)
}

// ListChannels returns all saved channel metadata values.
func ListChannels() ([]models.Channel, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := "channel:"
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Channel
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var ch models.Channel
		if err := json.Unmarshal(iter.Value(), &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	return out, iter.Error()
}

// SoftDeleteChannel marks the channel as deleted and appends a tombstone
// event message so followers observe the deletion in-band.
func SoftDeleteChannel(channelID, actor string) error {
	ch, err := GetChannel(channelID)
	if err != nil {
		return err
	}
	ch.Deleted = true
	ch.DeletedTS = time.Now().UTC().UnixNano()
	if err := SaveChannel(ch); err != nil {
		return err
	}
	tomb := models.Message{
		ID:       utils.GenMsgID(),
		Channel:  channelID,
		SenderID: actor,
		Text:     "channel deleted",
		Deleted:  true,
	}
	if _, err := AppendMessage(channelID, tomb); err != nil {
		logger.Error("soft_delete_append_tombstone_failed", "channel", channelID, "error", err)
		return err
	}
	logger.Info("channel_soft_deleted", "channel", channelID, "actor", actor)
	return nil
}
