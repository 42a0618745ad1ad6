package store

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"

	"github.com/cockroachdb/pebble"
)

var (
	db     *pebble.DB
	dbPath string
)

// seq provides a small counter to break ties when multiple messages share
// the same nanosecond timestamp. The combined <ts>-<seq> key is the opaque
// pagination cursor handed back to callers.
var seq uint64

// ErrNotFound is returned when a message or channel does not exist.
var ErrNotFound = fmt.Errorf("not found")

// Stored pairs a message with its store-native cursor (the log key). The
// cursor, not the raw timestamp, is what disambiguates pagination ties.
type Stored struct {
	Msg    models.Message
	Cursor string
}

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// Key layout:
//   channel:<channelID>:meta                  channel metadata JSON
//   channel:<channelID>:msg:<ts>-<seq>        current value of a live message
//   msgkey:msg:<msgID>                        log key for a message ID
//   version:msg:<msgID>:<ts>-<seq>            every version incl. tombstones
//   latest:msg:<msgID>                        latest version JSON

func msgPrefix(channelID string) string {
	return "channel:" + channelID + ":msg:"
}

func msgKey(channelID string, ts int64, s uint64) string {
	return fmt.Sprintf("%s%020d-%06d", msgPrefix(channelID), ts, s)
}

func versionKey(msgID string, ts int64, s uint64) string {
	return fmt.Sprintf("version:msg:%s:%020d-%06d", msgID, ts, s)
}

func metaKey(channelID string) string  { return "channel:" + channelID + ":meta" }
func latestKey(msgID string) string    { return "latest:msg:" + msgID }
func logKeyIndex(msgID string) string  { return "msgkey:msg:" + msgID }

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator upper bound.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

// AppendMessage writes a new message to a channel log. The store assigns the
// authoritative created timestamp; whatever the client sent as a local
// placeholder is discarded. The returned Stored carries the assigned cursor.
func AppendMessage(channelID string, msg models.Message) (Stored, error) {
	if db == nil {
		return Stored{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	key := msgKey(channelID, ts, s)

	msg.Channel = channelID
	msg.CreatedTS = ts
	msg.Status = "" // stored records are confirmed by definition

	data, err := json.Marshal(msg)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	wb := db.NewBatch()
	_ = wb.Set([]byte(key), data, nil)
	_ = wb.Set([]byte(logKeyIndex(msg.ID)), []byte(key), nil)
	_ = wb.Set([]byte(versionKey(msg.ID, ts, s)), data, nil)
	_ = wb.Set([]byte(latestKey(msg.ID)), data, nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("append_message_failed", "channel", channelID, "key", key, "error", err)
		appendErrors.Inc()
		return Stored{}, err
	}
	appends.Inc()
	logger.Debug("message_appended", "channel", channelID, "key", key, "msg_id", msg.ID)
	return Stored{Msg: msg, Cursor: key}, nil
}

// UpdateMessageText edits a stored message in place: the log key (and hence
// the ordering cursor) is unchanged, the text and edited timestamp are
// updated, and a new version is indexed.
func UpdateMessageText(id, newText string) (Stored, error) {
	if db == nil {
		return Stored{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	cur, err := logKeyFor(id)
	if err != nil {
		return Stored{}, err
	}
	m, err := GetLatestMessage(id)
	if err != nil {
		return Stored{}, err
	}
	if m.Deleted {
		return Stored{}, ErrNotFound
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	m.Text = newText
	m.EditedTS = ts
	data, err := json.Marshal(m)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	wb := db.NewBatch()
	_ = wb.Set([]byte(cur), data, nil)
	_ = wb.Set([]byte(versionKey(id, ts, s)), data, nil)
	_ = wb.Set([]byte(latestKey(id)), data, nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("update_message_failed", "msg_id", id, "error", err)
		return Stored{}, err
	}
	logger.Debug("message_updated", "msg_id", id, "key", cur)
	return Stored{Msg: m, Cursor: cur}, nil
}

// RemoveMessage deletes a message from its channel log and records a
// tombstone version. History fetches no longer see the record; the version
// index keeps the audit trail.
func RemoveMessage(channelID, id string) (Stored, error) {
	if db == nil {
		return Stored{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	cur, err := logKeyFor(id)
	if err != nil {
		return Stored{}, err
	}
	m, err := GetLatestMessage(id)
	if err != nil {
		return Stored{}, err
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	m.Deleted = true
	data, err := json.Marshal(m)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	wb := db.NewBatch()
	_ = wb.Delete([]byte(cur), nil)
	_ = wb.Delete([]byte(logKeyIndex(id)), nil)
	_ = wb.Set([]byte(versionKey(id, ts, s)), data, nil)
	_ = wb.Set([]byte(latestKey(id)), data, nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("remove_message_failed", "channel", channelID, "msg_id", id, "error", err)
		return Stored{}, err
	}
	removes.Inc()
	logger.Debug("message_removed", "channel", channelID, "msg_id", id)
	return Stored{Msg: m, Cursor: cur}, nil
}

func logKeyFor(id string) (string, error) {
	v, closer, err := db.Get([]byte(logKeyIndex(id)))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", ErrNotFound
		}
		return "", err
	}
	out := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// FetchLastN returns the most recent n messages of a channel, ascending by
// creation time.
func FetchLastN(channelID string, n int) ([]Stored, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(channelID)
	return fetchBackward([]byte(prefix), prefixUpperBound(prefix), n)
}

// FetchNBefore returns up to n messages strictly preceding the cursor,
// ascending. The cursor must be a value previously returned by this package.
func FetchNBefore(channelID, cursor string, n int) ([]Stored, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(channelID)
	// the exclusive upper bound is the cursor itself
	return fetchBackward([]byte(prefix), []byte(cursor), n)
}

// FetchNAfter returns up to n messages strictly following the cursor,
// ascending. An empty cursor means "from the beginning of the channel".
func FetchNAfter(channelID, cursor string, n int) ([]Stored, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(channelID)
	lower := []byte(prefix)
	if cursor != "" {
		// smallest key strictly greater than the cursor
		lower = append([]byte(cursor), 0x00)
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Stored
	for iter.First(); iter.Valid(); iter.Next() {
		st, derr := decodeStored(iter.Key(), iter.Value())
		if derr != nil {
			return nil, derr
		}
		out = append(out, st)
		if n > 0 && len(out) >= n {
			break
		}
	}
	fetches.Inc()
	return out, iter.Error()
}

// fetchBackward walks the bounded range from its end and returns the last n
// records in ascending order.
func fetchBackward(lower, upper []byte, n int) ([]Stored, error) {
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var rev []Stored
	for iter.Last(); iter.Valid(); iter.Prev() {
		st, derr := decodeStored(iter.Key(), iter.Value())
		if derr != nil {
			return nil, derr
		}
		rev = append(rev, st)
		if n > 0 && len(rev) >= n {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// reverse into ascending order
	out := make([]Stored, len(rev))
	for i, st := range rev {
		out[len(rev)-1-i] = st
	}
	fetches.Inc()
	return out, nil
}

func decodeStored(key, value []byte) (Stored, error) {
	var m models.Message
	if err := json.Unmarshal(value, &m); err != nil {
		logger.Error("invalid_stored_message", "key", string(key), "error", err)
		return Stored{}, fmt.Errorf("invalid message JSON at %s: %w", string(key), err)
	}
	return Stored{Msg: m, Cursor: string(append([]byte(nil), key...))}, nil
}

// GetLatestMessage returns the latest version for a message ID, including
// tombstones.
func GetLatestMessage(id string) (models.Message, error) {
	if db == nil {
		return models.Message{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(latestKey(id)))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, err
	}
	defer func() {
		if closer != nil {
			_ = closer.Close()
		}
	}()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("invalid message JSON: %w", err)
	}
	return m, nil
}

// ListMessageVersions returns all stored versions for a message ID in
// chronological order.
func ListMessageVersions(id string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := "version:msg:" + id + ":"
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}
