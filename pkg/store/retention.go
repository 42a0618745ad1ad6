package store

import (
	"encoding/json"
	"fmt"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var purged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatstream_store_purged_total",
	Help: "Messages removed by the retention purge.",
})

// PurgeChannelBefore removes up to limit messages of a channel whose
// creation time is before cutoff (nanoseconds). Version history and the
// latest snapshot are removed with the log record. When dryRun is set the
// records are only counted. Returns how many records matched.
func PurgeChannelBefore(channelID string, cutoff int64, limit int, dryRun bool) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(channelID)
	// log keys sort by timestamp, so [prefix, prefix+cutoff) covers exactly
	// the records older than the cutoff
	upper := []byte(fmt.Sprintf("%s%020d", prefix, cutoff))
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	wb := db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("purge_skip_bad_record", "key", string(iter.Key()), "error", err)
			continue
		}
		count++
		if !dryRun {
			_ = wb.Delete(append([]byte(nil), iter.Key()...), nil)
			_ = wb.Delete([]byte(logKeyIndex(m.ID)), nil)
			_ = wb.Delete([]byte(latestKey(m.ID)), nil)
			if err := deleteVersions(wb, m.ID); err != nil {
				return count, err
			}
		}
		if limit > 0 && count >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return count, err
	}
	if dryRun || count == 0 {
		return count, nil
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("purge_apply_failed", "channel", channelID, "error", err)
		return 0, err
	}
	purged.Add(float64(count))
	logger.Info("purge_applied", "channel", channelID, "removed", count)
	return count, nil
}

func deleteVersions(wb *pebble.Batch, id string) error {
	prefix := "version:msg:" + id + ":"
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		_ = wb.Delete(append([]byte(nil), iter.Key()...), nil)
	}
	return iter.Error()
}
