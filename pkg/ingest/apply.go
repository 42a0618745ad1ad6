package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"chatstream/pkg/live"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_ingest_enqueued_total",
		Help: "Operations accepted into the ingest queue.",
	})
	droppedOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_ingest_dropped_total",
		Help: "Operations dropped because the queue was full.",
	})
	applyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_ingest_apply_errors_total",
		Help: "Operations that failed to apply to the store.",
	})
)

// Applier applies queued operations to the store and publishes the
// resulting change event to the live hub, making writes visible to every
// open tail and stream.
type Applier struct {
	Hub *live.Hub
}

// Apply handles a single dequeued op.
func (a *Applier) Apply(op *Op) error {
	switch op.Type {
	case OpCreate:
		var m models.Message
		if err := json.Unmarshal(op.Payload, &m); err != nil {
			applyErrors.Inc()
			logger.Error("apply_invalid_payload", "channel", op.Channel, "error", err)
			return fmt.Errorf("invalid message payload: %w", err)
		}
		rec, err := store.AppendMessage(op.Channel, m)
		if err != nil {
			applyErrors.Inc()
			logger.Error("apply_create_failed", "channel", op.Channel, "msg_id", m.ID, "error", err)
			return err
		}
		store.TouchChannel(op.Channel, rec.Msg.CreatedTS)
		a.Hub.Publish(live.Event{Type: live.EventInserted, Msg: rec.Msg, Cursor: rec.Cursor})
	case OpUpdate:
		var m models.Message
		if err := json.Unmarshal(op.Payload, &m); err != nil {
			applyErrors.Inc()
			return fmt.Errorf("invalid message payload: %w", err)
		}
		rec, err := store.UpdateMessageText(op.ID, m.Text)
		if err != nil {
			applyErrors.Inc()
			logger.Error("apply_update_failed", "msg_id", op.ID, "error", err)
			return err
		}
		a.Hub.Publish(live.Event{Type: live.EventModified, Msg: rec.Msg, Cursor: rec.Cursor})
	case OpDelete:
		rec, err := store.RemoveMessage(op.Channel, op.ID)
		if err != nil {
			applyErrors.Inc()
			logger.Error("apply_delete_failed", "msg_id", op.ID, "error", err)
			return err
		}
		a.Hub.Publish(live.Event{Type: live.EventRemoved, Msg: rec.Msg, Cursor: rec.Cursor})
	default:
		logger.Warn("apply_unknown_op", "type", string(op.Type))
	}
	return nil
}

// Start launches n workers draining the queue into the applier. The
// returned stop function signals the workers and waits for them to exit.
func Start(q *Queue, a *Applier, n int) (stop func()) {
	if n <= 0 {
		n = 1
	}
	stopCh := make(chan struct{})
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			q.RunWorker(stopCh, a.Apply)
			done <- struct{}{}
		}()
	}
	return func() {
		close(stopCh)
		deadline := time.After(5 * time.Second)
		for i := 0; i < n; i++ {
			select {
			case <-done:
			case <-deadline:
				logger.Warn("ingest_worker_stop_timeout")
				return
			}
		}
	}
}
