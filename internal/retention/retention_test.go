package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatstream/pkg/config"
	"chatstream/pkg/models"
	"chatstream/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDisabled(t *testing.T) {
	cancel, err := Start(context.Background(), config.RetentionConfig{})
	require.NoError(t, err)
	cancel()
}

func TestStartRejectsBadConfig(t *testing.T) {
	_, err := Start(context.Background(), config.RetentionConfig{
		Enabled: true,
		Period:  config.Duration(time.Hour), // below the default 24h floor
	})
	require.Error(t, err)

	_, err = Start(context.Background(), config.RetentionConfig{
		Enabled:   true,
		Period:    config.Duration(48 * time.Hour),
		Cron:      "not a cron",
		MinPeriod: config.Duration(time.Minute),
	})
	require.Error(t, err)
}

func TestRunOncePurges(t *testing.T) {
	require.NoError(t, store.Open(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.NoError(t, store.SaveChannel(models.Channel{ID: "c1", Name: "general"}))
	for i := 0; i < 6; i++ {
		_, err := store.AppendMessage("c1", models.Message{ID: fmt.Sprintf("m%d", i), Text: "old", SenderID: "u1"})
		require.NoError(t, err)
	}
	time.Sleep(2 * time.Millisecond)

	// everything written so far is older than now-1ns
	cfg := config.RetentionConfig{
		Enabled:   true,
		Period:    config.Duration(1),
		BatchSize: 2,
	}

	dry := cfg
	dry.DryRun = true
	require.NoError(t, RunOnce(context.Background(), dry))
	recs, err := store.FetchLastN("c1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 6, "dry run must not delete")

	require.NoError(t, RunOnce(context.Background(), cfg))
	recs, err = store.FetchLastN("c1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
