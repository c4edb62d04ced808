package dedup

import (
	"fmt"
	"testing"
	"time"

	"multillm-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_EmptyDeduplicator(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close()

	stats := d.Statistics()
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.DuplicateRate)
	assert.Zero(t, stats.ActiveRequests)
	assert.Zero(t, stats.AvgEntryAge)
	assert.Zero(t, stats.MemoryUtilization)
}

func TestHealth_CleanStateIsHealthy(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close()

	status := d.Health()
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Issues)
}

func TestHealth_FlagsHighMemoryUtilization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActive = 10
	d := New(cfg, nil)
	defer d.Close()

	release := make(chan struct{})
	for i := range 9 {
		go func() {
			req := testRequest("1")
			req.Messages = []shared.ChatMessage{{Role: "user", Content: fmt.Sprintf("m%d", i)}}
			_, _, _ = d.Deduplicate(req, func() ([]byte, error) {
				<-release
				return []byte("{}"), nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		return d.Statistics().ActiveRequests == 9
	}, time.Second, time.Millisecond)

	status := d.Health()
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Issues)
	assert.NotEmpty(t, status.Recommendations)
	close(release)
}

func TestHealth_FlagsLowDuplicateRate(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close()

	// Many distinct requests, zero duplicates.
	for i := range healthMinSample {
		req := testRequest("1")
		req.Messages = []shared.ChatMessage{{Role: "user", Content: fmt.Sprintf("m%d", i)}}
		_, _, err := d.Deduplicate(req, func() ([]byte, error) { return []byte("{}"), nil })
		require.NoError(t, err)
	}

	status := d.Health()
	assert.False(t, status.Healthy)
	assert.Len(t, status.Issues, 1)
}

func TestHealth_SkipsRateChecksOnSmallSample(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close()

	for range 5 {
		_, _, err := d.Deduplicate(testRequest("1"), func() ([]byte, error) { return []byte("{}"), nil })
		require.NoError(t, err)
	}

	// 0% duplicate rate over 5 requests is not a signal.
	assert.True(t, d.Health().Healthy)
}
