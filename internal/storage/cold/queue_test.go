package cold

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackQueue_EnqueueIncrementsDepth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	q, err := OpenFallbackQueue(path)
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, int64(0), q.Depth())
	require.NoError(t, q.Enqueue("metric_samples", []string{"row1", "row2"}))
	assert.Equal(t, int64(1), q.Depth())
	require.NoError(t, q.Enqueue("alert_events", []string{"row3"}))
	assert.Equal(t, int64(2), q.Depth())
}

func TestFallbackQueue_ReopenCountsPriorEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	q, err := OpenFallbackQueue(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("metric_samples", []string{"row1"}))
	require.NoError(t, q.Enqueue("metric_samples", []string{"row2"}))
	require.NoError(t, q.Close())

	reopened, err := OpenFallbackQueue(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(2), reopened.Depth())
}
