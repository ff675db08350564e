package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAggregatesAcrossDimensions(t *testing.T) {
	tr := NewTracker("sess-1")
	tr.Record("gpt-x", "openai", "step-1", 100, 50, 0.01)
	tr.Record("gpt-x", "openai", "step-2", 200, 100, 0.02)
	tr.Record("claude-z", "anthropic", "step-1", 10, 5, 0.001)

	s := tr.Summary()
	require.Equal(t, int64(310), s.Total.Input)
	require.Equal(t, int64(155), s.Total.Output)
	require.Equal(t, int64(465), s.Total.Total)
	require.InDelta(t, 0.031, s.Total.Cost, 1e-9)

	require.Equal(t, int64(300), s.ByModel["gpt-x"].Input)
	require.Equal(t, int64(15), s.ByProvider["anthropic"].Total)
	require.Equal(t, int64(165), s.ByStep["step-1"].Total)
}

func TestSummaryReturnsCopy(t *testing.T) {
	tr := NewTracker("sess-1")
	tr.Record("gpt-x", "openai", "step-1", 1, 1, 0)

	s := tr.Summary()
	s.ByModel["gpt-x"] = TokenCounts{Input: 999}
	require.Equal(t, int64(1), tr.Summary().ByModel["gpt-x"].Input)
}

func TestConcurrentRecords(t *testing.T) {
	tr := NewTracker("sess-1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Record("gpt-x", "openai", "step-1", 1, 1, 0.001)
			}
		}()
	}
	wg.Wait()

	s := tr.Summary()
	require.Equal(t, int64(2000), s.Total.Total)
	require.InDelta(t, 1.0, s.Total.Cost, 1e-6)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker("sess-1")
	tr.Record("gpt-x", "openai", "step-1", 100, 50, 0.01)
	require.NoError(t, tr.WriteFile(dir))

	data, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, "sess-1", s.SessionID)
	require.Equal(t, int64(150), s.Total.Total)
}
