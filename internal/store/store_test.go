package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chronolab.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundtrip(t *testing.T) {
	s := openTestStore(t)
	rec := SessionRecord{
		SessionID:     "sess-1",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		Status:        "succeeded",
		ChronologPath: "/tmp/out/chronolog.jsonl",
		HeadHash:      "abc123",
		TotalCostUSD:  1.25,
	}
	require.NoError(t, s.SaveSession(rec))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, rec.SessionID, got.SessionID)
	require.Equal(t, rec.Status, got.Status)
	require.Equal(t, rec.HeadHash, got.HeadHash)
	require.InDelta(t, rec.TotalCostUSD, got.TotalCostUSD, 1e-9)
}

func TestSaveSessionUpsert(t *testing.T) {
	s := openTestStore(t)
	rec := SessionRecord{SessionID: "sess-1", CreatedAt: time.Now(), Status: "running", ChronologPath: "p"}
	require.NoError(t, s.SaveSession(rec))
	rec.Status = "partial"
	rec.TotalCostUSD = 0.5
	require.NoError(t, s.SaveSession(rec))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, "partial", got.Status)
	require.InDelta(t, 0.5, got.TotalCostUSD, 1e-9)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStepsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"step-b", "step-a"} {
		require.NoError(t, s.SaveStep(StepRecord{
			SessionID:  "sess-1",
			StepID:     id,
			Role:       "analyst",
			ModelUsed:  "gpt-x",
			Status:     "succeeded",
			Attempts:   1,
			TokensIn:   100,
			TokensOut:  50,
			CostUSD:    0.01,
			Output:     "result for " + id,
			StartedAt:  now,
			FinishedAt: now.Add(time.Second),
		}))
	}

	steps, err := s.ListSteps("sess-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "step-a", steps[0].StepID)
	require.Equal(t, "step-b", steps[1].StepID)
	require.Equal(t, "result for step-a", steps[0].Output)

	none, err := s.ListSteps("other")
	require.NoError(t, err)
	require.Empty(t, none)
}
