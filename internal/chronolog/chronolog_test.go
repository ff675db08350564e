package chronolog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronolog.jsonl")
	signer, err := NewSigner()
	require.NoError(t, err)
	l, err := Open(Config{Path: path}, signer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendVerifyRoundtrip(t *testing.T) {
	l, path := openTestLog(t)

	_, err := l.StartSession("sess-1")
	require.NoError(t, err)

	e1, err := l.Append("sess-1", EventStepStart, map[string]interface{}{"step": "analyze"})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.EventID)

	e2, err := l.Append("sess-1", EventStepComplete, map[string]interface{}{"step": "analyze"})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.EventID)
	require.Equal(t, e1.Hash, e2.PrevHash)

	require.NoError(t, Verify(path))
	require.NoError(t, l.Verify("sess-1"))
}

func TestFirstEventChainsFromSessionSeed(t *testing.T) {
	l, _ := openTestLog(t)
	e, err := l.StartSession("sess-seed")
	require.NoError(t, err)
	require.Equal(t, int64(0), e.EventID)
	require.Equal(t, sessionSeed("sess-seed"), e.PrevHash)
}

func TestVerifyDetectsSingleByteCorruption(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.StartSession("sess-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append("sess-1", EventStepComplete, map[string]interface{}{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
	require.NoError(t, Verify(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip one byte roughly in the middle of the file.
	mid := len(data) / 2
	data[mid] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	verr := Verify(path)
	require.Error(t, verr)
	var ierr *IntegrityError
	if errors.As(verr, &ierr) {
		require.Equal(t, "sess-1", ierr.SessionID)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.StartSession("sess-1")
	require.NoError(t, err)
	_, err = l.StartSession("sess-2")
	require.NoError(t, err)
	_, err = l.Append("sess-1", EventCallResult, map[string]interface{}{"model": "gpt-x"})
	require.NoError(t, err)
	_, err = l.Append("sess-2", EventCallResult, map[string]interface{}{"model": "gpt-y"})
	require.NoError(t, err)

	first, err := Replay(path, "sess-1")
	require.NoError(t, err)
	second, err := Replay(path, "sess-1")
	require.NoError(t, err)

	require.Len(t, first, 2)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("replay sequences differ (-first +second):\n%s", diff)
	}
	for _, e := range first {
		require.Equal(t, "sess-1", e.SessionID)
	}
}

func TestConcurrentAppendsNeverForkChain(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.StartSession("sess-1")
	require.NoError(t, err)

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append("sess-1", EventSandboxExec, map[string]interface{}{"writer": w, "i": i}); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, Verify(path))
	events, err := Replay(path, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter+1)
	for i, e := range events {
		require.Equal(t, int64(i), e.EventID)
	}
}

func TestExternalModificationFailsNextAppend(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.StartSession("sess-1")
	require.NoError(t, err)

	// Simulate an out-of-band writer appending to the live file.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":99}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Append("sess-1", EventStepComplete, nil)
	require.Error(t, err)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronolog.jsonl")
	signer, err := NewSigner()
	require.NoError(t, err)

	l, err := Open(Config{Path: path}, signer, nil)
	require.NoError(t, err)
	_, err = l.StartSession("sess-1")
	require.NoError(t, err)
	last, err := l.Append("sess-1", EventStepComplete, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(Config{Path: path}, signer, nil)
	require.NoError(t, err)
	defer l2.Close()
	next, err := l2.Append("sess-1", EventSessionEnd, nil)
	require.NoError(t, err)
	require.Equal(t, last.EventID+1, next.EventID)
	require.Equal(t, last.Hash, next.PrevHash)

	require.NoError(t, Verify(path))
}

func TestLoadSignerRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	s1, err := LoadSigner(path)
	require.NoError(t, err)
	s2, err := LoadSigner(path)
	require.NoError(t, err)
	require.Equal(t, s1.PublicKeyHex(), s2.PublicKeyHex())

	sig := s1.Sign("deadbeef")
	require.True(t, verifySignature(s2.PublicKeyHex(), "deadbeef", sig))
	require.False(t, verifySignature(s2.PublicKeyHex(), "deadbeee", sig))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.StartSession("sess-1")
	require.NoError(t, err)
	e, err := l.Append("sess-1", EventStepComplete, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Re-sign the last event with a different key; hash still matches, the
	// signature must not.
	other, err := NewSigner()
	require.NoError(t, err)
	events, err := readAll(path)
	require.NoError(t, err)
	events[len(events)-1].Signature = other.Sign(e.Hash)
	rewriteFile(t, path, events)

	require.Error(t, Verify(path))
}

func rewriteFile(t *testing.T, path string, events []Event) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, e := range events {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}
