package chronolog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Event types recorded over a session's lifetime.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventStepStart    = "step_start"
	EventStepComplete = "step_complete"
	EventStepFailed   = "step_failed"
	EventCallAttempt  = "call_attempt"
	EventCallResult   = "call_result"
	EventSandboxExec  = "sandbox_exec"
	EventError        = "error"
)

// Event is one hash-chained, signed entry. Once appended it is never mutated;
// PrevHash links it to its predecessor in the same session and Signature
// covers Hash. Timestamps are stored as RFC3339Nano strings so the chain
// hash survives marshal round trips byte for byte.
type Event struct {
	EventID   int64           `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature"`
}

// sessionSeed derives the chain anchor for a session's first event.
func sessionSeed(sessionID string) string {
	sum := sha256.Sum256([]byte("chronolab-session:" + sessionID))
	return hex.EncodeToString(sum[:])
}

// contentHash computes the chain hash over every field that identifies the
// event, including its link to the predecessor.
func contentHash(e Event) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(e.EventID, 10)))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.Timestamp))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.SessionID))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.EventType))
	h.Write([]byte{'\n'})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// IntegrityError reports a broken link, bad signature, or tampered storage.
// It invalidates the named event and everything after it in the session.
type IntegrityError struct {
	SessionID string
	EventID   int64
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chronolog integrity violation: session %s event %d: %s", e.SessionID, e.EventID, e.Reason)
}
