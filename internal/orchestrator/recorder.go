package orchestrator

import (
	"chronolab/internal/chronolog"
	"chronolab/internal/gateway"
)

// AttemptRecorder adapts the chronolog to the gateway's per-attempt hook,
// so every provider attempt lands in the chain before its outcome is
// surfaced. An append failure propagates back through the gateway and
// aborts the session.
type AttemptRecorder struct {
	Log EventLog
}

func (r AttemptRecorder) RecordAttempt(sessionID string, rec gateway.AttemptRecord) error {
	_, err := r.Log.Append(sessionID, chronolog.EventCallAttempt, rec)
	return err
}

var _ gateway.Recorder = AttemptRecorder{}
