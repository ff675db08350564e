// Package chronolog is the append-only provenance log. Every event is
// hash-chained to its predecessor within a session, signed with the process
// key, and fsynced to a JSON-lines file before Append returns, so no result
// built on an event can outlive the event itself.
package chronolog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds chronolog tunables.
type Config struct {
	Path      string // JSON-lines log file, created if absent
	GitMirror bool   // commit the log after each append for external tamper evidence
}

type sessionChain struct {
	nextID   int64
	prevHash string
}

// Log is a single-writer chronolog over one file. Appends for all sessions
// serialize through one mutex; the chain for a session is therefore never
// forked, and append order is first-committed-wins.
type Log struct {
	cfg    Config
	signer *Signer
	logger *zap.Logger

	mu           sync.Mutex // held during append, also taken by the tamper watcher
	file         *os.File
	sessions     map[string]*sessionChain
	expectedSize int64
	tampered     bool
	watcher      *tamperWatcher
}

// Open opens or creates the log file and prepares it for appends. An
// existing file is scanned so sessions can continue their chains.
func Open(cfg Config, signer *Signer, logger *zap.Logger) (*Log, error) {
	if signer == nil {
		return nil, fmt.Errorf("chronolog requires a signer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open chronolog: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat chronolog: %w", err)
	}

	l := &Log{
		cfg:          cfg,
		signer:       signer,
		logger:       logger.Named("chronolog"),
		file:         f,
		sessions:     make(map[string]*sessionChain),
		expectedSize: info.Size(),
	}

	if info.Size() > 0 {
		if err := l.recoverChains(); err != nil {
			f.Close()
			return nil, err
		}
	}

	w, err := newTamperWatcher(l)
	if err != nil {
		l.logger.Warn("tamper watcher unavailable", zap.Error(err))
	} else {
		l.watcher = w
	}
	return l, nil
}

// recoverChains replays an existing file so continued sessions chain onto
// their last committed event.
func (l *Log) recoverChains() error {
	events, err := readAll(l.cfg.Path)
	if err != nil {
		return err
	}
	for _, e := range events {
		l.sessions[e.SessionID] = &sessionChain{nextID: e.EventID + 1, prevHash: e.Hash}
	}
	return nil
}

// StartSession anchors a new chain and appends its session_start event,
// carrying the verifying public key in the payload.
func (l *Log) StartSession(sessionID string) (Event, error) {
	return l.Append(sessionID, EventSessionStart, map[string]interface{}{
		"public_key": l.signer.PublicKeyHex(),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Append serializes, chains, signs, writes, and fsyncs one event. The event
// is durable when Append returns; callers must not surface any result built
// on it beforehand.
func (l *Log) Append(sessionID, eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkTamper(); err != nil {
		return Event{}, err
	}

	chain, ok := l.sessions[sessionID]
	if !ok {
		chain = &sessionChain{nextID: 0, prevHash: sessionSeed(sessionID)}
		l.sessions[sessionID] = chain
	}

	e := Event{
		EventID:   chain.nextID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   raw,
		PrevHash:  chain.prevHash,
	}
	e.Hash = contentHash(e)
	e.Signature = l.signer.Sign(e.Hash)

	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		return Event{}, &IntegrityError{SessionID: sessionID, EventID: e.EventID, Reason: fmt.Sprintf("write failed: %v", err)}
	}
	if err := l.file.Sync(); err != nil {
		return Event{}, &IntegrityError{SessionID: sessionID, EventID: e.EventID, Reason: fmt.Sprintf("fsync failed: %v", err)}
	}

	l.expectedSize += int64(n)
	chain.nextID++
	chain.prevHash = e.Hash

	if l.cfg.GitMirror {
		l.gitCommit(e)
	}
	return e, nil
}

// checkTamper compares the file on disk against what this writer appended.
// Caller holds the lock.
func (l *Log) checkTamper() error {
	if l.tampered {
		return &IntegrityError{Reason: "chronolog file was modified outside this writer"}
	}
	info, err := os.Stat(l.cfg.Path)
	if err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("chronolog file inaccessible: %v", err)}
	}
	if info.Size() != l.expectedSize {
		l.tampered = true
		return &IntegrityError{Reason: fmt.Sprintf("chronolog file size %d differs from expected %d", info.Size(), l.expectedSize)}
	}
	return nil
}

// gitCommit mirrors the append into version control. Best effort: a missing
// or broken repository degrades tamper evidence but never blocks the
// session, the fsynced file remains the source of truth.
func (l *Log) gitCommit(e Event) {
	dir := filepath.Dir(l.cfg.Path)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return
	}
	add := exec.Command("git", "-C", dir, "add", filepath.Base(l.cfg.Path))
	if err := add.Run(); err != nil {
		l.logger.Debug("git add failed", zap.Error(err))
		return
	}
	msg := fmt.Sprintf("chronolog: %s event %d (%s)", e.SessionID, e.EventID, e.EventType)
	commit := exec.Command("git", "-C", dir, "commit", "--quiet", "-m", msg)
	if err := commit.Run(); err != nil {
		l.logger.Debug("git commit failed", zap.Error(err))
	}
}

// Verify recomputes one session's chain in this log's file.
func (l *Log) Verify(sessionID string) error {
	return VerifySession(l.cfg.Path, sessionID)
}

// Replay returns one session's events from this log's file in append order.
func (l *Log) Replay(sessionID string) ([]Event, error) {
	return Replay(l.cfg.Path, sessionID)
}

// Close stops the tamper watcher and closes the file.
func (l *Log) Close() error {
	if l.watcher != nil {
		l.watcher.stop()
	}
	return l.file.Close()
}

// readAll parses every event in a chronolog file, in file order.
func readAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chronolog: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, &IntegrityError{Reason: fmt.Sprintf("line %d is not a valid event: %v", line, err)}
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chronolog: %w", err)
	}
	return events, nil
}

// Verify checks every session chain in a chronolog file: sequential event
// ids, unbroken hash linkage from each session seed, and a valid signature
// on every event under the key announced in that session's first event.
func Verify(path string) error {
	events, err := readAll(path)
	if err != nil {
		return err
	}

	bySession := make(map[string][]Event)
	var order []string
	for _, e := range events {
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}
	for _, id := range order {
		if err := verifyEvents(bySession[id]); err != nil {
			return err
		}
	}
	return nil
}

// VerifySession verifies a single session's chain within a file.
func VerifySession(path, sessionID string) error {
	events, err := readAll(path)
	if err != nil {
		return err
	}
	kept := events[:0]
	for _, e := range events {
		if e.SessionID == sessionID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return fmt.Errorf("no events for session %s", sessionID)
	}
	return verifyEvents(kept)
}

func verifyEvents(events []Event) error {
	sessionID := events[0].SessionID
	prevHash := sessionSeed(sessionID)
	pubKey := ""
	var nextID int64

	for _, e := range events {
		if e.EventID != nextID {
			return &IntegrityError{SessionID: sessionID, EventID: e.EventID,
				Reason: fmt.Sprintf("event id %d out of sequence, want %d", e.EventID, nextID)}
		}
		if e.PrevHash != prevHash {
			return &IntegrityError{SessionID: sessionID, EventID: e.EventID, Reason: "hash chain broken"}
		}
		if got := contentHash(e); got != e.Hash {
			return &IntegrityError{SessionID: sessionID, EventID: e.EventID, Reason: "content hash mismatch"}
		}
		if pubKey == "" {
			if e.EventType != EventSessionStart {
				return &IntegrityError{SessionID: sessionID, EventID: e.EventID,
					Reason: "session does not begin with session_start"}
			}
			var p struct {
				PublicKey string `json:"public_key"`
			}
			if err := json.Unmarshal(e.Payload, &p); err != nil || p.PublicKey == "" {
				return &IntegrityError{SessionID: sessionID, EventID: e.EventID,
					Reason: "session_start carries no public key"}
			}
			pubKey = p.PublicKey
		}
		if !verifySignature(pubKey, e.Hash, e.Signature) {
			return &IntegrityError{SessionID: sessionID, EventID: e.EventID, Reason: "invalid signature"}
		}
		nextID = e.EventID + 1
		prevHash = e.Hash
	}
	return nil
}

// Replay returns a session's events in append order. Replay is read-only
// and idempotent; calling it twice yields identical sequences.
func Replay(path, sessionID string) ([]Event, error) {
	events, err := readAll(path)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sessions lists the distinct session ids in a file, in first-seen order.
func Sessions(path string) ([]string, error) {
	events, err := readAll(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if !seen[e.SessionID] {
			seen[e.SessionID] = true
			out = append(out, e.SessionID)
		}
	}
	return out, nil
}
