// Package sandbox runs untrusted Go fragments inside a Yaegi interpreter.
//
// Fragments are interpreted, never compiled, so a malformed fragment cannot
// hang the build toolchain or link against arbitrary dependencies. Imports
// are validated against a stdlib whitelist before evaluation; filesystem,
// network, exec, and unsafe access are rejected up front.
package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// entrypoint is the contract every fragment must satisfy.
const entrypoint = "func Run(input map[string]interface{}) (interface{}, error)"

// Config holds sandbox tunables.
type Config struct {
	Timeout        time.Duration // default wall-clock limit per job
	MemoryLimitMB  int           // default heap growth limit per job, 0 = unlimited
	MaxStdoutBytes int           // stdout capture ceiling, excess is dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MemoryLimitMB:  256,
		MaxStdoutBytes: 1 << 20,
	}
}

// Executor runs jobs one at a time against fresh interpreter instances.
// A fresh interpreter per job means no state leaks between fragments, and
// serializing jobs lets the heap watermark watchdog attribute growth to
// the fragment that is actually running.
type Executor struct {
	cfg     Config
	logger  *zap.Logger
	allowed map[string]bool

	// Serializes Run. Concurrent callers queue here.
	mu sync.Mutex
}

// New creates an executor.
func New(cfg Config, logger *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = DefaultConfig().MaxStdoutBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.Named("sandbox"),
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"encoding/csv":    true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,
			"unicode":         true,
			"unicode/utf8":    true,

			// Explicitly absent and rejected with a security_violation:
			// os, os/exec, io/ioutil, net, net/http, syscall, unsafe,
			// plugin, reflect, runtime.
		},
	}
}

// Run executes one job and always returns a Result; failures are reported
// as values, never as panics. The scratch directory is created before the
// fragment runs and removed on every exit path.
func (e *Executor) Run(ctx context.Context, job Job) Result {
	start := time.Now()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	memLimit := job.MemoryLimitMB
	if memLimit <= 0 {
		memLimit = e.cfg.MemoryLimitMB
	}

	if err := e.validateImports(job.Code); err != nil {
		e.logger.Warn("rejected fragment", zap.Error(err))
		return failure(ErrKindSecurityViolation, err.Error(), "", time.Since(start))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scratch, err := os.MkdirTemp("", "chronolab-sandbox-*")
	if err != nil {
		return failure(ErrKindRuntimeError, fmt.Sprintf("failed to create scratch dir: %v", err), "", time.Since(start))
	}
	defer os.RemoveAll(scratch)

	stdout := &cappedBuffer{max: e.cfg.MaxStdoutBytes}

	input := make(map[string]interface{}, len(job.Bindings)+1)
	for k, v := range job.Bindings {
		input[k] = v
	}
	input["scratch_dir"] = scratch

	type outcome struct {
		value interface{}
		err   error
		kind  ErrorKind
	}
	done := make(chan outcome, 1)

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("fragment panicked: %v", r), kind: ErrKindRuntimeError}
			}
		}()

		i := interp.New(interp.Options{Stdout: stdout, Stderr: stdout})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- outcome{err: fmt.Errorf("failed to load stdlib: %w", err), kind: ErrKindRuntimeError}
			return
		}

		if _, err := i.Eval(wrapCode(job.Code)); err != nil {
			done <- outcome{err: fmt.Errorf("evaluation failed: %w", err), kind: ErrKindRuntimeError}
			return
		}

		v, err := i.Eval("main.Run")
		if err != nil {
			done <- outcome{err: fmt.Errorf("entrypoint not found, fragment must define %s: %w", entrypoint, err), kind: ErrKindRuntimeError}
			return
		}
		run, ok := v.Interface().(func(map[string]interface{}) (interface{}, error))
		if !ok {
			done <- outcome{err: fmt.Errorf("entrypoint has wrong signature, want %s", entrypoint), kind: ErrKindRuntimeError}
			return
		}

		value, err := run(input)
		if err != nil {
			done <- outcome{err: err, kind: ErrKindRuntimeError}
			return
		}
		done <- outcome{value: value}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	memTicker := time.NewTicker(100 * time.Millisecond)
	defer memTicker.Stop()

	for {
		select {
		case o := <-done:
			wall := time.Since(start)
			if o.err != nil {
				return failure(o.kind, o.err.Error(), stdout.String(), wall)
			}
			return Result{
				Stdout:      stdout.String(),
				ReturnValue: o.value,
				Success:     true,
				WallTime:    wall,
			}
		case <-timer.C:
			// The interpreter goroutine cannot be killed; it is abandoned
			// and its scratch dir removed when this function returns.
			e.logger.Warn("fragment timed out", zap.Duration("timeout", timeout))
			return failure(ErrKindTimeout, fmt.Sprintf("execution exceeded %s", timeout), stdout.String(), time.Since(start))
		case <-ctx.Done():
			return failure(ErrKindTimeout, ctx.Err().Error(), stdout.String(), time.Since(start))
		case <-memTicker.C:
			if memLimit <= 0 {
				continue
			}
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > baseline.HeapAlloc && now.HeapAlloc-baseline.HeapAlloc > uint64(memLimit)<<20 {
				e.logger.Warn("fragment exceeded memory limit", zap.Int("limit_mb", memLimit))
				return failure(ErrKindMemoryExceeded, fmt.Sprintf("heap growth exceeded %d MB", memLimit), stdout.String(), time.Since(start))
			}
		}
	}
}

// validateImports parses the fragment's import declarations and rejects
// any package outside the whitelist. Parsing is structural, so every
// legal import form (aliased, grouped, semicolon-joined, single-line
// blocks) is seen; a fragment whose import section does not parse is
// rejected outright because its imports cannot be verified.
func (e *Executor) validateImports(code string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "fragment.go", wrapCode(code), parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("fragment imports cannot be verified: %v", err)
	}

	var forbidden []string
	for _, imp := range f.Imports {
		pkg, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			forbidden = append(forbidden, imp.Path.Value)
			continue
		}
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// wrapCode prepends a package clause when the fragment omits one.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// cappedBuffer captures output up to max bytes and silently drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
