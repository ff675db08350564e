package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testExecutor() *Executor {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	return New(cfg, nil)
}

func TestRunReturnsValue(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
func Run(input map[string]interface{}) (interface{}, error) {
	values := input["values"].([]interface{})
	sum := 0
	for _, v := range values {
		sum += v.(int)
	}
	return sum, nil
}
`,
		Bindings: map[string]interface{}{
			"values": []interface{}{1, 2, 3},
		},
	})
	require.True(t, res.Success, "run failed: %s", res.ErrMessage)
	require.Equal(t, 6, res.ReturnValue)
	require.Equal(t, ErrKindNone, res.ErrKind)
	require.Greater(t, res.WallTime, time.Duration(0))
}

func TestRunCapturesStdout(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import "fmt"

func Run(input map[string]interface{}) (interface{}, error) {
	fmt.Println("progress: step 1")
	fmt.Println("progress: step 2")
	return "done", nil
}
`,
	})
	require.True(t, res.Success, "run failed: %s", res.ErrMessage)
	require.Contains(t, res.Stdout, "progress: step 1")
	require.Contains(t, res.Stdout, "progress: step 2")
}

func TestRunTimesOut(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import "time"

func Run(input map[string]interface{}) (interface{}, error) {
	time.Sleep(10 * time.Second)
	return nil, nil
}
`,
		Timeout: 100 * time.Millisecond,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindTimeout, res.ErrKind)
	require.Less(t, res.WallTime, 2*time.Second)
}

func TestRunRejectsForbiddenImports(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import (
	"fmt"
	"os/exec"
)

func Run(input map[string]interface{}) (interface{}, error) {
	out, _ := exec.Command("ls").Output()
	fmt.Println(string(out))
	return nil, nil
}
`,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindSecurityViolation, res.ErrKind)
	require.Contains(t, res.ErrMessage, "os/exec")

	// The executor stays usable after a rejected fragment.
	next := e.Run(context.Background(), Job{
		Code: `
func Run(input map[string]interface{}) (interface{}, error) {
	return "ok", nil
}
`,
	})
	require.True(t, next.Success, "run failed: %s", next.ErrMessage)
	require.Equal(t, "ok", next.ReturnValue)
}

func TestRunRejectsSemicolonJoinedImports(t *testing.T) {
	e := testExecutor()
	escape := filepath.Join(t.TempDir(), "escape")
	res := e.Run(context.Background(), Job{
		Code: `
import "fmt"; import "os"

func Run(input map[string]interface{}) (interface{}, error) {
	err := os.WriteFile(input["target"].(string), []byte("escaped"), 0o644)
	fmt.Println("wrote")
	return nil, err
}
`,
		Bindings: map[string]interface{}{"target": escape},
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindSecurityViolation, res.ErrKind)
	require.Contains(t, res.ErrMessage, "os")
	_, err := os.Stat(escape)
	require.True(t, os.IsNotExist(err), "fragment ran and wrote outside the sandbox")
}

func TestRunRejectsOneLineImportBlock(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import ("os")

func Run(input map[string]interface{}) (interface{}, error) {
	return os.Getpid(), nil
}
`,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindSecurityViolation, res.ErrKind)
	require.Contains(t, res.ErrMessage, "forbidden imports: os")
}

func TestRunRejectsNetworkImports(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import "net/http"

func Run(input map[string]interface{}) (interface{}, error) {
	resp, err := http.Get("http://169.254.169.254/latest/meta-data/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
`,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindSecurityViolation, res.ErrKind)
	require.Contains(t, res.ErrMessage, "net/http")
}

func TestRunTimeoutRemovesScratchDir(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import (
	"fmt"
	"time"
)

func Run(input map[string]interface{}) (interface{}, error) {
	fmt.Println(input["scratch_dir"].(string))
	time.Sleep(30 * time.Second)
	return nil, nil
}
`,
		Timeout: time.Second,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindTimeout, res.ErrKind)

	scratch := strings.TrimSpace(res.Stdout)
	require.NotEmpty(t, scratch, "fragment never reported its scratch dir")
	_, err := os.Stat(scratch)
	require.True(t, os.IsNotExist(err), "scratch dir survived the timeout: %s", scratch)
}

func TestRunSerializesJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.MemoryLimitMB = 32
	e := New(cfg, nil)

	// One allocation-heavy job under its own generous limit, plus quiet
	// jobs that outlive several watchdog ticks under the tight default.
	// If jobs overlapped, the hungry job's heap growth would be charged
	// to the quiet ones.
	hungry := `
import "time"

func Run(input map[string]interface{}) (interface{}, error) {
	buf := make([]byte, 64<<20)
	buf[0] = 1
	time.Sleep(300 * time.Millisecond)
	return len(buf), nil
}
`
	quiet := `
import "time"

func Run(input map[string]interface{}) (interface{}, error) {
	time.Sleep(300 * time.Millisecond)
	return "ok", nil
}
`

	jobs := []Job{
		{Code: hungry, MemoryLimitMB: 256},
		{Code: quiet},
		{Code: quiet},
	}
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			results[i] = e.Run(context.Background(), job)
		}(i, job)
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.Success, "job %d failed: %s %s", i, res.ErrKind, res.ErrMessage)
	}
}

func TestRunReportsFragmentError(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
import "errors"

func Run(input map[string]interface{}) (interface{}, error) {
	return nil, errors.New("division by zero in dataset")
}
`,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindRuntimeError, res.ErrKind)
	require.Contains(t, res.ErrMessage, "division by zero in dataset")
}

func TestRunMissingEntrypoint(t *testing.T) {
	e := testExecutor()
	res := e.Run(context.Background(), Job{
		Code: `
func Other() int { return 1 }
`,
	})
	require.False(t, res.Success)
	require.Equal(t, ErrKindRuntimeError, res.ErrKind)
	require.Contains(t, res.ErrMessage, "entrypoint")
}

func TestValidateImportsAliases(t *testing.T) {
	e := testExecutor()
	err := e.validateImports(`
import (
	j "encoding/json"
	sneaky "os"
)
`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "os")
	require.False(t, strings.Contains(err.Error(), "encoding/json"))
}

func TestCappedBufferDropsOverflow(t *testing.T) {
	b := &cappedBuffer{max: 8}
	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "01234567", b.String())
}
