package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/docmark/internal/common"
)

var (
	// ErrConverterFault means the external program rejected the input or crashed.
	ErrConverterFault = errors.New("converter fault")
	// ErrConverterTimeout means the program exceeded its wall-clock budget and was killed.
	ErrConverterTimeout = errors.New("converter timeout")
)

// waitDelay bounds how long Wait keeps reading pipes after the process group is killed.
const waitDelay = 500 * time.Millisecond

// Command is one external program invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration // zero means only ctx bounds the run
	// Bridge marks office-suite invocations, which share a small concurrency limit.
	Bridge bool
}

// Runner executes external converter programs. Each program runs in its own
// process group, which is killed as a whole when the budget runs out and
// again once the program has returned.
type Runner struct {
	log     *slog.Logger
	bridges chan struct{}
}

func NewRunner(log *slog.Logger, maxBridges int) *Runner {
	if maxBridges <= 0 {
		maxBridges = common.DefaultMaxBridges
	}
	return &Runner{log: log, bridges: make(chan struct{}, maxBridges)}
}

// Run starts the command and waits for it. A deadline from either the
// command timeout or ctx yields ErrConverterTimeout; a non-zero exit yields
// ErrConverterFault carrying the tail of stderr.
func (r *Runner) Run(ctx context.Context, c Command) error {
	if c.Bridge {
		select {
		case r.bridges <- struct{}{}:
			defer func() { <-r.bridges }()
		case <-ctx.Done():
			return r.ctxError(c, ctx.Err())
		}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...) // #nosec G204 - converter binaries come from configuration
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stderr := &tailBuffer{max: common.StderrTailBytes}
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	start := time.Now()
	r.log.Debug("running converter", "cmd", c.Name, "args", strings.Join(c.Args, " "))
	err := cmd.Run()
	// Helpers the program left running in the background die here, on every
	// exit path.
	if rerr := reapGroup(cmd); rerr != nil {
		r.log.Warn("kill converter process group", "cmd", c.Name, "err", rerr)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exit status was zero; only a leftover helper kept stderr open.
		err = nil
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		r.log.Warn("converter stopped", "cmd", c.Name, "after", time.Since(start), "reason", ctxErr)
		return r.ctxError(c, ctxErr)
	}
	if err != nil {
		msg := filterStderr(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s: %v: %s", ErrConverterFault, c.Name, err, msg)
		}
		return fmt.Errorf("%w: %s: %v", ErrConverterFault, c.Name, err)
	}
	if msg := filterStderr(stderr.String()); msg != "" {
		r.log.Debug("converter stderr", "cmd", c.Name, "stderr", msg)
	}
	return nil
}

func (r *Runner) ctxError(c Command, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded its time budget", ErrConverterTimeout, c.Name)
	}
	return fmt.Errorf("%s: %w", c.Name, err)
}

// Available reports which of the named programs can be found on PATH.
func Available(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		_, err := exec.LookPath(n)
		out[n] = err == nil
	}
	return out
}

// stderr lines that carry no information about a failure.
var stderrNoise = []string{
	"failed to launch javaldx",
	"UserWarning",
	"FutureWarning",
	"ebooklib/epub.py",
}

func filterStderr(s string) string {
	var keep []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		noisy := false
		for _, n := range stderrNoise {
			if strings.Contains(line, n) {
				noisy = true
				break
			}
		}
		if !noisy {
			keep = append(keep, line)
		}
	}
	return strings.Join(keep, "\n")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
