// Package scripthook runs the fixed-environment hook scripts a seat invokes
// around display and session lifecycle transitions (display-setup,
// greeter-setup, session-setup, session-cleanup — §4.4). Unlike a
// general-purpose script runner, a hook is always a single pre-provisioned
// executable on disk, run with a fixed environment and a bounded timeout.
package scripthook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/workerpool"
)

var log = logging.L("scripthook")

const (
	// DefaultTimeout bounds a hook that doesn't specify one.
	DefaultTimeout = 30 * time.Second

	// maxConcurrentHooks bounds how many hook subprocesses may run at once
	// across every seat, so a storm of simultaneous transitions (e.g. every
	// configured seat starting up together) can't fork-bomb the host.
	maxConcurrentHooks = 8
	hookQueueSize      = 64
)

// Context carries the per-invocation values the hook's fixed environment is
// built from. Fields left empty are simply omitted from the environment
// rather than exported empty.
type Context struct {
	Username   string
	Home       string
	Seat       string
	Display    string // X display name, e.g. ":0"; empty for non-X seats
	XAuthority string // path to the Xauthority file; empty if none
	RemoteHost string // set only for remote/xdmcp-style seats
	Timeout    time.Duration
}

// Result is what a hook invocation produced. stdout/stderr are inherited
// from the daemon (§6: "No stdin. stdout/stderr inherited."), not captured,
// so a hook's own diagnostics land wherever the daemon's are going rather
// than being swallowed here.
type Result struct {
	ExitCode int
	Error    string
	Duration time.Duration
}

// runningHook tracks an in-flight invocation so Cancel can reach it.
type runningHook struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Runner executes hook scripts one at a time is not required — a Runner may
// have several hooks in flight (e.g. one seat's session-setup while another
// seat's display-setup runs), tracked by path, bounded system-wide by an
// internal worker pool so a burst of simultaneous transitions can't spawn
// unbounded subprocesses.
type Runner struct {
	mu      sync.Mutex
	running map[string]*runningHook
	pool    *workerpool.Pool
}

// New returns a ready Runner.
func New() *Runner {
	return &Runner{
		running: make(map[string]*runningHook),
		pool:    workerpool.New(maxConcurrentHooks, hookQueueSize),
	}
}

// Run validates path and executes it synchronously, returning once the
// process exits, is killed on timeout, or the hook's ctx is cancelled.
// err is non-nil when the path fails validation, the hook queue is full,
// or ctx ends before the hook finishes; a script that fails to exec yields
// a Result with ExitCode -1 and Result.Error set. The actual execution
// runs on the Runner's bounded worker pool; Run blocks the caller until its
// turn comes up and the process finishes.
func (r *Runner) Run(ctx context.Context, path string, hctx Context) (*Result, error) {
	if err := ValidatePath(path); err != nil {
		return nil, fmt.Errorf("scripthook: %w", err)
	}

	type outcome struct {
		result *Result
		err    error
	}
	out := make(chan outcome, 1)

	submitted := r.pool.Submit(func() {
		result, err := r.run(ctx, path, hctx)
		out <- outcome{result, err}
	})
	if !submitted {
		return nil, fmt.Errorf("scripthook: hook queue full, rejecting %s", path)
	}

	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("scripthook: %w", ctx.Err())
	}
}

// run performs the actual subprocess execution, invoked on one of the
// Runner's worker-pool goroutines.
func (r *Runner) run(ctx context.Context, path string, hctx Context) (*Result, error) {
	timeout := hctx.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, path)
	cmd.Env = buildEnvironment(hctx)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	setProcessGroup(cmd)

	r.mu.Lock()
	r.running[path] = &runningHook{cmd: cmd, cancel: cancel}
	r.mu.Unlock()

	log.Info("hook started", "path", path, "username", hctx.Username, "seat", hctx.Seat)
	runErr := cmd.Run()

	r.mu.Lock()
	delete(r.running, path)
	r.mu.Unlock()

	result := &Result{
		Duration: time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		_ = killProcessGroup(cmd)
		result.ExitCode = -1
		result.Error = fmt.Sprintf("hook timed out after %s", timeout)
		log.Warn("hook timed out", "path", path, "timeout", timeout)
	case runErr == nil:
		result.ExitCode = 0
		log.Info("hook completed", "path", path, "duration", result.Duration)
	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			log.Warn("hook exited non-zero", "path", path, "exitCode", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Error = runErr.Error()
			log.Error("hook failed to run", "path", path, "error", runErr)
		}
	}

	return result, nil
}

// Cancel kills a hook in flight at path, if any.
func (r *Runner) Cancel(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.running[path]
	if !ok {
		return fmt.Errorf("scripthook: no hook running at %s", path)
	}
	h.cancel()
	return killProcessGroup(h.cmd)
}

// buildEnvironment constructs the fixed environment every hook script runs
// under (§4.4 and §6): a minimal PATH and shell, the target user's identity,
// and — only when the seat has them — the X display and remote-host
// context. Hooks never inherit the daemon's own environment.
func buildEnvironment(hctx Context) []string {
	env := []string{
		"SHELL=/bin/sh",
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}

	home := hctx.Home
	if home == "" {
		home = "/"
	}
	env = append(env, "HOME="+home)
	if hctx.Username != "" {
		env = append(env,
			"USER="+hctx.Username,
			"USERNAME="+hctx.Username,
			"LOGNAME="+hctx.Username,
		)
	}
	if hctx.Display != "" {
		env = append(env, "DISPLAY="+hctx.Display)
	}
	if hctx.XAuthority != "" {
		env = append(env, "XAUTHORITY="+hctx.XAuthority)
	}
	if hctx.RemoteHost != "" {
		env = append(env, "REMOTE_HOST="+hctx.RemoteHost)
	}

	return env
}

// ValidatePath enforces the static shape a hook script path must have:
// absolute, existing, a regular file, with some executable bit set. Config
// validation (§3) performs the same check at parse time when the file
// already exists; this re-check runs immediately before exec since the
// file on disk may have changed since startup.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty hook script path")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("hook script path %q must be absolute", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("hook script %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("hook script %q is not a regular file", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("hook script %q is not executable", path)
	}
	return nil
}
