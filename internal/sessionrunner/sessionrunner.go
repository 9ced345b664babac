// Package sessionrunner is the concrete display.Runner: it spawns the
// greeter subprocess and the user-session process a Display orchestrates
// but does not itself own. Process spawning, identity switching via sudo,
// and process-group teardown follow the same shape as the script-executor
// pattern used elsewhere in this codebase's ancestry, narrowed from "run
// an arbitrary script" to "run one fixed greeter or session command".
package sessionrunner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/lightseat/logind-core/internal/display"
	"github.com/lightseat/logind-core/internal/logging"
)

var log = logging.L("sessionrunner")

const maxOutputSize = 256 * 1024

// Config bundles the fixed commands Runner invokes.
type Config struct {
	// GreeterCommand is the greeter binary's argv, e.g.
	// {"/usr/sbin/logind-greeter-gtk"}. Run as GreeterUser, through sudo
	// when that differs from the daemon's own user.
	GreeterCommand []string
	// GreeterUser is the unprivileged account the greeter subprocess runs
	// as; empty means run as the daemon's own user (test/dev only).
	GreeterUser string
	// SessionWrapper is the command that turns a session name into a
	// running desktop session, e.g. {"/etc/X11/Xsession"}. The session
	// name is appended as its final argument.
	SessionWrapper []string
}

// Runner implements display.Runner by spawning real subprocesses.
type Runner struct {
	cfg Config
}

// New returns a Runner that spawns processes per cfg.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

var _ display.Runner = (*Runner)(nil)

// pipePair is the daemon's side of the greeter wire, an
// io.ReadWriteCloser for Display's greeterwire.Conn backed by two
// unidirectional os.Pipe()s passed to the child as inherited descriptors.
type pipePair struct {
	r *os.File
	w *os.File
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePair) Close() error {
	err1 := p.r.Close()
	err2 := p.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// StartGreeterProcess spawns the greeter binary with a pipe pair passed
// via inherited file descriptors, advertised to the child through
// LIGHTDM_TO_SERVER_FD / LIGHTDM_FROM_SERVER_FD (§6's wire transport).
func (r *Runner) StartGreeterProcess(d *display.Display) (io.ReadWriteCloser, error) {
	if len(r.cfg.GreeterCommand) == 0 {
		return nil, fmt.Errorf("sessionrunner: no greeter command configured")
	}

	// toChild: parent writes, child reads. fromChild: child writes, parent reads.
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sessionrunner: pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("sessionrunner: pipe: %w", err)
	}

	cmd := exec.Command(r.cfg.GreeterCommand[0], r.cfg.GreeterCommand[1:]...)
	// fd 3 = toChildR, fd 4 = fromChildW, once appended to ExtraFiles.
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Env = append(os.Environ(),
		"LIGHTDM_TO_SERVER_FD=4",
		"LIGHTDM_FROM_SERVER_FD=3",
	)
	setProcessGroup(cmd)

	if address, xauthority, ok := d.BackendAddress(); ok {
		cmd.Env = append(cmd.Env, "DISPLAY="+address)
		if xauthority != "" {
			cmd.Env = append(cmd.Env, "XAUTHORITY="+xauthority)
		}
	}

	if err := configureRunAs(cmd, r.cfg.GreeterUser); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		return nil, fmt.Errorf("sessionrunner: configure greeter identity: %w", err)
	}

	if err := cmd.Start(); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		return nil, fmt.Errorf("sessionrunner: start greeter: %w", err)
	}

	// The parent's own copies of the child's ends are no longer needed
	// once the fork has happened.
	toChildR.Close()
	fromChildW.Close()

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("greeter process exited", "error", err)
		}
	}()

	return &pipePair{r: fromChildR, w: toChildW}, nil
}

// session wraps a spawned user-session exec.Cmd as a display.Session.
type session struct {
	cmd  *exec.Cmd
	done chan error
	once sync.Once
}

func (s *session) Stop() error {
	if s.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(s.cmd)
}

func (s *session) Done() <-chan error { return s.done }

func (s *session) wait() {
	err := s.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 0 {
		err = nil
	}
	s.once.Do(func() { s.done <- err })
}

// StartUserSession spawns sessionName via the configured session wrapper,
// running as username (§4.4's "user session process ... spawned as the
// target user"), with env exported into its environment on top of a
// minimal base (§6).
func (r *Runner) StartUserSession(d *display.Display, username string, isGuest bool, sessionName string, env map[string]string) (display.Session, error) {
	if len(r.cfg.SessionWrapper) == 0 {
		return nil, fmt.Errorf("sessionrunner: no session wrapper configured")
	}

	args := append(append([]string{}, r.cfg.SessionWrapper[1:]...), sessionName)
	cmd := exec.Command(r.cfg.SessionWrapper[0], args...)

	cmd.Env = []string{
		"SHELL=/bin/sh",
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/home/" + username,
		"USER=" + username,
		"LOGNAME=" + username,
	}
	if address, xauthority, ok := d.BackendAddress(); ok {
		cmd.Env = append(cmd.Env, "DISPLAY="+address)
		if xauthority != "" {
			cmd.Env = append(cmd.Env, "XAUTHORITY="+xauthority)
		}
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxOutputSize}

	setProcessGroup(cmd)
	if err := configureRunAs(cmd, username); err != nil {
		return nil, fmt.Errorf("sessionrunner: configure session identity: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sessionrunner: start session: %w", err)
	}

	log.Info("user session started", "username", username, "session", sessionName, "guest", isGuest)
	s := &session{cmd: cmd, done: make(chan error, 1)}
	go s.wait()
	return s, nil
}

// configureRunAs switches a command's identity to username via a
// non-interactive sudo invocation.
func configureRunAs(cmd *exec.Cmd, username string) error {
	if username == "" || username == currentUser() {
		return nil
	}
	originalPath := cmd.Path
	originalArgs := cmd.Args
	cmd.Path = "/usr/bin/sudo"
	cmd.Args = append([]string{"sudo", "-n", "-u", username, originalPath}, originalArgs[1:]...)
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return ""
}

// setProcessGroup runs cmd in its own process group, killed alongside the
// daemon if the daemon dies.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// killProcessGroup sends SIGTERM to the whole process group. Escalating to
// SIGKILL after a grace period belongs in Display/Seat's stop() timeout
// policy rather than here.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// limitedWriter wraps a buffer with a size limit so a runaway session
// process can't exhaust daemon memory.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.written >= w.limit {
		return len(p), nil
	}
	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}
	n, err := w.buf.Write(p)
	w.written += n
	return len(p), err
}
