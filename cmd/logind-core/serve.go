package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lightseat/logind-core/internal/audit"
	"github.com/lightseat/logind-core/internal/authsession"
	"github.com/lightseat/logind-core/internal/config"
	"github.com/lightseat/logind-core/internal/display"
	"github.com/lightseat/logind-core/internal/displaymanager"
	"github.com/lightseat/logind-core/internal/dsbackend"
	"github.com/lightseat/logind-core/internal/external"
	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/pamauth"
	"github.com/lightseat/logind-core/internal/privilege"
	"github.com/lightseat/logind-core/internal/scripthook"
	"github.com/lightseat/logind-core/internal/seat"
	"github.com/lightseat/logind-core/internal/sessionrunner"
)

// initLogging sets up structured logging from config, following teacher's
// stdout+rotating-file tee pattern. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		output = logging.TeeWriter(os.Stdout, rw)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// writePIDFile records the daemon's PID, best-effort — its absence never
// blocks startup (§1 lists PID-file writing as an out-of-scope external
// collaborator; the daemon still needs to write one to be service-managed).
func writePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		log.Warn("failed to write pid file", "path", path, "error", err)
	}
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// runServe loads configuration, brings up every configured seat, and blocks
// until a termination signal arrives or an exit-on-failure seat stops
// (§4.5). Returns the process exit code.
func runServe() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	initLogging(cfg)
	log.Info("starting logind-core", "version", version, "pid", os.Getpid())

	if !cfg.TestMode && !privilege.IsRunningAsRoot() {
		log.Warn("not running as root; forcing test mode", "reason", privilege.RequireRootReason)
		cfg.TestMode = true
	}

	if err := cfg.EnsureRunDir(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create run dir: %v\n", err)
		return 1
	}
	writePIDFile(cfg.PIDFile)
	defer removePIDFile(cfg.PIDFile)

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			log.Error("failed to start audit logger, continuing without one", "error", err)
		}
	}
	defer auditLog.Close()
	auditLog.Log(audit.EventDaemonStart, "", map[string]any{"version": version, "testMode": cfg.TestMode})

	hostAuth := buildHostAuth(cfg)
	hooks := scripthook.New()
	guest := external.NewNoopProvisioner()

	var notifier seat.Notifier
	if cfg.TestMode {
		notifier = seat.NoopNotifier{}
	} else {
		notifier = seat.NewSystemdNotifier()
	}

	dm := displaymanager.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, sc := range cfg.Seats {
		sc := sc
		displayNum := i
		runner := sessionrunner.New(sessionrunner.Config{
			GreeterCommand: cfg.GreeterCommand,
			GreeterUser:    cfg.GreeterUser,
			SessionWrapper: []string{sc.SessionWrapper},
		})
		s := seat.New(seat.Config{
			Name:       sc.Name,
			SeatConfig: &sc,
			BackendFactory: func() (dsbackend.Backend, error) {
				return dsbackend.NewXLocal(dsbackend.XLocalConfig{}, displayNum), nil
			},
			Runner:      runner,
			AuthFactory: authFactoryFor(hostAuth, cfg),
			Service:     cfg.PAMService,
			HookRunner:  hooks,
			Guest:       guest,
			Notifier:    notifier,
			Audit:       auditLog,
			TestMode:    cfg.TestMode,
		})

		added, err := dm.AddSeat(ctx, s, sc.ExitOnFailure)
		if err != nil {
			log.Error("failed to start seat", "seat", sc.Name, "error", err)
			return 1
		}
		if !added {
			log.Error("duplicate seat name, skipping", "seat", sc.Name)
			continue
		}
		auditLog.Log(audit.EventSeatAdded, sc.Name, nil)
		log.Info("seat started", "seat", sc.Name, "type", sc.Type)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	case <-dm.Done():
		log.Warn("all seats stopped unexpectedly")
		if failed, code := dm.Failed(); failed {
			exitCode = code
		}
	}

	dm.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	select {
	case <-dm.Done():
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out, exiting anyway")
	}

	auditLog.Log(audit.EventDaemonStop, "", map[string]any{"exitCode": exitCode})
	log.Info("logind-core stopped")
	return exitCode
}

// runValidateConfig loads and validates cfgFile (or the default search
// path) without starting anything, for `validate-config`.
func runValidateConfig() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("config OK: %d seat(s) configured\n", len(cfg.Seats))
	return 0
}

// buildHostAuth selects the real PAM adapter when the daemon is privileged
// and not in test mode, else the deterministic fake (§4.1's "no-op when
// the process is unprivileged").
func buildHostAuth(cfg *config.Config) pamauth.HostAuth {
	if cfg.TestMode {
		return pamauth.NewFake()
	}
	return pamauth.NewPAM()
}

// authFactoryFor adapts hostAuth into the display.AuthFactory Display needs
// to build a fresh AuthSession per conversation.
func authFactoryFor(hostAuth pamauth.HostAuth, cfg *config.Config) display.AuthFactory {
	return func(username string, interactive bool, sink authsession.Sink) *authsession.AuthSession {
		return authsession.New(hostAuth, cfg.PAMService, username, interactive, cfg.TestMode, sink)
	}
}
