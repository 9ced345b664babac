package scripthook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	path := writeScript(t, "[ \"$USER\" = alice ] && [ \"$DISPLAY\" = :0 ]; exit $?\n")
	r := New()

	result, err := r.Run(context.Background(), path, Context{
		Username: "alice",
		Display:  ":0",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	path := writeScript(t, "exit 7\n")
	r := New()

	result, err := r.Run(context.Background(), path, Context{Username: "alice"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	path := writeScript(t, "sleep 5\n")
	r := New()

	result, err := r.Run(context.Background(), path, Context{
		Username: "alice",
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != -1 {
		t.Fatalf("ExitCode = %d, want -1 (timeout)", result.ExitCode)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Fatalf("Error = %q, want a timeout message", result.Error)
	}
}

func TestRunRejectsRelativePath(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), "relative.sh", Context{})
	if err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestRunRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	r := New()
	_, err := r.Run(context.Background(), path, Context{})
	if err == nil {
		t.Fatal("expected error for non-executable script")
	}
}

func TestBuildEnvironmentOmitsEmptyFields(t *testing.T) {
	env := buildEnvironment(Context{Username: "bob", Home: "/home/bob"})
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "USER=bob") {
		t.Fatalf("expected USER in environment: %v", env)
	}
	if strings.Contains(joined, "DISPLAY=") {
		t.Fatalf("DISPLAY should be omitted when empty: %v", env)
	}
	if strings.Contains(joined, "REMOTE_HOST=") {
		t.Fatalf("REMOTE_HOST should be omitted when empty: %v", env)
	}
}

func TestBuildEnvironmentIncludesRemoteHost(t *testing.T) {
	env := buildEnvironment(Context{Username: "bob", RemoteHost: "10.0.0.5"})
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "REMOTE_HOST=10.0.0.5") {
		t.Fatalf("expected REMOTE_HOST in environment: %v", env)
	}
}

func TestValidatePathRejectsMissingFile(t *testing.T) {
	if err := ValidatePath("/nonexistent/hook.sh"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCancelUnknownPathErrors(t *testing.T) {
	r := New()
	if err := r.Cancel("/no/such/hook.sh"); err == nil {
		t.Fatal("expected error cancelling unknown hook")
	}
}
