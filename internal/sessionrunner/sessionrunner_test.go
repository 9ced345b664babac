package sessionrunner

import (
	"bytes"
	"os/exec"
	"strings"
	"testing"
)

func TestConfigureRunAsRewritesCommandThroughSudo(t *testing.T) {
	cmd := exec.Command("/usr/bin/true", "--flag", "value")

	if err := configureRunAs(cmd, "alice"); err != nil {
		t.Fatalf("configureRunAs: %v", err)
	}

	if cmd.Path != "/usr/bin/sudo" {
		t.Fatalf("expected sudo as the executable, got %q", cmd.Path)
	}
	want := []string{"sudo", "-n", "-u", "alice", "/usr/bin/true", "--flag", "value"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected args: got %v, want %v", cmd.Args, want)
	}
}

func TestConfigureRunAsNoopForEmptyUsername(t *testing.T) {
	cmd := exec.Command("/usr/bin/true")
	original := append([]string{}, cmd.Args...)

	if err := configureRunAs(cmd, ""); err != nil {
		t.Fatalf("configureRunAs: %v", err)
	}
	if cmd.Path != "/usr/bin/true" {
		t.Fatalf("expected command to be left untouched, got path %q", cmd.Path)
	}
	if strings.Join(cmd.Args, " ") != strings.Join(original, " ") {
		t.Fatalf("expected args to be left untouched, got %v", cmd.Args)
	}
}

func TestLimitedWriterDiscardsPastLimit(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{limit: 4, buf: &buf}

	n, err := w.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("expected the writer to report the full length written to avoid a short-write error, got %d", n)
	}
	if buf.String() != "hell" {
		t.Fatalf("expected output past the limit to be discarded, got %q", buf.String())
	}

	n, err = w.Write([]byte("more"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected subsequent writes to still report success, got %d", n)
	}
	if buf.String() != "hell" {
		t.Fatalf("expected no further bytes once the limit is reached, got %q", buf.String())
	}
}
