package fatal

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestFatalLogsAndExits(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	var exitCode int
	exited := false
	r := New(log, func(code int) {
		exited = true
		exitCode = code
	})

	r.Fatal("disk on fire", "path", "/tmp/x")

	if !exited {
		t.Fatal("expected exit function to be called")
	}
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	if !strings.Contains(buf.String(), "disk on fire") {
		t.Fatalf("expected log to contain message, got %q", buf.String())
	}
}

func TestNewDefaultsExitFuncWhenNil(t *testing.T) {
	r := New(nil, nil)
	if r.log == nil {
		t.Fatal("expected default logger to be set")
	}
	if r.exit == nil {
		t.Fatal("expected default exit func to be set")
	}
}
