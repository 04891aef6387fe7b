package rlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestFatal_LogsStructuredFieldsAndCallsExitFunc(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(slog.NewJSONHandler(&buf, nil))
	defer SetOutput(slog.NewJSONHandler(io.Discard, nil))

	exited := false
	var exitCode int
	orig := exitFunc
	exitFunc = func(code int) { exited = true; exitCode = code }
	defer func() { exitFunc = orig }()

	Fatal("page owner mismatch", FatalFields{
		Instance: "node-1", FileNo: 3, PageNo: 7, TableID: 42, FragmentID: 1, LSN: 99,
	})

	if !exited {
		t.Fatalf("expected exitFunc to be invoked")
	}
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	out := buf.String()
	for _, want := range []string{"page owner mismatch", "node-1", "file_no", "lsn"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got %q", want, out)
		}
	}
}

func TestResource_DoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(slog.NewJSONHandler(&buf, nil))

	called := false
	orig := exitFunc
	exitFunc = func(code int) { called = true }
	defer func() { exitFunc = orig }()

	Resource(context.Background(), "pmm page allocation failed", slog.String("zone", "0"))

	if called {
		t.Fatalf("Resource must not call exitFunc")
	}
	if !strings.Contains(buf.String(), "pmm page allocation failed") {
		t.Fatalf("expected resource-exhaustion message in log output, got %q", buf.String())
	}
}
