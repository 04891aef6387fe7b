// Package rlog is the storage engine's structured logging wrapper (spec
// §7 "Error handling design"). It distinguishes the two outcomes the
// spec calls out: a fatal invariant violation, which logs a structured
// line naming (instance, file_no, page_no, table_id, fragment_id, lsn)
// and aborts the process (ndbabort()/progError()), and a resource
// exhaustion event, which is merely observable (the "resources info
// table" / DUMP 1000 diagnostic) and does not abort.
//
// Grounded on tinySQL's internal/storage/scheduler.go and concurrency.go,
// which log operational events via line-oriented log.Printf calls at
// each job/worker lifecycle transition — generalized here to
// log/slog's structured key-value form since the spec's fatal-path
// message format is itself a fixed field tuple, not free text.
package rlog

import (
	"context"
	"log/slog"
	"os"
)

var base = slog.New(slog.NewJSONHandler(os.Stderr, nil))

// exitFunc is overridden in tests so Fatal's logging can be exercised
// without killing the test binary.
var exitFunc = os.Exit

// SetOutput redirects all future log lines to a different handler's
// output, primarily for tests that want to capture log lines.
func SetOutput(h slog.Handler) {
	base = slog.New(h)
}

// FatalFields names the coordinates spec §7 requires on a fatal
// invariant-violation log line.
type FatalFields struct {
	Instance    string
	FileNo      uint32
	PageNo      uint32
	TableID     uint32
	FragmentID  uint32
	LSN         uint64
}

// Fatal logs a structured invariant-violation line and aborts the
// process (spec §7 "These are fatal ... logs a structured message ...
// and aborts"). It never returns.
func Fatal(msg string, f FatalFields) {
	base.Error(msg,
		slog.String("instance", f.Instance),
		slog.Uint64("file_no", uint64(f.FileNo)),
		slog.Uint64("page_no", uint64(f.PageNo)),
		slog.Uint64("table_id", uint64(f.TableID)),
		slog.Uint64("fragment_id", uint64(f.FragmentID)),
		slog.Uint64("lsn", f.LSN),
	)
	exitFunc(1)
}

// Resource logs a resource-exhaustion event (spec §7 "Resource
// exhaustion ... observable through the resources info table and a
// diagnostic dump"). Unlike Fatal, this is recoverable: the caller gets
// a well-defined fail code and may abort just the originating
// operation, so Resource only logs and returns.
func Resource(ctx context.Context, kind string, attrs ...slog.Attr) {
	base.LogAttrs(ctx, slog.LevelWarn, "resource exhaustion: "+kind, attrs...)
}

// Info logs a routine operational event (job scheduling, LCP start/end,
// and the like) at info level.
func Info(msg string, args ...any) {
	base.Info(msg, args...)
}
