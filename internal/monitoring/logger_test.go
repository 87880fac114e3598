package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLoggerRedirect(t *testing.T) {
	var buf strings.Builder
	SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(&buf, format, v...)
	})
	defer SetLogger(nil)

	Logf("hello %d", 42)
	if got := buf.String(); got != "hello 42" {
		t.Fatalf("expected redirected output, got %q", got)
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %s", "message")
}

func TestWarnOnceFiresOnce(t *testing.T) {
	ResetWarnings()
	var count int
	SetLogger(func(format string, v ...interface{}) { count++ })
	defer SetLogger(nil)

	WarnOnce("matrix nearly singular at delta=%g", 1.0)
	WarnOnce("matrix nearly singular at delta=%g", 2.0)
	WarnOnce("matrix nearly singular at delta=%g", 3.0)
	if count != 1 {
		t.Fatalf("expected one warning, got %d", count)
	}

	WarnOnce("a different warning")
	if count != 2 {
		t.Fatalf("expected a second distinct warning, got %d", count)
	}
}
