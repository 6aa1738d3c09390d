package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"tillpoint/evictor/pkg/config"
)

type named struct{ Name string }

func (n named) String() string { return "name=" + n.Name }

func TestTextFormatter(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{"plain", "test message", "test message\n"},
		{"stringer", named{Name: "orders"}, "name=orders\n"},
		{"number", 42, "42\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (&TextFormatter{}).FormatTo(&buf, tt.data); err != nil {
				t.Fatalf("FormatTo() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("FormatTo() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatJSON)
	if err := f.FormatTo(&buf, named{Name: "orders"}); err != nil {
		t.Fatalf("FormatTo() error = %v", err)
	}

	var got named
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.Name != "orders" {
		t.Errorf("Name = %q, want orders", got.Name)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Error("expected indented output")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", errors.New("boom"), ExitFailure},
		{"config", NewConfigError("device.location_id", "required"), ExitConfig},
		{"validation", fmt.Errorf("load: %w", config.ValidationError{Errors: []config.FieldError{{Field: "store.path", Message: "required"}}}), ExitConfig},
		{"run", NewCommandError("evict", &RunError{Outcome: "aborted", Reason: "no current location"}), ExitRun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	inner := errors.New("disk full")
	cmdErr := NewCommandError("audit export", inner)
	if !errors.Is(cmdErr, inner) {
		t.Error("CommandError does not unwrap")
	}
	if got := cmdErr.Error(); got != "command audit export failed: disk full" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&RunError{Outcome: "completed_with_errors"}).Error(); got != "eviction completed_with_errors" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewConfigError("", "no file").Error(); got != "config error: no file" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRunProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewRunProgress(&buf, 2)
	p.Step("orders", 3, nil)
	p.Step("payments", 0, errors.New("no such table"))
	p.Finish()

	out := buf.String()
	for _, want := range []string{
		"[1/2] ✓ orders: 3 evicted",
		"[2/2] ✗ payments: no such table",
		"3 documents evicted from 2 collections (1 failed)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, stop := SetupSignalHandler(context.Background())
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before any signal")
	default:
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
}
