package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("ops %d", 1)
	Diagf("diag %d", 2)
	Tracef("trace %d", 3)

	tests := []struct {
		name string
		buf  *bytes.Buffer
		want string
		not  []string
	}{
		{"ops", &ops, "ops 1", []string{"diag 2", "trace 3"}},
		{"diag", &diag, "diag 2", []string{"ops 1", "trace 3"}},
		{"trace", &trace, "trace 3", []string{"ops 1", "diag 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("%s stream = %q, want to contain %q", tt.name, out, tt.want)
			}
			if !strings.HasPrefix(out, streamPrefix) {
				t.Errorf("%s stream = %q, want prefix %q", tt.name, out, streamPrefix)
			}
			for _, n := range tt.not {
				if strings.Contains(out, n) {
					t.Errorf("%s stream leaked %q", tt.name, n)
				}
			}
		})
	}
}

func TestSetLogWriters_NilDisables(t *testing.T) {
	SetLogWriters(LogWriters{})

	// Disabled streams must not panic.
	Opsf("dropped")
	Diagf("dropped")
	Tracef("dropped")
}
