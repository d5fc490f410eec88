package monitoring

import (
	"fmt"
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
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not reach the previous logger")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should default to log.Printf")
	}
	Logf("test message: %s", "value")
}

func TestComponent(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	capture := func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	}

	logf := Component("LidarReader")

	// Logger swapped after the component logger was created.
	SetLogger(capture)
	logf("Reconnecting in %s...", "1s")

	SetLogger(nil)
	logf("muted")

	if len(lines) != 1 || lines[0] != "[LidarReader] Reconnecting in 1s..." {
		t.Errorf("unexpected lines %q", lines)
	}
}
