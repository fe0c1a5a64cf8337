package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "server", "http://localhost:3001")

	out := buf.String()
	if strings.Contains(out, `msg="INFO connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=websocket") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "server=http://localhost:3001") {
		t.Fatalf("expected server field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithSessionAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	logger := WithSession(L("recorder"), "abc-123", 0x4a00007)
	logger.Info("session started")

	out := buf.String()
	for _, want := range []string{`"sessionId":"abc-123"`, `"windowId":"0x4a00007"`, `"component":"recorder"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recorder.log")
	closer, err := Setup("text", "debug", path, 1, 2)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	L("test").Debug("to file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { Init("text", "info", nil) })

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "msg=\"to file\"") {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond maxBackups should not exist: %v", err)
	}
}

func TestInitSwitchesBetweenFormats(t *testing.T) {
	t.Cleanup(func() { Init("text", "info", nil) })
	logger := L("recorder")

	var text bytes.Buffer
	Init("text", "info", &text)
	logger.Info("first")

	var js bytes.Buffer
	Init("json", "info", &js)
	logger.Info("second")

	var back bytes.Buffer
	Init("text", "info", &back)
	logger.Info("third")

	if !strings.Contains(text.String(), "msg=first") {
		t.Fatalf("text output = %s", text.String())
	}
	if !strings.Contains(js.String(), `"msg":"second"`) {
		t.Fatalf("json output = %s", js.String())
	}
	if !strings.Contains(back.String(), "msg=third") {
		t.Fatalf("text output after json = %s", back.String())
	}
}

func TestSetupJSONFormat(t *testing.T) {
	closer, err := Setup("json", "info", "", 0, 0)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		closer.Close()
		Init("text", "info", nil)
	})
	if err := RotateFile(); err != nil {
		t.Fatalf("RotateFile without a log file: %v", err)
	}
}

func TestRotateFilePerSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.log")
	closer, err := Setup("text", "info", path, 10, 3)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		closer.Close()
		Init("text", "info", nil)
	})

	L("recorder").Info("session one")
	if err := RotateFile(); err != nil {
		t.Fatalf("RotateFile: %v", err)
	}
	// Nothing logged since the last rotation, so no empty backup is made.
	if err := RotateFile(); err != nil {
		t.Fatalf("second RotateFile: %v", err)
	}
	L("recorder").Info("session two")

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	previous, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(current), "session two") || strings.Contains(string(current), "session one") {
		t.Fatalf("current log = %s", current)
	}
	if !strings.Contains(string(previous), "session one") {
		t.Fatalf("backup log = %s", previous)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("empty rotation created a backup: %v", err)
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "r.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := rw.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Write after Close error = %v, want os.ErrClosed", err)
	}
}
