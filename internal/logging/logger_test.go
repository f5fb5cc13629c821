package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitializeSilentByDefault(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if GetLogger().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("logger should be silent when no level is configured")
	}
}

func TestAsciiDump(t *testing.T) {
	if got := asciiDump([]byte{'o', 'k', 0x00, 0xFF}); got != "ok.." {
		t.Errorf("asciiDump() = %q, want %q", got, "ok..")
	}
	if got := hexDump([]byte{0xFE}); got != "fe" {
		t.Errorf("hexDump() = %q, want %q", got, "fe")
	}
}

func TestOpenDeviceLog(t *testing.T) {
	dir := t.TempDir()

	sink, err := OpenDeviceLog(dir, 0x02)
	if err != nil {
		t.Fatalf("OpenDeviceLog() error = %v", err)
	}
	sink.Record("temp", "23.5")
	sink.Record("temp", "23.7")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopening must append, not truncate
	sink, err = OpenDeviceLog(dir, 0x02)
	if err != nil {
		t.Fatalf("OpenDeviceLog() reopen error = %v", err)
	}
	sink.Record("temp", "24.0")
	_ = sink.Close()

	data, err := os.ReadFile(filepath.Join(dir, "Client_2.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := "temp 23.5\ntemp 23.7\ntemp 24.0\n"
	if string(data) != want {
		t.Errorf("device log = %q, want %q", string(data), want)
	}
}

func TestOpenDeviceLog_EmptyDirIsNop(t *testing.T) {
	sink, err := OpenDeviceLog("", 0x01)
	if err != nil {
		t.Fatalf("OpenDeviceLog() error = %v", err)
	}
	if sink.Path() != "" {
		t.Errorf("Path() = %q, want empty", sink.Path())
	}
	sink.Record("x", "y")
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpenDeviceLog_MissingDir(t *testing.T) {
	_, err := OpenDeviceLog(filepath.Join(t.TempDir(), "missing"), 0x01)
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDeviceLogFileName(t *testing.T) {
	if got := DeviceLogFileName(0x81); got != "Client_-127.txt" {
		t.Errorf("DeviceLogFileName(0x81) = %q", got)
	}
}
