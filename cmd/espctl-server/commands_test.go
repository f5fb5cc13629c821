package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muurk/espctl/internal/config"
	"github.com/muurk/espctl/internal/discovery"
)

func TestApplyFlags(t *testing.T) {
	if err := serverCmd.Flags().Parse([]string{
		"--port", "9000",
		"--dispatch", "strict",
		"--no-stream-flag",
		"--handshake-timeout", "3s",
		"--operator-addr", ":8080",
	}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	file := config.Default()
	file.Server.Host = "10.0.0.1"
	applyFlags(serverCmd, file)

	if file.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", file.Server.Port)
	}
	if file.Protocol.Dispatch != "strict" {
		t.Errorf("Dispatch = %q, want strict", file.Protocol.Dispatch)
	}
	if file.Protocol.StreamFlag {
		t.Error("StreamFlag = true, want false")
	}
	if file.Server.HandshakeTimeout != 3*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 3s", file.Server.HandshakeTimeout)
	}
	if file.Operator.Addr != ":8080" {
		t.Errorf("Operator.Addr = %q, want :8080", file.Operator.Addr)
	}
	// Flags not given keep the file value
	if file.Server.Host != "10.0.0.1" {
		t.Errorf("Host = %q, want 10.0.0.1", file.Server.Host)
	}
	if file.Protocol.ResultOrder != config.DefaultResultOrder {
		t.Errorf("ResultOrder = %q, want %q", file.Protocol.ResultOrder, config.DefaultResultOrder)
	}
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configInitPath = path
	configInitForce = false
	defer func() { configInitPath = "" }()

	if err := runConfigInit(configInitCmd, nil); err != nil {
		t.Fatalf("runConfigInit() error = %v", err)
	}
	if err := runConfigInit(configInitCmd, nil); err == nil {
		t.Error("second runConfigInit() without --force succeeded, want error")
	}

	configInitForce = true
	defer func() { configInitForce = false }()
	if err := runConfigInit(configInitCmd, nil); err != nil {
		t.Fatalf("runConfigInit() with --force error = %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Port != config.DefaultPort {
		t.Errorf("Port = %d, want %d", loaded.Server.Port, config.DefaultPort)
	}
}

func TestScanInstanceFlag(t *testing.T) {
	flag := scanCmd.Flags().Lookup("instance")
	if flag == nil {
		t.Fatal("scan has no --instance flag")
	}
	if flag.DefValue != "" {
		t.Errorf("--instance default = %q, want empty", flag.DefValue)
	}
}

func TestPrintServers(t *testing.T) {
	var buf bytes.Buffer
	printServers(&buf, []*discovery.Server{
		{Instance: "bench", Host: "bench.local.", IP: "10.0.0.5", Port: 9000, Metadata: map[string]string{"version": "dev"}},
		{Instance: "lab", Host: "lab-pi.local.", IP: "192.168.4.16", Port: 9001},
	})

	out := buf.String()
	for _, want := range []string{
		"1. bench",
		"Address: 10.0.0.5:9000",
		"Metadata: map[version:dev]",
		"2. lab",
		"Address: 192.168.4.16:9001",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "Metadata:") != 1 {
		t.Errorf("Metadata printed for a server without TXT records:\n%s", out)
	}
}
