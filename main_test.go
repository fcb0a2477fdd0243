package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
	if err := run(context.Background(), []string{"flash"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestLoopbackCommandExchanges(t *testing.T) {
	var out bytes.Buffer
	args := []string{"loopback", "--neurons", "20", "--steps", "40", "--seed", "5", "--recv-timeout", "200ms"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("loopback command: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "mode: remote") {
		t.Fatalf("expected remote mode, got:\n%s", text)
	}
	if !strings.Contains(text, "final output") {
		t.Fatalf("expected a final output line, got:\n%s", text)
	}
	if !strings.Contains(text, "event build") {
		t.Fatalf("expected the build event to be recorded, got:\n%s", text)
	}
}

func TestDevicesAndKeygenUseDataDir(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("FPGAOFFLOAD_DATA_DIR", dataDir)

	layer := `{"host": {"ip": "10.0.0.1"}, "devices": {"pynq": {"ip": "10.0.0.2", "ssh_user": "xilinx", "remote_tmp": "/tmp", "remote_script": "fpen"}}}`
	if err := os.WriteFile(filepath.Join(dataDir, "fpga_config.json"), []byte(layer), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"devices"}, &out); err != nil {
		t.Fatalf("devices command: %v", err)
	}
	if !strings.Contains(out.String(), "host ip: 10.0.0.1") || !strings.Contains(out.String(), "xilinx@10.0.0.2:22 udp=auto") {
		t.Fatalf("unexpected devices output:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"keygen"}, &out); err != nil {
		t.Fatalf("keygen command: %v", err)
	}
	if !strings.Contains(out.String(), "ssh-ed25519 ") {
		t.Fatalf("expected an authorized key line, got:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dataDir, "keys", "id_ed25519")); err != nil {
		t.Fatalf("expected generated key in data dir: %v", err)
	}
}
