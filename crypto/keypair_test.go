package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestEnsureClientKeyIsStable(t *testing.T) {
	keysDir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureClientKey(keysDir)
	if err != nil {
		t.Fatalf("first EnsureClientKey failed: %v", err)
	}
	second, err := EnsureClientKey(keysDir)
	if err != nil {
		t.Fatalf("second EnsureClientKey failed: %v", err)
	}

	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("expected stable client key across loads")
	}

	pub, err := os.ReadFile(filepath.Join(keysDir, ClientPublicKeyFileName))
	if err != nil {
		t.Fatalf("read public key file: %v", err)
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("ParseAuthorizedKey failed: %v", err)
	}
	if !bytes.Equal(parsed.Marshal(), first.PublicKey().Marshal()) {
		t.Fatalf("authorized key line does not match private key")
	}
}

func TestLoadSignerMissingFile(t *testing.T) {
	if _, err := LoadSigner(filepath.Join(t.TempDir(), "absent"), ""); err == nil {
		t.Fatalf("expected missing key file to fail")
	}
}

func TestFormatFingerprintGroupsByFour(t *testing.T) {
	if got := FormatFingerprint("abcdefghij"); got != "abcd efgh ij" {
		t.Fatalf("unexpected grouping %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("expected empty fingerprint, got %q", got)
	}
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestHostKeyCallbackAcceptsAndLogsWithoutKnownHosts(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey failed: %v", err)
	}

	logger := &recordingLogger{}
	callback, err := HostKeyCallback("", logger)
	if err != nil {
		t.Fatalf("HostKeyCallback failed: %v", err)
	}
	if err := callback("board:22", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 22}, key); err != nil {
		t.Fatalf("expected key to be accepted, got %v", err)
	}
	if len(logger.lines) != 1 || !strings.Contains(logger.lines[0], "board:22") {
		t.Fatalf("expected one host key log line, got %v", logger.lines)
	}
}

func TestHostKeyCallbackRejectsUnknownWithKnownHosts(t *testing.T) {
	knownPub, _, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	knownKey, _ := ssh.NewPublicKey(knownPub)
	otherKey, _ := ssh.NewPublicKey(otherPub)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"10.0.0.2"}, knownKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	callback, err := HostKeyCallback(path, nil)
	if err != nil {
		t.Fatalf("HostKeyCallback failed: %v", err)
	}

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 22}
	if err := callback("10.0.0.2:22", addr, knownKey); err != nil {
		t.Fatalf("expected known key to verify, got %v", err)
	}
	if err := callback("10.0.0.2:22", addr, otherKey); err == nil {
		t.Fatalf("expected mismatched key to be rejected")
	}
}
