package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	// ClientKeyFileName is the generated private key file under the keys dir.
	ClientKeyFileName = "id_ed25519"
	// ClientPublicKeyFileName holds the authorized_keys line for the private key.
	ClientPublicKeyFileName = "id_ed25519.pub"
	// clientKeyComment tags generated keys in authorized_keys files.
	clientKeyComment = "fpgaoffload"
)

// EnsureClientKey loads the host's ed25519 client key from keysDir, generating
// it on first run. The returned signer authenticates the control channel.
func EnsureClientKey(keysDir string) (ssh.Signer, error) {
	privatePath := filepath.Join(keysDir, ClientKeyFileName)
	publicPath := filepath.Join(keysDir, ClientPublicKeyFileName)

	signer, err := LoadSigner(privatePath, "")
	if err == nil {
		if err := ensurePublicKeyFile(publicPath, signer.PublicKey()); err != nil {
			return nil, err
		}
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 client key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privateKey, clientKeyComment)
	if err != nil {
		return nil, fmt.Errorf("marshal client key: %w", err)
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write client key: %w", err)
	}

	signer, err = ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("create client signer: %w", err)
	}
	if err := ensurePublicKeyFile(publicPath, signer.PublicKey()); err != nil {
		return nil, err
	}

	return signer, nil
}

// LoadSigner reads an OpenSSH/PEM private key file. An empty passphrase is
// used for unencrypted keys.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase == "" {
		signer, err = ssh.ParsePrivateKey(raw)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %q is encrypted: %w", path, err)
		}
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}

	return signer, nil
}

// AuthorizedKey returns the authorized_keys line for a public key.
func AuthorizedKey(publicKey ssh.PublicKey) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey)))
	return line + " " + clientKeyComment
}

func ensurePublicKeyFile(path string, publicKey ssh.PublicKey) error {
	want := AuthorizedKey(publicKey) + "\n"
	if existing, err := os.ReadFile(path); err == nil && string(existing) == want {
		return nil
	}
	if err := os.WriteFile(path, []byte(want), 0o644); err != nil {
		return fmt.Errorf("write client public key: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of a public key without the
// "SHA256:" prefix.
func Fingerprint(publicKey ssh.PublicKey) string {
	return strings.TrimPrefix(ssh.FingerprintSHA256(publicKey), "SHA256:")
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ReplaceAll(fingerprint, " ", "")
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
