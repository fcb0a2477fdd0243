package crypto

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Logger is the minimal logging surface used for host key notices.
type Logger interface {
	Printf(format string, args ...any)
}

// HostKeyCallback returns a verifier backed by knownHostsPath. With no
// known_hosts file configured, unknown boards are accepted and their
// fingerprint is logged, matching an auto-add policy.
func HostKeyCallback(knownHostsPath string, logger Logger) (ssh.HostKeyCallback, error) {
	if logger == nil {
		logger = log.Default()
	}

	if knownHostsPath != "" {
		callback, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %q: %w", knownHostsPath, err)
		}
		return callback, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logger.Printf("crypto: accepting %s host key for %s fingerprint=%s",
			key.Type(), hostname, FormatFingerprint(Fingerprint(key)))
		return nil
	}, nil
}
