package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"fpgaoffload/config"
	appcrypto "fpgaoffload/crypto"
)

const (
	// DefaultDialTimeout bounds the control channel TCP connect and handshake.
	DefaultDialTimeout = 10 * time.Second

	ptyTerm = "xterm"
	ptyRows = 40
	ptyCols = 200
)

// ErrNoAuthMethod indicates that no credential could be assembled.
var ErrNoAuthMethod = errors.New("remote: no usable authentication method")

// Transport opens control connections to a device.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is an authenticated control connection.
type Conn interface {
	// Upload copies a local file to remotePath over the transfer sub-channel.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Remove deletes a remote file.
	Remove(remotePath string) error
	// Shell opens an interactive shell whose output merges stdout and stderr.
	Shell() (io.ReadWriteCloser, error)
	// User is the authenticated login name.
	User() string
	Close() error
}

// SSHTransport dials a device profile over SSH.
type SSHTransport struct {
	Profile config.DeviceProfile
	// KeysDir holds the host's generated client key, tried as a default
	// credential.
	KeysDir     string
	DialTimeout time.Duration
	Logger      Logger
}

// Dial connects and authenticates. Credentials are tried in the order key
// file, password, then defaults (ssh-agent, ~/.ssh keys, generated key).
func (t *SSHTransport) Dial(ctx context.Context) (Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	credentials, closeAgent, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	auth := make([]ssh.AuthMethod, 0, len(credentials))
	for _, c := range credentials {
		auth = append(auth, c.method)
	}

	hostKeys, err := appcrypto.HostKeyCallback(t.Profile.KnownHosts, logger)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            t.Profile.SSHUser,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := t.Profile.ControlAddr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs), user: t.Profile.SSHUser}, nil
}

// credential is one entry of the authentication plan, named for logs.
type credential struct {
	name   string
	method ssh.AuthMethod
}

func (t *SSHTransport) authMethods() ([]credential, func(), error) {
	noop := func() {}

	if t.Profile.KeyFile != "" {
		signer, err := appcrypto.LoadSigner(t.Profile.KeyFile, "")
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && t.Profile.Password != "" {
			signer, err = appcrypto.LoadSigner(t.Profile.KeyFile, t.Profile.Password)
		}
		if err != nil {
			return nil, noop, err
		}
		return []credential{{"key file", ssh.PublicKeys(signer)}}, noop, nil
	}

	if t.Profile.Password != "" {
		password := t.Profile.Password
		return []credential{
			{"password", ssh.Password(password)},
			{"keyboard-interactive", ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			})},
		}, noop, nil
	}

	var methods []credential
	closeAgent := noop
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, credential{"ssh-agent", ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)})
			closeAgent = func() { _ = agentConn.Close() }
		}
	}

	var signers []ssh.Signer
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			if signer, err := appcrypto.LoadSigner(filepath.Join(home, ".ssh", name), ""); err == nil {
				signers = append(signers, signer)
			}
		}
	}
	if t.KeysDir != "" {
		if signer, err := appcrypto.EnsureClientKey(t.KeysDir); err == nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, credential{"default keys", ssh.PublicKeys(signers...)})
	}

	if len(methods) == 0 {
		closeAgent()
		return nil, noop, ErrNoAuthMethod
	}
	return methods, closeAgent, nil
}

type sshConn struct {
	client *ssh.Client
	user   string
}

func (c *sshConn) User() string {
	return c.user
}

func (c *sshConn) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("open transfer channel: %w", err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %q: %w", remotePath, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := dst.ReadFrom(src)
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = client.Close()
		<-done
		err = ctx.Err()
	}
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("upload %q: %w", remotePath, err)
	}
	return nil
}

func (c *sshConn) Remove(remotePath string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("open transfer channel: %w", err)
	}
	defer client.Close()
	return client.Remove(remotePath)
}

func (c *sshConn) Shell() (io.ReadWriteCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(ptyTerm, ptyRows, ptyCols, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshShell{session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Close() error {
	_ = s.stdin.Close()
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
