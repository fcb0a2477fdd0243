package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fpgaoffload/config"
)

const (
	// ReadChunkSize is the control channel receive size.
	ReadChunkSize = 256
	// DefaultSudoPollInterval and DefaultSudoPollAttempts bound the wait for
	// a sudo password prompt.
	DefaultSudoPollInterval = 100 * time.Millisecond
	DefaultSudoPollAttempts = 20

	rootUser = "root"
)

var sudoPrompts = []string{"[sudo] password for", "Password:"}

// Logger is the logging surface used by the launcher.
type Logger interface {
	Printf(format string, args ...any)
}

func defaultLogger() Logger {
	return log.Default()
}

// Options configures a Launcher.
type Options struct {
	// Transport overrides the SSH transport built from the profile.
	Transport Transport
	// KeysDir is passed to the default SSH transport.
	KeysDir string

	// HostIP is the address the remote program sends datagrams back to.
	HostIP  string
	UDPPort int
	Seed    int64

	// ArchivePath is the local parameter archive. It is uploaded to the
	// profile's remote tmp dir and then deleted locally. Empty skips upload.
	ArchivePath string

	// Channel is the attached datagram channel, closed before the control
	// channel on Close.
	Channel io.Closer

	// OnFault is called once with each background task failure.
	OnFault func(error)

	SudoPollInterval time.Duration
	SudoPollAttempts int
	Logger           Logger
}

func (o Options) withDefaults(profile config.DeviceProfile) Options {
	if o.Transport == nil {
		o.Transport = &SSHTransport{Profile: profile, KeysDir: o.KeysDir, Logger: o.Logger}
	}
	if o.SudoPollInterval <= 0 {
		o.SudoPollInterval = DefaultSudoPollInterval
	}
	if o.SudoPollAttempts <= 0 {
		o.SudoPollAttempts = DefaultSudoPollAttempts
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}
	return o
}

// Launcher runs the remote program on a device and supervises its output in
// a background goroutine. With no matching profile every operation is a
// no-op.
type Launcher struct {
	profile config.DeviceProfile
	found   bool
	opts    Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	conn    Conn
	shell   io.ReadWriteCloser
	closing bool
	err     error
}

// NewLauncher creates a launcher for profile. found reports whether the
// profile was resolved from configuration.
func NewLauncher(profile config.DeviceProfile, found bool, opts Options) *Launcher {
	return &Launcher{
		profile: profile,
		found:   found,
		opts:    opts.withDefaults(profile),
	}
}

// Found reports whether the launcher has a device to talk to.
func (l *Launcher) Found() bool {
	return l.found
}

// Attach sets the datagram channel closed ahead of the control channel.
func (l *Launcher) Attach(channel io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.Channel = channel
}

// Connect starts the background task and returns immediately. Calling it
// while a task is running does nothing.
func (l *Launcher) Connect() error {
	if !l.found {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.closing = false
	l.err = nil

	go l.run(ctx, done)
	return nil
}

// Close closes the datagram channel, then the control channel, waits for the
// background task and returns its failure, if any. It is safe to call more
// than once.
func (l *Launcher) Close() error {
	if !l.found {
		return nil
	}

	l.mu.Lock()
	done := l.done
	if done == nil {
		err := l.err
		l.mu.Unlock()
		return err
	}
	l.closing = true
	channel := l.opts.Channel
	cancel := l.cancel
	shell := l.shell
	conn := l.conn
	l.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			l.opts.Logger.Printf("remote: close datagram channel for %s: %v", l.profile.Address, err)
		}
	}
	cancel()
	if shell != nil {
		_ = shell.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = nil
	l.cancel = nil
	l.shell = nil
	l.conn = nil
	return l.err
}

// Reset closes and reconnects.
func (l *Launcher) Reset() error {
	err := l.Close()
	if connectErr := l.Connect(); connectErr != nil {
		return errors.Join(err, connectErr)
	}
	return err
}

// Done is closed when the background task ends. It is already closed when no
// task is running.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return l.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Wait blocks until the background task ends and returns its failure.
func (l *Launcher) Wait() error {
	<-l.Done()
	return l.Err()
}

// Err returns the background task failure, if any.
func (l *Launcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// CommandLine returns the shell line that starts the remote program.
func CommandLine(profile config.DeviceProfile, hostIP string, udpPort int, archiveName string, seed int64) string {
	argFile := path.Join(profile.RemoteTmp, archiveName)
	return fmt.Sprintf("%s --host_ip=%q --remote_ip=%q --udp_port=%d --arg_data_file=%q --seed=%d\n",
		profile.RemoteExecutable, hostIP, profile.Address, udpPort, argFile, seed)
}

func (l *Launcher) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

func (l *Launcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := l.session(ctx)
	var remoteErr *RemoteError
	if err != nil && l.isClosing() && !errors.As(err, &remoteErr) {
		err = nil
	}

	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	if err == nil {
		return
	}
	l.opts.Logger.Printf("remote: task for %s failed: %v", l.profile.Address, err)
	if l.opts.OnFault != nil {
		l.opts.OnFault(err)
	}
}

type chunk struct {
	data []byte
	err  error
}

func (l *Launcher) session(ctx context.Context) error {
	conn, err := l.opts.Transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", l.profile.ControlAddr(), err)
	}
	if !l.store(conn, nil) {
		_ = conn.Close()
		return nil
	}

	archiveName := ""
	if l.opts.ArchivePath != "" {
		archiveName = filepath.Base(l.opts.ArchivePath)
		remotePath := path.Join(l.profile.RemoteTmp, archiveName)
		if err := conn.Upload(ctx, l.opts.ArchivePath, remotePath); err != nil {
			return fmt.Errorf("send parameters to %s: %w", l.profile.Address, err)
		}
		if err := os.Remove(l.opts.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.opts.Logger.Printf("remote: remove local archive %s: %v", l.opts.ArchivePath, err)
		}
		// The remote program deletes its copy; this covers runs that die first.
		defer func() {
			if l.isClosing() {
				return
			}
			if err := conn.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.opts.Logger.Printf("remote: remove %s on %s: %v", remotePath, l.profile.Address, err)
			}
		}()
	}

	shell, err := conn.Shell()
	if err != nil {
		return fmt.Errorf("open shell on %s: %w", l.profile.Address, err)
	}
	if !l.store(conn, shell) {
		_ = shell.Close()
		return nil
	}

	chunks := make(chan chunk)
	go pump(ctx, shell, chunks)

	out := &outputHandler{
		session:    &ControlSession{},
		classifier: &classifier{device: l.profile.Address},
		device:     l.profile.Address,
		logger:     l.opts.Logger,
	}

	if l.profile.UseSudo && conn.User() != rootUser {
		if err := l.escalate(ctx, shell, chunks, out); err != nil {
			return err
		}
	}

	command := CommandLine(l.profile, l.opts.HostIP, l.opts.UDPPort, archiveName, l.opts.Seed)
	if _, err := io.WriteString(shell, command); err != nil {
		return fmt.Errorf("start remote program on %s: %w", l.profile.Address, err)
	}

	for {
		select {
		case <-ctx.Done():
			return out.abandon()
		case c := <-chunks:
			if len(c.data) > 0 {
				if err := out.handle(c.data); err != nil {
					return err
				}
			}
			if c.err == nil {
				continue
			}
			if errors.Is(c.err, io.EOF) {
				return out.finish()
			}
			if l.isClosing() || errors.Is(c.err, net.ErrClosed) {
				return out.abandon()
			}
			return fmt.Errorf("read from %s: %w", l.profile.Address, c.err)
		}
	}
}

// escalate sends "sudo su" and, when a password is configured, waits a
// bounded number of poll intervals for the prompt before answering it.
func (l *Launcher) escalate(ctx context.Context, shell io.Writer, chunks <-chan chunk, out *outputHandler) error {
	if _, err := io.WriteString(shell, "sudo su\n"); err != nil {
		return fmt.Errorf("escalate on %s: %w", l.profile.Address, err)
	}
	if l.profile.Password == "" {
		return nil
	}

	for attempt := 0; attempt < l.opts.SudoPollAttempts; attempt++ {
		timer := time.NewTimer(l.opts.SudoPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case c := <-chunks:
			timer.Stop()
			if len(c.data) > 0 {
				if err := out.handle(c.data); err != nil {
					return err
				}
			}
			if c.err != nil {
				return fmt.Errorf("waiting for sudo prompt on %s: %w", l.profile.Address, c.err)
			}
		case <-timer.C:
		}

		if containsAny(out.session.Partial(), sudoPrompts) {
			if _, err := io.WriteString(shell, l.profile.Password+"\n"); err != nil {
				return fmt.Errorf("answer sudo prompt on %s: %w", l.profile.Address, err)
			}
			return nil
		}
	}

	l.opts.Logger.Printf("remote: no sudo prompt from %s, continuing", l.profile.Address)
	return nil
}

// store records the live handles unless Close has begun.
func (l *Launcher) store(conn Conn, shell io.ReadWriteCloser) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.conn = conn
	l.shell = shell
	return true
}

func pump(ctx context.Context, r io.Reader, chunks chan<- chunk) {
	buf := make([]byte, ReadChunkSize)
	for {
		n, err := r.Read(buf)
		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}
		if n > 0 || err != nil {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

type outputHandler struct {
	session    *ControlSession
	classifier *classifier
	device     string
	logger     Logger
}

func (h *outputHandler) handle(data []byte) error {
	if err := h.lines(h.session.Feed(data)); err != nil {
		return err
	}
	if fault := h.classifier.boundary(); fault != nil {
		return fault
	}
	return nil
}

// abandon is used when output stops without EOF. A fault still being
// collected is raised rather than dropped.
func (h *outputHandler) abandon() error {
	if !h.classifier.faulted {
		return nil
	}
	return h.finish()
}

func (h *outputHandler) finish() error {
	if err := h.lines(h.session.Flush()); err != nil {
		return err
	}
	if fault := h.classifier.finish(); fault != nil {
		return fault
	}
	return nil
}

func (h *outputHandler) lines(lines []string) error {
	for _, line := range lines {
		logLine, fault := h.classifier.classify(line)
		if fault != nil {
			return fault
		}
		if logLine && line != "" {
			h.logger.Printf("<%s> %s", h.device, line)
		}
	}
	return nil
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
