package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fpgaoffload/config"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, text) {
			return true
		}
	}
	return false
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fakeConn struct {
	user   string
	shell  net.Conn
	events *eventLog

	mu      sync.Mutex
	uploads [][2]string
	removed []string
}

func (c *fakeConn) Upload(_ context.Context, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, [2]string{localPath, remotePath})
	return nil
}

func (c *fakeConn) Remove(remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, remotePath)
	return nil
}

func (c *fakeConn) Shell() (io.ReadWriteCloser, error) {
	return c.shell, nil
}

func (c *fakeConn) User() string {
	return c.user
}

func (c *fakeConn) Close() error {
	c.events.add("conn")
	return nil
}

type fakeTransport struct {
	conn  *fakeConn
	dials atomic.Int32
}

func (f *fakeTransport) Dial(context.Context) (Conn, error) {
	f.dials.Add(1)
	return f.conn, nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// board is the device side of a fake shell. Lines written by the launcher
// arrive on received.
type board struct {
	conn     net.Conn
	received chan string
}

func newBoard(t *testing.T, user string, events *eventLog) (*board, *fakeTransport) {
	t.Helper()

	local, remote := net.Pipe()
	b := &board{conn: remote, received: make(chan string, 16)}
	go func() {
		reader := bufio.NewReader(remote)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				b.received <- strings.TrimSuffix(line, "\n")
			}
			if err != nil {
				close(b.received)
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = remote.Close()
	})

	transport := &fakeTransport{conn: &fakeConn{user: user, shell: local, events: events}}
	return b, transport
}

func (b *board) expect(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-b.received:
		if !ok {
			t.Fatalf("shell closed before expected line")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for launcher output")
	}
	return ""
}

func (b *board) write(t *testing.T, text string) {
	t.Helper()
	if _, err := io.WriteString(b.conn, text); err != nil {
		t.Fatalf("board write failed: %v", err)
	}
}

func waitDone(t *testing.T, l *Launcher) error {
	t.Helper()
	select {
	case <-l.Done():
		return l.Err()
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for background task")
	}
	return nil
}

func testProfile() config.DeviceProfile {
	return config.DeviceProfile{
		Name:             "pynq",
		Address:          "10.0.0.2",
		SSHPort:          22,
		SSHUser:          "root",
		RemoteTmp:        "/tmp/fpen",
		RemoteExecutable: "python /opt/fpen/run.py",
	}
}

func TestLauncherWithoutProfileIsNoop(t *testing.T) {
	transport := &fakeTransport{}
	launcher := NewLauncher(config.DeviceProfile{}, false, Options{Transport: transport})

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := launcher.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := launcher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := launcher.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if transport.dials.Load() != 0 {
		t.Fatalf("expected no connection attempts")
	}
}

func TestLauncherUploadsArchiveAndStartsProgram(t *testing.T) {
	events := &eventLog{}
	b, transport := newBoard(t, "root", events)
	logger := &recordingLogger{}

	archivePath := filepath.Join(t.TempDir(), "fpen_args_abc.npz")
	if err := os.WriteFile(archivePath, []byte("archive"), 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	profile := testProfile()
	launcher := NewLauncher(profile, true, Options{
		Transport:   transport,
		HostIP:      "10.0.0.1",
		UDPPort:     23456,
		Seed:        7,
		ArchivePath: archivePath,
		Logger:      logger,
	})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	command := b.expect(t)
	want := `python /opt/fpen/run.py --host_ip="10.0.0.1" --remote_ip="10.0.0.2" --udp_port=23456 --arg_data_file="/tmp/fpen/fpen_args_abc.npz" --seed=7`
	if command != want {
		t.Fatalf("unexpected command line\n got: %s\nwant: %s", command, want)
	}

	transport.conn.mu.Lock()
	uploads := append([][2]string(nil), transport.conn.uploads...)
	transport.conn.mu.Unlock()
	if len(uploads) != 1 || uploads[0][0] != archivePath || uploads[0][1] != "/tmp/fpen/fpen_args_abc.npz" {
		t.Fatalf("unexpected uploads %v", uploads)
	}
	if _, err := os.Stat(archivePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected local archive to be deleted, stat err=%v", err)
	}

	b.write(t, "bitstream loaded\r\n")
	_ = b.conn.Close()

	if err := waitDone(t, launcher); err != nil {
		t.Fatalf("expected normal termination, got %v", err)
	}
	if !logger.contains("<10.0.0.2> bitstream loaded") {
		t.Fatalf("expected remote line to be logged with device tag, got %v", logger.lines)
	}
}

func TestLauncherRaisesSingleRemoteErrorOnTraceback(t *testing.T) {
	events := &eventLog{}
	b, transport := newBoard(t, "root", events)

	var faults atomic.Int32
	launcher := NewLauncher(testProfile(), true, Options{
		Transport: transport,
		Logger:    &recordingLogger{},
		OnFault:   func(error) { faults.Add(1) },
	})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.expect(t)

	b.write(t, "Traceback (most recent call last):\n  File \"run.py\", line 9\n    load()\nRuntimeError: no overlay\n")

	err := waitDone(t, launcher)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(err.Error(), "RuntimeError: no overlay") {
		t.Fatalf("expected terminating line in error, got %q", err.Error())
	}
	if faults.Load() != 1 {
		t.Fatalf("expected exactly one fault, got %d", faults.Load())
	}

	if closeErr := launcher.Close(); !errors.As(closeErr, &remoteErr) {
		t.Fatalf("expected Close to surface the fault, got %v", closeErr)
	}
}

func TestLauncherEOFAfterMarkerRaises(t *testing.T) {
	b, transport := newBoard(t, "root", &eventLog{})

	launcher := NewLauncher(testProfile(), true, Options{Transport: transport, Logger: &recordingLogger{}})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.expect(t)

	b.write(t, "Killed\n")
	_ = b.conn.Close()

	var remoteErr *RemoteError
	if err := waitDone(t, launcher); !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError on EOF after marker, got %v", err)
	}
}

func TestLauncherKilledBeforePromptRaisesWithoutEOF(t *testing.T) {
	b, transport := newBoard(t, "root", &eventLog{})

	launcher := NewLauncher(testProfile(), true, Options{Transport: transport, Logger: &recordingLogger{}})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.expect(t)

	// The shell stays open and prints its prompt with no newline.
	b.write(t, "Killed\r\nroot@board:~# ")

	var remoteErr *RemoteError
	if err := waitDone(t, launcher); !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError once the chunk ends, got %v", err)
	}
	if remoteErr.Lines[0] != "Killed" {
		t.Fatalf("unexpected collected lines %q", remoteErr.Lines)
	}
	if err := launcher.Close(); !errors.As(err, &remoteErr) {
		t.Fatalf("expected Close to surface the fault, got %v", err)
	}
}

func TestLauncherCloseRaisesPendingTraceback(t *testing.T) {
	b, transport := newBoard(t, "root", &eventLog{})

	var faults atomic.Int32
	launcher := NewLauncher(testProfile(), true, Options{
		Transport: transport,
		Logger:    &recordingLogger{},
		OnFault:   func(error) { faults.Add(1) },
	})

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.expect(t)

	b.write(t, "Traceback (most recent call last):\r\n  File \"run.py\", line 9\r\n")
	select {
	case <-launcher.Done():
		t.Fatalf("traceback should still be collecting, got %v", launcher.Err())
	case <-time.After(100 * time.Millisecond):
	}

	err := launcher.Close()
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected Close to raise the pending traceback, got %v", err)
	}
	if !strings.Contains(err.Error(), "Traceback (most recent call last):") {
		t.Fatalf("expected collected traceback in error, got %q", err.Error())
	}
	if faults.Load() != 1 {
		t.Fatalf("expected exactly one fault, got %d", faults.Load())
	}
}

func TestLauncherCloseIsGracefulAndIdempotent(t *testing.T) {
	events := &eventLog{}
	b, transport := newBoard(t, "root", events)

	launcher := NewLauncher(testProfile(), true, Options{Transport: transport, Logger: &recordingLogger{}})
	launcher.Attach(closerFunc(func() error {
		events.add("channel")
		return nil
	}))

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.expect(t)

	if err := launcher.Close(); err != nil {
		t.Fatalf("expected graceful close, got %v", err)
	}
	if err := launcher.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case <-launcher.Done():
	default:
		t.Fatalf("expected Done to be closed after Close")
	}

	got := events.snapshot()
	if len(got) < 2 || got[0] != "channel" || got[1] != "conn" {
		t.Fatalf("expected datagram channel to close before control channel, got %v", got)
	}
}

func TestLauncherAnswersSudoPrompt(t *testing.T) {
	b, transport := newBoard(t, "xilinx", &eventLog{})

	profile := testProfile()
	profile.SSHUser = "xilinx"
	profile.UseSudo = true
	profile.Password = "secret"

	launcher := NewLauncher(profile, true, Options{
		Transport:        transport,
		Logger:           &recordingLogger{},
		SudoPollInterval: 50 * time.Millisecond,
	})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := b.expect(t); got != "sudo su" {
		t.Fatalf("expected escalation first, got %q", got)
	}
	b.write(t, "[sudo] password for xilinx: ")
	if got := b.expect(t); got != "secret" {
		t.Fatalf("expected password answer, got %q", got)
	}
	if got := b.expect(t); !strings.HasPrefix(got, "python /opt/fpen/run.py") {
		t.Fatalf("expected command after escalation, got %q", got)
	}
}

func TestLauncherSkipsSudoForRoot(t *testing.T) {
	b, transport := newBoard(t, "root", &eventLog{})

	profile := testProfile()
	profile.UseSudo = true
	profile.Password = "secret"

	launcher := NewLauncher(profile, true, Options{Transport: transport, Logger: &recordingLogger{}})
	defer func() {
		_ = launcher.Close()
	}()

	if err := launcher.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := b.expect(t); !strings.HasPrefix(got, "python ") {
		t.Fatalf("expected command without escalation, got %q", got)
	}
}
