package ensemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"fpgaoffload/archive"
	"fpgaoffload/network"
	"fpgaoffload/remote"
)

var commandFlag = regexp.MustCompile(`--([a-z_]+)=("(?:[^"\\]|\\.)*"|\S+)`)

// Emulator stands in for a board behind remote.Transport. It accepts the
// launcher's upload and command line, loads the archive and answers
// datagrams with a LocalEnsemble. Remote paths live under Root.
type Emulator struct {
	Root string
	// ByteOrder must match the host channel's.
	ByteOrder string
	// FailAfter makes the program raise a traceback after answering this many
	// datagrams. Zero never fails.
	FailAfter int

	mu     sync.Mutex
	conns  []*emulatorConn
	dialed int
}

// Dial implements remote.Transport.
func (e *Emulator) Dial(ctx context.Context) (remote.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := &emulatorConn{emulator: e}
	e.conns = append(e.conns, conn)
	e.dialed++
	return conn, nil
}

// Dials returns how many control connections were opened.
func (e *Emulator) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialed
}

func (e *Emulator) localPath(remotePath string) string {
	return filepath.Join(e.Root, filepath.FromSlash(remotePath))
}

type emulatorConn struct {
	emulator *Emulator

	mu     sync.Mutex
	shells []*emulatorShell
}

func (c *emulatorConn) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	target := c.emulator.localPath(remotePath)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o600)
}

func (c *emulatorConn) Remove(remotePath string) error {
	return os.Remove(c.emulator.localPath(remotePath))
}

func (c *emulatorConn) Shell() (io.ReadWriteCloser, error) {
	outR, outW := io.Pipe()
	shell := &emulatorShell{emulator: c.emulator, out: outR, outW: outW, stop: make(chan struct{})}
	c.mu.Lock()
	c.shells = append(c.shells, shell)
	c.mu.Unlock()
	return shell, nil
}

func (c *emulatorConn) User() string {
	return "root"
}

func (c *emulatorConn) Close() error {
	c.mu.Lock()
	shells := c.shells
	c.shells = nil
	c.mu.Unlock()
	for _, shell := range shells {
		_ = shell.Close()
	}
	return nil
}

// emulatorShell runs one command line written to it. Its output is the
// program's merged stdout and stderr.
type emulatorShell struct {
	emulator *Emulator
	out      *io.PipeReader
	outW     *io.PipeWriter

	mu      sync.Mutex
	pending strings.Builder
	started bool
	udp     *net.UDPConn

	closeOnce sync.Once
	stop      chan struct{}
}

func (s *emulatorShell) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *emulatorShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Write(p)
	text := s.pending.String()
	idx := strings.IndexByte(text, '\n')
	if idx < 0 || s.started {
		return len(p), nil
	}
	s.started = true
	line := text[:idx]
	s.pending.Reset()
	go s.run(line)
	return len(p), nil
}

func (s *emulatorShell) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		udp := s.udp
		s.mu.Unlock()
		if udp != nil {
			_ = udp.Close()
		}
		_ = s.outW.Close()
	})
	return nil
}

func (s *emulatorShell) println(format string, args ...any) {
	_, _ = fmt.Fprintf(s.outW, format+"\r\n", args...)
}

func (s *emulatorShell) traceback(err error) {
	s.println("Traceback (most recent call last):")
	s.println(`  File "fpen_main.py", line 1, in <module>`)
	s.println("RuntimeError: %v", err)
	_ = s.outW.Close()
}

func (s *emulatorShell) run(line string) {
	flags := parseCommandFlags(line)

	argFile := s.emulator.localPath(flags["arg_data_file"])
	params, err := archive.Read(argFile)
	if err != nil {
		s.traceback(err)
		return
	}
	_ = os.Remove(argFile)

	ens, err := NewLocalEnsemble(params)
	if err != nil {
		s.traceback(err)
		return
	}
	order, err := network.ParseByteOrder(s.emulator.ByteOrder)
	if err != nil {
		s.traceback(err)
		return
	}

	bind := net.JoinHostPort(flags["remote_ip"], flags["udp_port"])
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		s.traceback(err)
		return
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.traceback(err)
		return
	}
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		_ = udp.Close()
		return
	default:
	}
	s.udp = udp
	s.mu.Unlock()

	din, dout := params.Ensemble.InputDimensions, params.Ensemble.OutputDimensions
	s.println("loaded %d neurons (%d in, %d out), listening on %s", params.Ensemble.NNeurons, din, dout, udp.LocalAddr())

	in := make([]float64, din+dout)
	buf := make([]byte, 64*1024)
	var reply []byte
	answered := 0
	for {
		n, from, err := udp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.traceback(err)
			}
			return
		}
		tag, err := network.DecodeDatagram(order, buf[:n], in)
		if err != nil {
			continue
		}
		out := ens.Step(in[:din], in[din:])
		reply = network.EncodeDatagram(order, reply, tag, out)
		if _, err := udp.WriteToUDP(reply, from); err != nil {
			continue
		}
		answered++
		if s.emulator.FailAfter > 0 && answered == s.emulator.FailAfter {
			_ = udp.Close()
			s.traceback(fmt.Errorf("injected failure after %d steps", answered))
			return
		}
	}
}

// parseCommandFlags extracts --name=value pairs, unquoting quoted values.
func parseCommandFlags(line string) map[string]string {
	flags := make(map[string]string)
	for _, match := range commandFlag.FindAllStringSubmatch(line, -1) {
		value := match[2]
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		flags[match[1]] = value
	}
	return flags
}
