package remote

import (
	"fmt"
	"strings"
)

const (
	markerKilled    = "Killed"
	markerTraceback = "Traceback"
)

// ControlSession turns raw shell output chunks into complete lines. Bytes are
// decoded as Latin-1 and carriage returns are normalised to newlines. An
// unterminated tail is retained until the next chunk.
type ControlSession struct {
	partial   string
	pendingCR bool
}

// Feed consumes one chunk and returns the lines it completed.
func (s *ControlSession) Feed(chunk []byte) []string {
	text := decodeLatin1(chunk)
	if s.pendingCR {
		text = "\r" + text
		s.pendingCR = false
	}
	if strings.HasSuffix(text, "\r") {
		// Could be the first half of a \r\n pair split across chunks.
		text = text[:len(text)-1]
		s.pendingCR = true
	}

	text = s.partial + normaliseNewlines(text)
	parts := strings.Split(text, "\n")
	s.partial = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

// Flush returns the retained tail as a final line, if any.
func (s *ControlSession) Flush() []string {
	tail := s.partial
	s.partial = ""
	s.pendingCR = false
	if tail == "" {
		return nil
	}
	return []string{tail}
}

// Partial returns the unterminated tail seen so far, such as a prompt.
func (s *ControlSession) Partial() string {
	return s.partial
}

func decodeLatin1(chunk []byte) string {
	runes := make([]rune, len(chunk))
	for i, b := range chunk {
		runes[i] = rune(b)
	}
	return string(runes)
}

func normaliseNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\r\r", "\r")
	return strings.ReplaceAll(text, "\r", "\n")
}

// RemoteError is a fault reported by the remote program, carrying the device
// identity and the collected output.
type RemoteError struct {
	Device string
	Lines  []string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: received the following error on the remote side %s:\n%s",
		e.Device, strings.Join(e.Lines, "\n"))
}

// classifier watches output lines for fatal-exit and exception markers.
type classifier struct {
	device  string
	faulted bool
	fatal   bool
	lines   []string
}

// classify returns a non-nil error once a flagged fault is complete. logLine
// reports whether the line is ordinary output.
func (c *classifier) classify(line string) (logLine bool, err *RemoteError) {
	if strings.HasPrefix(line, markerKilled) {
		c.fatal = true
	}
	if !c.faulted {
		if strings.HasPrefix(line, markerKilled) || strings.HasPrefix(line, markerTraceback) {
			c.faulted = true
			c.lines = append(c.lines, line)
			return false, nil
		}
		return true, nil
	}

	c.lines = append(c.lines, line)
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return false, nil
	}
	return false, c.fault()
}

// boundary is called after each chunk. A fatal exit raises here without
// waiting for a terminating line, since the shell prompt that follows it
// has no newline.
func (c *classifier) boundary() *RemoteError {
	if !c.fatal {
		return nil
	}
	return c.fault()
}

// finish is called at end of output; a flagged fault still raises.
func (c *classifier) finish() *RemoteError {
	if !c.faulted {
		return nil
	}
	return c.fault()
}

func (c *classifier) fault() *RemoteError {
	err := &RemoteError{Device: c.device, Lines: append([]string(nil), c.lines...)}
	c.faulted = false
	c.fatal = false
	c.lines = nil
	return err
}
