package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"fpgaoffload/config"
)

// DefaultProbeTimeout bounds one control port probe.
const DefaultProbeTimeout = 2 * time.Second

// ErrUnreachable indicates a failed reachability probe.
var ErrUnreachable = errors.New("discovery: device unreachable")

// Reachability decides whether a device is believed reachable. A nil error
// means reachable.
type Reachability interface {
	Check(ctx context.Context, profile config.DeviceProfile) error
}

// AssumeReachable treats every configured device as reachable.
type AssumeReachable struct{}

// Check always succeeds.
func (AssumeReachable) Check(context.Context, config.DeviceProfile) error {
	return nil
}

// ProbeReachable dials the device's control port.
type ProbeReachable struct {
	Timeout time.Duration
}

// Check probes the control port of profile.
func (p ProbeReachable) Check(ctx context.Context, profile config.DeviceProfile) error {
	return Probe(ctx, profile.Address, profile.SSHPort, p.Timeout)
}

// Probe opens and closes a TCP connection to addr:port.
func Probe(ctx context.Context, addr string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	target := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	_ = conn.Close()
	return nil
}
