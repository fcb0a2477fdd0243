package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRecvTimeout bounds one per-step receive.
	DefaultRecvTimeout = 100 * time.Millisecond
	// DefaultDT is the local simulation step assumed when none is given.
	DefaultDT = 0.001
	// MinAutoPort and MaxAutoPort bound randomly chosen exchange ports.
	MinAutoPort = 20000
	MaxAutoPort = 65535

	recvBufferSize = 64 * 1024
	timeoutDecay   = 0.9
)

var (
	// ErrVectorSize indicates a step vector whose width differs from the
	// declared send dimensionality.
	ErrVectorSize = errors.New("network: vector size mismatch")
	// ErrChannelClosed indicates use of a closed channel.
	ErrChannelClosed = errors.New("network: channel closed")
	// ErrInvalidEndpoint indicates a malformed endpoint description.
	ErrInvalidEndpoint = errors.New("network: invalid endpoint")
)

// Logger is the logging surface used by the channel.
type Logger interface {
	Printf(format string, args ...any)
}

// Endpoint describes one side of the per-step exchange.
type Endpoint struct {
	// LocalAddr is the host:port the channel binds before any send.
	LocalAddr string
	// RemoteAddr is the host:port datagrams are sent to.
	RemoteAddr string

	SendDims int
	RecvDims int

	// RecvTimeout is the minimum per-step receive timeout. When RecvTimeoutMax
	// is larger the timeout adapts between the two.
	RecvTimeout    time.Duration
	RecvTimeoutMax time.Duration

	// IgnoreTimestamp accepts the first datagram of each step regardless of tag.
	IgnoreTimestamp bool

	// DT is the local step and RemoteDT the peer's step, both in seconds.
	DT       float64
	RemoteDT float64

	// LossLimit stops receiving after this many consecutive losses. Zero means
	// no limit.
	LossLimit int

	// ByteOrder is "little", "big" or "native" ("<", ">", "=").
	ByteOrder string

	Logger Logger
}

func (e Endpoint) withDefaults() Endpoint {
	if e.RecvTimeout <= 0 {
		e.RecvTimeout = DefaultRecvTimeout
	}
	if e.RecvTimeoutMax < e.RecvTimeout {
		e.RecvTimeoutMax = e.RecvTimeout
	}
	if e.DT <= 0 {
		e.DT = DefaultDT
	}
	if e.RemoteDT < e.DT {
		e.RemoteDT = e.DT
	}
	if e.Logger == nil {
		e.Logger = log.Default()
	}
	return e
}

// Stats holds channel counters.
type Stats struct {
	Sent      uint64
	Received  uint64
	Lost      uint64
	Discarded uint64
	Malformed uint64
}

// Channel is a bound UDP socket exchanging one vector per simulation step.
// Step is meant to be driven by a single goroutine; Close may be called from
// any goroutine and unblocks a pending receive.
type Channel struct {
	endpoint Endpoint
	order    binary.ByteOrder
	conn     *net.UDPConn
	remote   *net.UDPAddr

	sendBuf []byte
	recvBuf []byte

	// value is the last accepted output, returned on loss.
	value []float64

	// held is a received datagram not yet consumed by its step.
	held     []float64
	heldTag  float64
	heldSet  bool
	lastTag  float64
	lastSent float64
	sentOnce bool

	timeout    time.Duration
	lostInARow int

	sent      atomic.Uint64
	received  atomic.Uint64
	lost      atomic.Uint64
	discarded atomic.Uint64
	malformed atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Open validates the endpoint and binds the local socket.
func Open(ctx context.Context, endpoint Endpoint) (*Channel, error) {
	endpoint = endpoint.withDefaults()

	if endpoint.RecvDims <= 0 {
		return nil, fmt.Errorf("%w: receive dimensions must be positive, got %d", ErrInvalidEndpoint, endpoint.RecvDims)
	}
	if endpoint.SendDims < 0 {
		return nil, fmt.Errorf("%w: send dimensions must not be negative, got %d", ErrInvalidEndpoint, endpoint.SendDims)
	}
	order, err := ParseByteOrder(endpoint.ByteOrder)
	if err != nil {
		return nil, err
	}

	var remote *net.UDPAddr
	if endpoint.SendDims > 0 {
		remote, err = net.ResolveUDPAddr("udp", endpoint.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve remote %q: %v", ErrInvalidEndpoint, endpoint.RemoteAddr, err)
		}
	}

	listenConfig := net.ListenConfig{Control: reuseControl}
	packetConn, err := listenConfig.ListenPacket(ctx, "udp", endpoint.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", endpoint.LocalAddr, err)
	}
	udpConn, ok := packetConn.(*net.UDPConn)
	if !ok {
		_ = packetConn.Close()
		return nil, fmt.Errorf("%w: %T is not a UDP socket", ErrInvalidEndpoint, packetConn)
	}

	return &Channel{
		endpoint: endpoint,
		order:    order,
		conn:     udpConn,
		remote:   remote,
		sendBuf:  make([]byte, DatagramSize(endpoint.SendDims)),
		recvBuf:  make([]byte, recvBufferSize),
		value:    make([]float64, endpoint.RecvDims),
		held:     make([]float64, endpoint.RecvDims),
		lastTag:  math.Inf(-1),
		timeout:  endpoint.RecvTimeoutMax,
	}, nil
}

// LocalAddr returns the bound local address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Endpoint returns the effective endpoint after defaults.
func (c *Channel) Endpoint() Endpoint {
	return c.endpoint
}

// Step sends x tagged with t and returns the peer's vector for this step. A
// receive timeout is not an error: the previous output is returned unchanged.
func (c *Channel) Step(t float64, x []float64) ([]float64, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	if len(x) != c.endpoint.SendDims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVectorSize, len(x), c.endpoint.SendDims)
	}

	if c.endpoint.SendDims > 0 && c.shouldSend(t) {
		c.send(t, x)
	}

	limit := c.endpoint.LossLimit
	if limit <= 0 || c.lostInARow < limit {
		if c.receive(t) {
			c.lostInARow = 0
			c.timeout = max(c.endpoint.RecvTimeout, time.Duration(float64(c.timeout)*timeoutDecay))
		} else {
			c.lostInARow++
			c.lost.Add(1)
			c.timeout = c.endpoint.RecvTimeoutMax
			if limit > 0 && c.lostInARow == limit {
				c.endpoint.Logger.Printf("network: %d consecutive losses from %s, receiving disabled", limit, c.endpoint.RemoteAddr)
			}
		}
	}

	return append([]float64(nil), c.value...), nil
}

// shouldSend throttles sends to the peer's step size.
func (c *Channel) shouldSend(t float64) bool {
	if !c.sentOnce {
		return true
	}
	return t+c.endpoint.DT/2 >= c.lastSent+c.endpoint.RemoteDT
}

func (c *Channel) send(t float64, x []float64) {
	c.sendBuf = EncodeDatagram(c.order, c.sendBuf, t, x)
	if _, err := c.conn.WriteToUDP(c.sendBuf, c.remote); err != nil {
		if !c.closed.Load() {
			c.endpoint.Logger.Printf("network: send to %s failed: %v", c.remote, err)
		}
		return
	}
	c.sent.Add(1)
	c.lastSent = t
	c.sentOnce = true
}

// receive updates c.value for step t. It returns false when nothing usable
// arrived before the deadline.
func (c *Channel) receive(t float64) bool {
	half := c.endpoint.RemoteDT / 2

	if !c.endpoint.IgnoreTimestamp && c.heldSet {
		switch {
		case c.heldTag >= t+half:
			// Still ahead of us; the peer has nothing newer for this step.
			return true
		case c.heldTag >= t-half:
			c.accept(c.heldTag, c.held)
			c.heldSet = false
			return true
		default:
			c.heldSet = false
			c.discarded.Add(1)
		}
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return false
	}

	for {
		n, _, err := c.conn.ReadFromUDP(c.recvBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false
			}
			if errors.Is(err, net.ErrClosed) || c.closed.Load() {
				return false
			}
			c.endpoint.Logger.Printf("network: receive failed: %v", err)
			return false
		}

		tag, err := DecodeDatagram(c.order, c.recvBuf[:n], c.held)
		if err != nil {
			c.malformed.Add(1)
			continue
		}

		if c.endpoint.IgnoreTimestamp {
			c.accept(tag, c.held)
			return true
		}

		if tag <= c.lastTag || tag < t-half {
			c.discarded.Add(1)
			continue
		}
		if tag >= t+half {
			c.heldTag = tag
			c.heldSet = true
			return true
		}

		c.accept(tag, c.held)
		return true
	}
}

func (c *Channel) accept(tag float64, values []float64) {
	copy(c.value, values)
	c.lastTag = tag
	c.received.Add(1)
}

// Timeout returns the current adaptive receive timeout.
func (c *Channel) Timeout() time.Duration {
	return c.timeout
}

// Stats returns a snapshot of channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Lost:      c.lost.Load(),
		Discarded: c.discarded.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Close releases the socket. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// PickPort returns configured when it is positive, otherwise a random port in
// [MinAutoPort, MaxAutoPort]. A nil rng uses the package source.
func PickPort(configured int, rng *rand.Rand) int {
	if configured > 0 {
		return configured
	}
	span := MaxAutoPort - MinAutoPort + 1
	if rng == nil {
		return MinAutoPort + rand.IntN(span)
	}
	return MinAutoPort + rng.IntN(span)
}
