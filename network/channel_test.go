package network

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"
)

// startPeer runs a UDP peer that answers each [t, x...] datagram with
// [t, respond(x)...]. A nil reply stays silent.
func startPeer(t *testing.T, sendDims, recvDims int, respond func(tag float64, x []float64) []float64) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	go func() {
		buf := make([]byte, 4096)
		in := make([]float64, sendDims)
		var out []byte
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			tag, err := DecodeDatagram(binary.LittleEndian, buf[:n], in)
			if err != nil {
				continue
			}
			reply := respond(tag, in)
			if reply == nil {
				continue
			}
			out = EncodeDatagram(binary.LittleEndian, out, tag, reply)
			_, _ = conn.WriteToUDP(out, from)
		}
	}()

	return conn
}

func openChannel(t *testing.T, endpoint Endpoint) *Channel {
	t.Helper()

	if endpoint.LocalAddr == "" {
		endpoint.LocalAddr = "127.0.0.1:0"
	}
	endpoint.ByteOrder = "little"
	channel, err := Open(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = channel.Close()
	})
	return channel
}

func TestStepExchangesWithEchoPeer(t *testing.T) {
	peer := startPeer(t, 2, 1, func(_ float64, x []float64) []float64 {
		return []float64{x[0] + x[1]}
	})

	channel := openChannel(t, Endpoint{
		RemoteAddr:  peer.LocalAddr().String(),
		SendDims:    2,
		RecvDims:    1,
		RecvTimeout: time.Second,
		DT:          0.001,
	})

	for step := 1; step <= 5; step++ {
		tick := float64(step) * 0.001
		got, err := channel.Step(tick, []float64{float64(step), 0.5})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if want := float64(step) + 0.5; got[0] != want {
			t.Fatalf("step %d: got %v want %v", step, got[0], want)
		}
	}

	stats := channel.Stats()
	if stats.Sent != 5 || stats.Received != 5 || stats.Lost != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStepTimeoutReturnsPreviousOutput(t *testing.T) {
	peer := startPeer(t, 1, 2, func(float64, []float64) []float64 { return nil })

	const timeout = 50 * time.Millisecond
	channel := openChannel(t, Endpoint{
		RemoteAddr:  peer.LocalAddr().String(),
		SendDims:    1,
		RecvDims:    2,
		RecvTimeout: timeout,
		DT:          0.001,
	})

	for step := 1; step <= 3; step++ {
		start := time.Now()
		got, err := channel.Step(float64(step)*0.001, []float64{3})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > timeout+250*time.Millisecond {
			t.Fatalf("receive blocked for %v, expected about %v", elapsed, timeout)
		}
		if len(got) != 2 || got[0] != 0 || got[1] != 0 {
			t.Fatalf("expected zero output before first reply, got %v", got)
		}
	}
	if channel.Stats().Lost != 3 {
		t.Fatalf("expected three losses, got %+v", channel.Stats())
	}
}

func TestStepHonoursTimestampWindow(t *testing.T) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer func() {
		_ = local.Close()
	}()

	channel := openChannel(t, Endpoint{
		RemoteAddr:  local.LocalAddr().String(),
		SendDims:    1,
		RecvDims:    1,
		RecvTimeout: 200 * time.Millisecond,
		DT:          0.001,
	})

	target := channel.LocalAddr().(*net.UDPAddr)
	send := func(tag, value float64) {
		payload := EncodeDatagram(binary.LittleEndian, nil, tag, []float64{value})
		if _, err := local.WriteToUDP(payload, target); err != nil {
			t.Fatalf("WriteToUDP failed: %v", err)
		}
	}

	send(0.0001, 11) // stale for t=0.010
	send(0.010, 22)  // in window
	send(0.0105, 33) // stale by the step at t=0.020
	send(0.030, 44)  // future, held until its step

	got, err := channel.Step(0.010, []float64{0})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got[0] != 22 {
		t.Fatalf("expected in-window value 22, got %v", got[0])
	}

	got, err = channel.Step(0.020, []float64{0})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got[0] != 22 {
		t.Fatalf("expected value to hold while future packet waits, got %v", got[0])
	}

	got, err = channel.Step(0.030, []float64{0})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got[0] != 44 {
		t.Fatalf("expected held value 44 at its step, got %v", got[0])
	}

	if discarded := channel.Stats().Discarded; discarded < 2 {
		t.Fatalf("expected stale and out-of-order datagrams to be discarded, got %d", discarded)
	}
}

func TestIgnoreTimestampAcceptsFirstDatagram(t *testing.T) {
	peer := startPeer(t, 1, 1, func(_ float64, x []float64) []float64 {
		return []float64{x[0] * 2}
	})

	channel := openChannel(t, Endpoint{
		RemoteAddr:      peer.LocalAddr().String(),
		SendDims:        1,
		RecvDims:        1,
		RecvTimeout:     time.Second,
		IgnoreTimestamp: true,
		DT:              0.001,
	})

	// The peer echoes our tag, which would be far outside the window for a
	// step at t=5 if timestamps were honoured.
	got, err := channel.Step(5, []float64{4})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got[0] != 8 {
		t.Fatalf("expected 8, got %v", got[0])
	}
}

func TestAdaptiveTimeoutShrinksAndResets(t *testing.T) {
	peer := startPeer(t, 1, 1, func(_ float64, x []float64) []float64 { return x })

	channel := openChannel(t, Endpoint{
		RemoteAddr:     peer.LocalAddr().String(),
		SendDims:       1,
		RecvDims:       1,
		RecvTimeout:    10 * time.Millisecond,
		RecvTimeoutMax: 200 * time.Millisecond,
		DT:             0.001,
	})

	if _, err := channel.Step(0.001, []float64{1}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := channel.Timeout(); got >= 200*time.Millisecond {
		t.Fatalf("expected timeout to shrink after success, got %v", got)
	}
}

func TestLossLimitStopsReceiving(t *testing.T) {
	peer := startPeer(t, 1, 1, func(float64, []float64) []float64 { return nil })

	channel := openChannel(t, Endpoint{
		RemoteAddr:  peer.LocalAddr().String(),
		SendDims:    1,
		RecvDims:    1,
		RecvTimeout: 10 * time.Millisecond,
		LossLimit:   2,
		DT:          0.001,
	})

	for step := 1; step <= 2; step++ {
		if _, err := channel.Step(float64(step)*0.001, []float64{0}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	start := time.Now()
	if _, err := channel.Step(0.003, []float64{0}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 10*time.Millisecond {
		t.Fatalf("expected no receive after loss limit, step took %v", elapsed)
	}
	if lost := channel.Stats().Lost; lost != 2 {
		t.Fatalf("expected two losses, got %d", lost)
	}
}

func TestSendThrottledToRemoteStep(t *testing.T) {
	peer := startPeer(t, 1, 1, func(float64, []float64) []float64 { return nil })

	channel := openChannel(t, Endpoint{
		RemoteAddr:  peer.LocalAddr().String(),
		SendDims:    1,
		RecvDims:    1,
		RecvTimeout: time.Millisecond,
		LossLimit:   1,
		DT:          0.001,
		RemoteDT:    0.005,
	})

	for step := 1; step <= 10; step++ {
		if _, err := channel.Step(float64(step)*0.001, []float64{0}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if sent := channel.Stats().Sent; sent != 2 {
		t.Fatalf("expected 2 sends over 10 local steps at remote dt 5x, got %d", sent)
	}
}

func TestStepRejectsMisuse(t *testing.T) {
	channel := openChannel(t, Endpoint{
		RemoteAddr: "127.0.0.1:9",
		SendDims:   2,
		RecvDims:   1,
	})

	if _, err := channel.Step(0.001, []float64{1}); !errors.Is(err, ErrVectorSize) {
		t.Fatalf("expected ErrVectorSize, got %v", err)
	}

	if err := channel.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := channel.Step(0.001, []float64{1, 2}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestOpenValidatesEndpoint(t *testing.T) {
	cases := []Endpoint{
		{LocalAddr: "127.0.0.1:0", RemoteAddr: "127.0.0.1:9", SendDims: 1, RecvDims: 0},
		{LocalAddr: "127.0.0.1:0", RemoteAddr: "127.0.0.1:9", SendDims: -1, RecvDims: 1},
	}
	for _, endpoint := range cases {
		if _, err := Open(context.Background(), endpoint); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("expected ErrInvalidEndpoint for %+v, got %v", endpoint, err)
		}
	}

	_, err := Open(context.Background(), Endpoint{LocalAddr: "127.0.0.1:0", RecvDims: 1, ByteOrder: "middle"})
	if !errors.Is(err, ErrByteOrder) {
		t.Fatalf("expected ErrByteOrder, got %v", err)
	}
}

func TestPickPort(t *testing.T) {
	if got := PickPort(4242, nil); got != 4242 {
		t.Fatalf("expected configured port, got %d", got)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		port := PickPort(0, rng)
		if port < MinAutoPort || port > MaxAutoPort {
			t.Fatalf("auto port %d out of range", port)
		}
	}
}
