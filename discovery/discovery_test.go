package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"fpgaoffload/config"
)

func testServiceEntry(instance, role, hostID string, port int, ip string, extra ...string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	entry.Text = append([]string{"role=" + role, "host_id=" + hostID}, extra...)
	return entry
}

func TestBrowseReturnsBoardsOnly(t *testing.T) {
	cfg := Config{
		HostID:      "self-host",
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			entries <- testServiceEntry("workstation", RoleHost, "self-host", 9000, "10.0.0.1")
			entries <- testServiceEntry("pynq-z2", RoleBoard, "", 22, "10.0.0.2", "profile=pynq")
			entries <- testServiceEntry("de1", RoleBoard, "", 0, "10.0.0.3", "ssh_port=2222")
			<-ctx.Done()
			return nil
		},
	}

	boards, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("expected 2 boards, got %+v", boards)
	}
	if boards[0].Instance != "de1" || boards[0].SSHPort != 2222 {
		t.Fatalf("unexpected first board %+v", boards[0])
	}
	if boards[1].Instance != "pynq-z2" || boards[1].Profile != "pynq" || boards[1].Addresses[0] != "10.0.0.2" {
		t.Fatalf("unexpected second board %+v", boards[1])
	}
}

func TestBrowsePropagatesBrowseError(t *testing.T) {
	wantErr := errors.New("no multicast")
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return wantErr
		},
	}

	if _, err := Browse(context.Background(), cfg); !errors.Is(err, wantErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

// flakyBoard browses as two boards on the first scan and one afterwards.
func flakyBoard(calls *atomic.Int32) browseFunc {
	return func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		call := calls.Add(1)
		entries <- testServiceEntry("pynq-z2", RoleBoard, "", 22, "10.0.0.2")
		if call == 1 {
			entries <- testServiceEntry("de1", RoleBoard, "", 22, "10.0.0.3")
		}
		<-ctx.Done()
		return nil
	}
}

func TestBoardScannerScanReportsChanges(t *testing.T) {
	var calls atomic.Int32
	scanner, err := NewBoardScanner(Config{ScanTimeout: 25 * time.Millisecond, browseFn: flakyBoard(&calls)})
	if err != nil {
		t.Fatalf("NewBoardScanner failed: %v", err)
	}

	first, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(first) != 2 || first[0].Type != EventBoardUpserted || first[0].Board.Instance != "de1" {
		t.Fatalf("unexpected first scan events %+v", first)
	}

	second, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(second) != 1 || second[0].Type != EventBoardRemoved || second[0].Board.Instance != "de1" {
		t.Fatalf("expected only the removal of de1, got %+v", second)
	}
	if boards := scanner.ListBoards(); len(boards) != 1 || boards[0].Instance != "pynq-z2" {
		t.Fatalf("unexpected boards after rescan %+v", boards)
	}
}

func TestBoardScannerCancelledScanKeepsSnapshot(t *testing.T) {
	var calls atomic.Int32
	scanner, err := NewBoardScanner(Config{ScanTimeout: 25 * time.Millisecond, browseFn: flakyBoard(&calls)})
	if err != nil {
		t.Fatalf("NewBoardScanner failed: %v", err)
	}
	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scanner.Scan(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(scanner.ListBoards()) != 2 {
		t.Fatalf("cancelled scan replaced the snapshot: %+v", scanner.ListBoards())
	}
}

func TestBoardScannerWatchStreamsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	scanner, err := NewBoardScanner(Config{
		RefreshInterval: 10 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn:        flakyBoard(&calls),
	})
	if err != nil {
		t.Fatalf("NewBoardScanner failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := scanner.Watch(ctx, func(err error) {
		t.Errorf("unexpected scan error: %v", err)
	})

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("watch stopped early after %+v", got)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", got)
		}
	}
	if got[2].Type != EventBoardRemoved || got[2].Board.Instance != "de1" {
		t.Fatalf("expected de1 removal third, got %+v", got)
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch channel not closed after cancel")
	}
}

func TestAdvertiseBuildsHostRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		HostID:       "host-123",
		InstanceName: "workstation",
		Port:         9000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	broadcaster.Stop()

	if gotInstance != "workstation" || gotService != DefaultService || gotPort != 9000 {
		t.Fatalf("unexpected registration %q %q %d", gotInstance, gotService, gotPort)
	}
	txt := txtToMap(gotTXT)
	if txt["role"] != RoleHost || txt["host_id"] != "host-123" || txt["version"] != "1" {
		t.Fatalf("unexpected TXT records %v", gotTXT)
	}
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	if _, err := Advertise(Config{InstanceName: "x", Port: 1}); err == nil {
		t.Fatalf("expected missing host ID to fail")
	}
	if _, err := Advertise(Config{HostID: "h", InstanceName: "x"}); err == nil {
		t.Fatalf("expected missing port to fail")
	}
}

func TestProbeReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	profile := config.DeviceProfile{Address: "127.0.0.1", SSHPort: port}
	if err := (ProbeReachable{Timeout: time.Second}).Check(context.Background(), profile); err != nil {
		t.Fatalf("expected listener to be reachable, got %v", err)
	}

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	_ = closed.Close()

	err = Probe(context.Background(), "127.0.0.1", closedPort, time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for %s, got %v", strconv.Itoa(closedPort), err)
	}

	if err := (AssumeReachable{}).Check(context.Background(), config.DeviceProfile{}); err != nil {
		t.Fatalf("AssumeReachable failed: %v", err)
	}
}
