package discovery

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"fpgaoffload/models"
)

const (
	// EventBoardUpserted is emitted when a board appears or its record changes.
	EventBoardUpserted EventType = "board_upserted"
	// EventBoardRemoved is emitted when a previously seen board disappears.
	EventBoardRemoved EventType = "board_removed"

	defaultSSHPort = 22
)

// EventType identifies board discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Board models.Board
}

// BoardScanner keeps the set of boards answering on the network and reports
// what changed between scan windows.
type BoardScanner struct {
	cfg    Config
	browse browseFunc

	mu     sync.RWMutex
	boards map[string]models.Board
}

// NewBoardScanner creates a scanner with config defaults applied.
func NewBoardScanner(config Config) (*BoardScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &BoardScanner{
		cfg:    cfg,
		browse: browse,
		boards: make(map[string]models.Board),
	}, nil
}

// Browse runs one scan window and returns the boards seen, sorted by name.
func Browse(ctx context.Context, config Config) ([]models.Board, error) {
	scanner, err := NewBoardScanner(config)
	if err != nil {
		return nil, err
	}
	if _, err := scanner.Scan(ctx); err != nil {
		return nil, err
	}
	return scanner.ListBoards(), nil
}

// Scan listens for one scan window, replaces the snapshot with what it saw
// and returns the differences. A cancelled ctx leaves the snapshot as it was.
func (s *BoardScanner) Scan(ctx context.Context) ([]Event, error) {
	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]models.Board)
	collected := make(chan struct{})

	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collected)
		for {
			select {
			case <-window.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				board, ok := parseEntry(entry, s.cfg.HostID)
				if !ok {
					continue
				}
				board.LastSeenUnix = time.Now().Unix()
				seen[board.Instance] = board
			}
		}
	}(entries)

	if err := s.browse(window, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return nil, err
	}
	<-window.Done()
	<-collected

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.replace(seen), nil
}

// Watch scans now and then every RefreshInterval until ctx ends, sending each
// change on the returned channel, which is closed when watching stops. Failed
// scans go to onError and keep the previous snapshot.
func (s *BoardScanner) Watch(ctx context.Context, onError func(error)) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			changes, err := s.Scan(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil && onError != nil {
				onError(err)
			}
			for _, event := range changes {
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

// ListBoards returns the current snapshot sorted by instance name.
func (s *BoardScanner) ListBoards() []models.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Board, 0, len(s.boards))
	for _, name := range instances(s.boards) {
		out = append(out, s.boards[name])
	}
	return out
}

func (s *BoardScanner) replace(next map[string]models.Board) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.boards
	s.boards = next

	var changes []Event
	for _, name := range instances(next) {
		if old, ok := previous[name]; !ok || !boardsEqual(old, next[name]) {
			changes = append(changes, Event{Type: EventBoardUpserted, Board: next[name]})
		}
	}
	for _, name := range instances(previous) {
		if _, ok := next[name]; !ok {
			changes = append(changes, Event{Type: EventBoardRemoved, Board: previous[name]})
		}
	}
	return changes
}

func instances(boards map[string]models.Board) []string {
	names := make([]string, 0, len(boards))
	for name := range boards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseEntry accepts board records. Host records, including our own, are
// skipped.
func parseEntry(entry *zeroconf.ServiceEntry, hostID string) (models.Board, bool) {
	if entry == nil {
		return models.Board{}, false
	}
	txt := txtToMap(entry.Text)

	if txt["role"] != RoleBoard {
		return models.Board{}, false
	}
	if hostID != "" && txt["host_id"] == hostID {
		return models.Board{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		return models.Board{}, false
	}

	sshPort := entry.Port
	if raw := txt["ssh_port"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			sshPort = parsed
		}
	}
	if sshPort <= 0 {
		sshPort = defaultSSHPort
	}

	return models.Board{
		Instance:  name,
		HostName:  entry.HostName,
		Addresses: addresses,
		SSHPort:   sshPort,
		Profile:   txt["profile"],
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func boardsEqual(a, b models.Board) bool {
	return a.Instance == b.Instance &&
		a.HostName == b.HostName &&
		a.SSHPort == b.SSHPort &&
		a.Profile == b.Profile &&
		slices.Equal(a.Addresses, b.Addresses)
}
