package ensemble

import (
	"errors"
	"math/rand/v2"
	"sync"

	"fpgaoffload/network"
)

const maxPortDraws = 64

// ErrNoFreePort indicates the auto-port range is exhausted in this process.
var ErrNoFreePort = errors.New("ensemble: no free auto-assigned port")

// autoPorts tracks auto-assigned ports held by live instances so two
// instances in one process never draw the same one.
var autoPorts = struct {
	mu    sync.Mutex
	inUse map[int]struct{}
}{inUse: make(map[int]struct{})}

// reservePort returns configured when it is positive. Otherwise it draws a
// random port not held by another instance.
func reservePort(configured int, rng *rand.Rand) (port int, auto bool, err error) {
	if configured > 0 {
		return configured, false, nil
	}

	autoPorts.mu.Lock()
	defer autoPorts.mu.Unlock()
	for range maxPortDraws {
		port = network.PickPort(0, rng)
		if _, taken := autoPorts.inUse[port]; taken {
			continue
		}
		autoPorts.inUse[port] = struct{}{}
		return port, true, nil
	}
	return 0, false, ErrNoFreePort
}

func releasePort(port int) {
	autoPorts.mu.Lock()
	defer autoPorts.mu.Unlock()
	delete(autoPorts.inUse, port)
}
