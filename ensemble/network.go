package ensemble

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSealed indicates an attempt to add parts to a constructed network.
	ErrSealed = errors.New("ensemble: network is sealed")
	// ErrPortWidth indicates a vector whose width differs from its port.
	ErrPortWidth = errors.New("ensemble: port width mismatch")
)

// Part is one component of an exchange network.
type Part interface {
	PartName() string
}

// Port is a fixed-width numeric vector exposed to the host graph.
type Port struct {
	name string

	mu     sync.RWMutex
	values []float64
}

func newPort(name string, width int) *Port {
	return &Port{name: name, values: make([]float64, width)}
}

// PartName returns the port name.
func (p *Port) PartName() string {
	return p.name
}

// Width returns the fixed port width.
func (p *Port) Width() int {
	return len(p.values)
}

// Set replaces the port contents.
func (p *Port) Set(values []float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(values) != len(p.values) {
		return fmt.Errorf("%w: %s got %d, want %d", ErrPortWidth, p.name, len(values), len(p.values))
	}
	copy(p.values, values)
	return nil
}

// Values returns a copy of the port contents.
func (p *Port) Values() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.values...)
}

func (p *Port) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.values)
}

// Network is the sealed composite wrapping one offloaded ensemble. Its parts
// are fixed at construction.
type Network struct {
	Label  string
	Input  *Port
	Error  *Port
	Output *Port

	mu     sync.Mutex
	parts  []Part
	sealed bool
}

func newNetwork(label string, inputDims, outputDims int) *Network {
	n := &Network{
		Label:  label,
		Input:  newPort("input", inputDims),
		Error:  newPort("error", outputDims),
		Output: newPort("output", outputDims),
	}
	n.parts = []Part{n.Input, n.Error, n.Output}
	return n
}

// Add attaches a part. It fails with ErrSealed once the network is built.
func (n *Network) Add(part Part) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sealed {
		return fmt.Errorf("%w: cannot add %q to %q", ErrSealed, part.PartName(), n.Label)
	}
	n.parts = append(n.parts, part)
	return nil
}

// Parts returns the network parts in insertion order.
func (n *Network) Parts() []Part {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Part(nil), n.parts...)
}

// Sealed reports whether the network is frozen.
func (n *Network) Sealed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sealed
}

func (n *Network) seal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sealed = true
}
