package ensemble

import "math"

// lowpass is a first-order synapse. A zero time constant passes input through.
type lowpass struct {
	tau   float64
	state []float64
}

func newLowpass(tau float64, width int) *lowpass {
	return &lowpass{tau: tau, state: make([]float64, width)}
}

func (f *lowpass) PartName() string {
	return "lowpass"
}

// step advances the filter by dt and returns its state. The returned slice is
// owned by the filter.
func (f *lowpass) step(dt float64, x []float64) []float64 {
	if f.tau <= 0 {
		copy(f.state, x)
		return f.state
	}
	alpha := 1 - math.Exp(-dt/f.tau)
	for i, v := range x {
		f.state[i] += alpha * (v - f.state[i])
	}
	return f.state
}

func (f *lowpass) reset() {
	clear(f.state)
}
