package ensemble

import (
	"fmt"
	"math"

	"fpgaoffload/archive"
)

// LocalEnsemble computes the ensemble on the host with rectified-linear
// neurons, PES learning on the output weights and lowpass recurrent feedback.
type LocalEnsemble struct {
	params  archive.Params
	weights archive.Matrix
	dt      float64
	rate    float64
	spiking bool

	drive    []float64
	current  []float64
	activity []float64
	voltage  []float64
	output   []float64

	feedback       *lowpass
	feedbackDrive  []float64
	feedbackWeight archive.Matrix
}

// NewLocalEnsemble validates params and prepares the local computation.
func NewLocalEnsemble(params archive.Params) (*LocalEnsemble, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Sim.DT <= 0 {
		return nil, fmt.Errorf("%w: dt must be positive, got %v", archive.ErrInvalidShape, params.Sim.DT)
	}

	ens := params.Ensemble
	e := &LocalEnsemble{
		params:   params,
		weights:  params.Connection.Weights.Clone(),
		dt:       params.Sim.DT,
		rate:     params.Connection.EffectiveLearningRate(),
		spiking:  ens.NeuronType == archive.NeuronSpikingRectifiedLinear,
		drive:    make([]float64, ens.InputDimensions),
		current:  make([]float64, ens.NNeurons),
		activity: make([]float64, ens.NNeurons),
		voltage:  make([]float64, ens.NNeurons),
		output:   make([]float64, ens.OutputDimensions),
	}
	if fb := params.Feedback; fb != nil {
		e.feedback = newLowpass(fb.Tau, ens.InputDimensions)
		e.feedbackDrive = make([]float64, ens.InputDimensions)
		e.feedbackWeight = fb.Weights
	}
	return e, nil
}

// PartName identifies the part inside a network.
func (e *LocalEnsemble) PartName() string {
	return "local ensemble"
}

// Step advances one timestep and returns the decoded output. The returned
// slice is owned by the ensemble.
func (e *LocalEnsemble) Step(input, errorSignal []float64) []float64 {
	ens := e.params.Ensemble

	copy(e.drive, input)
	if e.feedback != nil {
		for i, v := range e.feedback.state {
			e.drive[i] += v
		}
	}

	ens.ScaledEncoders.MulVec(e.current, e.drive)
	for i := range e.current {
		j := math.Max(0, e.current[i]+ens.Bias[i])
		if !e.spiking {
			e.activity[i] = j
			continue
		}
		e.voltage[i] += j * e.dt
		spikes := math.Floor(e.voltage[i])
		e.voltage[i] -= spikes
		e.activity[i] = spikes / e.dt
	}

	e.weights.MulVec(e.output, e.activity)

	if e.rate != 0 {
		scale := e.rate * e.dt / float64(ens.NNeurons)
		for row := 0; row < e.weights.Rows; row++ {
			delta := scale * errorSignal[row]
			if delta == 0 {
				continue
			}
			base := row * e.weights.Cols
			for col, a := range e.activity {
				e.weights.Data[base+col] -= delta * a
			}
		}
	}

	if e.feedback != nil {
		e.feedbackWeight.MulVec(e.feedbackDrive, e.activity)
		e.feedback.step(e.dt, e.feedbackDrive)
	}

	return e.output
}

// Weights returns a copy of the current decoder weights.
func (e *LocalEnsemble) Weights() archive.Matrix {
	return e.weights.Clone()
}

// Reset restores the initial weights and clears neuron state.
func (e *LocalEnsemble) Reset() {
	e.weights = e.params.Connection.Weights.Clone()
	clear(e.voltage)
	clear(e.activity)
	clear(e.output)
	if e.feedback != nil {
		e.feedback.reset()
	}
}
