package archive

import (
	"errors"
	"fmt"
)

// Neuron types the remote executable implements.
const (
	NeuronRectifiedLinear        = "RectifiedLinear"
	NeuronSpikingRectifiedLinear = "SpikingRectifiedLinear"
)

// Learning rules the remote executable implements. An empty rule means no
// learning and is packaged with a zero learning rate.
const (
	LearningRuleNone = ""
	LearningRulePES  = "PES"
)

// SynapseLowpass is the only synapse supported on the feedback connection.
const SynapseLowpass = "Lowpass"

var (
	// ErrUnsupportedNeuronType indicates a neuron model the remote side cannot run.
	ErrUnsupportedNeuronType = errors.New("archive: neuron type is not supported")
	// ErrUnsupportedLearningRule indicates a learning rule the remote side cannot run.
	ErrUnsupportedLearningRule = errors.New("archive: learning rule is not supported")
	// ErrUnsupportedFeedback indicates a feedback connection the remote side cannot run.
	ErrUnsupportedFeedback = errors.New("archive: feedback connection is not supported")
	// ErrInvalidShape indicates inconsistent parameter dimensions.
	ErrInvalidShape = errors.New("archive: invalid parameter shape")
)

// SupportedNeuronTypes lists the neuron type tags accepted by Validate.
func SupportedNeuronTypes() []string {
	return []string{NeuronRectifiedLinear, NeuronSpikingRectifiedLinear}
}

// Matrix is a dense row-major float64 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the element at row i, column j.
func (m Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set stores v at row i, column j.
func (m Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// MulVec computes dst = m * x. dst must have m.Rows elements.
func (m Matrix) MulVec(dst, x []float64) {
	for i := 0; i < m.Rows; i++ {
		row := m.Data[i*m.Cols : (i+1)*m.Cols]
		sum := 0.0
		for j, w := range row {
			sum += w * x[j]
		}
		dst[i] = sum
	}
}

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix {
	return Matrix{Rows: m.Rows, Cols: m.Cols, Data: append([]float64(nil), m.Data...)}
}

func (m Matrix) valid() bool {
	return m.Rows >= 0 && m.Cols >= 0 && len(m.Data) == m.Rows*m.Cols
}

// SimArgs holds simulation-wide values.
type SimArgs struct {
	DT float64
}

// EnsembleArgs holds the resolved ensemble parameters.
type EnsembleArgs struct {
	NNeurons         int
	InputDimensions  int
	OutputDimensions int
	NeuronType       string
	Bias             []float64
	// ScaledEncoders is NNeurons x InputDimensions.
	ScaledEncoders Matrix
}

// ConnectionArgs holds the learned output connection.
type ConnectionArgs struct {
	// Weights is OutputDimensions x NNeurons.
	Weights      Matrix
	LearningRule string
	LearningRate float64
}

// FeedbackArgs holds the optional recurrent connection.
type FeedbackArgs struct {
	// Weights is InputDimensions x NNeurons.
	Weights      Matrix
	Tau          float64
	Synapse      string
	LearningRule string
}

// Params is the complete set of resolved values packaged for the remote side.
type Params struct {
	Sim        SimArgs
	Ensemble   EnsembleArgs
	Connection ConnectionArgs
	Feedback   *FeedbackArgs
}

// Validate checks that every feature is supported and every shape agrees.
func (p Params) Validate() error {
	ens := p.Ensemble

	switch ens.NeuronType {
	case NeuronRectifiedLinear, NeuronSpikingRectifiedLinear:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedNeuronType, ens.NeuronType)
	}

	switch p.Connection.LearningRule {
	case LearningRuleNone, LearningRulePES:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLearningRule, p.Connection.LearningRule)
	}

	if p.Feedback != nil {
		if p.Feedback.LearningRule != LearningRuleNone {
			return fmt.Errorf("%w: feedback connection does not support learning", ErrUnsupportedFeedback)
		}
		if p.Feedback.Synapse != SynapseLowpass {
			return fmt.Errorf("%w: feedback connection only supports the %s synapse", ErrUnsupportedFeedback, SynapseLowpass)
		}
	}

	if p.Sim.DT <= 0 {
		return fmt.Errorf("%w: dt must be > 0", ErrInvalidShape)
	}
	if ens.NNeurons <= 0 || ens.InputDimensions <= 0 || ens.OutputDimensions <= 0 {
		return fmt.Errorf("%w: neuron count and dimensions must be > 0", ErrInvalidShape)
	}
	if len(ens.Bias) != ens.NNeurons {
		return fmt.Errorf("%w: bias has %d entries, want %d", ErrInvalidShape, len(ens.Bias), ens.NNeurons)
	}
	if !ens.ScaledEncoders.valid() || ens.ScaledEncoders.Rows != ens.NNeurons || ens.ScaledEncoders.Cols != ens.InputDimensions {
		return fmt.Errorf("%w: scaled encoders are %dx%d, want %dx%d", ErrInvalidShape,
			ens.ScaledEncoders.Rows, ens.ScaledEncoders.Cols, ens.NNeurons, ens.InputDimensions)
	}
	w := p.Connection.Weights
	if !w.valid() || w.Rows != ens.OutputDimensions || w.Cols != ens.NNeurons {
		return fmt.Errorf("%w: connection weights are %dx%d, want %dx%d", ErrInvalidShape,
			w.Rows, w.Cols, ens.OutputDimensions, ens.NNeurons)
	}
	if p.Feedback != nil {
		fw := p.Feedback.Weights
		if !fw.valid() || fw.Rows != ens.InputDimensions || fw.Cols != ens.NNeurons {
			return fmt.Errorf("%w: feedback weights are %dx%d, want %dx%d", ErrInvalidShape,
				fw.Rows, fw.Cols, ens.InputDimensions, ens.NNeurons)
		}
		if p.Feedback.Tau < 0 {
			return fmt.Errorf("%w: feedback tau must be >= 0", ErrInvalidShape)
		}
	}
	return nil
}

// EffectiveLearningRate is the rate packaged for the remote side.
func (c ConnectionArgs) EffectiveLearningRate() float64 {
	if c.LearningRule == LearningRuleNone {
		return 0
	}
	return c.LearningRate
}
