package ensemble

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"fpgaoffload/archive"
)

// ParamBuilder resolves a Spec into concrete numeric parameters.
type ParamBuilder interface {
	BuildParams(spec Spec, dt float64) (archive.Params, error)
}

// ParamBuilderFunc adapts a function to ParamBuilder.
type ParamBuilderFunc func(spec Spec, dt float64) (archive.Params, error)

// BuildParams calls f.
func (f ParamBuilderFunc) BuildParams(spec Spec, dt float64) (archive.Params, error) {
	return f(spec, dt)
}

// FeedbackSpec describes an optional recurrent connection on the ensemble.
type FeedbackSpec struct {
	// Transform maps the represented value back onto the input, Din x Din.
	// Nil means identity.
	Transform archive.Matrix
	Tau       float64
}

func (f FeedbackSpec) validate(inputDimensions int) error {
	if f.Tau < 0 {
		return fmt.Errorf("%w: feedback tau must not be negative", ErrInvalidSpec)
	}
	t := f.Transform
	if t.Rows == 0 && t.Cols == 0 && len(t.Data) == 0 {
		return nil
	}
	if t.Rows != inputDimensions || t.Cols != inputDimensions || len(t.Data) != t.Rows*t.Cols {
		return fmt.Errorf("%w: feedback transform must be %dx%d, got %dx%d with %d values",
			ErrInvalidSpec, inputDimensions, inputDimensions, t.Rows, t.Cols, len(t.Data))
	}
	return nil
}

// RandomParams draws encoders and biases from a seeded source and starts the
// output weights at zero, leaving PES to learn them. It stands in for a full
// model builder in tools and tests.
type RandomParams struct {
	// MaxRate is the firing rate at the edge of the represented range.
	MaxRate float64
}

// BuildParams implements ParamBuilder.
func (r RandomParams) BuildParams(spec Spec, dt float64) (archive.Params, error) {
	if spec.NNeurons <= 0 || spec.InputDimensions <= 0 || spec.OutputDimensions <= 0 {
		return archive.Params{}, errors.New("ensemble: neuron count and dimensions must be positive")
	}
	if spec.Feedback != nil {
		if err := spec.Feedback.validate(spec.InputDimensions); err != nil {
			return archive.Params{}, err
		}
	}
	maxRate := r.MaxRate
	if maxRate <= 0 {
		maxRate = 200
	}

	rng := rand.New(rand.NewPCG(uint64(spec.Seed), 0x9e3779b97f4a7c15))
	n, din, dout := spec.NNeurons, spec.InputDimensions, spec.OutputDimensions

	encoders := archive.NewMatrix(n, din)
	bias := make([]float64, n)
	for i := 0; i < n; i++ {
		norm := 0.0
		for j := 0; j < din; j++ {
			v := rng.NormFloat64()
			encoders.Set(i, j, v)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			norm = 1
		}

		// Intercept in [-1, 1): the neuron starts firing at that point along
		// its encoder and reaches maxRate at the edge.
		intercept := rng.Float64()*2 - 1
		gain := maxRate / (1 - intercept + 1e-9)
		bias[i] = -gain * intercept
		for j := 0; j < din; j++ {
			encoders.Set(i, j, gain*encoders.At(i, j)/norm)
		}
	}

	neuronType := spec.NeuronType
	if neuronType == "" {
		neuronType = archive.NeuronRectifiedLinear
	}
	rule := archive.LearningRulePES
	if spec.LearningRate == 0 {
		rule = archive.LearningRuleNone
	}

	params := archive.Params{
		Sim: archive.SimArgs{DT: dt},
		Ensemble: archive.EnsembleArgs{
			NNeurons:         n,
			InputDimensions:  din,
			OutputDimensions: dout,
			NeuronType:       neuronType,
			Bias:             bias,
			ScaledEncoders:   encoders,
		},
		Connection: archive.ConnectionArgs{
			Weights:      archive.NewMatrix(dout, n),
			LearningRule: rule,
			LearningRate: spec.LearningRate,
		},
	}

	if fb := spec.Feedback; fb != nil {
		// Decode the represented value with least-effort decoders: each
		// neuron's share of its normalised encoder.
		weights := archive.NewMatrix(din, n)
		for i := 0; i < n; i++ {
			for j := 0; j < din; j++ {
				weights.Set(j, i, encoders.At(i, j)/(maxRate*maxRate*float64(n)))
			}
		}
		if fb.Transform.Rows > 0 {
			mixed := archive.NewMatrix(din, n)
			for row := 0; row < din; row++ {
				for col := 0; col < n; col++ {
					sum := 0.0
					for k := 0; k < din; k++ {
						sum += fb.Transform.At(row, k) * weights.At(k, col)
					}
					mixed.Set(row, col, sum)
				}
			}
			weights = mixed
		}
		params.Feedback = &archive.FeedbackArgs{
			Weights: weights,
			Tau:     fb.Tau,
			Synapse: archive.SynapseLowpass,
		}
	}

	return params, nil
}
