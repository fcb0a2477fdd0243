// Package archive packages resolved ensemble parameters into the compressed
// multi-array container read by the remote executable.
//
// The container is a zip file (deflate) of NPY members. Member names are
// "<record>/<field>.npy" where record is one of sim_args, ens_args, conn_args or
// recur_args. The remote reader depends on these names exactly.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Record names shared with the remote reader.
const (
	RecordSim        = "sim_args"
	RecordEnsemble   = "ens_args"
	RecordConnection = "conn_args"
	RecordFeedback   = "recur_args"
)

const (
	fileNamePrefix = "fpen_args_"
	fileExtension  = ".npz"
)

// ErrMissingMember indicates an archive without a required record field.
var ErrMissingMember = errors.New("archive: missing member")

// FileName returns the archive file name for one network instance.
func FileName(instanceID string) string {
	return fileNamePrefix + instanceID + fileExtension
}

type member struct {
	name  string
	value array
}

func memberName(record, field string) string {
	return record + "/" + field + ".npy"
}

func members(p Params) []member {
	ens := p.Ensemble
	out := []member{
		{memberName(RecordSim, "dt"), floatScalar(p.Sim.DT)},

		{memberName(RecordEnsemble, "input_dimensions"), intScalar(int64(ens.InputDimensions))},
		{memberName(RecordEnsemble, "output_dimensions"), intScalar(int64(ens.OutputDimensions))},
		{memberName(RecordEnsemble, "n_neurons"), intScalar(int64(ens.NNeurons))},
		{memberName(RecordEnsemble, "bias"), floatVector(ens.Bias)},
		{memberName(RecordEnsemble, "neuron_type"), textScalar(ens.NeuronType)},
		{memberName(RecordEnsemble, "scaled_encoders"), matrixArray(ens.ScaledEncoders)},

		{memberName(RecordConnection, "weights"), matrixArray(p.Connection.Weights)},
		{memberName(RecordConnection, "learning_rate"), floatScalar(p.Connection.EffectiveLearningRate())},
	}

	if p.Feedback == nil {
		// recur_args is always present; a scalar zero weight marks it unused.
		out = append(out, member{memberName(RecordFeedback, "weights"), intScalar(0)})
	} else {
		out = append(out,
			member{memberName(RecordFeedback, "weights"), matrixArray(p.Feedback.Weights)},
			member{memberName(RecordFeedback, "tau"), floatScalar(p.Feedback.Tau)},
		)
	}
	return out
}

// Write validates p and writes the archive to path. Validation happens before
// any file is touched, and the archive is assembled in a temporary file that is
// renamed into place, so a failed build never leaves a partial archive at path.
func Write(path string, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fpen-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := encode(tmp, p); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename archive into place: %w", err)
	}
	committed = true
	return nil
}

func encode(w io.Writer, p Params) error {
	zw := zip.NewWriter(w)
	for _, m := range members(p) {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: m.name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("create member %s: %w", m.name, err)
		}
		if err := writeNPY(fw, m.value); err != nil {
			return fmt.Errorf("write member %s: %w", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

// Contents lists the member names of an archive in sorted order.
func Contents(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Read decodes an archive written by Write.
func Read(path string) (Params, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Params{}, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	arrays := make(map[string]array, len(zr.File))
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Params{}, fmt.Errorf("open member %s: %w", f.Name, err)
		}
		a, err := readNPY(rc)
		_ = rc.Close()
		if err != nil {
			return Params{}, fmt.Errorf("read member %s: %w", f.Name, err)
		}
		arrays[f.Name] = a
	}

	r := reader{arrays: arrays}
	var p Params
	p.Sim.DT = r.float(RecordSim, "dt")

	p.Ensemble.InputDimensions = int(r.int(RecordEnsemble, "input_dimensions"))
	p.Ensemble.OutputDimensions = int(r.int(RecordEnsemble, "output_dimensions"))
	p.Ensemble.NNeurons = int(r.int(RecordEnsemble, "n_neurons"))
	p.Ensemble.Bias = r.vector(RecordEnsemble, "bias")
	p.Ensemble.NeuronType = r.text(RecordEnsemble, "neuron_type")
	p.Ensemble.ScaledEncoders = r.matrix(RecordEnsemble, "scaled_encoders")

	p.Connection.Weights = r.matrix(RecordConnection, "weights")
	p.Connection.LearningRate = r.float(RecordConnection, "learning_rate")
	if p.Connection.LearningRate != 0 {
		p.Connection.LearningRule = LearningRulePES
	}

	if weights, ok := arrays[memberName(RecordFeedback, "weights")]; ok && !weights.isScalar() {
		p.Feedback = &FeedbackArgs{
			Weights: r.matrix(RecordFeedback, "weights"),
			Tau:     r.float(RecordFeedback, "tau"),
			Synapse: SynapseLowpass,
		}
	} else if !ok {
		r.fail(fmt.Errorf("%w: %s", ErrMissingMember, memberName(RecordFeedback, "weights")))
	}

	if r.err != nil {
		return Params{}, r.err
	}
	return p, nil
}

// reader collects the first decoding error so Read stays linear.
type reader struct {
	arrays map[string]array
	err    error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) get(record, field string) (array, bool) {
	name := memberName(record, field)
	a, ok := r.arrays[name]
	if !ok {
		r.fail(fmt.Errorf("%w: %s", ErrMissingMember, name))
	}
	return a, ok
}

func (r *reader) float(record, field string) float64 {
	a, ok := r.get(record, field)
	if !ok {
		return 0
	}
	v, err := a.float()
	if err != nil {
		r.fail(fmt.Errorf("%s/%s: %w", record, field, err))
	}
	return v
}

func (r *reader) int(record, field string) int64 {
	a, ok := r.get(record, field)
	if !ok {
		return 0
	}
	v, err := a.int()
	if err != nil {
		r.fail(fmt.Errorf("%s/%s: %w", record, field, err))
	}
	return v
}

func (r *reader) vector(record, field string) []float64 {
	a, ok := r.get(record, field)
	if !ok {
		return nil
	}
	v, err := a.vector()
	if err != nil {
		r.fail(fmt.Errorf("%s/%s: %w", record, field, err))
	}
	return v
}

func (r *reader) matrix(record, field string) Matrix {
	a, ok := r.get(record, field)
	if !ok {
		return Matrix{}
	}
	m, err := a.matrix()
	if err != nil {
		r.fail(fmt.Errorf("%s/%s: %w", record, field, err))
	}
	return m
}

func (r *reader) text(record, field string) string {
	a, ok := r.get(record, field)
	if !ok {
		return ""
	}
	if a.text == "" && !strings.HasPrefix(a.descr, "<U") {
		r.fail(fmt.Errorf("%s/%s: %w: expected unicode scalar", record, field, ErrBadNPY))
	}
	return a.text
}
