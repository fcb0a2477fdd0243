package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	npyMagic     = "\x93NUMPY"
	npyAlignment = 64

	descrFloat64 = "<f8"
	descrInt64   = "<i8"
)

var (
	// ErrBadNPY indicates a member that is not a readable NPY v1.0 array.
	ErrBadNPY = errors.New("archive: malformed npy member")

	descrPattern   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranPattern = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// array is one decoded NPY member. Exactly one of floats, ints or text is set.
type array struct {
	descr  string
	shape  []int
	floats []float64
	ints   []int64
	text   string
}

func floatScalar(v float64) array {
	return array{descr: descrFloat64, shape: []int{}, floats: []float64{v}}
}

func intScalar(v int64) array {
	return array{descr: descrInt64, shape: []int{}, ints: []int64{v}}
}

func floatVector(v []float64) array {
	return array{descr: descrFloat64, shape: []int{len(v)}, floats: append([]float64(nil), v...)}
}

func matrixArray(m Matrix) array {
	return array{descr: descrFloat64, shape: []int{m.Rows, m.Cols}, floats: append([]float64(nil), m.Data...)}
}

func textScalar(s string) array {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		n = 1
	}
	return array{descr: "<U" + strconv.Itoa(n), shape: []int{}, text: s}
}

func (a array) isScalar() bool {
	return len(a.shape) == 0
}

func (a array) count() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

func (a array) float() (float64, error) {
	switch {
	case a.isScalar() && len(a.floats) == 1:
		return a.floats[0], nil
	case a.isScalar() && len(a.ints) == 1:
		return float64(a.ints[0]), nil
	default:
		return 0, fmt.Errorf("%w: expected numeric scalar, got %s%v", ErrBadNPY, a.descr, a.shape)
	}
}

func (a array) int() (int64, error) {
	switch {
	case a.isScalar() && len(a.ints) == 1:
		return a.ints[0], nil
	case a.isScalar() && len(a.floats) == 1 && a.floats[0] == math.Trunc(a.floats[0]):
		return int64(a.floats[0]), nil
	default:
		return 0, fmt.Errorf("%w: expected integer scalar, got %s%v", ErrBadNPY, a.descr, a.shape)
	}
}

func (a array) vector() ([]float64, error) {
	if len(a.shape) != 1 || a.floats == nil {
		return nil, fmt.Errorf("%w: expected float vector, got %s%v", ErrBadNPY, a.descr, a.shape)
	}
	return append([]float64(nil), a.floats...), nil
}

func (a array) matrix() (Matrix, error) {
	if len(a.shape) != 2 || a.floats == nil {
		return Matrix{}, fmt.Errorf("%w: expected float matrix, got %s%v", ErrBadNPY, a.descr, a.shape)
	}
	return Matrix{Rows: a.shape[0], Cols: a.shape[1], Data: append([]float64(nil), a.floats...)}, nil
}

func formatShape(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return "(" + strconv.Itoa(shape[0]) + ",)"
	default:
		parts := make([]string, len(shape))
		for i, d := range shape {
			parts[i] = strconv.Itoa(d)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
}

// writeNPY encodes one array in NPY format version 1.0, C order.
func writeNPY(w io.Writer, a array) error {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", a.descr, formatShape(a.shape))
	// magic(6) + version(2) + header length(2) + header + '\n'
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % npyAlignment; pad != 0 {
		header += strings.Repeat(" ", npyAlignment-pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy header too long: %d bytes", len(header))
	}

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)

	switch {
	case a.descr == descrFloat64:
		if len(a.floats) != a.count() {
			return fmt.Errorf("npy data length %d does not match shape %v", len(a.floats), a.shape)
		}
		if err := binary.Write(&buf, binary.LittleEndian, a.floats); err != nil {
			return fmt.Errorf("encode float data: %w", err)
		}
	case a.descr == descrInt64:
		if len(a.ints) != a.count() {
			return fmt.Errorf("npy data length %d does not match shape %v", len(a.ints), a.shape)
		}
		if err := binary.Write(&buf, binary.LittleEndian, a.ints); err != nil {
			return fmt.Errorf("encode int data: %w", err)
		}
	case strings.HasPrefix(a.descr, "<U"):
		width, err := strconv.Atoi(strings.TrimPrefix(a.descr, "<U"))
		if err != nil {
			return fmt.Errorf("npy unicode width: %w", err)
		}
		codepoints := make([]uint32, width)
		i := 0
		for _, r := range a.text {
			if i >= width {
				break
			}
			codepoints[i] = uint32(r)
			i++
		}
		if err := binary.Write(&buf, binary.LittleEndian, codepoints); err != nil {
			return fmt.Errorf("encode unicode data: %w", err)
		}
	default:
		return fmt.Errorf("npy dtype %q not supported", a.descr)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write npy: %w", err)
	}
	return nil
}

// readNPY decodes one NPY v1.0/v2.0 array written in C order.
func readNPY(r io.Reader) (array, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return array{}, fmt.Errorf("%w: read magic: %v", ErrBadNPY, err)
	}
	if string(prefix[:len(npyMagic)]) != npyMagic {
		return array{}, fmt.Errorf("%w: bad magic", ErrBadNPY)
	}

	var headerLen int
	switch prefix[len(npyMagic)] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return array{}, fmt.Errorf("%w: read header length: %v", ErrBadNPY, err)
		}
		headerLen = int(n)
	case 2:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return array{}, fmt.Errorf("%w: read header length: %v", ErrBadNPY, err)
		}
		headerLen = int(n)
	default:
		return array{}, fmt.Errorf("%w: unsupported version %d", ErrBadNPY, prefix[len(npyMagic)])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return array{}, fmt.Errorf("%w: read header: %v", ErrBadNPY, err)
	}

	descr, shape, err := parseHeader(string(header))
	if err != nil {
		return array{}, err
	}

	out := array{descr: descr, shape: shape}
	n := out.count()
	switch {
	case descr == descrFloat64:
		out.floats = make([]float64, n)
		if err := binary.Read(r, binary.LittleEndian, out.floats); err != nil {
			return array{}, fmt.Errorf("%w: read float data: %v", ErrBadNPY, err)
		}
	case descr == descrInt64:
		out.ints = make([]int64, n)
		if err := binary.Read(r, binary.LittleEndian, out.ints); err != nil {
			return array{}, fmt.Errorf("%w: read int data: %v", ErrBadNPY, err)
		}
	case strings.HasPrefix(descr, "<U"):
		width, err := strconv.Atoi(strings.TrimPrefix(descr, "<U"))
		if err != nil || width <= 0 || n != 1 {
			return array{}, fmt.Errorf("%w: unsupported unicode array %s%v", ErrBadNPY, descr, shape)
		}
		codepoints := make([]uint32, width)
		if err := binary.Read(r, binary.LittleEndian, codepoints); err != nil {
			return array{}, fmt.Errorf("%w: read unicode data: %v", ErrBadNPY, err)
		}
		var sb strings.Builder
		for _, cp := range codepoints {
			if cp == 0 {
				break
			}
			sb.WriteRune(rune(cp))
		}
		out.text = sb.String()
	default:
		return array{}, fmt.Errorf("%w: dtype %q not supported", ErrBadNPY, descr)
	}

	return out, nil
}

func parseHeader(header string) (string, []int, error) {
	descr := descrPattern.FindStringSubmatch(header)
	if descr == nil {
		return "", nil, fmt.Errorf("%w: header missing descr", ErrBadNPY)
	}
	fortran := fortranPattern.FindStringSubmatch(header)
	if fortran == nil {
		return "", nil, fmt.Errorf("%w: header missing fortran_order", ErrBadNPY)
	}
	if fortran[1] == "True" {
		return "", nil, fmt.Errorf("%w: fortran order not supported", ErrBadNPY)
	}
	rawShape := shapePattern.FindStringSubmatch(header)
	if rawShape == nil {
		return "", nil, fmt.Errorf("%w: header missing shape", ErrBadNPY)
	}

	shape := []int{}
	for _, part := range strings.Split(rawShape[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return "", nil, fmt.Errorf("%w: bad shape %q", ErrBadNPY, rawShape[1])
		}
		shape = append(shape, d)
	}
	return descr[1], shape, nil
}
