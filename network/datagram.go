package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Datagram layout: one float64 tag followed by the vector values, every field
// an IEEE-754 double in the configured byte order. The tag carries the
// sender's simulation time.
const valueSize = 8

var (
	// ErrDatagramSize indicates a payload whose length does not match the
	// expected dimensionality.
	ErrDatagramSize = errors.New("network: datagram size mismatch")
	// ErrByteOrder indicates an unknown byte order name.
	ErrByteOrder = errors.New("network: unsupported byte order")
)

// ParseByteOrder maps "little"/"<", "big"/">" and "native"/"="/"" to a
// binary.ByteOrder.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "little", "<":
		return binary.LittleEndian, nil
	case "big", ">":
		return binary.BigEndian, nil
	case "", "=", "native":
		return binary.NativeEndian, nil
	default:
		return nil, fmt.Errorf("%w: %q (use little, big or native)", ErrByteOrder, name)
	}
}

// DatagramSize returns the payload length for a vector of dims values.
func DatagramSize(dims int) int {
	return (dims + 1) * valueSize
}

// EncodeDatagram writes tag and values into dst, growing it if needed, and
// returns the encoded payload.
func EncodeDatagram(order binary.ByteOrder, dst []byte, tag float64, values []float64) []byte {
	size := DatagramSize(len(values))
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	order.PutUint64(dst[0:valueSize], math.Float64bits(tag))
	for i, v := range values {
		off := (i + 1) * valueSize
		order.PutUint64(dst[off:off+valueSize], math.Float64bits(v))
	}
	return dst
}

// DecodeDatagram parses a payload carrying exactly dims values into values,
// which must have length dims, and returns the tag.
func DecodeDatagram(order binary.ByteOrder, payload []byte, values []float64) (float64, error) {
	if len(payload) != DatagramSize(len(values)) {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrDatagramSize, len(payload), DatagramSize(len(values)))
	}

	tag := math.Float64frombits(order.Uint64(payload[0:valueSize]))
	for i := range values {
		off := (i + 1) * valueSize
		values[i] = math.Float64frombits(order.Uint64(payload[off : off+valueSize]))
	}
	return tag, nil
}
