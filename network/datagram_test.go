package network

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDatagramRoundTripByteOrders(t *testing.T) {
	for _, name := range []string{"little", "<", "big", ">", "native", "="} {
		order, err := ParseByteOrder(name)
		if err != nil {
			t.Fatalf("ParseByteOrder(%q) failed: %v", name, err)
		}

		payload := EncodeDatagram(order, nil, 0.125, []float64{1.5, -2, 3e-9})
		if len(payload) != DatagramSize(3) {
			t.Fatalf("unexpected payload size %d", len(payload))
		}

		values := make([]float64, 3)
		tag, err := DecodeDatagram(order, payload, values)
		if err != nil {
			t.Fatalf("DecodeDatagram failed: %v", err)
		}
		if tag != 0.125 || values[0] != 1.5 || values[1] != -2 || values[2] != 3e-9 {
			t.Fatalf("%s: round trip mismatch tag=%v values=%v", name, tag, values)
		}
	}
}

func TestDatagramLayoutIsTagFirst(t *testing.T) {
	payload := EncodeDatagram(binary.BigEndian, nil, 1, []float64{2})
	// 1.0 as a big-endian double starts with 0x3f 0xf0.
	if payload[0] != 0x3f || payload[1] != 0xf0 {
		t.Fatalf("expected tag in the first field, got % x", payload[:8])
	}
	if payload[8] != 0x40 {
		t.Fatalf("expected value 2.0 in the second field, got % x", payload[8:])
	}
}

func TestDecodeDatagramRejectsWrongSize(t *testing.T) {
	payload := EncodeDatagram(binary.LittleEndian, nil, 0, []float64{1, 2})
	if _, err := DecodeDatagram(binary.LittleEndian, payload, make([]float64, 3)); !errors.Is(err, ErrDatagramSize) {
		t.Fatalf("expected ErrDatagramSize, got %v", err)
	}
}
