package crc

import (
	"math/rand"
	"testing"
)

// bitwise is the textbook MSB-first CRC-16/CCITT-FALSE.
func bitwise(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestChecksum16(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0xFFFF,
		},
		{
			name:     "check string",
			data:     []byte("123456789"),
			expected: 0x29B1,
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: bitwise([]byte{0x00}),
		},
		{
			name:     "erased flash word",
			data:     []byte{0xFF, 0xFF, 0xFF, 0xFF},
			expected: bitwise([]byte{0xFF, 0xFF, 0xFF, 0xFF}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum16(tt.data); got != tt.expected {
				t.Errorf("Checksum16() = 0x%04X, want 0x%04X", got, tt.expected)
			}
		})
	}
}

func TestChecksum16MatchesBitwise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 300; n += 7 {
		data := make([]byte, n)
		rng.Read(data)
		if got, want := Checksum16(data), bitwise(data); got != want {
			t.Fatalf("len %d: Checksum16() = 0x%04X, want 0x%04X", n, got, want)
		}
	}
}

func TestCRC16Streaming(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 5000)
	rng.Read(data)
	want := Checksum16(data)

	for round := 0; round < 50; round++ {
		c := New16()
		for rest := data; len(rest) > 0; {
			n := rng.Intn(300) + 1
			n = min(n, len(rest))
			c.Update(rest[:n])
			rest = rest[n:]
		}
		if got := c.Sum(); got != want {
			t.Fatalf("round %d: streaming sum 0x%04X, one-shot 0x%04X", round, got, want)
		}
	}
}

func TestResume16(t *testing.T) {
	data := []byte("firmware image split across a power cycle")
	for split := 0; split <= len(data); split++ {
		first := New16()
		first.Update(data[:split])

		resumed := Resume16(first.Sum())
		resumed.Update(data[split:])

		if got, want := resumed.Sum(), Checksum16(data); got != want {
			t.Errorf("split %d: resumed sum 0x%04X, want 0x%04X", split, got, want)
		}
	}
}

func TestChecksum32(t *testing.T) {
	if got := Checksum32([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("Checksum32() = 0x%08X, want 0xCBF43926", got)
	}

	data := []byte("the quick brown fox jumps over the lazy dog")
	var c CRC32
	c.Update(data[:10])
	c.Update(data[10:])
	if got, want := c.Sum(), Checksum32(data); got != want {
		t.Errorf("streaming CRC32 = 0x%08X, want 0x%08X", got, want)
	}
}
