package checksum_test

import (
	"testing"

	"github.com/snetproject/snet/checksum"
)

func TestKnownVector(t *testing.T) {
	// The canonical CRC-32 check value.
	got := checksum.CRC32([][]byte{[]byte("123456789")})
	if got != 0xCBF43926 {
		t.Errorf("CRC32(123456789) = %#x, want 0xCBF43926", got)
	}
}

func TestGatherEqualsConcatenation(t *testing.T) {
	whole := []byte("the quick brown fox jumps over the lazy dog")

	for _, split := range []int{0, 1, 9, len(whole) - 1, len(whole)} {
		gathered := checksum.CRC32([][]byte{whole[:split], whole[split:]})
		flat := checksum.CRC32([][]byte{whole})
		if gathered != flat {
			t.Errorf("split at %d: gather %#x != flat %#x", split, gathered, flat)
		}
	}

	three := checksum.CRC32([][]byte{whole[:10], whole[10:20], whole[20:]})
	if three != checksum.CRC32([][]byte{whole}) {
		t.Error("three-way gather differs from flat checksum")
	}
}

func TestEmptyBuffers(t *testing.T) {
	if got := checksum.CRC32(nil); got != 0 {
		t.Errorf("CRC32(nil) = %#x, want 0", got)
	}
	with := checksum.CRC32([][]byte{nil, []byte("abc"), {}})
	without := checksum.CRC32([][]byte{[]byte("abc")})
	if with != without {
		t.Error("empty buffers in the gather list changed the checksum")
	}
}
