package rangecoder_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/snetproject/snet/rangecoder"
)

func roundTrip(t *testing.T, in []byte) {
	t.Helper()

	rc := rangecoder.New()
	out := make([]byte, len(in))

	size := rc.Compress([][]byte{in}, len(in), out)
	if size == 0 {
		// Incompressible at this size; nothing further to check.
		return
	}
	if size >= len(in) {
		t.Fatalf("Compress returned %d for %d input bytes without failing", size, len(in))
	}

	decoded := make([]byte, len(in))
	n := rc.Decompress(out[:size], decoded)
	if n != len(in) {
		t.Fatalf("Decompress returned %d, want %d", n, len(in))
	}
	if !bytes.Equal(decoded, in) {
		t.Fatal("decompressed bytes differ from input")
	}
}

func TestRoundTripText(t *testing.T) {
	in := bytes.Repeat([]byte("reliable ordered delivery over unreliable datagrams. "), 40)
	roundTrip(t, in)
}

func TestRoundTripBinaryPatterns(t *testing.T) {
	var in []byte
	for i := 0; i < 2048; i++ {
		in = append(in, byte(i%7), byte(i%13), 0, 0, byte(i))
	}
	roundTrip(t, in)
}

func TestRoundTripAllByteValues(t *testing.T) {
	var in []byte
	for v := 0; v < 256; v++ {
		in = append(in, bytes.Repeat([]byte{byte(v)}, 16)...)
	}
	roundTrip(t, in)
}

func TestRoundTripShortInputs(t *testing.T) {
	for _, in := range [][]byte{
		[]byte("a"),
		[]byte("ab"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		{0x00, 0x00, 0x00, 0x00},
	} {
		roundTrip(t, in)
	}
}

func TestGatherEqualsFlat(t *testing.T) {
	rc := rangecoder.New()
	in := bytes.Repeat([]byte("gather list equivalence "), 32)

	flatOut := make([]byte, len(in))
	flatSize := rc.Compress([][]byte{in}, len(in), flatOut)

	gatherOut := make([]byte, len(in))
	gatherSize := rc.Compress([][]byte{in[:100], in[100:350], in[350:]}, len(in), gatherOut)

	if flatSize != gatherSize || !bytes.Equal(flatOut[:flatSize], gatherOut[:gatherSize]) {
		t.Error("gathered input produced different output than flat input")
	}
}

func TestInLimitTruncatesInput(t *testing.T) {
	rc := rangecoder.New()
	in := bytes.Repeat([]byte("limit "), 100)

	out := make([]byte, len(in))
	size := rc.Compress([][]byte{in}, 300, out)
	if size == 0 {
		t.Skip("input incompressible at this size")
	}

	decoded := make([]byte, len(in))
	n := rc.Decompress(out[:size], decoded)
	if n != 300 {
		t.Fatalf("Decompress returned %d, want 300", n)
	}
	if !bytes.Equal(decoded[:300], in[:300]) {
		t.Error("decompressed bytes differ from truncated input")
	}
}

func TestIncompressibleReturnsZero(t *testing.T) {
	rc := rangecoder.New()
	rng := rand.New(rand.NewSource(1))
	in := make([]byte, 1024)
	rng.Read(in)

	// Random bytes cannot shrink; with out capped at len(in) the encoder
	// must report failure rather than overrun.
	out := make([]byte, len(in))
	if size := rc.Compress([][]byte{in}, len(in), out); size != 0 {
		// Occasionally a random buffer squeaks under the limit; if so it
		// must still round-trip.
		decoded := make([]byte, len(in))
		if n := rc.Decompress(out[:size], decoded); n != len(in) || !bytes.Equal(decoded, in) {
			t.Error("claimed compression of random data does not round-trip")
		}
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	rc := rangecoder.New()
	out := make([]byte, 4096)

	// A length prefix claiming more than the output buffer holds.
	if n := rc.Decompress([]byte{0xFF, 0xFF, 0xFF, 0x7F, 1, 2, 3}, out[:16]); n != 0 {
		t.Errorf("oversized claim: Decompress = %d, want 0", n)
	}

	// Empty and zero-length input.
	if n := rc.Decompress(nil, out); n != 0 {
		t.Errorf("nil input: Decompress = %d, want 0", n)
	}
	if n := rc.Decompress([]byte{0x00}, out); n != 0 {
		t.Errorf("zero-length claim: Decompress = %d, want 0", n)
	}
}
