package snet

import "testing"

func TestTimeComparisons(t *testing.T) {
	cases := []struct {
		a, b uint32
		less bool
	}{
		{0, 1, true},
		{1, 0, false},
		{5, 5, false},
		{1000, 86400000, true},
		// Wraparound: a tiny timestamp is "after" one just below 2^32.
		{5, 0xFFFFFFF0, false},
		{0xFFFFFFF0, 5, true},
	}

	for _, c := range cases {
		if got := timeLess(c.a, c.b); got != c.less {
			t.Errorf("timeLess(%d, %d) = %v, want %v", c.a, c.b, got, c.less)
		}
		// Antisymmetry for distinct values within the window.
		if c.a != c.b && timeLess(c.a, c.b) == timeLess(c.b, c.a) {
			t.Errorf("timeLess(%d, %d) is not antisymmetric", c.a, c.b)
		}
		if timeGreaterEqual(c.a, c.b) == c.less {
			t.Errorf("timeGreaterEqual(%d, %d) disagrees with timeLess", c.a, c.b)
		}
	}
}

func TestTimeDifferenceIsSymmetric(t *testing.T) {
	cases := [][2]uint32{
		{0, 0},
		{100, 40},
		{40, 100},
		{0xFFFFFFF0, 5},
		{1 << 31, (1 << 31) + 86399999},
	}

	for _, c := range cases {
		ab := timeDiff(c[0], c[1])
		ba := timeDiff(c[1], c[0])
		if ab != ba {
			t.Errorf("timeDiff(%d, %d) = %d but reversed = %d", c[0], c[1], ab, ba)
		}
	}

	if got := timeDiff(100, 40); got != 60 {
		t.Errorf("timeDiff(100, 40) = %d, want 60", got)
	}
	if got := timeDiff(5, 0xFFFFFFF0); got != 21 {
		t.Errorf("wrapped timeDiff = %d, want 21", got)
	}
}
