package varint

import "testing"

func TestRoundTripBoundaries(t *testing.T) {
	cases := []uint64{
		0, 1, 0x7f, 0x80, 0x3fff, 0x4000,
		0x1fffff, 0x200000, 0xfffffff, 0x10000000,
		0xffffffff, 0x100000000, 1 << 40, ^uint64(0),
	}
	for _, n := range cases {
		buf := Write(nil, n)
		if got := Len(n); got != len(buf) {
			t.Errorf("Len(%d) = %d, want %d", n, got, len(buf))
		}
		got, consumed, err := Read(buf)
		if err != nil {
			t.Fatalf("Read(%x) error: %v", buf, err)
		}
		if got != n || consumed != len(buf) {
			t.Errorf("Read(Write(%d)) = (%d, %d), want (%d, %d)", n, got, consumed, n, len(buf))
		}
	}
}

func TestShortestEncoding(t *testing.T) {
	tests := []struct {
		n    uint64
		want int
	}{
		{0, 1}, {0x7f, 1},
		{0x80, 2}, {0x3fff, 2},
		{0x4000, 3}, {0x1fffff, 3},
		{0x200000, 4}, {0xfffffff, 4},
		{0x10000000, 5}, {0xffffffff, 5},
		{0x100000000, 9}, {^uint64(0), 9},
	}
	for _, tt := range tests {
		if got := len(Write(nil, tt.n)); got != tt.want {
			t.Errorf("len(Write(%d)) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestReadTruncated(t *testing.T) {
	full := Write(nil, 1<<40)
	for i := 0; i < len(full); i++ {
		if _, _, err := Read(full[:i]); err != ErrTruncated {
			t.Errorf("Read(%d bytes of %d) error = %v, want ErrTruncated", i, len(full), err)
		}
	}
}

func TestNegativeForms(t *testing.T) {
	// Small negative: 111111xx encodes bitwise-NOT of the low 2 bits.
	buf := []byte{0xFF} // ^0b11 = ^3
	v, n, err := Read(buf)
	if err != nil || n != 1 || v != ^uint64(3) {
		t.Fatalf("Read(0xFF) = (%d, %d, %v), want (%d, 1, nil)", v, n, err, ^uint64(3))
	}

	// Recursive negative: 111110__ + inner varint.
	inner := Write(nil, 5)
	buf = append([]byte{0xF8}, inner...)
	v, n, err = Read(buf)
	if err != nil || n != 1+len(inner) || v != ^uint64(5) {
		t.Fatalf("Read(recursive negative) = (%d, %d, %v), want (%d, %d, nil)", v, n, err, ^uint64(5), 1+len(inner))
	}
}

func TestEmptyInput(t *testing.T) {
	if _, _, err := Read(nil); err != ErrTruncated {
		t.Fatalf("Read(nil) error = %v, want ErrTruncated", err)
	}
}
