package bitfield

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		numBits   int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{20, 3},
	}

	for _, tc := range cases {
		bf := New(tc.numBits)
		if got := len(bf.ToBytes()); got != tc.wantBytes {
			t.Errorf("New(%d) bytes = %d; want %d", tc.numBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasOutOfRange(t *testing.T) {
	bf := New(10)

	if err := bf.Set(10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Set(10) error = %v; want ErrOutOfRange", err)
	}
	if _, err := bf.Has(-1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Has(-1) error = %v; want ErrOutOfRange", err)
	}
}

func TestSetAllClearsSpareBits(t *testing.T) {
	bf := New(20)
	bf.SetAll()

	for i := 0; i < 20; i++ {
		has, err := bf.Has(i)
		if err != nil || !has {
			t.Fatalf("bit %d: has=%v err=%v; want true,nil", i, has, err)
		}
	}

	raw := bf.ToBytes()
	last := raw[len(raw)-1]
	if last != 0xF0 {
		t.Fatalf("spare bits not cleared: last byte = %08b", last)
	}
}

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	bf := New(17)
	_ = bf.Set(0)
	_ = bf.Set(9)
	_ = bf.Set(16)

	raw := bf.ToBytes()
	got, err := FromBytes(17, raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	if !bytes.Equal(got.ToBytes(), raw) {
		t.Fatalf("round trip mismatch: got %v want %v", got.ToBytes(), raw)
	}

	for _, i := range []int{0, 9, 16} {
		has, _ := got.Has(i)
		if !has {
			t.Errorf("bit %d lost in round trip", i)
		}
	}
}

func TestFromBytesBadLength(t *testing.T) {
	if _, err := FromBytes(20, make([]byte, 2)); !errors.Is(err, ErrBadLength) {
		t.Fatalf("FromBytes with wrong length: err = %v; want ErrBadLength", err)
	}
}

func TestHasAnyInteresting(t *testing.T) {
	mine := New(4)
	_ = mine.Set(0)
	_ = mine.Set(1)

	theirs := New(4)
	_ = theirs.Set(0)
	_ = theirs.Set(2)

	if !mine.HasAnyInteresting(theirs) {
		t.Fatal("expected interest: peer has piece 2 we lack")
	}

	_ = mine.Set(2)
	if mine.HasAnyInteresting(theirs) {
		t.Fatal("expected no interest: we now have everything they have")
	}
}

func TestPickRandomMissingExcludesCorrectly(t *testing.T) {
	mine := New(8)
	_ = mine.Set(0)

	theirs := New(8)
	theirs.SetAll()

	excluded := map[int]struct{}{2: {}, 3: {}}

	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		idx, ok := mine.PickRandomMissing(theirs, excluded)
		if !ok {
			t.Fatal("expected a pick to be available")
		}

		if idx == 0 {
			t.Fatal("picked an index we already have")
		}
		if _, isExcluded := excluded[idx]; isExcluded {
			t.Fatalf("picked excluded index %d", idx)
		}

		has, _ := theirs.Has(idx)
		if !has {
			t.Fatalf("picked index %d the peer doesn't have", idx)
		}

		seen[idx] = true
	}

	// With 500 draws over 5 eligible indices, every one should appear.
	for _, want := range []int{1, 4, 5, 6, 7} {
		if !seen[want] {
			t.Errorf("index %d never picked across 500 draws", want)
		}
	}
}

func TestPickRandomMissingEmpty(t *testing.T) {
	mine := New(4)
	mine.SetAll()

	theirs := New(4)
	theirs.SetAll()

	if _, ok := mine.PickRandomMissing(theirs, nil); ok {
		t.Fatal("expected no eligible piece")
	}
}
