package bitfield

import (
	"reflect"
	"testing"
)

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		pieceCount int
		wantBytes  int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.pieceCount)
		if got := len(bf); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.pieceCount, got, tc.wantBytes)
		}
	}
}

func TestCreate_MatchesSpecLiteral(t *testing.T) {
	bf := Create(18, []int{1, 4, 8, 11, 12, 16})
	want := []byte{0x48, 0x98, 0x80}

	if !bf.Equals(Bitfield(want)) {
		t.Fatalf("Create bytes = % x; want % x", []byte(bf), want)
	}
}

func TestGetExistingIndexes_MatchesSpecLiteral(t *testing.T) {
	bf := FromBytes([]byte{0x07, 0x04, 0x80})
	want := []int{5, 6, 7, 13, 16}

	got := bf.GetExistingIndexes()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetExistingIndexes() = %v; want %v", got, want)
	}
}

func TestCreateThenGetExistingIndexes_RoundTrip(t *testing.T) {
	present := []int{0, 2, 5, 7, 9, 15}
	bf := Create(16, present)

	got := bf.GetExistingIndexes()
	if !reflect.DeepEqual(got, present) {
		t.Fatalf("round trip = %v; want %v", got, present)
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	idxs := []int{0, 7, 8, 9}
	for _, i := range idxs {
		bf.Set(i)
	}
	for _, i := range idxs {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	bf.Clear(7)
	if bf.Has(7) {
		t.Fatalf("bit 7 should be cleared")
	}

	bf.Set(100)
	bf.Clear(-42)
	for _, i := range []int{0, 8, 9} {
		if !bf.Has(i) {
			t.Fatalf("bit %d unexpectedly cleared by OOB ops", i)
		}
	}
}

func TestMerge(t *testing.T) {
	a := Create(16, []int{0, 5})
	b := Create(16, []int{0, 3, 15})

	a.Merge(b)

	want := []int{0, 3, 5, 15}
	if got := a.GetExistingIndexes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge result = %v; want %v", got, want)
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01})
	want := "1010010100000001"
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	bf := Create(10, []int{0, 2, 3, 8})

	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d; want 4", got)
	}

	same := FromBytes(bf.Bytes())
	if !bf.Equals(same) {
		t.Fatalf("Equals should report identical contents")
	}

	diff := FromBytes(bf.Bytes())
	diff.Set(9)
	if bf.Equals(diff) {
		t.Fatalf("Equals should detect difference")
	}
}
