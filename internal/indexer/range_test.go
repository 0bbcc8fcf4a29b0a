package indexer

import (
	"math"
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	got, err := SplitRange(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{
		{From: 100, To: 101},
		{From: 102, To: 103},
		{From: 104, To: 105},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeSingle(t *testing.T) {
	got, err := SplitRange(5, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{{From: 5, To: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeCoversWithoutGaps(t *testing.T) {
	for _, width := range []uint64{1, 3, 5, 7, 1000} {
		ranges, err := SplitRange(11, 137, width)
		if err != nil {
			t.Fatalf("width %d: %v", width, err)
		}
		next := uint64(11)
		for _, r := range ranges {
			if r.From != next {
				t.Fatalf("width %d: gap or overlap at %d (want %d)", width, r.From, next)
			}
			if r.Len() > width {
				t.Fatalf("width %d: range too wide: %+v", width, r)
			}
			next = r.To + 1
		}
		if next != 138 {
			t.Fatalf("width %d: coverage ended at %d", width, next-1)
		}
	}
}

func TestSplitRangeNearMaxUint(t *testing.T) {
	got, err := SplitRange(math.MaxUint64-2, math.MaxUint64, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].To != math.MaxUint64 {
		t.Fatalf("ranges mismatch: %+v", got)
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero width")
	}
}

func TestStartBlock(t *testing.T) {
	if got := StartBlock(100000, 3600, 2); got != 98200 {
		t.Fatalf("unexpected start %d", got)
	}
	if got := StartBlock(100, 3600, 2); got != 0 {
		t.Fatalf("expected clamp at genesis, got %d", got)
	}
}
