package shard

import (
	"errors"
	"fmt"
	"testing"
)

func TestBelongsToExactlyOneShard(t *testing.T) {
	hashes := []string{
		"0x0",
		"0x1",
		"0xdeadbeef",
		"0x9f1c6e0a1f2b0e4c3a6f8d2e5b7c9a1d3e5f7b9c1d3e5f7a9b1c3d5e7f9a1b3c",
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	}
	for _, total := range []int{1, 2, 3, 7, 16} {
		for _, h := range hashes {
			owners := 0
			for id := 0; id < total; id++ {
				ok, err := BelongsTo(h, id, total)
				if err != nil {
					t.Fatalf("BelongsTo(%s, %d, %d) returned error: %v", h, id, total, err)
				}
				if ok {
					owners++
				}
			}
			if owners != 1 {
				t.Fatalf("hash %s with %d workers has %d owners, want 1", h, total, owners)
			}
		}
	}
}

func TestBelongsToModulo(t *testing.T) {
	ok, err := BelongsTo("0x0b", 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("0x0b mod 3 is 2")
	}

	withPrefix, _ := BelongsTo("0xabcdef", 1, 4)
	without, _ := BelongsTo("abcdef", 1, 4)
	if withPrefix != without {
		t.Fatal("0x prefix must not change the shard")
	}
}

func TestBelongsToRejectsBadInput(t *testing.T) {
	for _, total := range []int{0, -1} {
		if _, err := BelongsTo("0x01", 0, total); !errors.Is(err, ErrInvalidAssignment) {
			t.Fatalf("total=%d should be an assignment error, got %v", total, err)
		}
	}

	for _, h := range []string{"", "0x", "0xzz", "hello"} {
		if _, err := BelongsTo(h, 0, 1); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("hash %q should be malformed, got %v", h, err)
		}
	}
}

func TestAssignmentValidate(t *testing.T) {
	cases := []struct {
		a     Assignment
		valid bool
	}{
		{Assignment{WorkerID: 0, TotalWorkers: 1}, true},
		{Assignment{WorkerID: 3, TotalWorkers: 4}, true},
		{Assignment{WorkerID: 4, TotalWorkers: 4}, false},
		{Assignment{WorkerID: -1, TotalWorkers: 4}, false},
		{Assignment{WorkerID: 0, TotalWorkers: 0}, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d/%d", tc.a.WorkerID, tc.a.TotalWorkers), func(t *testing.T) {
			err := tc.a.Validate()
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidAssignment) {
				t.Fatalf("expected ErrInvalidAssignment, got %v", err)
			}
		})
	}
}
