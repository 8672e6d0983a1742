package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockscan-io/indexer-go/sequence"
)

func TestMissingRanges(t *testing.T) {
	tests := []struct {
		name    string
		present []uint64
		lo, hi  uint64
		want    []sequence.Range
	}{
		{
			name:   "nothing present",
			lo:     0,
			hi:     5,
			want:   []sequence.Range{{First: 0, Last: 5}},
		},
		{
			name:    "everything present",
			present: []uint64{3, 4, 5},
			lo:      3,
			hi:      5,
			want:    nil,
		},
		{
			name:    "interior gaps",
			present: []uint64{1, 4, 5, 8},
			lo:      0,
			hi:      10,
			want: []sequence.Range{
				{First: 0, Last: 0},
				{First: 2, Last: 3},
				{First: 6, Last: 7},
				{First: 9, Last: 10},
			},
		},
		{
			name:    "single block window",
			present: nil,
			lo:      7,
			hi:      7,
			want:    []sequence.Range{{First: 7, Last: 7}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, missingRanges(tt.present, tt.lo, tt.hi))
		})
	}
}

func TestReverseRanges(t *testing.T) {
	ranges := []sequence.Range{
		{First: 0, Last: 2},
		{First: 5, Last: 7},
	}
	reverseRanges(ranges)
	assert.Equal(t, []sequence.Range{
		{First: 7, Last: 5},
		{First: 2, Last: 0},
	}, ranges)
}
