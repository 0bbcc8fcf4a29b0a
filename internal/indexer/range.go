package indexer

import "errors"

var (
	errZeroWidth     = errors.New("range width must be greater than zero")
	errInvertedRange = errors.New("to block must be >= from block")
)

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// SplitRange splits [from, to] into consecutive, non-overlapping ranges of at
// most width blocks.
func SplitRange(from, to, width uint64) ([]BlockRange, error) {
	if width == 0 {
		return nil, errZeroWidth
	}
	if to < from {
		return nil, errInvertedRange
	}

	ranges := make([]BlockRange, 0, (to-from)/width+1)
	start := from
	for {
		end := to
		if to-start >= width {
			end = start + width - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}

// StartBlock estimates the block produced lookback ago given an average block
// time, clamped at genesis.
func StartBlock(head uint64, lookbackSeconds, avgBlockSeconds float64) uint64 {
	if avgBlockSeconds <= 0 || lookbackSeconds <= 0 {
		return head
	}
	blocks := uint64(lookbackSeconds / avgBlockSeconds)
	if blocks >= head {
		return 0
	}
	return head - blocks
}
