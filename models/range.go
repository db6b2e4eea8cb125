package models

import "fmt"

// BlockRange is a contiguous interval of block numbers, inclusive on both
// ends, scheduled as a single fetch/commit unit.
type BlockRange struct {
	Start int64
	End   int64
}

func (r BlockRange) Width() int64 {
	return r.End - r.Start + 1
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}
