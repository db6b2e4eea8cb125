package collector

import (
	"github.com/loopfi/loop-harvester/models"
)

// Plan yields the ordered sequence of block sub-ranges left to fetch:
// contiguous, non-overlapping ranges of width <= step covering
// (lastSynced, endBlock]. A Plan is a pure function of its inputs, so
// recomputing one from a persisted watermark after a crash reproduces the
// same unfetched tail.
type Plan struct {
	next int64
	end  int64
	step int64
}

func NewPlan(lastSynced, endBlock, step int64) *Plan {
	if step < 1 {
		step = 1
	}
	return &Plan{
		next: lastSynced + 1,
		end:  endBlock,
		step: step,
	}
}

// Next returns the next range to fetch, or false when the plan is exhausted.
// lastSynced >= endBlock produces an empty plan: already up to date.
func (p *Plan) Next() (models.BlockRange, bool) {
	if p.next > p.end {
		return models.BlockRange{}, false
	}
	end := p.next + p.step - 1
	if end > p.end {
		end = p.end
	}
	r := models.BlockRange{Start: p.next, End: end}
	p.next = end + 1
	return r, true
}

// Remaining is how many ranges the plan will still yield.
func (p *Plan) Remaining() int64 {
	if p.next > p.end {
		return 0
	}
	return (p.end - p.next + p.step) / p.step
}
