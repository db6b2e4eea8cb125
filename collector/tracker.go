package collector

import (
	"sync"
	"time"

	"github.com/loopfi/loop-harvester/models"
)

const maxStoredErrors = 100

// tracker owns one target's progress snapshot. Every state transition and
// watermark advance for a target goes through its tracker, which keeps the
// single-writer-per-target rule honest while reporting runs concurrently.
type tracker struct {
	mutex sync.Mutex
	p     models.TargetProgress
}

func newTracker(id models.TargetID) *tracker {
	return &tracker{
		p: models.TargetProgress{
			Target:    id,
			State:     models.StateIdle,
			Watermark: -1,
			Errors:    make([]models.CollectError, 0, maxStoredErrors),
			Since:     time.Now(),
		},
	}
}

func (t *tracker) setState(state models.TargetState) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.p.State = state
}

func (t *tracker) startRange(r models.BlockRange, attempt int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.p.State = models.StateFetching
	rr := r
	t.p.CurrentRange = &rr
	t.p.RangeAttempts = attempt
}

func (t *tracker) committed(watermark int64, rows int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.p.State = models.StateIdle
	t.p.CurrentRange = nil
	t.p.RangeAttempts = 0
	t.p.Watermark = watermark
	t.p.RowsCommitted += int64(rows)
	watermarkGauge.WithLabelValues(string(t.p.Target)).Set(float64(watermark))
	rowsCommittedCount.WithLabelValues(string(t.p.Target)).Add(float64(rows))
}

func (t *tracker) setWatermark(watermark int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.p.Watermark = watermark
	watermarkGauge.WithLabelValues(string(t.p.Target)).Set(float64(watermark))
}

func (t *tracker) setLatest(blockNumber int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.p.LatestBlockNumber = blockNumber
	latestBlockGauge.WithLabelValues(string(t.p.Target)).Set(float64(blockNumber))
}

// observeError records a failure in the bounded per-target buffer.
// Source is "rpc" or "sink".
func (t *tracker) observeError(source string, r models.BlockRange, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	switch source {
	case "rpc":
		t.p.RPCErrorCount++
	case "sink":
		t.p.SinkErrorCount++
	}
	// drop the oldest once the buffer is full
	if len(t.p.Errors) == cap(t.p.Errors) {
		tmp := make([]models.CollectError, len(t.p.Errors)-1, cap(t.p.Errors))
		copy(tmp, t.p.Errors[1:])
		t.p.Errors = tmp
	}
	t.p.Errors = append(t.p.Errors, models.CollectError{
		Timestamp: time.Now(),
		Range:     r.String(),
		Error:     err.Error(),
		Source:    source,
	})
	collectErrorCount.WithLabelValues(string(t.p.Target), source).Inc()
}

func (t *tracker) snapshot() models.TargetProgress {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p := t.p
	p.Errors = append([]models.CollectError(nil), t.p.Errors...)
	if t.p.CurrentRange != nil {
		rr := *t.p.CurrentRange
		p.CurrentRange = &rr
	}
	return p
}
