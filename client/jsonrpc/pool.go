package jsonrpc

import (
	"log/slog"
	"sync"
	"time"

	pq "github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
	"github.com/go-errors/errors"
)

const (
	DefaultFailThreshold = 3
	DefaultCooldown      = 30 * time.Second
)

// Endpoint is one RPC connection candidate. Health bookkeeping is owned by
// the Pool; never persisted.
type Endpoint struct {
	url string

	// guarded by the pool mutex
	consecutiveFailures int
	deadUntil           time.Time
	lastUsed            time.Time
}

func (e *Endpoint) URL() string {
	return e.url
}

// Pool hands out endpoints in least-recently-used order, skipping endpoints
// in their dead cooldown. Safe for concurrent Acquire/Report.
//
// Endpoints sit in a priority queue keyed by lastUsed, which only changes
// under the mutex during Acquire (pop, stamp, push), so the heap never sees
// a stale key.
type Pool struct {
	mutex         sync.Mutex
	queue         pq.Queue
	size          int
	failThreshold int
	cooldown      time.Duration
	log           *slog.Logger
}

func byLastUsed(a, b interface{}) int {
	return utils.TimeComparator(a.(*Endpoint).lastUsed, b.(*Endpoint).lastUsed)
}

func NewPool(log *slog.Logger, urls []string, failThreshold int, cooldown time.Duration) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.Errorf("endpoint pool needs at least one URL")
	}
	if failThreshold <= 0 {
		failThreshold = DefaultFailThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	p := &Pool{
		queue:         *pq.NewWith(byLastUsed),
		size:          len(urls),
		failThreshold: failThreshold,
		cooldown:      cooldown,
		log:           log.With("module", "endpoint_pool"),
	}
	for _, u := range urls {
		p.queue.Enqueue(&Endpoint{url: u})
	}
	healthyEndpointsGauge.Set(float64(p.size))
	return p, nil
}

// Acquire returns the least-recently-used live endpoint, or ErrNoEndpoints
// when every endpoint is inside its dead cooldown.
func (p *Pool) Acquire() (*Endpoint, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	skipped := make([]*Endpoint, 0, p.size)
	defer func() {
		for _, ep := range skipped {
			p.queue.Enqueue(ep)
		}
	}()

	for i := 0; i < p.size; i++ {
		v, ok := p.queue.Dequeue()
		if !ok {
			break
		}
		ep := v.(*Endpoint)
		if ep.deadUntil.After(now) {
			skipped = append(skipped, ep)
			continue
		}
		ep.lastUsed = now
		p.queue.Enqueue(ep)
		return ep, nil
	}
	return nil, ErrNoEndpoints
}

// ReportSuccess resets the endpoint's failure count and revives it.
func (p *Pool) ReportSuccess(ep *Endpoint) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ep.consecutiveFailures = 0
	ep.deadUntil = time.Time{}
	healthyEndpointsGauge.Set(float64(p.healthyLocked()))
}

// ReportFailure increments the failure count and, once the threshold is
// reached, marks the endpoint dead for the cooldown window.
func (p *Pool) ReportFailure(ep *Endpoint) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ep.consecutiveFailures++
	if ep.consecutiveFailures >= p.failThreshold {
		ep.deadUntil = time.Now().Add(p.cooldown)
		p.log.Warn("Endpoint marked dead",
			"url", ep.url,
			"consecutiveFailures", ep.consecutiveFailures,
			"cooldown", p.cooldown.String(),
		)
		healthyEndpointsGauge.Set(float64(p.healthyLocked()))
	}
}

// Cooldown is how long callers should back off after ErrNoEndpoints.
func (p *Pool) Cooldown() time.Duration {
	return p.cooldown
}

func (p *Pool) Size() int {
	return p.size
}

// Healthy counts endpoints currently outside their dead cooldown.
func (p *Pool) Healthy() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.healthyLocked()
}

func (p *Pool) healthyLocked() int {
	now := time.Now()
	healthy := 0
	for _, v := range p.queue.Values() {
		if !v.(*Endpoint).deadUntil.After(now) {
			healthy++
		}
	}
	return healthy
}
